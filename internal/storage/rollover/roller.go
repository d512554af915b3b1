// Package rollover moves the day's live buffer into historical partitions.
//
// A rollover holds the live buffer lock for its whole duration, copies every
// row into the partition of its exchange-local date, and only then resets
// the live buffer. Any failure before the reset leaves the live buffer as it
// was; the partition upserts make a retry after a partial write idempotent.
package rollover

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/tickvault/internal/errors"
	"github.com/xtxerr/tickvault/internal/logging"
	"github.com/xtxerr/tickvault/internal/session"
	"github.com/xtxerr/tickvault/internal/storage/router"
	"github.com/xtxerr/tickvault/internal/storage/types"
)

// Roller performs end-of-day rollovers.
type Roller struct {
	router *router.Router
	cal    *session.Calendar
	log    *slog.Logger

	// Only one rollover runs at a time in this process.
	mu sync.Mutex

	// Statistics
	runs     atomic.Int64
	empty    atomic.Int64
	failures atomic.Int64
	last     atomic.Pointer[Result]
}

// Result reports one rollover.
type Result struct {
	Started  time.Time
	Duration time.Duration

	// Empty is set when the live buffer held nothing.
	Empty bool

	Ticks int
	Bars  int

	// Partitions lists every partition written, e.g. "NSE/ticks/2024-01-15".
	Partitions []string
}

// New creates a roller.
func New(r *router.Router, cal *session.Calendar) *Roller {
	return &Roller{
		router: r,
		cal:    cal,
		log:    logging.Component("rollover"),
	}
}

type barPartition struct {
	tf   types.Timeframe
	date string
}

// Run performs one rollover.
func (ro *Roller) Run(ctx context.Context) (Result, error) {
	ro.mu.Lock()
	defer ro.mu.Unlock()

	res := Result{Started: time.Now()}
	ro.runs.Add(1)

	err := ro.router.LiveMaintenance(ctx, func(m *router.Maintenance) error {
		if !m.Exists() {
			res.Empty = true
			return nil
		}

		ticks, bars, err := ro.snapshot(ctx, m)
		if err != nil {
			return err
		}
		if len(ticks) == 0 && len(bars) == 0 {
			res.Empty = true
			return nil
		}

		if err := ro.writeHistory(ctx, ticks, bars, &res); err != nil {
			return err
		}
		res.Ticks = len(ticks)
		res.Bars = len(bars)

		// Only after both partition families are committed.
		if err := m.Reset(); err != nil {
			return fmt.Errorf("reset live buffer: %w", err)
		}
		return nil
	})

	res.Duration = time.Since(res.Started)
	if err != nil {
		ro.failures.Add(1)
		ro.log.Error("rollover failed, live buffer left intact", "error", err)
		return res, fmt.Errorf("rollover: %w", err)
	}

	if res.Empty {
		ro.empty.Add(1)
		ro.log.Info("rollover skipped, live buffer empty")
	} else {
		ro.log.Info("rollover complete",
			"ticks", res.Ticks,
			"bars", res.Bars,
			"partitions", len(res.Partitions),
			"duration", res.Duration)
	}
	ro.last.Store(&res)
	return res, nil
}

// snapshot runs the integrity check and reads every row. Handles are closed
// before it returns so the files can be reset.
func (ro *Roller) snapshot(ctx context.Context, m *router.Maintenance) ([]types.Tick, []types.Bar, error) {
	h, err := m.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open live buffer: %v", errors.ErrIntegrity, err)
	}
	defer h.Close()

	counts, err := h.Check(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errors.ErrIntegrity, err)
	}
	if counts.Empty() {
		return nil, nil, nil
	}

	ticks, err := h.Ticks.AllTicks(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read live ticks: %w", err)
	}
	bars, err := h.Candles.AllBars(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read live bars: %w", err)
	}

	if int64(len(ticks)) != counts.Ticks || int64(len(bars)) != counts.Bars {
		return nil, nil, fmt.Errorf("%w: read %d ticks and %d bars, counted %d and %d",
			errors.ErrIntegrity, len(ticks), len(bars), counts.Ticks, counts.Bars)
	}
	return ticks, bars, nil
}

// writeHistory upserts ticks per date and bars per timeframe and date under
// the market data lock.
func (ro *Roller) writeHistory(ctx context.Context, ticks []types.Tick, bars []types.Bar, res *Result) error {
	tickDates := make(map[string][]types.Tick)
	for _, t := range ticks {
		d := ro.cal.Date(t.Timestamp)
		tickDates[d] = append(tickDates[d], t)
	}

	barParts := make(map[barPartition][]types.Bar)
	for _, b := range bars {
		k := barPartition{tf: b.Timeframe, date: ro.cal.Date(b.Timestamp)}
		barParts[k] = append(barParts[k], b)
	}

	exchange := ro.router.Exchange()
	return ro.router.HistoricalWriter(ctx, func(w *router.HistoryWriter) error {
		for _, date := range sortedKeys(tickDates) {
			if _, err := w.UpsertTicks(date, tickDates[date]); err != nil {
				return err
			}
			res.Partitions = append(res.Partitions, router.TickPartition(exchange, date).String())
		}

		keys := make([]barPartition, 0, len(barParts))
		for k := range barParts {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].tf != keys[j].tf {
				return keys[i].tf < keys[j].tf
			}
			return keys[i].date < keys[j].date
		})

		for _, k := range keys {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := w.UpsertBars(k.tf, k.date, barParts[k]); err != nil {
				return err
			}
			res.Partitions = append(res.Partitions, router.CandlePartition(exchange, k.tf, k.date).String())
		}
		return nil
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stats returns rollover statistics.
func (ro *Roller) Stats() Stats {
	s := Stats{
		Runs:     ro.runs.Load(),
		Empty:    ro.empty.Load(),
		Failures: ro.failures.Load(),
	}
	if last := ro.last.Load(); last != nil {
		s.Last = *last
	}
	return s
}

// Stats holds rollover statistics.
type Stats struct {
	Runs     int64
	Empty    int64
	Failures int64
	Last     Result
}
