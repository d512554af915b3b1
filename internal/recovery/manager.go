// Package recovery fills gaps in the live 1-minute series from the
// historical candle API.
//
// A gap is the time between a symbol's newest stored bar and now. Recovered
// bars are written as synthetic, so they only ever fill empty minutes and
// are replaced as soon as the aggregator produces the real bar. A failed
// recovery leaves the gap for the next pass.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/tickvault/internal/backfill"
	defaults "github.com/xtxerr/tickvault/config"
	"github.com/xtxerr/tickvault/internal/errors"
	"github.com/xtxerr/tickvault/internal/logging"
	"github.com/xtxerr/tickvault/internal/session"
	"github.com/xtxerr/tickvault/internal/storage/config"
	"github.com/xtxerr/tickvault/internal/storage/live"
	"github.com/xtxerr/tickvault/internal/storage/router"
	"github.com/xtxerr/tickvault/internal/storage/types"
)

// Options configures a Manager.
type Options struct {
	// Symbols are recovered by RecoverAll and Run.
	Symbols []string

	// Interval is the cadence of Run.
	Interval time.Duration

	// GapThreshold is the smallest gap worth fetching.
	GapThreshold time.Duration

	// WriteRetries bounds retries of a failed write.
	WriteRetries int

	// RetryDelay is the delay between write retries.
	RetryDelay time.Duration

	// Concurrency bounds parallel symbol recoveries.
	Concurrency int
}

// DefaultOptions returns default recovery options.
func DefaultOptions() Options {
	return Options{
		Interval:     defaults.DefaultRecoveryInterval,
		GapThreshold: defaults.DefaultGapThreshold,
		WriteRetries: defaults.DefaultRecoveryWriteRetries,
		RetryDelay:   500 * time.Millisecond,
		Concurrency:  defaults.DefaultRecoveryConcurrency,
	}
}

// OptionsFromConfig maps the recovery section.
func OptionsFromConfig(cfg config.RecoveryConfig, symbols []string) Options {
	opts := DefaultOptions()
	opts.Symbols = symbols
	opts.Interval = cfg.Interval
	opts.GapThreshold = cfg.GapThreshold
	opts.WriteRetries = cfg.WriteRetries
	opts.Concurrency = cfg.Concurrency
	return opts
}

// Manager detects and fills gaps.
type Manager struct {
	router *router.Router
	source backfill.Source
	cal    *session.Calendar
	opts   Options
	log    *slog.Logger
	now    func() time.Time

	inflight singleflight.Group

	// Statistics
	passes     atomic.Int64
	recoveries atomic.Int64
	skipped    atomic.Int64
	inserted   atomic.Int64
	failures   atomic.Int64
	shared     atomic.Int64
}

// New creates a recovery manager.
func New(r *router.Router, src backfill.Source, cal *session.Calendar, opts Options) *Manager {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Interval <= 0 {
		opts.Interval = defaults.DefaultRecoveryInterval
	}
	return &Manager{
		router: r,
		source: src,
		cal:    cal,
		opts:   opts,
		log:    logging.Component("recovery"),
		now:    time.Now,
	}
}

// Outcome describes the recovery of one symbol.
type Outcome struct {
	Symbol string

	// Last is the newest stored bar before recovery (or the default start).
	Last time.Time

	// Gap is now minus Last.
	Gap time.Duration

	// Skipped is set when the gap was below the threshold.
	Skipped bool

	// Modes lists the API fetches made ("historical", "intraday").
	Modes []string

	Fetched  int
	Inserted int
	Err      error
}

// RecoverSymbol fills the gap of one symbol. Concurrent calls for the same
// symbol share one recovery.
func (m *Manager) RecoverSymbol(ctx context.Context, symbol string) (Outcome, error) {
	v, err, shared := m.inflight.Do(symbol, func() (any, error) {
		out := m.recover(ctx, symbol)
		return out, out.Err
	})
	if shared {
		m.shared.Add(1)
	}
	return v.(Outcome), err
}

func (m *Manager) recover(ctx context.Context, symbol string) Outcome {
	now := m.now()
	cutoff := now.Truncate(time.Minute)
	out := Outcome{Symbol: symbol}

	last, ok, err := m.lastBar(ctx, symbol)
	if err != nil {
		return m.fail(out, fmt.Errorf("last bar: %w", err))
	}
	if !ok {
		last = m.cal.SessionOpen(now).Add(-time.Minute)
	}
	out.Last = last
	out.Gap = now.Sub(last)

	if out.Gap < m.opts.GapThreshold {
		out.Skipped = true
		m.skipped.Add(1)
		return out
	}

	fetched, err := m.fetch(ctx, symbol, last, now, &out)
	if err != nil {
		return m.fail(out, err)
	}
	out.Fetched = len(fetched)

	missing := make([]types.Bar, 0, len(fetched))
	for _, b := range fetched {
		if b.Timestamp.After(last) && b.Timestamp.Before(cutoff) {
			b.Symbol = symbol
			b.Timeframe = types.Base
			b.IsSynthetic = true
			missing = append(missing, b)
		}
	}
	missing = types.DedupeBars(missing)
	if len(missing) == 0 {
		m.recoveries.Add(1)
		return out
	}

	n, err := m.write(ctx, symbol, missing)
	if err != nil {
		return m.fail(out, err)
	}
	out.Inserted = n
	m.recoveries.Add(1)
	m.inserted.Add(int64(n))
	m.log.Info("gap recovered",
		"symbol", symbol,
		"from", last,
		"gap", out.Gap.Round(time.Second),
		"fetched", out.Fetched,
		"inserted", n)
	return out
}

func (m *Manager) fail(out Outcome, err error) Outcome {
	out.Err = fmt.Errorf("recover %s: %w", out.Symbol, err)
	m.failures.Add(1)
	m.log.Warn("recovery failed, gap left for next pass", "symbol", out.Symbol, "error", err)
	return out
}

func (m *Manager) lastBar(ctx context.Context, symbol string) (time.Time, bool, error) {
	var (
		last time.Time
		ok   bool
	)
	err := m.router.LiveReader(ctx, func(h *live.Handles) error {
		var err error
		last, ok, err = h.Candles.LastBarTime(ctx, symbol, types.Base, false)
		return err
	})
	if errors.Is(err, errors.ErrPartitionNotFound) {
		return time.Time{}, false, nil
	}
	return last, ok, err
}

// fetch picks the API mode: a gap starting today is served by the intraday
// endpoint; an older gap by the historical range up to yesterday, plus the
// intraday endpoint when today is a trading day.
func (m *Manager) fetch(ctx context.Context, symbol string, last, now time.Time, out *Outcome) ([]types.Bar, error) {
	if m.cal.SameDate(last, now) {
		out.Modes = append(out.Modes, "intraday")
		return m.source.Intraday(ctx, symbol, types.Base)
	}

	yesterday := m.cal.Midnight(now).Add(-time.Nanosecond)
	out.Modes = append(out.Modes, "historical")
	bars, err := m.source.Historical(ctx, symbol, types.Base, last, yesterday)
	if err != nil {
		return nil, err
	}
	if !m.cal.IsTradingDay(now) {
		return bars, nil
	}

	out.Modes = append(out.Modes, "intraday")
	today, err := m.source.Intraday(ctx, symbol, types.Base)
	if err != nil {
		return nil, err
	}
	return append(bars, today...), nil
}

// write inserts the bars whose minute is still empty and returns how many
// were inserted. Failed writes are retried.
func (m *Manager) write(ctx context.Context, symbol string, bars []types.Bar) (int, error) {
	types.SortBars(bars)
	first, last := bars[0].Timestamp, bars[len(bars)-1].Timestamp

	var inserted int
	op := func() error {
		return m.router.LiveWriter(ctx, func(h *live.Handles) error {
			stored, err := h.Candles.Bars(ctx, symbol, types.Base, first, last)
			if err != nil {
				return err
			}
			taken := make(map[int64]bool, len(stored))
			for _, b := range stored {
				taken[b.Timestamp.UnixNano()] = true
			}
			absent := make([]types.Bar, 0, len(bars))
			for _, b := range bars {
				if !taken[b.Timestamp.UnixNano()] {
					absent = append(absent, b)
				}
			}
			if _, err := h.Candles.UpsertBars(ctx, absent); err != nil {
				return err
			}
			inserted = len(absent)
			return nil
		})
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.opts.RetryDelay), uint64(max(m.opts.WriteRetries, 0))),
		ctx)
	if err := backoff.Retry(op, b); err != nil {
		return 0, fmt.Errorf("write synthetic bars: %w", err)
	}
	return inserted, nil
}

// =============================================================================
// Passes
// =============================================================================

// Report summarizes a RecoverAll pass.
type Report struct {
	Started   time.Time
	Duration  time.Duration
	Outcomes  []Outcome
	Recovered int
	Skipped   int
	Failed    int
}

// Err joins the per-symbol errors.
func (r Report) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}

// RecoverAll recovers every configured symbol with bounded concurrency. One
// symbol failing does not stop the others.
func (m *Manager) RecoverAll(ctx context.Context) Report {
	m.passes.Add(1)
	report := Report{Started: m.now()}
	outcomes := make([]Outcome, len(m.opts.Symbols))

	var g errgroup.Group
	g.SetLimit(m.opts.Concurrency)
	for i, symbol := range m.opts.Symbols {
		g.Go(func() error {
			outcomes[i], _ = m.RecoverSymbol(ctx, symbol)
			return nil
		})
	}
	g.Wait()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Symbol < outcomes[j].Symbol })
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			report.Failed++
		case o.Skipped:
			report.Skipped++
		default:
			report.Recovered++
		}
	}
	report.Outcomes = outcomes
	report.Duration = m.now().Sub(report.Started)
	return report
}

// Run performs a pass immediately and then every Interval until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.log.Info("recovery started", "symbols", len(m.opts.Symbols), "interval", m.opts.Interval)
	for {
		report := m.RecoverAll(ctx)
		if report.Failed > 0 {
			m.log.Warn("recovery pass incomplete", "failed", report.Failed, "recovered", report.Recovered)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Stats contains recovery statistics.
type Stats struct {
	Passes     int64
	Recoveries int64
	Skipped    int64
	Inserted   int64
	Failures   int64
	Shared     int64
}

// Stats returns recovery statistics.
func (m *Manager) Stats() Stats {
	return Stats{
		Passes:     m.passes.Load(),
		Recoveries: m.recoveries.Load(),
		Skipped:    m.skipped.Load(),
		Inserted:   m.inserted.Load(),
		Failures:   m.failures.Load(),
		Shared:     m.shared.Load(),
	}
}
