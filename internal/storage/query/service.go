// Package query provides unified bar access across the live buffer and the
// historical partitions.
//
// A query reads today's bars from the live buffer and older bars from the
// per-date candle partitions, newest date first, and merges them into one
// ascending series. Timeframes that are not stored are resampled from the
// base series on the fly.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	defaults "github.com/xtxerr/tickvault/config"
	"github.com/xtxerr/tickvault/internal/errors"
	"github.com/xtxerr/tickvault/internal/logging"
	"github.com/xtxerr/tickvault/internal/resample"
	"github.com/xtxerr/tickvault/internal/session"
	"github.com/xtxerr/tickvault/internal/storage/live"
	"github.com/xtxerr/tickvault/internal/storage/router"
	"github.com/xtxerr/tickvault/internal/storage/types"
)

// Query selects bars of one symbol.
type Query struct {
	Symbol string

	// Exchange must match the router's exchange when set.
	Exchange string

	Timeframe types.Timeframe

	// Start and End bound bar timestamps inclusively. A zero Start is
	// unbounded; a zero End means now.
	Start time.Time
	End   time.Time

	// Limit caps the result. Without Start the newest Limit bars are
	// returned, with Start the oldest Limit bars.
	Limit int
}

// Validate checks the query against the router it runs on.
func (q Query) Validate(exchange string) error {
	if q.Symbol == "" {
		return errors.NewMissingField("symbol")
	}
	if q.Exchange != "" && q.Exchange != exchange {
		return errors.NewValidation("exchange", fmt.Sprintf("%q is not served here (%s)", q.Exchange, exchange))
	}
	if !q.Timeframe.Valid() {
		return fmt.Errorf("timeframe %q: %w", q.Timeframe, errors.ErrInvalidTimeframe)
	}
	if q.Limit < 0 {
		return errors.NewValidation("limit", "must not be negative")
	}
	if !q.Start.IsZero() && !q.End.IsZero() && q.End.Before(q.Start) {
		return errors.NewValidation("range", "end before start")
	}
	return nil
}

// Service answers bar queries.
//
// Service holds no storage handle of its own: every query goes through the
// router, which scopes each live buffer read to the call.
type Service struct {
	router *router.Router
	cal    *session.Calendar
	log    *slog.Logger
	now    func() time.Time

	// A resampled bucket ending inside the session is served grace after
	// its end, one ending at the session close settle after the close.
	grace  time.Duration
	settle time.Duration

	// Statistics
	queries    atomic.Int64
	barsServed atomic.Int64
	liveReads  atomic.Int64
	partitions atomic.Int64
	resampled  atomic.Int64
	failures   atomic.Int64
}

// New creates a query service.
func New(r *router.Router, cal *session.Calendar) *Service {
	return &Service{
		router: r,
		cal:    cal,
		log:    logging.Component("query"),
		now:    time.Now,
		grace:  time.Minute,
		settle: defaults.DefaultRolloverDelay + time.Minute,
	}
}

// SetClock replaces the wall clock used for open ranges and bucket
// completion.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// SetSettleDelay sets how long after the session close the last resampled
// bucket of the day is held back. The final minute of a session is only
// aggregated once the rollover delay has passed.
func (s *Service) SetSettleDelay(d time.Duration) {
	s.settle = d
}

// Bars runs q and returns bars in ascending time order.
func (s *Service) Bars(ctx context.Context, q Query) ([]types.Bar, error) {
	s.queries.Add(1)
	bars, err := s.bars(ctx, q)
	if err != nil {
		s.failures.Add(1)
		return nil, err
	}
	s.barsServed.Add(int64(len(bars)))
	return bars, nil
}

// Latest returns the newest bar of symbol/tf, if any.
func (s *Service) Latest(ctx context.Context, symbol string, tf types.Timeframe) (types.Bar, bool, error) {
	bars, err := s.Bars(ctx, Query{Symbol: symbol, Timeframe: tf, Limit: 1})
	if err != nil {
		return types.Bar{}, false, err
	}
	if len(bars) == 0 {
		return types.Bar{}, false, nil
	}
	return bars[len(bars)-1], true, nil
}

// bars reads the live buffer and the partitions as two segments. Each
// segment is read at q.Timeframe when it stores that timeframe and at the
// base timeframe otherwise; base segments are resampled and only their
// complete buckets are kept.
func (s *Service) bars(ctx context.Context, q Query) ([]types.Bar, error) {
	if err := q.Validate(s.router.Exchange()); err != nil {
		return nil, err
	}
	now := s.now()
	end := q.End
	if end.IsZero() {
		end = now
	}

	// Base bars are read to the end of the bucket holding end so the last
	// bucket is whole.
	readEnd := end
	if q.Timeframe != types.Base {
		readEnd = resample.BucketStart(end, q.Timeframe, s.cal).Add(q.Timeframe.Duration() - time.Nanosecond)
	}

	stored, err := s.router.HasCandleSeries(q.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("list %s partitions: %w", q.Timeframe, err)
	}
	histTF := q.Timeframe
	if !stored {
		histTF = types.Base
	}
	resampled := histTF != q.Timeframe

	var recent []types.Bar
	if s.cal.Date(end) >= s.cal.Date(now) {
		liveBars, liveTF, err := s.readLive(ctx, q, readEnd)
		if err != nil {
			return nil, err
		}
		recent = s.complete(liveBars, liveTF, q.Timeframe, now)
		resampled = resampled || liveTF != q.Timeframe
	}

	var older []types.Bar
	count := func() int {
		return len(recent) + len(s.complete(older, histTF, q.Timeframe, now))
	}

	dates, err := s.router.PartitionDates(router.Candles, histTF)
	if err != nil {
		return nil, fmt.Errorf("list %s partitions: %w", histTF, err)
	}
	endDate := s.cal.Date(end)
	startDate := ""
	if !q.Start.IsZero() {
		startDate = s.cal.Date(q.Start)
	}

	for i := len(dates) - 1; i >= 0; i-- {
		date := dates[i]
		if date > endDate {
			continue
		}
		if date < startDate {
			break
		}
		if q.Start.IsZero() && q.Limit > 0 && count() >= q.Limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		day, err := s.router.HistoricalBars(histTF, date, q.Symbol)
		if err != nil {
			return nil, fmt.Errorf("read %s %s: %w", histTF, date, err)
		}
		s.partitions.Add(1)
		older = append(older, within(day, q.Start, readEnd)...)
	}

	if resampled {
		s.resampled.Add(1)
	}
	out := types.DedupeBars(append(recent, s.complete(older, histTF, q.Timeframe, now)...))
	out = within(out, q.Start, end)
	types.SortBars(out)

	if q.Limit > 0 && len(out) > q.Limit {
		if q.Start.IsZero() {
			out = out[len(out)-q.Limit:]
		} else {
			out = out[:q.Limit]
		}
	}
	return out, nil
}

// readLive reads bars from the live buffer, at q.Timeframe if the buffer
// stores it and at the base timeframe otherwise. The returned timeframe
// says which.
func (s *Service) readLive(ctx context.Context, q Query, end time.Time) ([]types.Bar, types.Timeframe, error) {
	src := q.Timeframe
	var bars []types.Bar
	err := s.router.LiveReader(ctx, func(h *live.Handles) error {
		if src != types.Base {
			tfs, err := h.Candles.Timeframes(ctx)
			if err != nil {
				return err
			}
			if !slices.Contains(tfs, src) {
				src = types.Base
			}
		}
		var err error
		bars, err = h.Candles.Bars(ctx, q.Symbol, src, q.Start, end)
		return err
	})
	if errors.Is(err, errors.ErrPartitionNotFound) {
		return nil, src, nil
	}
	if err != nil {
		return nil, src, fmt.Errorf("read live buffer: %w", err)
	}
	s.liveReads.Add(1)
	return bars, src, nil
}

// complete converts bars of timeframe from into to and drops the buckets
// that may still change.
func (s *Service) complete(bars []types.Bar, from, to types.Timeframe, now time.Time) []types.Bar {
	if from == to || len(bars) == 0 {
		return bars
	}
	base := types.DedupeBars(bars)
	newest, _ := types.LastBar(base)

	out := resample.Resample(base, to, s.cal)
	kept := out[:0]
	for _, b := range out {
		if s.closed(b.Timestamp, to, newest.Timestamp, now) {
			kept = append(kept, b)
		}
	}
	return kept
}

// closed reports whether the bucket starting at start is final: a base bar
// of a later bucket exists, or the bucket ended long enough ago for its
// last minute to have been aggregated.
func (s *Service) closed(start time.Time, tf types.Timeframe, newest, now time.Time) bool {
	if resample.BucketStart(newest, tf, s.cal).After(start) {
		return true
	}
	closeAt := s.cal.SessionClose(start)
	end := start.Add(tf.Duration())
	if !end.Before(closeAt) {
		return !now.Before(closeAt.Add(s.settle))
	}
	return !now.Before(end.Add(s.grace))
}

// within returns the bars with start <= ts <= end. A zero start is unbounded.
func within(bars []types.Bar, start, end time.Time) []types.Bar {
	out := make([]types.Bar, 0, len(bars))
	for _, b := range bars {
		if !start.IsZero() && b.Timestamp.Before(start) {
			continue
		}
		if b.Timestamp.After(end) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// =============================================================================
// Statistics
// =============================================================================

// Stats contains query statistics.
type Stats struct {
	Queries    int64
	BarsServed int64
	LiveReads  int64
	Partitions int64
	Resampled  int64
	Errors     int64
}

// Stats returns query statistics.
func (s *Service) Stats() Stats {
	return Stats{
		Queries:    s.queries.Load(),
		BarsServed: s.barsServed.Load(),
		LiveReads:  s.liveReads.Load(),
		Partitions: s.partitions.Load(),
		Resampled:  s.resampled.Load(),
		Errors:     s.failures.Load(),
	}
}
