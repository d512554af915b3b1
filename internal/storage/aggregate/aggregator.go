package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/cenkalti/backoff/v4"

	"github.com/xtxerr/tickvault/internal/errors"
	"github.com/xtxerr/tickvault/internal/logging"
	"github.com/xtxerr/tickvault/internal/storage/live"
	"github.com/xtxerr/tickvault/internal/storage/router"
	"github.com/xtxerr/tickvault/internal/storage/types"
)

// Publisher broadcasts committed bars to low-latency consumers.
type Publisher interface {
	PublishBar(ctx context.Context, bar types.Bar) error
}

// Options configures the aggregator.
type Options struct {
	// Interval is the cadence of Run.
	Interval time.Duration

	// Symbols are aggregated even before any of their ticks is stored.
	Symbols []string

	// WriteRetries bounds retries of a pass that hit lock contention.
	WriteRetries int

	// RetryDelay is the delay between retries.
	RetryDelay time.Duration
}

// DefaultOptions returns default aggregator options.
func DefaultOptions() Options {
	return Options{
		Interval:     5 * time.Second,
		WriteRetries: 3,
		RetryDelay:   200 * time.Millisecond,
	}
}

// Aggregator periodically rebuilds 1-minute bars from the live tick store.
//
// Each pass recomputes every bar from the last stored non-synthetic bar
// onward, so replaying a pass after a crash produces the same bars.
type Aggregator struct {
	router *router.Router
	pub    Publisher
	opts   Options
	log    *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	tracked map[string]bool

	// Statistics
	passes        atomic.Int64
	barsWritten   atomic.Int64
	published     atomic.Int64
	publishErrors atomic.Int64
	failures      atomic.Int64

	lagMu sync.Mutex
	lag   *ddsketch.DDSketch // seconds between bar end and commit
}

// Result summarizes one aggregation pass.
type Result struct {
	Symbols   int
	Bars      int
	NewBars   int
	Published int
}

// New creates an aggregator. pub may be nil.
func New(r *router.Router, opts Options, pub Publisher) *Aggregator {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}

	a := &Aggregator{
		router:  r,
		pub:     pub,
		opts:    opts,
		log:     logging.Component("aggregator"),
		now:     time.Now,
		tracked: make(map[string]bool),
	}
	// 1% relative accuracy; only fails on invalid accuracy.
	a.lag, _ = ddsketch.NewDefaultDDSketch(0.01)
	a.Track(opts.Symbols...)
	return a
}

// Track adds symbols to aggregate on every pass.
func (a *Aggregator) Track(symbols ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range symbols {
		a.tracked[s] = true
	}
}

// RunOnce aggregates every complete minute before the current one.
func (a *Aggregator) RunOnce(ctx context.Context) (Result, error) {
	return a.RunUntil(ctx, a.now().Truncate(time.Minute))
}

// RunUntil aggregates every minute that starts before cutoff. The daemon
// uses it with the session close to finalize the last minute of the day.
func (a *Aggregator) RunUntil(ctx context.Context, cutoff time.Time) (Result, error) {
	var res Result
	var fresh []types.Bar

	op := func() error {
		var err error
		res, fresh, err = a.pass(ctx, cutoff)
		if err != nil && !errors.IsContention(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(a.opts.RetryDelay), uint64(max(a.opts.WriteRetries, 0))),
		ctx)

	if err := backoff.Retry(op, policy); err != nil {
		a.failures.Add(1)
		return Result{}, fmt.Errorf("aggregate: %w", err)
	}

	a.passes.Add(1)
	a.barsWritten.Add(int64(res.Bars))
	a.recordLag(fresh)

	res.Published = a.publish(ctx, fresh)
	return res, nil
}

// pass runs one aggregation under a single live buffer writer acquisition.
// It returns the bars that did not exist at the start of the pass.
func (a *Aggregator) pass(ctx context.Context, cutoff time.Time) (Result, []types.Bar, error) {
	var res Result
	var fresh []types.Bar

	err := a.router.LiveWriter(ctx, func(h *live.Handles) error {
		symbols, err := a.symbols(ctx, h)
		if err != nil {
			return err
		}
		res.Symbols = len(symbols)

		var all []types.Bar
		for _, sym := range symbols {
			last, ok, err := h.Candles.LastBarTime(ctx, sym, types.Base, true)
			if err != nil {
				return fmt.Errorf("last bar %s: %w", sym, err)
			}

			since := time.Unix(0, 0).UTC()
			if ok {
				since = last
			}

			ticks, err := h.Ticks.TicksSince(ctx, sym, since)
			if err != nil {
				return fmt.Errorf("ticks %s: %w", sym, err)
			}

			bars := BuildBars(sym, ticks, cutoff)
			for _, b := range bars {
				if !ok || b.Timestamp.After(last) {
					fresh = append(fresh, b)
				}
			}
			all = append(all, bars...)
		}

		if len(all) == 0 {
			return nil
		}
		if _, err := h.Candles.UpsertBars(ctx, all); err != nil {
			return err
		}
		res.Bars = len(all)
		return nil
	})
	if err != nil {
		return Result{}, nil, err
	}

	res.NewBars = len(fresh)
	return res, fresh, nil
}

// symbols returns tracked symbols plus every symbol with stored ticks.
func (a *Aggregator) symbols(ctx context.Context, h *live.Handles) ([]string, error) {
	stored, err := h.Ticks.Symbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}

	a.mu.Lock()
	set := make(map[string]bool, len(a.tracked)+len(stored))
	for s := range a.tracked {
		set[s] = true
	}
	a.mu.Unlock()

	for _, s := range stored {
		set[s] = true
	}

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// publish sends committed bars in time order. Publish failures are logged;
// consumers fall back to polling the store.
func (a *Aggregator) publish(ctx context.Context, bars []types.Bar) int {
	if a.pub == nil || len(bars) == 0 {
		return 0
	}

	types.SortBars(bars)
	sent := 0
	for _, b := range bars {
		if err := a.pub.PublishBar(ctx, b); err != nil {
			a.publishErrors.Add(1)
			a.log.Warn("publish bar failed", "error", err, "symbol", b.Symbol, "ts", b.Timestamp)
			continue
		}
		sent++
	}
	a.published.Add(int64(sent))
	return sent
}

func (a *Aggregator) recordLag(bars []types.Bar) {
	now := a.now()
	a.lagMu.Lock()
	defer a.lagMu.Unlock()
	for _, b := range bars {
		if lag := now.Sub(b.End()).Seconds(); lag >= 0 {
			a.lag.Add(lag)
		}
	}
}

// Run aggregates every Interval until ctx is cancelled. A failed pass is
// logged and left to the next one.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()

	a.log.Info("aggregator started", "interval", a.opts.Interval)

	for {
		select {
		case <-ctx.Done():
			a.log.Info("aggregator stopped")
			return nil
		case <-ticker.C:
			res, err := a.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				a.log.Error("aggregation pass failed", "error", err)
				continue
			}
			if res.NewBars > 0 {
				a.log.Debug("aggregation pass", "symbols", res.Symbols, "bars", res.Bars,
					"new", res.NewBars, "published", res.Published)
			}
		}
	}
}

// Stats returns aggregator statistics.
func (a *Aggregator) Stats() Stats {
	s := Stats{
		Passes:        a.passes.Load(),
		BarsWritten:   a.barsWritten.Load(),
		Published:     a.published.Load(),
		PublishErrors: a.publishErrors.Load(),
		Errors:        a.failures.Load(),
	}

	a.lagMu.Lock()
	defer a.lagMu.Unlock()
	if a.lag.GetCount() > 0 {
		s.LagP50, _ = a.lag.GetValueAtQuantile(0.50)
		s.LagP99, _ = a.lag.GetValueAtQuantile(0.99)
	}
	return s
}

// Stats holds aggregator statistics. Lag is in seconds between the end of
// a bar's minute and its first commit.
type Stats struct {
	Passes        int64
	BarsWritten   int64
	Published     int64
	PublishErrors int64
	Errors        int64
	LagP50        float64
	LagP99        float64
}
