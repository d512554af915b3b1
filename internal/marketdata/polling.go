// Package marketdata delivers bars to live consumers one at a time.
//
// Three providers share the Provider interface:
//
//   - PollingProvider pulls new bars from the unified query surface.
//   - DualRailProvider adds the low-latency bus on top of a PollingProvider.
//   - ResamplingProvider turns a base-timeframe provider into a coarser one.
//
// Every provider delivers the bars of one symbol in strictly increasing
// timestamp order and never delivers the same bar twice.
package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/tickvault/internal/logging"
	"github.com/xtxerr/tickvault/internal/storage/query"
	"github.com/xtxerr/tickvault/internal/storage/types"
)

// DefaultBatchSize bounds how many bars one poll fetches.
const DefaultBatchSize = 500

// Provider hands out the next undelivered bar of a symbol. ok is false when
// nothing new is available yet.
type Provider interface {
	Next(ctx context.Context, symbol string) (bar types.Bar, ok bool, err error)
}

// Seeder is implemented by providers whose position can be set.
type Seeder interface {
	// Seed makes last the last delivered timestamp of symbol.
	Seed(symbol string, last time.Time)
}

// Querier is the read surface polled for bars.
type Querier interface {
	Bars(ctx context.Context, q query.Query) ([]types.Bar, error)
}

type cursor struct {
	mu      sync.Mutex
	last    time.Time
	seeded  bool
	pending []types.Bar
}

// PollingProvider delivers bars fetched from a Querier.
//
// It remembers, per symbol, the timestamp of the last delivered bar and
// fetches bars strictly after it. The remembered timestamp advances when a
// bar is handed out, not when it is fetched. An unseeded symbol starts at
// its newest stored bar.
type PollingProvider struct {
	source Querier
	tf     types.Timeframe
	batch  int
	log    *slog.Logger

	mu      sync.Mutex
	cursors map[string]*cursor

	// Statistics
	polls     atomic.Int64
	fetched   atomic.Int64
	delivered atomic.Int64
	failures  atomic.Int64
}

// NewPollingProvider creates a polling provider of tf bars.
func NewPollingProvider(source Querier, tf types.Timeframe) *PollingProvider {
	return &PollingProvider{
		source:  source,
		tf:      tf,
		batch:   DefaultBatchSize,
		log:     logging.Component("marketdata.polling"),
		cursors: make(map[string]*cursor),
	}
}

// Timeframe returns the timeframe delivered.
func (p *PollingProvider) Timeframe() types.Timeframe { return p.tf }

func (p *PollingProvider) cursorOf(symbol string) *cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cursors[symbol]
	if !ok {
		c = &cursor{}
		p.cursors[symbol] = c
	}
	return c
}

// Next returns the next bar of symbol after the last delivered one.
func (p *PollingProvider) Next(ctx context.Context, symbol string) (types.Bar, bool, error) {
	c := p.cursorOf(symbol)
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		if err := p.poll(ctx, symbol, c); err != nil {
			return types.Bar{}, false, err
		}
	}
	if len(c.pending) == 0 {
		return types.Bar{}, false, nil
	}

	b := c.pending[0]
	c.pending = c.pending[1:]
	c.last = b.Timestamp
	c.seeded = true
	p.delivered.Add(1)
	return b, true, nil
}

func (p *PollingProvider) poll(ctx context.Context, symbol string, c *cursor) error {
	p.polls.Add(1)

	q := query.Query{Symbol: symbol, Timeframe: p.tf, Limit: 1}
	if c.seeded {
		q.Start = c.last.Add(time.Nanosecond)
		q.Limit = p.batch
	}
	bars, err := p.source.Bars(ctx, q)
	if err != nil {
		p.failures.Add(1)
		p.log.Debug("poll failed", "symbol", symbol, "error", err)
		return err
	}

	for _, b := range bars {
		if c.seeded && !b.Timestamp.After(c.last) {
			continue
		}
		c.pending = append(c.pending, b)
	}
	p.fetched.Add(int64(len(c.pending)))
	return nil
}

// Seed sets the last delivered timestamp of symbol and discards anything
// fetched but not yet delivered.
func (p *PollingProvider) Seed(symbol string, last time.Time) {
	c := p.cursorOf(symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = last
	c.seeded = true
	c.pending = nil
}

// LastDelivered returns the timestamp of the last bar delivered for symbol.
func (p *PollingProvider) LastDelivered(symbol string) (time.Time, bool) {
	c := p.cursorOf(symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.seeded
}

// MarkDelivered records that ts was delivered through another path. It
// never moves the position backwards.
func (p *PollingProvider) MarkDelivered(symbol string, ts time.Time) {
	c := p.cursorOf(symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance(ts)
}

func (c *cursor) advance(ts time.Time) {
	if c.seeded && !ts.After(c.last) {
		return
	}
	c.last = ts
	c.seeded = true
	i := 0
	for i < len(c.pending) && !c.pending[i].Timestamp.After(ts) {
		i++
	}
	c.pending = c.pending[i:]
}

// claim marks ts delivered when it directly follows the last delivered bar,
// at most step later. Check and update happen under one lock so a
// concurrent poll cannot deliver the same bar.
func (p *PollingProvider) claim(symbol string, ts time.Time, step time.Duration) claimResult {
	c := p.cursorOf(symbol)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.seeded && !ts.After(c.last):
		return claimDuplicate
	case c.seeded && ts.Sub(c.last) > step:
		return claimGap
	}
	c.advance(ts)
	return claimOK
}

type claimResult int

const (
	claimOK claimResult = iota
	claimDuplicate
	claimGap
)

// PollingStats contains polling provider statistics.
type PollingStats struct {
	Polls     int64
	Fetched   int64
	Delivered int64
	Failures  int64
}

// Stats returns polling statistics.
func (p *PollingProvider) Stats() PollingStats {
	return PollingStats{
		Polls:     p.polls.Load(),
		Fetched:   p.fetched.Load(),
		Delivered: p.delivered.Load(),
		Failures:  p.failures.Load(),
	}
}

// Stream hands every new bar of symbols to fn until ctx is cancelled or fn
// fails. Symbols with nothing new are polled again after interval.
func Stream(ctx context.Context, p Provider, symbols []string, interval time.Duration, fn func(types.Bar) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, symbol := range symbols {
			for {
				b, ok, err := p.Next(ctx, symbol)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					break // retried next tick
				}
				if !ok {
					break
				}
				if err := fn(b); err != nil {
					return err
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
