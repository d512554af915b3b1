package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/tickvault/internal/bus"
	"github.com/xtxerr/tickvault/internal/logging"
	"github.com/xtxerr/tickvault/internal/storage/types"
)

// DualRailProvider delivers bars from the bus when it is healthy and from a
// PollingProvider otherwise.
//
// Every bus message is checked against the polling provider's position.
// A message is buffered only when it directly follows the last delivered
// bar, and buffering it advances the polling position so the same bar is
// never polled again. Older messages are duplicates. Messages that would
// skip a bar are left to polling, which reads the durable store in order.
type DualRailProvider struct {
	fallback *PollingProvider
	sub      bus.Subscriber
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	messages <-chan bus.Message
	fast     map[string][]types.Bar
	lastFast map[string]time.Time
	latency  *ddsketch.DDSketch

	// Statistics
	received   atomic.Int64
	fastBars   atomic.Int64
	polledBars atomic.Int64
	duplicates atomic.Int64
	reordered  atomic.Int64
	gaps       atomic.Int64
	ignored    atomic.Int64
}

// NewDualRailProvider layers sub over fallback. Nothing is received from
// the bus until Start.
func NewDualRailProvider(fallback *PollingProvider, sub bus.Subscriber) *DualRailProvider {
	sketch, _ := ddsketch.NewDefaultDDSketch(0.01)
	return &DualRailProvider{
		fallback: fallback,
		sub:      sub,
		log:      logging.Component("marketdata.dualrail"),
		now:      time.Now,
		fast:     make(map[string][]types.Bar),
		lastFast: make(map[string]time.Time),
		latency:  sketch,
	}
}

// Start subscribes to the bars of symbols. When it fails the provider keeps
// working on the polling path alone.
func (p *DualRailProvider) Start(ctx context.Context, symbols ...string) error {
	if p.sub == nil {
		return nil
	}
	patterns := make([]string, len(symbols))
	for i, s := range symbols {
		patterns[i] = bus.Topic(p.fallback.Timeframe(), s)
	}

	ch, err := p.sub.Subscribe(ctx, patterns...)
	if err != nil {
		p.log.Warn("bus unavailable, polling only", "error", err)
		return fmt.Errorf("subscribe bars: %w", err)
	}

	p.mu.Lock()
	p.messages = ch
	p.mu.Unlock()
	p.log.Info("subscribed to bar bus", "symbols", len(symbols), "timeframe", p.fallback.Timeframe())
	return nil
}

// Next returns the next bar of symbol. Pending bus messages are applied
// first; with no fast bar buffered the polling provider answers.
func (p *DualRailProvider) Next(ctx context.Context, symbol string) (types.Bar, bool, error) {
	p.mu.Lock()
	p.drain()
	if q := p.fast[symbol]; len(q) > 0 {
		b := q[0]
		p.fast[symbol] = q[1:]
		p.mu.Unlock()
		p.fastBars.Add(1)
		return b, true, nil
	}
	p.mu.Unlock()

	b, ok, err := p.fallback.Next(ctx, symbol)
	if ok {
		p.polledBars.Add(1)
	}
	return b, ok, err
}

// drain applies every message already received. Callers hold p.mu.
func (p *DualRailProvider) drain() {
	if p.messages == nil {
		return
	}
	for {
		select {
		case m, open := <-p.messages:
			if !open {
				p.messages = nil
				p.log.Warn("bus subscription closed, polling only")
				return
			}
			p.apply(m)
		default:
			return
		}
	}
}

func (p *DualRailProvider) apply(m bus.Message) {
	p.received.Add(1)
	if lat := m.Latency(p.now()); lat >= 0 && p.latency != nil {
		p.latency.Add(lat.Seconds())
	}

	tf := p.fallback.Timeframe()
	if m.Timeframe != tf {
		p.ignored.Add(1)
		return
	}
	b := m.Bar()

	if last, ok := p.lastFast[b.Symbol]; ok && !b.Timestamp.After(last) {
		p.reordered.Add(1)
		return
	}

	switch p.fallback.claim(b.Symbol, b.Timestamp, tf.Duration()) {
	case claimDuplicate:
		p.duplicates.Add(1)
		return
	case claimGap:
		p.gaps.Add(1)
		return
	}
	p.lastFast[b.Symbol] = b.Timestamp
	p.fast[b.Symbol] = append(p.fast[b.Symbol], b)
}

// Seed moves both paths to last.
func (p *DualRailProvider) Seed(symbol string, last time.Time) {
	p.mu.Lock()
	delete(p.fast, symbol)
	delete(p.lastFast, symbol)
	p.mu.Unlock()
	p.fallback.Seed(symbol, last)
}

// Latency summarizes publish-to-receive latency of bus messages.
type Latency struct {
	Count float64
	P50   time.Duration
	P99   time.Duration
}

// Latency returns the bus latency distribution so far.
func (p *DualRailProvider) Latency() Latency {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latency == nil || p.latency.IsEmpty() {
		return Latency{}
	}
	p50, _ := p.latency.GetValueAtQuantile(0.50)
	p99, _ := p.latency.GetValueAtQuantile(0.99)
	return Latency{
		Count: p.latency.GetCount(),
		P50:   time.Duration(p50 * float64(time.Second)),
		P99:   time.Duration(p99 * float64(time.Second)),
	}
}

// DualRailStats contains dual-rail statistics.
type DualRailStats struct {
	Received   int64
	FastBars   int64
	PolledBars int64
	Duplicates int64
	Reordered  int64
	Gaps       int64
	Ignored    int64
}

// Stats returns dual-rail statistics.
func (p *DualRailProvider) Stats() DualRailStats {
	return DualRailStats{
		Received:   p.received.Load(),
		FastBars:   p.fastBars.Load(),
		PolledBars: p.polledBars.Load(),
		Duplicates: p.duplicates.Load(),
		Reordered:  p.reordered.Load(),
		Gaps:       p.gaps.Load(),
		Ignored:    p.ignored.Load(),
	}
}
