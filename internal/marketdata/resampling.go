package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/tickvault/internal/errors"
	"github.com/xtxerr/tickvault/internal/logging"
	"github.com/xtxerr/tickvault/internal/resample"
	"github.com/xtxerr/tickvault/internal/session"
	"github.com/xtxerr/tickvault/internal/storage/query"
	"github.com/xtxerr/tickvault/internal/storage/types"
)

// ResamplingOptions configures a ResamplingProvider.
type ResamplingOptions struct {
	// Target is the timeframe delivered.
	Target types.Timeframe

	// Warmup is the number of closed historical target bars delivered
	// before live bars. Zero disables warmup.
	Warmup int

	// History answers warmup queries. Required when Warmup > 0.
	History Querier
}

type rollingBuffer struct {
	mu      sync.Mutex
	started bool
	base    []types.Bar // bars of the still open bucket
	ready   []types.Bar // closed target bars not yet delivered
	last    time.Time   // last delivered target bar
}

// ResamplingProvider turns a base-timeframe provider into a provider of a
// coarser timeframe.
//
// Base bars are collected per symbol. When the two newest base bars fall in
// different target buckets, every bucket older than the newest bar's bucket
// is closed: it is resampled, delivered and evicted. The open bucket stays
// buffered.
type ResamplingProvider struct {
	base Provider
	cal  *session.Calendar
	opts ResamplingOptions
	log  *slog.Logger
	now  func() time.Time

	mu      sync.Mutex
	buffers map[string]*rollingBuffer

	// Statistics
	baseBars   atomic.Int64
	emitted    atomic.Int64
	warmupBars atomic.Int64
}

// NewResamplingProvider wraps base, which must deliver base-timeframe bars.
func NewResamplingProvider(base Provider, cal *session.Calendar, opts ResamplingOptions) (*ResamplingProvider, error) {
	if !opts.Target.Valid() {
		return nil, fmt.Errorf("target %v: %w", opts.Target, errors.ErrInvalidTimeframe)
	}
	if opts.Warmup > 0 && opts.History == nil {
		return nil, errors.NewMissingField("history")
	}
	return &ResamplingProvider{
		base:    base,
		cal:     cal,
		opts:    opts,
		log:     logging.Component("marketdata.resampling"),
		now:     time.Now,
		buffers: make(map[string]*rollingBuffer),
	}, nil
}

func (p *ResamplingProvider) buffer(symbol string) *rollingBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	rb, ok := p.buffers[symbol]
	if !ok {
		rb = &rollingBuffer{}
		p.buffers[symbol] = rb
	}
	return rb
}

// Next returns the next closed target bar of symbol. It pulls as many base
// bars as needed to close a bucket, and reports ok=false when the base
// provider runs dry first.
func (p *ResamplingProvider) Next(ctx context.Context, symbol string) (types.Bar, bool, error) {
	rb := p.buffer(symbol)
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.started {
		if err := p.start(ctx, symbol, rb); err != nil {
			return types.Bar{}, false, err
		}
		rb.started = true
	}

	for len(rb.ready) == 0 {
		b, ok, err := p.base.Next(ctx, symbol)
		if err != nil || !ok {
			return types.Bar{}, false, err
		}
		p.baseBars.Add(1)
		p.push(rb, b)
	}

	b := rb.ready[0]
	rb.ready = rb.ready[1:]
	rb.last = b.Timestamp
	p.emitted.Add(1)
	return b, true, nil
}

// start loads the warmup bars and positions the base provider at the start
// of the bucket open now, so that bucket is built from complete input.
func (p *ResamplingProvider) start(ctx context.Context, symbol string, rb *rollingBuffer) error {
	open := resample.BucketStart(p.now(), p.opts.Target, p.cal)

	if p.opts.Warmup > 0 {
		bars, err := p.opts.History.Bars(ctx, query.Query{
			Symbol:    symbol,
			Timeframe: p.opts.Target,
			End:       open.Add(-time.Nanosecond),
			Limit:     p.opts.Warmup,
		})
		if err != nil {
			return fmt.Errorf("warmup %s: %w", symbol, err)
		}
		rb.ready = append(rb.ready, bars...)
		p.warmupBars.Add(int64(len(bars)))
		p.log.Debug("warmup loaded", "symbol", symbol, "timeframe", p.opts.Target, "bars", len(bars))
	}

	if s, ok := p.base.(Seeder); ok {
		s.Seed(symbol, open.Add(-time.Nanosecond))
	}
	return nil
}

func (p *ResamplingProvider) push(rb *rollingBuffer, b types.Bar) {
	n := len(rb.base)
	rb.base = append(rb.base, b)
	if n == 0 {
		return
	}

	prev := resample.BucketStart(rb.base[n-1].Timestamp, p.opts.Target, p.cal)
	if resample.BucketStart(b.Timestamp, p.opts.Target, p.cal).Equal(prev) {
		return
	}

	closed, open := resample.Closed(rb.base, b.Timestamp, p.opts.Target, p.cal)
	rb.base = open
	for _, out := range resample.Resample(closed, p.opts.Target, p.cal) {
		if !rb.last.IsZero() && !out.Timestamp.After(rb.last) {
			continue
		}
		if k := len(rb.ready); k > 0 && !out.Timestamp.After(rb.ready[k-1].Timestamp) {
			continue
		}
		rb.ready = append(rb.ready, out)
	}
}

// ResamplingStats contains resampling provider statistics.
type ResamplingStats struct {
	BaseBars   int64
	Emitted    int64
	WarmupBars int64
}

// Stats returns resampling statistics.
func (p *ResamplingProvider) Stats() ResamplingStats {
	return ResamplingStats{
		BaseBars:   p.baseBars.Load(),
		Emitted:    p.emitted.Load(),
		WarmupBars: p.warmupBars.Load(),
	}
}
