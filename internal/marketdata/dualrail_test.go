package marketdata

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/tickvault/internal/bus"
	"github.com/xtxerr/tickvault/internal/errors"
	"github.com/xtxerr/tickvault/internal/storage/types"
	tvtest "github.com/xtxerr/tickvault/internal/testing"
)

type fakeSubscriber struct {
	ch       chan bus.Message
	err      error
	patterns []string
}

func newFakeSubscriber(size int) *fakeSubscriber {
	return &fakeSubscriber{ch: make(chan bus.Message, size)}
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, patterns ...string) (<-chan bus.Message, error) {
	f.patterns = patterns
	if f.err != nil {
		return nil, f.err
	}
	return f.ch, nil
}

func (f *fakeSubscriber) publish(bars ...types.Bar) {
	for _, b := range bars {
		f.ch <- bus.NewMessage(b, b.Timestamp.Add(time.Minute))
	}
}

func newDualRail(t *testing.T, q *memQuerier, sub *fakeSubscriber) *DualRailProvider {
	t.Helper()
	fallback := NewPollingProvider(q, types.TF1m)
	fallback.Seed("RELIANCE", open.Add(-time.Minute))
	p := NewDualRailProvider(fallback, sub)
	require.NoError(t, p.Start(context.Background(), "RELIANCE"))
	return p
}

func TestDualRail_Subscribes(t *testing.T) {
	sub := newFakeSubscriber(1)
	p := NewDualRailProvider(NewPollingProvider(&memQuerier{}, types.TF1m), sub)
	require.NoError(t, p.Start(context.Background(), "RELIANCE", "TCS"))
	assert.Equal(t, []string{"bars:1m:RELIANCE", "bars:1m:TCS"}, sub.patterns)
}

func TestDualRail_FastPath(t *testing.T) {
	bars := tvtest.MinuteBars("RELIANCE", open, 2, 100)
	q := &memQuerier{}
	sub := newFakeSubscriber(8)
	p := newDualRail(t, q, sub)

	sub.publish(bars[0])
	b := next(t, p, "RELIANCE")
	assert.True(t, b.Timestamp.Equal(bars[0].Timestamp))
	assert.Equal(t, int64(1), p.Stats().FastBars)

	last, _ := p.fallback.LastDelivered("RELIANCE")
	assert.True(t, last.Equal(bars[0].Timestamp), "fallback bookkeeping advanced")

	// The same bar reaching the store is not polled again.
	q.add(bars[0])
	assertDry(t, p, "RELIANCE")

	q.add(bars[1])
	b = next(t, p, "RELIANCE")
	assert.True(t, b.Timestamp.Equal(bars[1].Timestamp))
	assert.Equal(t, int64(1), p.Stats().PolledBars)
}

func TestDualRail_DropsDuplicatesAndReordering(t *testing.T) {
	bars := tvtest.MinuteBars("RELIANCE", open, 4, 100)
	q := &memQuerier{}
	q.add(bars[:3]...)
	sub := newFakeSubscriber(8)
	p := newDualRail(t, q, sub)

	for i := 0; i < 3; i++ {
		next(t, p, "RELIANCE")
	}

	sub.publish(bars[1], bars[3], bars[3], bars[2])
	b := next(t, p, "RELIANCE")
	assert.True(t, b.Timestamp.Equal(bars[3].Timestamp))
	assertDry(t, p, "RELIANCE")

	stats := p.Stats()
	assert.Equal(t, int64(4), stats.Received)
	assert.Equal(t, int64(1), stats.Duplicates)
	assert.Equal(t, int64(2), stats.Reordered)
	assert.Equal(t, int64(1), stats.FastBars)
}

func TestDualRail_GapLeftToPolling(t *testing.T) {
	bars := tvtest.MinuteBars("RELIANCE", open, 4, 100)
	q := &memQuerier{}
	sub := newFakeSubscriber(8)
	p := newDualRail(t, q, sub)

	sub.publish(bars[0], bars[2])
	q.add(bars[:3]...)

	var got []types.Bar
	for i := 0; i < 3; i++ {
		got = append(got, next(t, p, "RELIANCE"))
	}
	assert.Equal(t, timestamps(bars[:3]), timestamps(got))

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Gaps)
	assert.Equal(t, int64(1), stats.FastBars)
	assert.Equal(t, int64(2), stats.PolledBars)

	// Back in step, the fast path is used again.
	sub.publish(bars[3])
	next(t, p, "RELIANCE")
	assert.Equal(t, int64(2), p.Stats().FastBars)
}

func TestDualRail_IgnoresOtherTimeframes(t *testing.T) {
	sub := newFakeSubscriber(8)
	p := newDualRail(t, &memQuerier{}, sub)

	sub.publish(tvtest.Flat("RELIANCE", types.TF5m, open, 100, 1))
	assertDry(t, p, "RELIANCE")
	assert.Equal(t, int64(1), p.Stats().Ignored)
}

func TestDualRail_WithoutBus(t *testing.T) {
	bars := tvtest.MinuteBars("RELIANCE", open, 2, 100)
	q := &memQuerier{}
	q.add(bars...)

	sub := newFakeSubscriber(1)
	sub.err = errors.NewUpstream("redis", errors.New("connection refused"))
	fallback := NewPollingProvider(q, types.TF1m)
	fallback.Seed("RELIANCE", open.Add(-time.Minute))
	p := NewDualRailProvider(fallback, sub)

	assert.ErrorIs(t, p.Start(context.Background(), "RELIANCE"), errors.ErrUpstream)
	assert.True(t, next(t, p, "RELIANCE").Timestamp.Equal(bars[0].Timestamp))
	assert.True(t, next(t, p, "RELIANCE").Timestamp.Equal(bars[1].Timestamp))
}

func TestDualRail_ClosedSubscription(t *testing.T) {
	bars := tvtest.MinuteBars("RELIANCE", open, 2, 100)
	q := &memQuerier{}
	sub := newFakeSubscriber(8)
	p := newDualRail(t, q, sub)

	sub.publish(bars[0])
	close(sub.ch)
	next(t, p, "RELIANCE")

	q.add(bars...)
	assert.True(t, next(t, p, "RELIANCE").Timestamp.Equal(bars[1].Timestamp))
}

func TestDualRail_Latency(t *testing.T) {
	sub := newFakeSubscriber(8)
	p := newDualRail(t, &memQuerier{}, sub)
	published := open.Add(time.Minute)
	p.now = func() time.Time { return published.Add(5 * time.Millisecond) }

	assert.Equal(t, Latency{}, p.Latency())
	for _, b := range tvtest.MinuteBars("RELIANCE", open, 3, 100) {
		sub.ch <- bus.NewMessage(b, published)
	}
	next(t, p, "RELIANCE")

	lat := p.Latency()
	assert.Equal(t, 3.0, lat.Count)
	assert.InEpsilon(t, float64(5*time.Millisecond), float64(lat.P50), 0.02)
}

// Bars are written to the store and published, with the bus losing,
// repeating and replaying stale messages at random. The consumer must see
// every bar exactly once, in order.
func TestDualRail_RandomInterleaving(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		bars := tvtest.MinuteBars("RELIANCE", open, 120, 100)
		q := &memQuerier{}
		sub := newFakeSubscriber(len(bars) * 3)
		p := newDualRail(t, q, sub)

		var got []types.Bar
		pull := func() bool {
			b, ok, err := p.Next(context.Background(), "RELIANCE")
			require.NoError(t, err)
			if ok {
				got = append(got, b)
			}
			return ok
		}

		for k, b := range bars {
			q.add(b)
			if rng.Float64() < 0.7 {
				sub.publish(b)
			}
			if rng.Float64() < 0.2 {
				sub.publish(bars[rng.Intn(k+1)])
			}
			for n := rng.Intn(3); n > 0; n-- {
				pull()
			}
		}
		for pull() {
		}

		require.Equal(t, timestamps(bars), timestamps(got), "round %d", round)
		stats := p.Stats()
		assert.Equal(t, int64(len(bars)), stats.FastBars+stats.PolledBars)
	}
}
