package marketdata

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/tickvault/internal/errors"
	"github.com/xtxerr/tickvault/internal/session"
	"github.com/xtxerr/tickvault/internal/storage/live"
	"github.com/xtxerr/tickvault/internal/storage/lock"
	"github.com/xtxerr/tickvault/internal/storage/query"
	"github.com/xtxerr/tickvault/internal/storage/router"
	"github.com/xtxerr/tickvault/internal/storage/types"
	tvtest "github.com/xtxerr/tickvault/internal/testing"
)

var (
	cal  = session.Default()
	open = tvtest.At("2024-01-15", "09:15")
)

// memQuerier answers queries from memory the way the query service does:
// inclusive bounds, head limit with a start, tail limit without.
type memQuerier struct {
	mu    sync.Mutex
	bars  []types.Bar
	err   error
	calls int
}

func (m *memQuerier) add(bars ...types.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars = append(m.bars, bars...)
}

func (m *memQuerier) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *memQuerier) Bars(ctx context.Context, q query.Query) ([]types.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}

	var out []types.Bar
	for _, b := range m.bars {
		if b.Symbol != q.Symbol || b.Timeframe != q.Timeframe {
			continue
		}
		if !q.Start.IsZero() && b.Timestamp.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && b.Timestamp.After(q.End) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	if q.Limit > 0 && len(out) > q.Limit {
		if q.Start.IsZero() {
			out = out[len(out)-q.Limit:]
		} else {
			out = out[:q.Limit]
		}
	}
	return out, nil
}

func timestamps(bars []types.Bar) []time.Time {
	out := make([]time.Time, len(bars))
	for i, b := range bars {
		out[i] = b.Timestamp
	}
	return out
}

func next(t *testing.T, p Provider, symbol string) types.Bar {
	t.Helper()
	b, ok, err := p.Next(context.Background(), symbol)
	require.NoError(t, err)
	require.True(t, ok, "expected a bar")
	return b
}

func assertDry(t *testing.T, p Provider, symbol string) {
	t.Helper()
	_, ok, err := p.Next(context.Background(), symbol)
	require.NoError(t, err)
	assert.False(t, ok, "expected no bar")
}

func TestPolling_UnseededStartsAtLatest(t *testing.T) {
	bars := tvtest.MinuteBars("RELIANCE", open, 5, 100)
	q := &memQuerier{}
	q.add(bars...)
	p := NewPollingProvider(q, types.TF1m)

	b := next(t, p, "RELIANCE")
	assert.True(t, b.Timestamp.Equal(bars[4].Timestamp))
	assertDry(t, p, "RELIANCE")

	more := tvtest.MinuteBars("RELIANCE", open.Add(5*time.Minute), 2, 200)
	q.add(more...)
	assert.Equal(t, 200.0, next(t, p, "RELIANCE").Open)
	assert.Equal(t, 201.0, next(t, p, "RELIANCE").Open)
	assertDry(t, p, "RELIANCE")
}

func TestPolling_AdvancesOnDelivery(t *testing.T) {
	bars := tvtest.MinuteBars("RELIANCE", open, 5, 100)
	q := &memQuerier{}
	q.add(bars...)
	p := NewPollingProvider(q, types.TF1m)
	p.Seed("RELIANCE", open.Add(-time.Minute))

	first := next(t, p, "RELIANCE")
	assert.True(t, first.Timestamp.Equal(open))

	// All five were fetched, one was delivered.
	last, ok := p.LastDelivered("RELIANCE")
	require.True(t, ok)
	assert.True(t, last.Equal(open))
	assert.Equal(t, int64(5), p.Stats().Fetched)

	var got []types.Bar
	got = append(got, first)
	for i := 0; i < 4; i++ {
		got = append(got, next(t, p, "RELIANCE"))
	}
	assert.Equal(t, timestamps(bars), timestamps(got))
	assert.Equal(t, 1, q.calls, "delivered from the fetched batch")

	assertDry(t, p, "RELIANCE")
	stats := p.Stats()
	assert.Equal(t, int64(5), stats.Delivered)
	assert.Equal(t, int64(2), stats.Polls)
}

func TestPolling_SymbolsAreIndependent(t *testing.T) {
	q := &memQuerier{}
	q.add(tvtest.MinuteBars("RELIANCE", open, 2, 100)...)
	q.add(tvtest.MinuteBars("TCS", open, 2, 3500)...)
	p := NewPollingProvider(q, types.TF1m)
	p.Seed("RELIANCE", open.Add(-time.Minute))
	p.Seed("TCS", open)

	assert.Equal(t, "RELIANCE", next(t, p, "RELIANCE").Symbol)
	b := next(t, p, "TCS")
	assert.Equal(t, 3501.0, b.Open)
	assertDry(t, p, "TCS")
	assert.Equal(t, 101.0, next(t, p, "RELIANCE").Open)
}

func TestPolling_MarkDelivered(t *testing.T) {
	bars := tvtest.MinuteBars("RELIANCE", open, 5, 100)
	q := &memQuerier{}
	q.add(bars...)
	p := NewPollingProvider(q, types.TF1m)
	p.Seed("RELIANCE", open.Add(-time.Minute))

	next(t, p, "RELIANCE")
	p.MarkDelivered("RELIANCE", bars[2].Timestamp)
	assert.True(t, next(t, p, "RELIANCE").Timestamp.Equal(bars[3].Timestamp))

	// Never backwards.
	p.MarkDelivered("RELIANCE", bars[0].Timestamp)
	last, _ := p.LastDelivered("RELIANCE")
	assert.True(t, last.Equal(bars[3].Timestamp))
	assert.True(t, next(t, p, "RELIANCE").Timestamp.Equal(bars[4].Timestamp))
}

func TestPolling_FailureKeepsPosition(t *testing.T) {
	q := &memQuerier{}
	q.add(tvtest.MinuteBars("RELIANCE", open, 2, 100)...)
	q.setErr(errors.ErrStorageBusy)
	p := NewPollingProvider(q, types.TF1m)
	p.Seed("RELIANCE", open.Add(-time.Minute))

	_, ok, err := p.Next(context.Background(), "RELIANCE")
	assert.ErrorIs(t, err, errors.ErrStorageBusy)
	assert.False(t, ok)
	assert.Equal(t, int64(1), p.Stats().Failures)

	q.setErr(nil)
	assert.True(t, next(t, p, "RELIANCE").Timestamp.Equal(open))
}

func TestPolling_QueryService(t *testing.T) {
	opts := router.DefaultOptions()
	opts.Root = t.TempDir()
	r, err := router.New(opts, lock.NewRegistry())
	require.NoError(t, err)

	bars := tvtest.MinuteBars("RELIANCE", open, 3, 100)
	err = r.LiveWriter(context.Background(), func(h *live.Handles) error {
		_, err := h.Candles.UpsertBars(context.Background(), bars)
		return err
	})
	require.NoError(t, err)

	p := NewPollingProvider(query.New(r, cal), types.TF1m)
	p.Seed("RELIANCE", open.Add(-time.Minute))
	for i := range bars {
		b := next(t, p, "RELIANCE")
		assert.True(t, b.Timestamp.Equal(bars[i].Timestamp))
		assert.Equal(t, bars[i].Close, b.Close)
	}
	assertDry(t, p, "RELIANCE")
}

func TestPolling_ResampledWaitsForFinishedBucket(t *testing.T) {
	opts := router.DefaultOptions()
	opts.Root = t.TempDir()
	r, err := router.New(opts, lock.NewRegistry())
	require.NoError(t, err)

	writeLive := func(bars []types.Bar) {
		err := r.LiveWriter(context.Background(), func(h *live.Handles) error {
			_, err := h.Candles.UpsertBars(context.Background(), bars)
			return err
		})
		require.NoError(t, err)
	}

	qs := query.New(r, cal)
	now := open.Add(5 * time.Minute)
	qs.SetClock(func() time.Time { return now })
	p := NewPollingProvider(qs, types.TF15m)

	writeLive(tvtest.MinuteBars("RELIANCE", open, 5, 100))
	assertDry(t, p, "RELIANCE")

	writeLive(tvtest.MinuteBars("RELIANCE", open.Add(5*time.Minute), 10, 105))
	now = open.Add(16 * time.Minute)

	b := next(t, p, "RELIANCE")
	assert.True(t, b.Timestamp.Equal(open))
	assert.Equal(t, int64(150), b.Volume)
	assert.Equal(t, 114.5, b.Close)
	assertDry(t, p, "RELIANCE")
}

func TestStream(t *testing.T) {
	q := &memQuerier{}
	q.add(tvtest.MinuteBars("RELIANCE", open, 3, 100)...)
	q.add(tvtest.MinuteBars("TCS", open, 2, 3500)...)
	p := NewPollingProvider(q, types.TF1m)
	p.Seed("RELIANCE", open.Add(-time.Minute))
	p.Seed("TCS", open.Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu  sync.Mutex
		got []types.Bar
	)
	done := make(chan error, 1)
	go func() {
		done <- Stream(ctx, p, []string{"RELIANCE", "TCS"}, 10*time.Millisecond, func(b types.Bar) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, b)
			return nil
		})
	}()

	q.add(tvtest.MinuteBars("TCS", open.Add(2*time.Minute), 1, 3600)...)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 6
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)

	stop := errors.New("stop")
	err := Stream(context.Background(), NewPollingProvider(q, types.TF1m), []string{"TCS"}, time.Millisecond,
		func(types.Bar) error { return stop })
	assert.ErrorIs(t, err, stop)
}
