package aggregate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/tickvault/internal/storage/live"
	"github.com/xtxerr/tickvault/internal/storage/lock"
	"github.com/xtxerr/tickvault/internal/storage/router"
	"github.com/xtxerr/tickvault/internal/storage/types"
	tvtest "github.com/xtxerr/tickvault/internal/testing"
)

type recordingPublisher struct {
	mu   sync.Mutex
	bars []types.Bar
}

func (p *recordingPublisher) PublishBar(ctx context.Context, b types.Bar) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars = append(p.bars, b)
	return nil
}

func newRouter(t *testing.T) *router.Router {
	t.Helper()
	opts := router.DefaultOptions()
	opts.Root = t.TempDir()
	opts.LockTimeout = time.Second
	r, err := router.New(opts, lock.NewRegistry())
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	return r
}

func insertTicks(t *testing.T, r *router.Router, ticks []types.Tick) {
	t.Helper()
	err := r.LiveWriter(context.Background(), func(h *live.Handles) error {
		_, err := h.Ticks.InsertTicks(context.Background(), ticks)
		return err
	})
	if err != nil {
		t.Fatalf("insert ticks: %v", err)
	}
}

func storedBars(t *testing.T, r *router.Router, symbol string) []types.Bar {
	t.Helper()
	var bars []types.Bar
	err := r.LiveReader(context.Background(), func(h *live.Handles) error {
		var err error
		bars, err = h.Candles.Bars(context.Background(), symbol, types.TF1m, time.Time{}, time.Time{})
		return err
	})
	if err != nil {
		t.Fatalf("read bars: %v", err)
	}
	return bars
}

func TestAggregator_RunOnce(t *testing.T) {
	r := newRouter(t)
	pub := &recordingPublisher{}
	agg := New(r, DefaultOptions(), pub)
	agg.now = func() time.Time { return open.Add(2*time.Minute + 10*time.Second) }

	ticks := tvtest.TicksEvery("RELIANCE", open.Add(5*time.Second), 10*time.Second, 10, 100, 101, 99, 102)
	ticks = append(ticks,
		tvtest.Tick("RELIANCE", open.Add(65*time.Second), 103, 5),
		tvtest.Tick("RELIANCE", open.Add(125*time.Second), 104, 5), // current minute
	)
	insertTicks(t, r, ticks)

	res, err := agg.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Bars != 2 || res.NewBars != 2 || res.Published != 2 {
		t.Errorf("unexpected result %+v", res)
	}

	bars := storedBars(t, r, "RELIANCE")
	if len(bars) != 2 {
		t.Fatalf("expected 2 stored bars, got %d", len(bars))
	}
	b := bars[0]
	if b.Open != 100 || b.High != 102 || b.Low != 99 || b.Close != 102 || b.Volume != 40 {
		t.Errorf("unexpected first bar %+v", b)
	}
	if len(pub.bars) != 2 || !pub.bars[0].Timestamp.Equal(open) {
		t.Errorf("unexpected published bars %+v", pub.bars)
	}
}

func TestAggregator_Idempotent(t *testing.T) {
	r := newRouter(t)
	pub := &recordingPublisher{}
	agg := New(r, DefaultOptions(), pub)
	agg.now = func() time.Time { return open.Add(3 * time.Minute) }

	insertTicks(t, r, tvtest.TicksEvery("RELIANCE", open, 20*time.Second, 1, 100, 101, 102, 103, 104, 105, 106, 107, 108))

	if _, err := agg.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	first := storedBars(t, r, "RELIANCE")

	res, err := agg.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	second := storedBars(t, r, "RELIANCE")

	if len(first) != 3 || len(second) != len(first) {
		t.Fatalf("expected 3 bars both times, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("bar %d changed on replay: %+v vs %+v", i, first[i], second[i])
		}
	}
	if res.NewBars != 0 || len(pub.bars) != 3 {
		t.Errorf("replay must not publish again: result %+v, published %d", res, len(pub.bars))
	}
}

func TestAggregator_OverridesSyntheticBar(t *testing.T) {
	r := newRouter(t)
	agg := New(r, DefaultOptions(), nil)
	agg.now = func() time.Time { return open.Add(time.Minute) }

	synthetic := tvtest.Synthetic(tvtest.Flat("RELIANCE", types.TF1m, open, 50, 1))
	err := r.LiveWriter(context.Background(), func(h *live.Handles) error {
		_, err := h.Candles.UpsertBars(context.Background(), []types.Bar{synthetic})
		return err
	})
	if err != nil {
		t.Fatalf("seed synthetic: %v", err)
	}

	insertTicks(t, r, tvtest.TicksEvery("RELIANCE", open, time.Second, 10, 100, 101))

	if _, err := agg.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	bars := storedBars(t, r, "RELIANCE")
	if len(bars) != 1 || bars[0].IsSynthetic || bars[0].Open != 100 || bars[0].Volume != 20 {
		t.Errorf("real bar should replace the synthetic one, got %+v", bars)
	}
}

func TestAggregator_TrackedSymbolWithoutTicks(t *testing.T) {
	r := newRouter(t)
	opts := DefaultOptions()
	opts.Symbols = []string{"TCS"}
	agg := New(r, opts, nil)

	res, err := agg.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Symbols != 1 || res.Bars != 0 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestAggregator_RunUntilFinalizesLastMinute(t *testing.T) {
	r := newRouter(t)
	agg := New(r, DefaultOptions(), nil)
	closeAt := tvtest.At("2024-01-15", "15:30")
	agg.now = func() time.Time { return closeAt.Add(-30 * time.Second) }

	insertTicks(t, r, []types.Tick{tvtest.Tick("RELIANCE", closeAt.Add(-20*time.Second), 100, 1)})

	res, _ := agg.RunOnce(context.Background())
	if res.Bars != 0 {
		t.Fatalf("the open minute must not produce a bar, got %+v", res)
	}

	res, err := agg.RunUntil(context.Background(), closeAt)
	if err != nil {
		t.Fatalf("RunUntil: %v", err)
	}
	if res.Bars != 1 {
		t.Errorf("expected the 15:29 bar, got %+v", res)
	}

	if st := agg.Stats(); st.Passes != 2 || st.BarsWritten != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}
