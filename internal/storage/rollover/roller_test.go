package rollover

import (
	"context"
	"testing"
	"time"

	"github.com/xtxerr/tickvault/internal/errors"
	"github.com/xtxerr/tickvault/internal/session"
	"github.com/xtxerr/tickvault/internal/storage/live"
	"github.com/xtxerr/tickvault/internal/storage/lock"
	"github.com/xtxerr/tickvault/internal/storage/router"
	"github.com/xtxerr/tickvault/internal/storage/types"
	tvtest "github.com/xtxerr/tickvault/internal/testing"
)

var (
	cal  = session.Default()
	open = tvtest.At("2024-01-15", "09:15")
)

func newRouter(t *testing.T, root string) *router.Router {
	t.Helper()
	opts := router.DefaultOptions()
	opts.Root = root
	opts.LockTimeout = 300 * time.Millisecond
	r, err := router.New(opts, lock.NewRegistry())
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	return r
}

func seedLive(t *testing.T, r *router.Router) {
	t.Helper()
	ticks := tvtest.TicksEvery("RELIANCE", open, 20*time.Second, 10, 100, 101, 102, 103)
	ticks = append(ticks, tvtest.Tick("TCS", open.Add(time.Second), 3500, 1))

	bars := tvtest.MinuteBars("RELIANCE", open, 2, 100)
	bars = append(bars,
		tvtest.Synthetic(tvtest.Flat("RELIANCE", types.TF1m, open.Add(2*time.Minute), 102, 0)),
		tvtest.Flat("RELIANCE", types.TF5m, open, 100, 20),
	)

	err := r.LiveWriter(context.Background(), func(h *live.Handles) error {
		if _, err := h.Ticks.InsertTicks(context.Background(), ticks); err != nil {
			return err
		}
		_, err := h.Candles.UpsertBars(context.Background(), bars)
		return err
	})
	if err != nil {
		t.Fatalf("seed live buffer: %v", err)
	}
}

func liveCounts(t *testing.T, r *router.Router) live.Counts {
	t.Helper()
	var c live.Counts
	err := r.LiveReader(context.Background(), func(h *live.Handles) error {
		var err error
		c, err = h.Check(context.Background())
		return err
	})
	if err != nil {
		t.Fatalf("live counts: %v", err)
	}
	return c
}

func TestRoller_MovesDayToHistory(t *testing.T) {
	r := newRouter(t, t.TempDir())
	seedLive(t, r)

	res, err := New(r, cal).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Empty || res.Ticks != 5 || res.Bars != 4 {
		t.Errorf("unexpected result %+v", res)
	}
	if len(res.Partitions) != 3 {
		t.Errorf("expected ticks, 1m and 5m partitions, got %v", res.Partitions)
	}

	ticks, err := r.HistoricalTicks("2024-01-15", "RELIANCE")
	if err != nil || len(ticks) != 4 {
		t.Fatalf("HistoricalTicks: %d ticks, err %v", len(ticks), err)
	}

	bars, err := r.HistoricalBars(types.TF1m, "2024-01-15", "RELIANCE")
	if err != nil || len(bars) != 3 {
		t.Fatalf("HistoricalBars 1m: %d bars, err %v", len(bars), err)
	}
	if !bars[2].IsSynthetic {
		t.Error("synthetic flag must survive the rollover")
	}

	five, err := r.HistoricalBars(types.TF5m, "2024-01-15", "")
	if err != nil || len(five) != 1 {
		t.Fatalf("HistoricalBars 5m: %d bars, err %v", len(five), err)
	}

	if c := liveCounts(t, r); !c.Empty() {
		t.Errorf("live buffer should be reset, got %+v", c)
	}
}

func TestRoller_EmptyIsNoop(t *testing.T) {
	r := newRouter(t, t.TempDir())
	ro := New(r, cal)

	// Never written
	res, err := ro.Run(context.Background())
	if err != nil || !res.Empty {
		t.Fatalf("fresh data dir: res %+v, err %v", res, err)
	}

	// Re-run right after a successful rollover
	seedLive(t, r)
	if _, err := ro.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	before, _ := r.HistoricalTicks("2024-01-15", "")

	res, err = ro.Run(context.Background())
	if err != nil || !res.Empty {
		t.Fatalf("second run: res %+v, err %v", res, err)
	}
	after, _ := r.HistoricalTicks("2024-01-15", "")
	if len(before) != len(after) {
		t.Errorf("empty rollover changed history: %d -> %d", len(before), len(after))
	}

	if st := ro.Stats(); st.Runs != 3 || st.Empty != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestRoller_FailureLeavesLiveBuffer(t *testing.T) {
	root := t.TempDir()
	r := newRouter(t, root)
	seedLive(t, r)

	// Another process holds the market data lock.
	other := lock.NewRegistry().Writer(router.DomainMarketData.Dir(root), router.DomainMarketData.Name())
	if err := other.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	_, err := New(r, cal).Run(context.Background())
	if !errors.Is(err, errors.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}

	if c := liveCounts(t, r); c.Ticks != 5 || c.Bars != 4 {
		t.Errorf("live buffer must be untouched, got %+v", c)
	}

	// Retry after the holder is gone
	other.Release()
	res, err := New(r, cal).Run(context.Background())
	if err != nil || res.Ticks != 5 {
		t.Fatalf("retry: res %+v, err %v", res, err)
	}
}

func TestRoller_IdempotentAfterPartialWrite(t *testing.T) {
	r := newRouter(t, t.TempDir())
	seedLive(t, r)

	// Simulate a crash after the history write but before the reset.
	var ticks []types.Tick
	r.LiveReader(context.Background(), func(h *live.Handles) error {
		var err error
		ticks, err = h.Ticks.AllTicks(context.Background())
		return err
	})
	err := r.HistoricalWriter(context.Background(), func(w *router.HistoryWriter) error {
		_, err := w.UpsertTicks("2024-01-15", ticks)
		return err
	})
	if err != nil {
		t.Fatalf("partial write: %v", err)
	}

	if _, err := New(r, cal).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	all, _ := r.HistoricalTicks("2024-01-15", "")
	if len(all) != 5 {
		t.Errorf("expected 5 ticks without duplicates, got %d", len(all))
	}
}
