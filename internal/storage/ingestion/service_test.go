package ingestion

import (
	"context"
	"sync"
	"testing"
	"time"

	defaults "github.com/xtxerr/tickvault/config"
	"github.com/xtxerr/tickvault/internal/errors"
	"github.com/xtxerr/tickvault/internal/storage/config"
	"github.com/xtxerr/tickvault/internal/storage/live"
	"github.com/xtxerr/tickvault/internal/storage/lock"
	"github.com/xtxerr/tickvault/internal/storage/router"
	"github.com/xtxerr/tickvault/internal/storage/types"
	tvtest "github.com/xtxerr/tickvault/internal/testing"
)

var open = tvtest.At("2024-01-15", "09:15")

// fakeWriter records batches and fails the next `failures` calls.
type fakeWriter struct {
	mu       sync.Mutex
	failures int
	always   bool
	calls    int
	written  []types.Tick
	seen     map[types.TickKey]bool
}

func (w *fakeWriter) WriteTicks(ctx context.Context, ticks []types.Tick) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.calls++
	if w.always || w.failures > 0 {
		w.failures--
		return 0, errors.ErrStorageBusy
	}
	if w.seen == nil {
		w.seen = make(map[types.TickKey]bool)
	}
	var n int64
	for _, t := range ticks {
		if w.seen[t.Key()] {
			continue
		}
		w.seen[t.Key()] = true
		w.written = append(w.written, t)
		n++
	}
	return n, nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.written)
}

func (w *fakeWriter) heal() {
	w.mu.Lock()
	w.always = false
	w.failures = 0
	w.mu.Unlock()
}

func testOptions() Options {
	return Options{
		QueueSize:      100,
		BufferCapacity: 1000,
		BatchSize:      100,
		FlushInterval:  time.Hour,
		FlushRetries:   2,
		RetryDelay:     time.Millisecond,
		KeepOnFailure:  3,
	}
}

// start runs svc in the background and returns a stop function that
// cancels it and returns Run's error.
func start(t *testing.T, svc *Service) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	if err := tvtest.Eventually(time.Second, time.Millisecond, svc.IsRunning); err != nil {
		t.Fatalf("Run did not start: %v", err)
	}

	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
			return nil
		}
	}
}

func ticks(n int) []types.Tick {
	prices := make([]float64, n)
	for i := range prices {
		prices[i] = float64(100 + i)
	}
	return tvtest.TicksEvery("RELIANCE", open, time.Second, 10, prices...)
}

func TestService_NewDefaults(t *testing.T) {
	svc := New(Options{FlushRetries: 2}, &fakeWriter{}, nil)

	def := DefaultOptions()
	if svc.opts.QueueSize != def.QueueSize || svc.opts.BatchSize != def.BatchSize {
		t.Errorf("expected default queue/batch sizes, got %+v", svc.opts)
	}
	if svc.opts.FlushInterval != def.FlushInterval {
		t.Errorf("expected flush interval %v, got %v", def.FlushInterval, svc.opts.FlushInterval)
	}
	if svc.opts.RetryDelay != defaults.DefaultFlushRetryDelay {
		t.Errorf("expected retry delay %v, got %v", defaults.DefaultFlushRetryDelay, svc.opts.RetryDelay)
	}
	if svc.opts.FlushRetries != 2 {
		t.Errorf("explicit flush retries overwritten: %d", svc.opts.FlushRetries)
	}
}

func TestService_BatchFlush(t *testing.T) {
	w := &fakeWriter{}
	opts := testOptions()
	opts.BatchSize = 5
	svc := New(opts, w, nil)
	stop := start(t, svc)

	if err := svc.Submit(context.Background(), ticks(5)...); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := tvtest.Eventually(2*time.Second, time.Millisecond, func() bool { return w.count() == 5 }); err != nil {
		t.Fatalf("batch not flushed: %v", err)
	}

	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := svc.Stats()
	if stats.TicksReceived != 5 || stats.TicksWritten != 5 || stats.BufferCount != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestService_IntervalFlush(t *testing.T) {
	w := &fakeWriter{}
	opts := testOptions()
	opts.FlushInterval = 20 * time.Millisecond
	svc := New(opts, w, nil)
	stop := start(t, svc)
	defer stop()

	svc.Submit(context.Background(), ticks(3)...)

	if err := tvtest.Eventually(2*time.Second, 5*time.Millisecond, func() bool { return w.count() == 3 }); err != nil {
		t.Fatalf("interval flush did not happen: %v", err)
	}
}

func TestService_FinalFlush(t *testing.T) {
	w := &fakeWriter{}
	svc := New(testOptions(), w, nil)
	stop := start(t, svc)

	svc.Submit(context.Background(), ticks(7)...)

	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := w.count(); got != 7 {
		t.Errorf("final flush wrote %d ticks, want 7", got)
	}
	if svc.IsRunning() {
		t.Error("service should not be running after Run returns")
	}
}

func TestService_RetryThenTruncate(t *testing.T) {
	w := &fakeWriter{always: true}
	opts := testOptions()
	opts.BatchSize = 10
	svc := New(opts, w, nil)
	stop := start(t, svc)
	defer stop()

	svc.Submit(context.Background(), ticks(10)...)

	err := tvtest.Eventually(2*time.Second, time.Millisecond, func() bool {
		return svc.Stats().FlushFailures == 1
	})
	if err != nil {
		t.Fatalf("flush did not give up: %v", err)
	}

	stats := svc.Stats()
	if stats.TicksTruncated != 7 || stats.BufferCount != 3 {
		t.Errorf("expected 7 truncated and 3 kept, got %+v", stats)
	}
	if stats.FlushRetries != 2 {
		t.Errorf("expected 2 retries, got %d", stats.FlushRetries)
	}
	if !stats.Degraded() {
		t.Error("failed flush should report degraded")
	}

	w.mu.Lock()
	calls := w.calls
	w.mu.Unlock()
	if calls != 3 {
		t.Errorf("expected 3 write attempts, got %d", calls)
	}

	// Storage recovers: the most recent ticks survive
	w.heal()
	svc.ForceFlush()
	if err := tvtest.Eventually(2*time.Second, time.Millisecond, func() bool { return w.count() == 3 }); err != nil {
		t.Fatalf("kept ticks not flushed: %v", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.written[0].Price != 107 || w.written[2].Price != 109 {
		t.Errorf("expected the newest ticks to survive, got %+v", w.written)
	}
}

func TestService_RetrySucceeds(t *testing.T) {
	w := &fakeWriter{failures: 2}
	opts := testOptions()
	opts.BatchSize = 4
	opts.FlushRetries = 3
	svc := New(opts, w, nil)
	stop := start(t, svc)
	defer stop()

	svc.Submit(context.Background(), ticks(4)...)

	if err := tvtest.Eventually(2*time.Second, time.Millisecond, func() bool { return w.count() == 4 }); err != nil {
		t.Fatalf("retry did not succeed: %v", err)
	}
	stats := svc.Stats()
	if stats.FlushFailures != 0 || stats.TicksTruncated != 0 {
		t.Errorf("no ticks should be lost, got %+v", stats)
	}
}

func TestService_SubmitBlocksWhenFull(t *testing.T) {
	opts := testOptions()
	opts.QueueSize = 2
	svc := New(opts, &fakeWriter{}, nil)

	if err := svc.Submit(context.Background(), ticks(2)...); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := svc.Submit(ctx, ticks(3)[2])
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded on full queue, got %v", err)
	}
}

func TestService_DoubleRun(t *testing.T) {
	svc := New(testOptions(), &fakeWriter{}, nil)
	stop := start(t, svc)
	defer stop()

	if err := svc.Run(context.Background()); !errors.Is(err, errors.ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestService_BackpressureForcesFlush(t *testing.T) {
	w := &fakeWriter{}
	opts := testOptions()
	opts.BufferCapacity = 10
	opts.BatchSize = 10
	svc := New(opts, w, nil)

	bp := config.DefaultConfig().Backpressure
	bp.Enabled = true
	bp.Recovery.Cooldown = 0
	ctrl := svc.WithBackpressure(bp)

	stop := start(t, svc)
	defer stop()

	svc.Submit(context.Background(), ticks(5)...)

	if err := tvtest.Eventually(2*time.Second, time.Millisecond, func() bool { return w.count() == 5 }); err != nil {
		t.Fatalf("warning level did not force a flush: %v", err)
	}
	if ctrl.Stats().ForcedFlushes == 0 {
		t.Error("expected a forced flush to be recorded")
	}
}

func TestService_RouterWriter(t *testing.T) {
	opts := router.DefaultOptions()
	opts.Root = t.TempDir()
	opts.LockTimeout = time.Second
	r, err := router.New(opts, lock.NewRegistry())
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}

	svc := New(testOptions(), RouterWriter{Router: r}, nil)
	stop := start(t, svc)

	batch := ticks(4)
	batch = append(batch, batch[1]) // duplicate key: first write wins
	svc.Submit(context.Background(), batch...)

	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var count int64
	err = r.LiveReader(context.Background(), func(h *live.Handles) error {
		var err error
		count, err = h.Ticks.Count(context.Background())
		return err
	})
	if err != nil {
		t.Fatalf("LiveReader: %v", err)
	}
	if count != 4 {
		t.Errorf("expected 4 stored ticks, got %d", count)
	}
	if d := svc.Stats().Duplicates; d != 1 {
		t.Errorf("expected 1 duplicate, got %d", d)
	}
}
