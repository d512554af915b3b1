package lock

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/tickvault/internal/errors"
)

func TestWriterLock_AcquireWritesPID(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()

	l := reg.Writer(dir, "live_buffer")
	if err := l.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	pid, err := ReadHolder(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("ReadHolder: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), pid)
	}
	if !l.Held() {
		t.Error("expected lock to be held")
	}
}

func TestWriterLock_ReleaseIdempotent(t *testing.T) {
	reg := NewRegistry()
	l := reg.Writer(t.TempDir(), "trading")

	if err := l.Release(); err != nil {
		t.Fatalf("Release before Acquire: %v", err)
	}
	if err := l.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	// Released lock can be taken again.
	l2 := reg.Writer(filepath.Dir(l.Path()), "trading")
	if err := l2.Acquire(context.Background(), 200*time.Millisecond); err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	l2.Release()
}

// Two registries model two processes: each opens its own file description,
// so flock contends between them exactly as it would across processes.
func TestWriterLock_TimeoutDoesNotCorruptHolder(t *testing.T) {
	dir := t.TempDir()
	holder := NewRegistry().Writer(dir, "market_data")
	contender := NewRegistry().Writer(dir, "market_data")

	if err := holder.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("holder Acquire: %v", err)
	}
	before, err := os.ReadFile(holder.Path())
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}

	released := make(chan struct{})
	go func() {
		time.Sleep(2 * time.Second)
		holder.Release()
		close(released)
	}()

	start := time.Now()
	err = contender.Acquire(context.Background(), time.Second)
	elapsed := time.Since(start)

	if !errors.Is(err, errors.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if elapsed < 900*time.Millisecond || elapsed > 1900*time.Millisecond {
		t.Errorf("expected failure after ~1s, took %v", elapsed)
	}

	after, err := os.ReadFile(holder.Path())
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if string(after) != string(before) {
		t.Errorf("lock file changed by contender: %q -> %q", before, after)
	}

	<-released
	if err := contender.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("Acquire after holder released: %v", err)
	}
	contender.Release()
}

func TestWriterLock_SerializesInProcess(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()

	first := reg.Writer(dir, "signals")
	if err := first.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	var acquired atomic.Bool
	done := make(chan error, 1)
	go func() {
		second := reg.Writer(dir, "signals")
		err := second.Acquire(context.Background(), 2*time.Second)
		acquired.Store(err == nil)
		if err == nil {
			second.Release()
		}
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	if acquired.Load() {
		t.Fatal("second writer acquired while first still held the lock")
	}
	first.Release()

	if err := <-done; err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
}

func TestAcquireShared_BlockedByWriter(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()

	// Concurrent readers are fine.
	r1, err := reg.AcquireShared(context.Background(), "live_buffer", time.Second)
	if err != nil {
		t.Fatalf("AcquireShared: %v", err)
	}
	r2, err := reg.AcquireShared(context.Background(), "live_buffer", time.Second)
	if err != nil {
		t.Fatalf("AcquireShared: %v", err)
	}

	w := reg.Writer(dir, "live_buffer")
	if err := w.Acquire(context.Background(), 100*time.Millisecond); !errors.Is(err, errors.ErrLockTimeout) {
		t.Fatalf("expected writer to time out behind readers, got %v", err)
	}

	r1()
	r1() // idempotent
	r2()

	if err := w.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("writer Acquire: %v", err)
	}
	if _, err := reg.AcquireShared(context.Background(), "live_buffer", 100*time.Millisecond); !errors.Is(err, errors.ErrLockTimeout) {
		t.Fatalf("expected reader to time out behind writer, got %v", err)
	}
	w.Release()
}

func TestReadHolder_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := ReadHolder(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}

	p := filepath.Join(dir, "bad")
	os.WriteFile(p, []byte("not-a-pid"), 0644)
	if _, err := ReadHolder(p); err == nil {
		t.Error("expected error for garbage pid")
	}
}
