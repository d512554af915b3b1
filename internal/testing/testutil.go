// Package testing provides test utilities for tickvault: background runners
// for Run-style services and market data fixtures.
package testing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// StopTimeout bounds how long Stop waits for a background run to return.
const StopTimeout = 10 * time.Second

// =============================================================================
// Background Runs
// =============================================================================

// Background runs a blocking Run(ctx) function in a goroutine.
//
// Calling t.Fatal inside the goroutine would only exit that goroutine, so
// the run's error is handed back by Stop on the test goroutine instead:
//
//	bg := tvtest.Start(t, svc.Run)
//	tvtest.WaitFor(t, "running", svc.IsRunning)
//	if err := bg.Stop(); err != nil {
//	    t.Fatalf("Run: %v", err)
//	}
type Background struct {
	t      *testing.T
	cancel context.CancelFunc
	done   chan error

	once sync.Once
	err  error
}

// Start runs fn until Stop is called or the test ends.
func Start(t *testing.T, fn func(ctx context.Context) error) *Background {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	b := &Background{
		t:      t,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { b.done <- fn(ctx) }()

	t.Cleanup(func() { b.Stop() })
	return b
}

// Stop cancels the run and returns its error. Later calls return the same
// error. It fails the test if the run does not return within StopTimeout.
func (b *Background) Stop() error {
	b.once.Do(func() {
		b.cancel()
		select {
		case b.err = <-b.done:
		case <-time.After(StopTimeout):
			b.err = fmt.Errorf("run did not return within %v", StopTimeout)
			b.t.Error(b.err)
		}
	})
	return b.err
}

// =============================================================================
// Waiting
// =============================================================================

// Eventually waits for a condition to become true.
//
// Example:
//
//	err := tvtest.Eventually(5*time.Second, 100*time.Millisecond, func() bool {
//	    return svc.IsRunning()
//	})
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(interval)
	}
	return fmt.Errorf("condition not met within %v", timeout)
}

// WaitFor fails the test unless condition holds within five seconds.
func WaitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	if err := Eventually(5*time.Second, 10*time.Millisecond, condition); err != nil {
		t.Fatalf("%s: %v", what, err)
	}
}
