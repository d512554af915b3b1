// Package lock implements the per-domain writer lock.
//
// A domain is protected on two levels:
//
//   - across processes by an exclusive flock on <domain dir>/.writer.lock;
//     the holder's pid is written into the file for operator inspection
//   - inside one process by a weighted semaphore per domain name, so two
//     goroutines of the same process serialize on the gate instead of
//     racing each other for the OS lock
//
// Writers take the full gate weight. Readers of the live buffer take a single
// unit, which lets them run concurrently with each other but never while a
// write is in flight in this process.
//
// flock exists only on unix builds. Elsewhere only the in-process gate
// applies and CrossProcess reports false: two writer processes on one data
// directory are not excluded from each other there.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/xtxerr/tickvault/internal/errors"
)

// FileName is the lock file created in every domain directory.
const FileName = ".writer.lock"

const (
	// gateWeight is the weight a writer takes; it bounds concurrent readers.
	gateWeight = 64

	// DefaultPollInterval is the sleep between non-blocking lock attempts.
	DefaultPollInterval = 50 * time.Millisecond
)

// errWouldBlock is returned by tryLock when another holder owns the lock.
var errWouldBlock = errors.New("lock held by another process")

// Registry owns the in-process gates. One Registry is shared by every
// component of a process; components never create their own.
type Registry struct {
	mu           sync.Mutex
	gates        map[string]*semaphore.Weighted
	pollInterval time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		gates:        make(map[string]*semaphore.Weighted),
		pollInterval: DefaultPollInterval,
	}
}

func (r *Registry) gate(name string) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.gates[name]
	if !ok {
		g = semaphore.NewWeighted(gateWeight)
		r.gates[name] = g
	}
	return g
}

// Writer returns an unacquired writer lock for the domain stored in dir.
func (r *Registry) Writer(dir, name string) *WriterLock {
	return &WriterLock{
		reg:  r,
		name: name,
		path: filepath.Join(dir, FileName),
	}
}

// AcquireShared takes a reader unit of the named gate. The returned function
// releases it and is safe to call more than once.
func (r *Registry) AcquireShared(ctx context.Context, name string, timeout time.Duration) (func(), error) {
	g := r.gate(name)

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := g.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("acquire %s for read: %w", name, errors.ErrLockTimeout)
	}

	var once sync.Once
	return func() { once.Do(func() { g.Release(1) }) }, nil
}

// WriterLock is an exclusive lock on one domain.
type WriterLock struct {
	reg  *Registry
	name string
	path string

	mu   sync.Mutex
	file *os.File
	held bool
}

// Name returns the domain name the lock protects.
func (l *WriterLock) Name() string {
	return l.name
}

// Path returns the lock file path.
func (l *WriterLock) Path() string {
	return l.path
}

// Held reports whether the lock is currently held by this instance.
func (l *WriterLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Acquire takes the in-process gate and then the file lock, polling until
// timeout. It returns errors.ErrLockTimeout when the timeout elapses. A
// failed attempt never modifies the lock file.
func (l *WriterLock) Acquire(ctx context.Context, timeout time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return nil
	}

	deadline := time.Now().Add(timeout)
	gctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	g := l.reg.gate(l.name)
	if err := g.Acquire(gctx, gateWeight); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("acquire %s: in-process gate: %w", l.name, errors.ErrLockTimeout)
	}

	f, err := l.lockFile(gctx, deadline)
	if err != nil {
		g.Release(gateWeight)
		return err
	}

	if err := writePID(f); err != nil {
		_ = unlock(f)
		f.Close()
		g.Release(gateWeight)
		return fmt.Errorf("acquire %s: write pid: %w", l.name, err)
	}

	l.file = f
	l.held = true
	return nil
}

func (l *WriterLock) lockFile(ctx context.Context, deadline time.Time) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	// No O_TRUNC: a contender must not clobber the holder's pid.
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	ticker := time.NewTicker(l.reg.pollInterval)
	defer ticker.Stop()

	for {
		err := tryLock(f)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, errWouldBlock) {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", l.path, err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, l.timeoutError()
		}

		select {
		case <-ctx.Done():
			f.Close()
			if time.Now().Before(deadline) {
				return nil, ctx.Err()
			}
			return nil, l.timeoutError()
		case <-ticker.C:
		}
	}
}

func (l *WriterLock) timeoutError() error {
	if pid, err := ReadHolder(l.path); err == nil {
		return fmt.Errorf("acquire %s: held by pid %d: %w", l.name, pid, errors.ErrLockTimeout)
	}
	return fmt.Errorf("acquire %s: %w", l.name, errors.ErrLockTimeout)
}

// Release unlocks the file and the in-process gate. Releasing a lock that is
// not held is a no-op.
func (l *WriterLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}
	l.held = false

	var errs []error
	if err := unlock(l.file); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	l.file = nil
	l.reg.gate(l.name).Release(gateWeight)

	if len(errs) > 0 {
		return fmt.Errorf("release %s: %w", l.name, errors.Join(errs...))
	}
	return nil
}

// CrossProcess reports whether writer locks exclude other processes on this
// platform.
func CrossProcess() bool {
	return crossProcess
}

// ReadHolder returns the pid recorded in a lock file.
func ReadHolder(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read lock file: %w", err)
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, fmt.Errorf("read lock file %s: empty", path)
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse holder pid %q: %w", s, err)
	}
	return pid, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return err
	}
	return f.Sync()
}
