package router

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xtxerr/tickvault/internal/storage/live"
)

// LiveWriter runs fn with both live buffer sub-handles open for writing.
// The live buffer writer lock is held for the whole call.
func (r *Router) LiveWriter(ctx context.Context, fn func(*live.Handles) error) error {
	return r.withWriterLock(ctx, DomainLiveBuffer, func() error {
		h, err := r.openLive(ctx, false)
		if err != nil {
			return err
		}
		defer h.Close()
		return fn(h)
	})
}

// LiveReader runs fn with both live buffer sub-handles open read-only.
// Readers in this process wait for an in-flight write to finish. A live
// buffer that was never written yields errors.ErrPartitionNotFound.
func (r *Router) LiveReader(ctx context.Context, fn func(*live.Handles) error) error {
	return r.withReadGate(ctx, DomainLiveBuffer, func() error {
		h, err := r.openLive(ctx, true)
		if err != nil {
			return err
		}
		defer h.Close()
		return fn(h)
	})
}

// LiveMaintenance runs fn holding the live buffer writer lock without any
// open handle, for operations that must replace the files themselves.
func (r *Router) LiveMaintenance(ctx context.Context, fn func(*Maintenance) error) error {
	return r.withWriterLock(ctx, DomainLiveBuffer, func() error {
		return fn(&Maintenance{r: r, ctx: ctx})
	})
}

func (r *Router) openLive(ctx context.Context, readOnly bool) (*live.Handles, error) {
	dir := DomainLiveBuffer.Dir(r.opts.Root)

	ticks, err := r.openStore(ctx, filepath.Join(dir, live.TicksFile), readOnly)
	if err != nil {
		return nil, fmt.Errorf("open live ticks: %w", err)
	}
	candles, err := r.openStore(ctx, filepath.Join(dir, live.CandlesFile), readOnly)
	if err != nil {
		ticks.Close()
		return nil, fmt.Errorf("open live candles: %w", err)
	}

	h, err := live.NewHandles(ctx, ticks, candles)
	if err != nil {
		ticks.Close()
		candles.Close()
		return nil, err
	}
	return h, nil
}

// Maintenance is the live buffer under an exclusive lock with no open
// handles. It is only valid inside a LiveMaintenance callback.
type Maintenance struct {
	r   *Router
	ctx context.Context
}

// Dir returns the live buffer directory.
func (m *Maintenance) Dir() string {
	return DomainLiveBuffer.Dir(m.r.opts.Root)
}

// Exists reports whether live buffer files are present.
func (m *Maintenance) Exists() bool {
	for _, name := range []string{live.TicksFile, live.CandlesFile} {
		if _, err := os.Stat(filepath.Join(m.Dir(), name)); err == nil {
			return true
		}
	}
	return false
}

// Open opens writable handles. The caller must close them before Reset.
func (m *Maintenance) Open() (*live.Handles, error) {
	return m.r.openLive(m.ctx, false)
}

// Check opens the live buffer, verifies both tables are queryable and
// returns their row counts.
func (m *Maintenance) Check() (live.Counts, error) {
	h, err := m.Open()
	if err != nil {
		return live.Counts{}, err
	}
	defer h.Close()
	return h.Check(m.ctx)
}

// Reset removes the live buffer files and reinitialises empty storage with
// the standard schema.
func (m *Maintenance) Reset() error {
	for _, name := range []string{live.TicksFile, live.CandlesFile} {
		path := filepath.Join(m.Dir(), name)
		for _, p := range []string{path, path + ".wal"} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", p, err)
			}
		}
	}

	h, err := m.Open()
	if err != nil {
		return fmt.Errorf("reinitialise live buffer: %w", err)
	}
	return h.Close()
}
