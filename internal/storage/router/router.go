// Package router maps storage domains to ready-to-use handles.
//
// The Router is the only way components reach storage. It enforces three
// rules:
//
//   - a read-only router refuses write handles for market data domains
//   - a write handle is opened only after the domain's writer lock is held
//   - opening a database that another handle is still closing in a
//     conflicting mode is retried with bounded exponential backoff
//
// Handles are scoped: every acquisition takes a callback and releases the
// handle and the lock when the callback returns or panics.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/xtxerr/tickvault/internal/errors"
	"github.com/xtxerr/tickvault/internal/logging"
	"github.com/xtxerr/tickvault/internal/storage/lock"
	"github.com/xtxerr/tickvault/internal/storage/parquet"
	"github.com/xtxerr/tickvault/internal/store"
)

// Options configures a Router.
type Options struct {
	// Root is the data directory.
	Root string

	// Exchange names the historical partition tree (e.g. "NSE").
	Exchange string

	// ReadOnly refuses market data write handles. Consumer processes run
	// read-only routers against the ingestion process's data directory.
	ReadOnly bool

	// LockTimeout bounds writer lock and reader gate acquisition.
	LockTimeout time.Duration

	// OpenAttempts bounds open retries on mode conflicts.
	OpenAttempts int

	// OpenInitialBackoff is the first retry delay.
	OpenInitialBackoff time.Duration

	// OpenMaxBackoff caps the retry delay.
	OpenMaxBackoff time.Duration

	// Parquet configures historical partition files.
	Parquet parquet.Options

	// Store configures DuckDB handles. Path and ReadOnly are set per open.
	Store store.Config
}

// DefaultOptions returns default router options.
func DefaultOptions() Options {
	return Options{
		Root:               "./data",
		Exchange:           "NSE",
		LockTimeout:        10 * time.Second,
		OpenAttempts:       20,
		OpenInitialBackoff: 25 * time.Millisecond,
		OpenMaxBackoff:     2 * time.Second,
		Parquet:            parquet.DefaultOptions(),
		Store:              store.DefaultConfig(),
	}
}

// Router hands out scoped storage handles.
//
// Router is safe for concurrent use. It is constructed once by the process
// entry point and passed to every component that needs storage.
type Router struct {
	opts  Options
	locks *lock.Registry
	log   *slog.Logger
}

// New creates a router. locks may be nil, in which case the router gets its
// own registry; components of one process must share a registry.
func New(opts Options, locks *lock.Registry) (*Router, error) {
	if opts.Root == "" {
		return nil, errors.NewMissingField("storage.root")
	}
	if opts.Exchange == "" {
		return nil, errors.NewMissingField("exchange")
	}
	if opts.OpenAttempts <= 0 {
		opts.OpenAttempts = 1
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultOptions().LockTimeout
	}
	if locks == nil {
		locks = lock.NewRegistry()
	}

	if !opts.ReadOnly {
		if err := os.MkdirAll(opts.Root, 0755); err != nil {
			return nil, fmt.Errorf("create data root: %w", err)
		}
	}

	return &Router{
		opts:  opts,
		locks: locks,
		log:   logging.Component("router"),
	}, nil
}

// Root returns the data directory.
func (r *Router) Root() string { return r.opts.Root }

// Exchange returns the exchange of the historical tree.
func (r *Router) Exchange() string { return r.opts.Exchange }

// ReadOnly reports whether market data writes are refused.
func (r *Router) ReadOnly() bool { return r.opts.ReadOnly }

// Locks returns the lock registry.
func (r *Router) Locks() *lock.Registry { return r.locks }

// =============================================================================
// Lock helpers
// =============================================================================

// withWriterLock runs fn while holding the domain's writer lock.
func (r *Router) withWriterLock(ctx context.Context, d Domain, fn func() error) error {
	if d.IsMarketData() && r.opts.ReadOnly {
		return fmt.Errorf("%s write: %w", d, errors.ErrReadOnly)
	}

	lk := r.locks.Writer(d.Dir(r.opts.Root), d.Name())
	if err := lk.Acquire(ctx, r.opts.LockTimeout); err != nil {
		return err
	}
	defer func() {
		if err := lk.Release(); err != nil {
			r.log.Warn("release writer lock", "domain", d.Name(), "error", err)
		}
	}()

	return fn()
}

// withReadGate runs fn while holding a reader unit of the domain's gate.
func (r *Router) withReadGate(ctx context.Context, d Domain, fn func() error) error {
	release, err := r.locks.AcquireShared(ctx, d.Name(), r.opts.LockTimeout)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// =============================================================================
// Opening with retry
// =============================================================================

// openStore opens a DuckDB file, retrying transient lock/mode conflicts.
func (r *Router) openStore(ctx context.Context, path string, readOnly bool) (*store.Store, error) {
	if readOnly {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%s: %w", path, errors.ErrPartitionNotFound)
			}
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
	} else if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create domain dir: %w", err)
	}

	cfg := r.opts.Store
	cfg.Path = path
	cfg.ReadOnly = readOnly

	var (
		st      *store.Store
		attempt int
	)
	op := func() error {
		attempt++
		s, err := store.New(cfg)
		if err == nil {
			st = s
			return nil
		}
		if store.IsLockConflict(err) {
			r.log.Debug("open conflict, retrying", "path", path, "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, r.openBackoff(ctx)); err != nil {
		if store.IsLockConflict(err) {
			return nil, fmt.Errorf("open %s after %d attempts: %w: %w", path, attempt, errors.ErrStorageBusy, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return st, nil
}

func (r *Router) openBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.OpenInitialBackoff
	b.MaxInterval = r.opts.OpenMaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.opts.OpenAttempts-1)), ctx)
}

// =============================================================================
// Generic DuckDB domains
// =============================================================================

// Writer runs fn with a read-write handle on a DuckDB-backed domain, holding
// the domain's writer lock for the whole call.
func (r *Router) Writer(ctx context.Context, d Domain, fn func(*store.Store) error) error {
	path, err := r.databasePath(d)
	if err != nil {
		return err
	}
	return r.withWriterLock(ctx, d, func() error {
		st, err := r.openStore(ctx, path, false)
		if err != nil {
			return err
		}
		defer st.Close()
		return fn(st)
	})
}

// Reader runs fn with a read-only handle on a DuckDB-backed domain. A domain
// that was never written yields errors.ErrPartitionNotFound.
func (r *Router) Reader(ctx context.Context, d Domain, fn func(*store.Store) error) error {
	path, err := r.databasePath(d)
	if err != nil {
		return err
	}
	return r.withReadGate(ctx, d, func() error {
		st, err := r.openStore(ctx, path, true)
		if err != nil {
			return err
		}
		defer st.Close()
		return fn(st)
	})
}

func (r *Router) databasePath(d Domain) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	path := d.DatabasePath(r.opts.Root)
	if path == "" {
		return "", fmt.Errorf("%s has no database handle: %w", d, errors.ErrInvalidDomain)
	}
	return path, nil
}

// TradingWriter runs fn with the trading ledger open for writing.
func (r *Router) TradingWriter(ctx context.Context, fn func(*store.Store) error) error {
	return r.Writer(ctx, DomainTrading, fn)
}

// TradingReader runs fn with the trading ledger open for reading.
func (r *Router) TradingReader(ctx context.Context, fn func(*store.Store) error) error {
	return r.Reader(ctx, DomainTrading, fn)
}

// SignalsWriter runs fn with the signal store open for writing.
func (r *Router) SignalsWriter(ctx context.Context, fn func(*store.Store) error) error {
	return r.Writer(ctx, DomainSignals, fn)
}

// SignalsReader runs fn with the signal store open for reading.
func (r *Router) SignalsReader(ctx context.Context, fn func(*store.Store) error) error {
	return r.Reader(ctx, DomainSignals, fn)
}

// ConfigWriter runs fn with the config store open for writing.
func (r *Router) ConfigWriter(ctx context.Context, fn func(*store.Store) error) error {
	return r.Writer(ctx, DomainConfig, fn)
}

// ConfigReader runs fn with the config store open for reading.
func (r *Router) ConfigReader(ctx context.Context, fn func(*store.Store) error) error {
	return r.Reader(ctx, DomainConfig, fn)
}

// BacktestIndexWriter runs fn with the backtest index open for writing.
func (r *Router) BacktestIndexWriter(ctx context.Context, fn func(*store.Store) error) error {
	return r.Writer(ctx, DomainBacktestIndex, fn)
}

// BacktestRunWriter runs fn with one backtest run's store open for writing.
func (r *Router) BacktestRunWriter(ctx context.Context, id string, fn func(*store.Store) error) error {
	return r.Writer(ctx, BacktestRunDomain(id), fn)
}

// BacktestRunReader runs fn with one backtest run's store open for reading.
func (r *Router) BacktestRunReader(ctx context.Context, id string, fn func(*store.Store) error) error {
	return r.Reader(ctx, BacktestRunDomain(id), fn)
}
