// Package ingestion moves ticks from the feed into the live buffer.
//
// The flow is Feed → bounded channel → ring buffer → live tick store. The
// channel blocks the feed reader when the service falls behind; the ring
// buffer keeps ticks until a flush has committed them.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	defaults "github.com/xtxerr/tickvault/config"
	"github.com/xtxerr/tickvault/internal/errors"
	"github.com/xtxerr/tickvault/internal/logging"
	"github.com/xtxerr/tickvault/internal/storage/backpressure"
	"github.com/xtxerr/tickvault/internal/storage/buffer"
	"github.com/xtxerr/tickvault/internal/storage/config"
	"github.com/xtxerr/tickvault/internal/storage/live"
	"github.com/xtxerr/tickvault/internal/storage/router"
	"github.com/xtxerr/tickvault/internal/storage/types"
)

// finalFlushTimeout bounds the flush performed after cancellation.
const finalFlushTimeout = 30 * time.Second

// Writer persists a batch of ticks. It returns the number of new rows.
type Writer interface {
	WriteTicks(ctx context.Context, ticks []types.Tick) (int64, error)
}

// RouterWriter writes ticks through one live buffer writer acquisition
// per batch.
type RouterWriter struct {
	Router *router.Router
}

// WriteTicks implements Writer.
func (w RouterWriter) WriteTicks(ctx context.Context, ticks []types.Tick) (int64, error) {
	var n int64
	err := w.Router.LiveWriter(ctx, func(h *live.Handles) error {
		var err error
		n, err = h.Ticks.InsertTicks(ctx, ticks)
		return err
	})
	return n, err
}

// Options configures the ingestion service.
type Options struct {
	QueueSize      int
	BufferCapacity int
	BatchSize      int
	FlushInterval  time.Duration
	FlushRetries   int
	RetryDelay     time.Duration
	KeepOnFailure  int
}

// OptionsFromConfig converts the ingestion config section.
func OptionsFromConfig(cfg config.IngestionConfig) Options {
	return Options{
		QueueSize:      cfg.QueueSize,
		BufferCapacity: cfg.BufferCapacity,
		BatchSize:      cfg.BatchSize,
		FlushInterval:  cfg.FlushInterval,
		FlushRetries:   cfg.FlushRetries,
		RetryDelay:     cfg.RetryDelay,
		KeepOnFailure:  cfg.KeepOnFailure,
	}
}

// DefaultOptions returns options built from the default config.
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig().Ingestion)
}

// Service buffers ticks and flushes them in batches.
type Service struct {
	opts   Options
	writer Writer
	buffer *buffer.RingBuffer
	bp     *backpressure.Controller
	log    *slog.Logger

	in      chan types.Tick
	flushCh chan struct{}

	running atomic.Bool

	// Statistics
	stats Stats

	mu        sync.RWMutex
	lastFlush time.Time
	lastErr   error
}

// Stats holds ingestion statistics.
type Stats struct {
	TicksReceived  atomic.Int64
	TicksWritten   atomic.Int64
	Duplicates     atomic.Int64
	Flushes        atomic.Int64
	FlushRetries   atomic.Int64
	FlushFailures  atomic.Int64
	TicksTruncated atomic.Int64
}

// New creates an ingestion service. bp may be nil.
func New(opts Options, w Writer, bp *backpressure.Controller) *Service {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.BufferCapacity <= 0 {
		opts.BufferCapacity = def.BufferCapacity
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaults.DefaultFlushRetryDelay
	}

	return &Service{
		opts:    opts,
		writer:  w,
		buffer:  buffer.New(opts.BufferCapacity),
		bp:      bp,
		log:     logging.Component("ingestion"),
		in:      make(chan types.Tick, opts.QueueSize),
		flushCh: make(chan struct{}, 1),
	}
}

// WithBackpressure attaches a controller grading this service's buffer.
func (s *Service) WithBackpressure(cfg config.BackpressureConfig) *backpressure.Controller {
	s.bp = backpressure.New(cfg, s.buffer)
	s.bp.SetOnLevelChange(func(old, new backpressure.Level) {
		s.log.Warn("backpressure level changed", "from", old, "to", new,
			"usage", s.buffer.UsageRatio())
	})
	return s.bp
}

// Submit hands ticks to the service. It blocks while the queue is full and
// returns ctx.Err() if ctx ends first.
func (s *Service) Submit(ctx context.Context, ticks ...types.Tick) error {
	for _, t := range ticks {
		select {
		case s.in <- t:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Run consumes the queue until ctx is cancelled, then drains the queue and
// performs a final flush.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	defer s.running.Store(false)

	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	s.log.Info("ingestion started",
		"batch_size", s.opts.BatchSize,
		"flush_interval", s.opts.FlushInterval,
		"capacity", s.opts.BufferCapacity)

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(ctx)

		case t := <-s.in:
			s.push(t)
			if s.buffer.Len() >= s.opts.BatchSize {
				s.flush(ctx)
			} else if s.bp != nil && s.bp.Check() >= backpressure.LevelWarning {
				s.bp.RecordForcedFlush()
				s.flush(ctx)
			}

		case <-ticker.C:
			if s.bp != nil {
				s.bp.Check()
			}
			if !s.buffer.IsEmpty() {
				s.flush(ctx)
			}

		case <-s.flushCh:
			if !s.buffer.IsEmpty() {
				s.flush(ctx)
			}
		}
	}
}

func (s *Service) push(t types.Tick) {
	s.stats.TicksReceived.Add(1)
	if lost := s.buffer.Push(t); lost > 0 {
		s.log.Warn("tick buffer full, oldest ticks overwritten", "lost", lost)
	}
}

// shutdown drains what the feed already queued and flushes it.
func (s *Service) shutdown(ctx context.Context) error {
drain:
	for {
		select {
		case t := <-s.in:
			s.push(t)
		default:
			break drain
		}
	}

	if s.buffer.IsEmpty() {
		s.log.Info("ingestion stopped")
		return nil
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
	defer cancel()

	if err := s.flush(fctx); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	s.log.Info("ingestion stopped after final flush")
	return nil
}

// ForceFlush triggers an immediate flush.
func (s *Service) ForceFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
		// Flush already pending
	}
}

// flush writes every buffered tick. On success the batch leaves the buffer.
// After exhausting retries the buffer is cut down to its most recent
// KeepOnFailure ticks.
func (s *Service) flush(ctx context.Context) error {
	batch := s.buffer.Peek(0)
	if len(batch) == 0 {
		return nil
	}

	var inserted int64
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			s.stats.FlushRetries.Add(1)
		}
		n, err := s.writer.WriteTicks(ctx, batch)
		if err != nil {
			s.log.Warn("tick flush failed", "error", err, "ticks", len(batch), "attempt", attempt)
			return err
		}
		inserted = n
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.RetryDelay), uint64(max(s.opts.FlushRetries, 0))),
		ctx)

	err := backoff.Retry(op, policy)

	s.mu.Lock()
	s.lastErr = err
	if err == nil {
		s.lastFlush = time.Now()
	}
	s.mu.Unlock()

	if err != nil && ctx.Err() != nil {
		// Interrupted; the batch stays buffered for the final flush.
		return fmt.Errorf("flush ticks: %w", err)
	}

	if err != nil {
		s.stats.FlushFailures.Add(1)
		dropped := s.buffer.TruncateTo(s.opts.KeepOnFailure)
		s.stats.TicksTruncated.Add(int64(dropped))
		if dropped > 0 {
			s.log.Error("tick flush gave up, buffer truncated",
				"error", err, "dropped", dropped, "kept", s.buffer.Len())
		}
		return fmt.Errorf("flush ticks: %w", err)
	}

	s.buffer.Discard(len(batch))
	s.stats.Flushes.Add(1)
	s.stats.TicksWritten.Add(inserted)
	s.stats.Duplicates.Add(int64(len(batch)) - inserted)
	s.log.Debug("ticks flushed", "ticks", len(batch), "inserted", inserted)
	return nil
}

// Buffer returns the ring buffer.
func (s *Service) Buffer() *buffer.RingBuffer {
	return s.buffer
}

// Backpressure returns the attached controller, or nil.
func (s *Service) Backpressure() *backpressure.Controller {
	return s.bp
}

// IsRunning returns whether Run is active.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// Stats returns current statistics.
func (s *Service) Stats() ServiceStats {
	bs := s.buffer.Stats()

	s.mu.RLock()
	lastFlush, lastErr := s.lastFlush, s.lastErr
	s.mu.RUnlock()

	st := ServiceStats{
		Running:          s.running.Load(),
		TicksReceived:    s.stats.TicksReceived.Load(),
		TicksWritten:     s.stats.TicksWritten.Load(),
		Duplicates:       s.stats.Duplicates.Load(),
		Flushes:          s.stats.Flushes.Load(),
		FlushRetries:     s.stats.FlushRetries.Load(),
		FlushFailures:    s.stats.FlushFailures.Load(),
		TicksTruncated:   s.stats.TicksTruncated.Load(),
		TicksOverwritten: bs.OverwriteCount,
		QueueLen:         len(s.in),
		BufferCount:      bs.Count,
		BufferUsage:      bs.UsageRatio,
		LastFlush:        lastFlush,
		LastError:        lastErr,
	}
	if s.bp != nil {
		st.Level = s.bp.CurrentLevel()
	}
	return st
}

// ServiceStats holds combined service statistics.
type ServiceStats struct {
	Running          bool
	TicksReceived    int64
	TicksWritten     int64
	Duplicates       int64
	Flushes          int64
	FlushRetries     int64
	FlushFailures    int64
	TicksTruncated   int64
	TicksOverwritten int64
	QueueLen         int
	BufferCount      int
	BufferUsage      float64
	Level            backpressure.Level
	LastFlush        time.Time
	LastError        error
}

// Degraded reports whether ticks are at risk: the last flush failed or the
// buffer is under pressure.
func (s ServiceStats) Degraded() bool {
	return s.LastError != nil || s.Level > backpressure.LevelNormal
}
