package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/tickvault/internal/backfill"
	"github.com/xtxerr/tickvault/internal/bus"
	"github.com/xtxerr/tickvault/internal/errors"
	"github.com/xtxerr/tickvault/internal/feed"
	"github.com/xtxerr/tickvault/internal/logging"
	"github.com/xtxerr/tickvault/internal/recovery"
	"github.com/xtxerr/tickvault/internal/session"
	"github.com/xtxerr/tickvault/internal/storage/aggregate"
	"github.com/xtxerr/tickvault/internal/storage/backpressure"
	"github.com/xtxerr/tickvault/internal/storage/config"
	"github.com/xtxerr/tickvault/internal/storage/ingestion"
	"github.com/xtxerr/tickvault/internal/storage/lock"
	"github.com/xtxerr/tickvault/internal/storage/parquet"
	"github.com/xtxerr/tickvault/internal/storage/query"
	"github.com/xtxerr/tickvault/internal/storage/retention"
	"github.com/xtxerr/tickvault/internal/storage/rollover"
	"github.com/xtxerr/tickvault/internal/storage/router"
	"github.com/xtxerr/tickvault/internal/storage/types"
)

// closeRetryDelay is the wait before retrying a failed session close.
const closeRetryDelay = time.Minute

// stopTimeout bounds the final status write after cancellation.
const stopTimeout = 5 * time.Second

// Service is the ingestion daemon. It owns the router and runs every
// writer component against the session calendar.
type Service struct {
	cfg    *config.Config
	cal    *session.Calendar
	router *router.Router
	log    *slog.Logger
	now    func() time.Time

	// Components
	ingestion  *ingestion.Service
	aggregator *aggregate.Aggregator
	roller     *rollover.Roller
	retention  *retention.Manager
	query      *query.Service
	backfill   *backfill.Client  // nil without recovery
	recovery   *recovery.Manager // nil when disabled
	feed       *feed.Client      // nil when disabled
	bus        *bus.RedisBus     // nil when disabled

	// State
	running      atomic.Bool
	startTime    atomic.Pointer[time.Time]
	status       atomic.Pointer[string]
	mu           sync.Mutex
	lastRollover string

	// Statistics
	heartbeats        atomic.Int64
	heartbeatFailures atomic.Int64
	closeFailures     atomic.Int64
}

// RouterOptions maps the configuration onto router options.
func RouterOptions(cfg *config.Config) router.Options {
	opts := router.DefaultOptions()
	opts.Root = cfg.DataDir
	opts.Exchange = cfg.Exchange
	opts.ReadOnly = cfg.ReadOnly
	opts.LockTimeout = cfg.Storage.LockTimeout
	opts.OpenAttempts = cfg.Storage.OpenAttempts
	opts.OpenInitialBackoff = cfg.Storage.OpenInitialBackoff
	opts.OpenMaxBackoff = cfg.Storage.OpenMaxBackoff
	if cfg.Storage.Compression != "" {
		opts.Parquet.Compression = parquet.ParseCompressionType(cfg.Storage.Compression)
	}
	return opts
}

// New creates the daemon service.
func New(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.ReadOnly {
		return nil, errors.NewValidation("read_only", "the daemon writes market data")
	}

	cal, err := cfg.Session.Calendar()
	if err != nil {
		return nil, fmt.Errorf("create calendar: %w", err)
	}

	r, err := router.New(RouterOptions(cfg), lock.NewRegistry())
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		cal:       cal,
		router:    r,
		log:       logging.Component("service"),
		now:       time.Now,
		roller:    rollover.New(r, cal),
		retention: retention.New(r, cal, cfg.Storage),
		query:     query.New(r, cal),
	}

	if !lock.CrossProcess() {
		s.log.Warn("writer locks only exclude goroutines of this process on this platform")
	}
	s.query.SetClock(func() time.Time { return s.now() })
	s.query.SetSettleDelay(cfg.Rollover.Delay + time.Minute)

	// Ingestion
	s.ingestion = ingestion.New(ingestion.OptionsFromConfig(cfg.Ingestion), ingestion.RouterWriter{Router: r}, nil)
	if cfg.Backpressure.Enabled {
		s.ingestion.WithBackpressure(cfg.Backpressure)
	}

	// Bus
	var pub aggregate.Publisher
	if cfg.Bus.Enabled {
		s.bus = bus.New(bus.OptionsFromConfig(cfg.Bus))
		if cfg.Aggregation.Publish {
			pub = s.bus
		}
	}

	// Aggregation
	aggOpts := aggregate.DefaultOptions()
	aggOpts.Interval = cfg.Aggregation.Interval
	aggOpts.Symbols = cfg.Symbols()
	s.aggregator = aggregate.New(r, aggOpts, pub)

	// Recovery
	if cfg.Recovery.Enabled {
		s.backfill, err = backfill.New(backfill.OptionsFromConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("create backfill client: %w", err)
		}
		s.recovery = recovery.New(r, s.backfill, cal, recovery.OptionsFromConfig(cfg.Recovery, cfg.Symbols()))
	}

	// Feed
	if cfg.Feed.Enabled {
		s.feed, err = feed.New(feed.OptionsFromConfig(cfg), s.ingestion)
		if err != nil {
			return nil, fmt.Errorf("create feed: %w", err)
		}
	}

	s.setStatus(StatusStopped)
	return s, nil
}

// ============================================================================
// Run Loop
// ============================================================================

// Run runs the daemon until ctx is cancelled. Ingestion and the heartbeat
// run for the whole lifetime; the feed, aggregation and recovery only
// inside the trading session. After each close the final aggregation,
// the rollover and tick retention run once.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	defer s.running.Store(false)

	start := s.now()
	s.startTime.Store(&start)
	s.setStatus(StatusStarting)
	s.log.Info("service started",
		"data_dir", s.cfg.DataDir,
		"exchange", s.cfg.Exchange,
		"symbols", len(s.cfg.Instruments),
		"feed", s.feed != nil,
		"recovery", s.recovery != nil,
		"bus", s.bus != nil)

	if s.bus != nil {
		defer s.bus.Close()
		if err := s.bus.Ping(ctx); err != nil {
			// Bars are still stored; consumers fall back to polling.
			s.log.Warn("bus unreachable", "addr", s.cfg.Bus.Addr, "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.ingestion.Run(gctx) })
	g.Go(func() error { return s.heartbeat(gctx) })
	g.Go(func() error { return s.sessions(gctx) })
	err := g.Wait()

	s.setStatus(StatusStopped)
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if werr := s.writeStatus(sctx); werr != nil {
		s.log.Warn("final status write failed", "error", werr)
	}

	s.log.Info("service stopped", "uptime", s.now().Sub(start))
	return err
}

func (s *Service) sessions(ctx context.Context) error {
	for ctx.Err() == nil {
		now := s.now()

		if s.cal.IsTradingTime(now) {
			if err := s.trade(ctx, s.cal.SessionClose(now)); err != nil {
				return err
			}
			continue
		}

		if closeAt, ok := s.pendingClose(now); ok {
			if err := s.closeSession(ctx, closeAt); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.closeFailures.Add(1)
				s.log.Error("session close failed", "date", s.cal.Date(closeAt), "error", err)
				s.sleepUntil(ctx, minTime(now.Add(closeRetryDelay), s.cal.NextOpen(now)))
			}
			continue
		}

		s.setStatus(StatusWaiting)
		next := s.cal.NextOpen(now)
		s.log.Info("waiting for session open", "open", next)
		s.sleepUntil(ctx, next)
	}
	return nil
}

// trade runs the session-bound components until close.
func (s *Service) trade(ctx context.Context, closeAt time.Time) error {
	s.setStatus(StatusTrading)
	s.log.Info("session open", "close", closeAt)

	sctx, cancel := context.WithDeadline(ctx, closeAt)
	defer cancel()

	g, gctx := errgroup.WithContext(sctx)
	if s.feed != nil {
		g.Go(func() error { return s.feed.Run(gctx) })
	}
	g.Go(func() error { return s.aggregator.Run(gctx) })
	if s.recovery != nil {
		g.Go(func() error { return s.recovery.Run(gctx) })
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("session: %w", err)
	}
	return nil
}

// pendingClose returns the most recent session close at or before now and
// whether its rollover has yet to run in this process.
func (s *Service) pendingClose(now time.Time) (time.Time, bool) {
	if !s.cfg.Rollover.Enabled {
		return time.Time{}, false
	}

	day := s.cal.Midnight(now)
	if !s.cal.IsTradingDay(day) || now.Before(s.cal.SessionClose(day)) {
		day = s.cal.PreviousTradingDay(now)
	}
	closeAt := s.cal.SessionClose(day)

	s.mu.Lock()
	defer s.mu.Unlock()
	return closeAt, s.lastRollover != s.cal.Date(closeAt)
}

// closeSession finalizes the session ending at close.
func (s *Service) closeSession(ctx context.Context, closeAt time.Time) error {
	s.setStatus(StatusClosing)
	s.ingestion.ForceFlush()

	if err := s.sleepUntil(ctx, closeAt.Add(s.cfg.Rollover.Delay)); err != nil {
		return err
	}

	if _, err := s.aggregator.RunUntil(ctx, closeAt); err != nil {
		// The rollover still moves the ticks; bars can be rebuilt by recovery.
		s.log.Error("final aggregation failed", "error", err)
	}

	res, err := s.roller.Run(ctx)
	if err != nil {
		return fmt.Errorf("rollover: %w", err)
	}

	s.mu.Lock()
	s.lastRollover = s.cal.Date(closeAt)
	s.mu.Unlock()

	s.log.Info("session closed",
		"date", s.cal.Date(closeAt),
		"ticks", res.Ticks,
		"bars", res.Bars,
		"partitions", len(res.Partitions),
		"duration", res.Duration)

	if s.retention.Enabled() {
		if _, err := s.retention.RunCleanup(ctx); err != nil {
			s.log.Error("tick retention failed", "error", err)
		}
	}
	return nil
}

// sleepUntil waits until t by the service clock or until ctx ends.
func (s *Service) sleepUntil(ctx context.Context, t time.Time) error {
	d := t.Sub(s.now())
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// ============================================================================
// Heartbeat
// ============================================================================

func (s *Service) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		if err := s.writeStatus(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("heartbeat failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) writeStatus(ctx context.Context) error {
	err := WriteStatus(ctx, s.router, Status{
		Component:     s.cfg.Heartbeat.Component,
		Status:        s.Status(),
		LastHeartbeat: s.now(),
		PID:           os.Getpid(),
	})
	if err != nil {
		s.heartbeatFailures.Add(1)
		return err
	}
	s.heartbeats.Add(1)
	return nil
}

func (s *Service) setStatus(status string) {
	s.status.Store(&status)
}

// Status returns the current daemon status.
func (s *Service) Status() string {
	return *s.status.Load()
}

// ============================================================================
// Manual Operations
// ============================================================================

// Submit hands ticks to ingestion.
func (s *Service) Submit(ctx context.Context, ticks ...types.Tick) error {
	return s.ingestion.Submit(ctx, ticks...)
}

// RolloverNow aggregates everything up to now, rolls the live buffer over
// and applies tick retention. It must not run concurrently with Run.
func (s *Service) RolloverNow(ctx context.Context) (rollover.Result, error) {
	if s.running.Load() {
		return rollover.Result{}, errors.ErrAlreadyRunning
	}
	if _, err := s.aggregator.RunUntil(ctx, s.now()); err != nil {
		return rollover.Result{}, fmt.Errorf("aggregate: %w", err)
	}
	res, err := s.roller.Run(ctx)
	if err != nil {
		return res, fmt.Errorf("rollover: %w", err)
	}
	if _, err := s.retention.RunCleanup(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// RecoverNow runs one recovery pass over every configured symbol.
func (s *Service) RecoverNow(ctx context.Context) (recovery.Report, error) {
	if s.recovery == nil {
		return recovery.Report{}, errors.NewValidation("recovery", "disabled")
	}
	report := s.recovery.RecoverAll(ctx)
	return report, report.Err()
}

// ============================================================================
// Accessors
// ============================================================================

// Router returns the storage router.
func (s *Service) Router() *router.Router {
	return s.router
}

// Query returns the unified query service.
func (s *Service) Query() *query.Service {
	return s.query
}

// Calendar returns the session calendar.
func (s *Service) Calendar() *session.Calendar {
	return s.cal
}

// Config returns the current configuration.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// BackpressureLevel returns the current backpressure level.
func (s *Service) BackpressureLevel() backpressure.Level {
	if bp := s.ingestion.Backpressure(); bp != nil {
		return bp.CurrentLevel()
	}
	return backpressure.LevelNormal
}

// GetDiskUsage returns disk usage per historical series.
func (s *Service) GetDiskUsage() (map[string]retention.DiskUsage, error) {
	return s.retention.GetDiskUsage()
}

// ============================================================================
// Statistics
// ============================================================================

// Stats returns combined statistics.
func (s *Service) Stats() ServiceStats {
	stats := ServiceStats{
		Running:           s.running.Load(),
		Status:            s.Status(),
		Heartbeats:        s.heartbeats.Load(),
		HeartbeatFailures: s.heartbeatFailures.Load(),
		CloseFailures:     s.closeFailures.Load(),
		Ingestion:         s.ingestion.Stats(),
		Aggregation:       s.aggregator.Stats(),
		Rollover:          s.roller.Stats(),
		Retention:         s.retention.Stats(),
		Query:             s.query.Stats(),
	}

	if start := s.startTime.Load(); start != nil && stats.Running {
		stats.Uptime = s.now().Sub(*start)
	}

	s.mu.Lock()
	stats.LastRollover = s.lastRollover
	s.mu.Unlock()

	if s.recovery != nil {
		rs := s.recovery.Stats()
		stats.Recovery = &rs
	}
	if s.backfill != nil {
		bs := s.backfill.Stats()
		stats.Backfill = &bs
	}
	if s.feed != nil {
		fs := s.feed.Stats()
		stats.Feed = &fs
	}
	if s.bus != nil {
		bs := s.bus.Stats()
		stats.Bus = &bs
	}
	return stats
}

// ServiceStats holds combined statistics. Pointer fields are nil for
// disabled components.
type ServiceStats struct {
	Running           bool
	Status            string
	Uptime            time.Duration
	LastRollover      string
	Heartbeats        int64
	HeartbeatFailures int64
	CloseFailures     int64

	Ingestion   ingestion.ServiceStats
	Aggregation aggregate.Stats
	Rollover    rollover.Stats
	Retention   retention.ManagerStats
	Query       query.Stats
	Recovery    *recovery.Stats
	Backfill    *backfill.Stats
	Feed        *feed.Stats
	Bus         *bus.Stats
}
