// Package backpressure grades tick buffer usage.
//
// The ingestion service checks the controller after every push; warning or
// worse forces an immediate flush, and the daemon heartbeat reports the
// process as degraded while the level is above normal.
package backpressure

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/tickvault/internal/storage/config"
)

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - system operating normally.
	LevelNormal Level = iota

	// LevelWarning - buffer filling faster than the batch cadence; flush now.
	LevelWarning

	// LevelCritical - writes are failing or slow; ticks are at risk.
	LevelCritical

	// LevelEmergency - buffer near capacity; oldest ticks are being overwritten.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Gauge reports the usage of a bounded buffer.
type Gauge interface {
	UsageRatio() float64
}

// Controller grades buffer usage into levels.
type Controller struct {
	mu sync.RWMutex

	config config.BackpressureConfig
	gauge  Gauge
	now    func() time.Time

	// Current state
	level      atomic.Int32
	lastLevel  Level
	lastChange time.Time

	// Statistics
	stats Stats

	// Level change callback
	onLevelChange func(old, new Level)
}

// Stats holds backpressure statistics.
type Stats struct {
	LevelChanges   int64
	WarningCount   int64
	CriticalCount  int64
	EmergencyCount int64
	ForcedFlushes  int64
}

// New creates a new backpressure controller.
func New(cfg config.BackpressureConfig, gauge Gauge) *Controller {
	return &Controller{
		config: cfg,
		gauge:  gauge,
		now:    time.Now,
	}
}

// SetOnLevelChange sets the callback for level changes.
func (c *Controller) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// Check evaluates current buffer usage and updates the level.
// Escalation is immediate; de-escalation waits for the cooldown.
func (c *Controller) Check() Level {
	if !c.config.Enabled {
		return LevelNormal
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	newLevel := c.determineLevel(c.gauge.UsageRatio())
	if newLevel == c.lastLevel {
		return newLevel
	}

	now := c.now()
	if newLevel < c.lastLevel && now.Sub(c.lastChange) < c.config.Recovery.Cooldown {
		return c.lastLevel
	}

	c.setLevel(newLevel, now)
	return newLevel
}

// determineLevel determines the backpressure level based on usage.
func (c *Controller) determineLevel(usage float64) Level {
	thresholds := c.config.Thresholds
	hysteresis := c.config.Recovery.Hysteresis

	// Going up
	if usage >= thresholds.Emergency {
		return LevelEmergency
	}
	if usage >= thresholds.Critical && c.lastLevel < LevelCritical {
		return LevelCritical
	}
	if usage >= thresholds.Warning && c.lastLevel < LevelWarning {
		return LevelWarning
	}

	// Going down, with hysteresis
	switch c.lastLevel {
	case LevelEmergency:
		if usage < thresholds.Emergency-hysteresis {
			return c.gradeBelow(usage, LevelCritical)
		}
		return LevelEmergency
	case LevelCritical:
		if usage < thresholds.Critical-hysteresis {
			return c.gradeBelow(usage, LevelWarning)
		}
		return LevelCritical
	case LevelWarning:
		if usage < thresholds.Warning-hysteresis {
			return LevelNormal
		}
		return LevelWarning
	default:
		return LevelNormal
	}
}

// gradeBelow grades usage without exceeding ceiling.
func (c *Controller) gradeBelow(usage float64, ceiling Level) Level {
	t := c.config.Thresholds
	h := c.config.Recovery.Hysteresis
	switch {
	case ceiling >= LevelCritical && usage >= t.Critical-h:
		return LevelCritical
	case ceiling >= LevelWarning && usage >= t.Warning-h:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// setLevel must be called with mu held.
func (c *Controller) setLevel(newLevel Level, now time.Time) {
	oldLevel := c.lastLevel
	c.lastLevel = newLevel
	c.lastChange = now
	c.level.Store(int32(newLevel))
	c.stats.LevelChanges++

	switch newLevel {
	case LevelWarning:
		c.stats.WarningCount++
	case LevelCritical:
		c.stats.CriticalCount++
	case LevelEmergency:
		c.stats.EmergencyCount++
	}

	if c.onLevelChange != nil {
		c.onLevelChange(oldLevel, newLevel)
	}
}

// CurrentLevel returns the current backpressure level.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// ShouldFlush returns true if pending ticks should be flushed immediately.
func (c *Controller) ShouldFlush() bool {
	return c.CurrentLevel() >= LevelWarning
}

// Degraded returns true if the heartbeat should report a degraded status.
func (c *Controller) Degraded() bool {
	return c.CurrentLevel() > LevelNormal
}

// RecordForcedFlush records a flush triggered by backpressure.
func (c *Controller) RecordForcedFlush() {
	c.mu.Lock()
	c.stats.ForcedFlushes++
	c.mu.Unlock()
}

// Stats returns current statistics.
func (c *Controller) Stats() ControllerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ControllerStats{
		CurrentLevel:   c.CurrentLevel(),
		LevelChanges:   c.stats.LevelChanges,
		WarningCount:   c.stats.WarningCount,
		CriticalCount:  c.stats.CriticalCount,
		EmergencyCount: c.stats.EmergencyCount,
		ForcedFlushes:  c.stats.ForcedFlushes,
		BufferUsage:    c.gauge.UsageRatio(),
	}
}

// ControllerStats holds controller statistics.
type ControllerStats struct {
	CurrentLevel   Level
	LevelChanges   int64
	WarningCount   int64
	CriticalCount  int64
	EmergencyCount int64
	ForcedFlushes  int64
	BufferUsage    float64
}

// IsEnabled returns whether backpressure is enabled.
func (c *Controller) IsEnabled() bool {
	return c.config.Enabled
}
