package backpressure

import (
	"testing"
	"time"

	"github.com/xtxerr/tickvault/internal/storage/config"
)

type fakeGauge struct{ usage float64 }

func (g *fakeGauge) UsageRatio() float64 { return g.usage }

func testConfig() config.BackpressureConfig {
	cfg := config.DefaultConfig().Backpressure
	cfg.Enabled = true
	cfg.Thresholds.Warning = 0.50
	cfg.Thresholds.Critical = 0.80
	cfg.Thresholds.Emergency = 0.95
	cfg.Recovery.Hysteresis = 0.10
	cfg.Recovery.Cooldown = 0
	return cfg
}

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelNormal, "normal"},
		{LevelWarning, "warning"},
		{LevelCritical, "critical"},
		{LevelEmergency, "emergency"},
		{Level(42), "unknown"},
	}

	for _, tt := range tests {
		if tt.level.String() != tt.expected {
			t.Errorf("level %d: expected %s, got %s", tt.level, tt.expected, tt.level.String())
		}
	}
}

func TestController_Escalation(t *testing.T) {
	g := &fakeGauge{}
	c := New(testConfig(), g)

	steps := []struct {
		usage    float64
		expected Level
	}{
		{0.10, LevelNormal},
		{0.50, LevelWarning},
		{0.80, LevelCritical},
		{0.96, LevelEmergency},
	}

	for _, s := range steps {
		g.usage = s.usage
		if got := c.Check(); got != s.expected {
			t.Errorf("usage %.2f: expected %s, got %s", s.usage, s.expected, got)
		}
	}

	if !c.ShouldFlush() || !c.Degraded() {
		t.Error("emergency should force flush and report degraded")
	}
}

func TestController_Hysteresis(t *testing.T) {
	g := &fakeGauge{usage: 0.55}
	c := New(testConfig(), g)

	if c.Check() != LevelWarning {
		t.Fatal("expected warning")
	}

	// Inside the hysteresis band: stay at warning
	g.usage = 0.45
	if got := c.Check(); got != LevelWarning {
		t.Errorf("expected warning inside hysteresis band, got %s", got)
	}

	// Below warning - hysteresis
	g.usage = 0.30
	if got := c.Check(); got != LevelNormal {
		t.Errorf("expected normal, got %s", got)
	}

	// Emergency straight down to normal when the buffer drains
	g.usage = 0.99
	c.Check()
	g.usage = 0.0
	if got := c.Check(); got != LevelNormal {
		t.Errorf("expected normal after full drain, got %s", got)
	}
}

func TestController_Cooldown(t *testing.T) {
	cfg := testConfig()
	cfg.Recovery.Cooldown = time.Minute

	now := time.Date(2024, 1, 15, 4, 0, 0, 0, time.UTC)
	g := &fakeGauge{usage: 0.9}
	c := New(cfg, g)
	c.now = func() time.Time { return now }

	if c.Check() != LevelCritical {
		t.Fatal("escalation must not wait for the cooldown")
	}

	g.usage = 0.1
	now = now.Add(10 * time.Second)
	if got := c.Check(); got != LevelCritical {
		t.Errorf("expected critical during cooldown, got %s", got)
	}

	now = now.Add(time.Minute)
	if got := c.Check(); got != LevelNormal {
		t.Errorf("expected normal after cooldown, got %s", got)
	}
}

func TestController_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	c := New(cfg, &fakeGauge{usage: 1.0})

	if c.Check() != LevelNormal {
		t.Error("disabled controller should stay normal")
	}
	if c.ShouldFlush() {
		t.Error("disabled controller should not force flushes")
	}
}

func TestController_Callback(t *testing.T) {
	g := &fakeGauge{}
	c := New(testConfig(), g)

	var changes [][2]Level
	c.SetOnLevelChange(func(old, new Level) {
		changes = append(changes, [2]Level{old, new})
	})

	g.usage = 0.6
	c.Check()
	c.Check()
	g.usage = 0.1
	c.Check()

	if len(changes) != 2 {
		t.Fatalf("expected 2 level changes, got %d", len(changes))
	}
	if changes[0] != [2]Level{LevelNormal, LevelWarning} || changes[1] != [2]Level{LevelWarning, LevelNormal} {
		t.Errorf("unexpected changes %v", changes)
	}

	stats := c.Stats()
	if stats.LevelChanges != 2 || stats.WarningCount != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}
