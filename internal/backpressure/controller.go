// Package backpressure grades ring buffer occupancy into levels so the
// builder can shed optional work before the ring overruns.
package backpressure

import (
	"sync"
	"sync/atomic"
	"time"
)

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - ring draining normally.
	LevelNormal Level = iota

	// LevelWarning - ring filling up, log only.
	LevelWarning

	// LevelCritical - suspend the raw wire dump.
	LevelCritical

	// LevelEmergency - also stop publishing full payloads; headers and the
	// event file are kept.
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

// UsageSource reports occupancy as a fraction in [0, 1].
type UsageSource interface {
	Usage() float64
}

// Config holds controller thresholds.
type Config struct {
	Enabled    bool          `yaml:"enabled"`
	Warning    float64       `yaml:"warning"`
	Critical   float64       `yaml:"critical"`
	Emergency  float64       `yaml:"emergency"`
	Hysteresis float64       `yaml:"hysteresis"`
	Cooldown   time.Duration `yaml:"cooldown"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		Warning:    0.50,
		Critical:   0.75,
		Emergency:  0.90,
		Hysteresis: 0.05,
		Cooldown:   100 * time.Millisecond,
	}
}

// Controller manages backpressure based on ring utilization.
type Controller struct {
	mu sync.RWMutex

	config Config
	source UsageSource

	// Current state
	level     atomic.Int32
	lastCheck time.Time
	lastLevel Level
	lastUsage float64

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
	RawSkipped     int64
	PublishSkipped int64
}

// New creates a new backpressure controller.
func New(cfg Config, source UsageSource) *Controller {
	return &Controller{
		config: cfg,
		source: source,
	}
}

// SetOnLevelChange sets the callback for level changes.
func (c *Controller) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// Check evaluates current conditions and updates the level.
// This should be called once per builder iteration.
func (c *Controller) Check() Level {
	if !c.config.Enabled {
		return LevelNormal
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	// Respect cooldown
	if now.Sub(c.lastCheck) < c.config.Cooldown {
		return Level(c.level.Load())
	}

	c.lastCheck = now
	c.lastUsage = c.source.Usage()

	// Determine new level with hysteresis
	newLevel := c.determineLevel(c.lastUsage)

	if newLevel != c.lastLevel {
		c.setLevel(newLevel)
	}

	return newLevel
}

// determineLevel determines the backpressure level based on usage.
func (c *Controller) determineLevel(usage float64) Level {
	cfg := c.config

	// Going up (increasing pressure)
	if usage >= cfg.Emergency {
		return LevelEmergency
	}
	if usage >= cfg.Critical && c.lastLevel < LevelCritical {
		return LevelCritical
	}
	if usage >= cfg.Warning && c.lastLevel < LevelWarning {
		return LevelWarning
	}

	// Going down (decreasing pressure) - apply hysteresis
	switch c.lastLevel {
	case LevelEmergency:
		if usage < cfg.Emergency-cfg.Hysteresis {
			return c.below(usage, LevelCritical)
		}
		return LevelEmergency
	case LevelCritical:
		if usage < cfg.Critical-cfg.Hysteresis {
			return c.below(usage, LevelWarning)
		}
		return LevelCritical
	case LevelWarning:
		if usage < cfg.Warning-cfg.Hysteresis {
			return LevelNormal
		}
		return LevelWarning
	default:
		return LevelNormal
	}
}

// below returns the highest level at or under max whose threshold usage
// still reaches.
func (c *Controller) below(usage float64, max Level) Level {
	cfg := c.config
	switch {
	case max >= LevelCritical && usage >= cfg.Critical:
		return LevelCritical
	case max >= LevelWarning && usage >= cfg.Warning:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// setLevel updates the current level and fires callback.
func (c *Controller) setLevel(newLevel Level) {
	oldLevel := c.lastLevel
	c.lastLevel = newLevel
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

// ShouldSkipRaw reports whether the raw wire dump should be skipped.
func (c *Controller) ShouldSkipRaw() bool {
	if c.CurrentLevel() < LevelCritical {
		return false
	}
	c.mu.Lock()
	c.stats.RawSkipped++
	c.mu.Unlock()
	return true
}

// ShouldSkipPublish reports whether the full payload publish should be
// skipped.
func (c *Controller) ShouldSkipPublish() bool {
	if c.CurrentLevel() < LevelEmergency {
		return false
	}
	c.mu.Lock()
	c.stats.PublishSkipped++
	c.mu.Unlock()
	return true
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
		RawSkipped:     c.stats.RawSkipped,
		PublishSkipped: c.stats.PublishSkipped,
		Usage:          c.lastUsage,
	}
}

// ControllerStats holds controller statistics.
type ControllerStats struct {
	CurrentLevel   Level
	LevelChanges   int64
	WarningCount   int64
	CriticalCount  int64
	EmergencyCount int64
	RawSkipped     int64
	PublishSkipped int64
	Usage          float64
}

// IsEnabled returns whether backpressure is enabled.
func (c *Controller) IsEnabled() bool {
	return c.config.Enabled
}
