package regionview

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultMinScaleFactor      = 0.6
	defaultMaxScaleFactor      = 2.0
	defaultFlingMinDurationMs  = 300
	defaultFlingMaxDurationMs  = 800
	defaultMinFlingDeltaTimeMs = 150
	defaultMinFlingVelocity    = 50.0
	defaultMaxFlingVelocity    = 8000.0
	defaultDoubleTapDurationMs = 300
	defaultTileCacheSize       = 64
	defaultDecodedCacheSize    = 4
	defaultReadAheadKB         = 64
	maxTileCacheSize           = 1024
	maxDecodedCacheSize        = 32
	maxReadAheadKB             = 16 * 1024
	configFileName             = "config.json"
	configDirName              = "regionview"
)

// Config holds the tunables of the viewport controller and the decoders.
type Config struct {
	MinScaleFactor      float64 `json:"min_scale_factor"`
	MaxScaleFactor      float64 `json:"max_scale_factor"`
	FlingMinDurationMs  int     `json:"fling_min_duration_ms"`
	FlingMaxDurationMs  int     `json:"fling_max_duration_ms"`
	MinFlingDeltaTimeMs int     `json:"min_fling_delta_time_ms"`
	MinFlingVelocity    float64 `json:"min_fling_velocity"`
	MaxFlingVelocity    float64 `json:"max_fling_velocity"`
	DoubleTapDurationMs int     `json:"double_tap_duration_ms"`
	TileCacheSize       int     `json:"tile_cache_size"`    // decoded TIFF tiles kept per decoder
	DecodedCacheSize    int     `json:"decoded_cache_size"` // fully decoded standard images kept process-wide
	ReadAheadKB         int     `json:"read_ahead_kb"`      // HTTP range reader read-ahead
	DebugOverlay        bool    `json:"debug_overlay"`
}

// ConfigLoadResult is the outcome of LoadConfig. Warnings lists every value
// that was replaced by its default.
type ConfigLoadResult struct {
	Config   Config
	HasError bool
	Warnings []string
	Status   string // "OK", "Default" or "Error"
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		MinScaleFactor:      defaultMinScaleFactor,
		MaxScaleFactor:      defaultMaxScaleFactor,
		FlingMinDurationMs:  defaultFlingMinDurationMs,
		FlingMaxDurationMs:  defaultFlingMaxDurationMs,
		MinFlingDeltaTimeMs: defaultMinFlingDeltaTimeMs,
		MinFlingVelocity:    defaultMinFlingVelocity,
		MaxFlingVelocity:    defaultMaxFlingVelocity,
		DoubleTapDurationMs: defaultDoubleTapDurationMs,
		TileCacheSize:       defaultTileCacheSize,
		DecodedCacheSize:    defaultDecodedCacheSize,
		ReadAheadKB:         defaultReadAheadKB,
	}
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/regionview/config.json or the
// platform equivalent.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return configFileName
	}
	return filepath.Join(dir, configDirName, configFileName)
}

// LoadConfig reads a JSON config file. A missing file is not an error: the
// defaults are returned with Status "Default".
func LoadConfig(path string) ConfigLoadResult {
	config := DefaultConfig()

	result := ConfigLoadResult{
		Config:   config,
		Warnings: []string{},
		Status:   "OK",
	}

	data, err := os.ReadFile(path)
	if err != nil {
		result.Status = "Default"
		return result
	}

	if err := json.Unmarshal(data, &config); err != nil {
		slog.Warn("invalid config file, using defaults", "path", path, "error", err)
		result.HasError = true
		result.Status = "Error"
		result.Warnings = append(result.Warnings, fmt.Sprintf("Invalid config file: %v", err))
		return result
	}

	result.Warnings = append(result.Warnings, config.normalize()...)
	result.Config = config
	return result
}

// normalize replaces out-of-range values with defaults and returns a warning
// for each replacement.
func (c *Config) normalize() []string {
	var warnings []string
	warn := func(field string, got any) {
		warnings = append(warnings, fmt.Sprintf("%s: invalid value %v, using default", field, got))
	}

	if c.MinScaleFactor <= 0 || c.MinScaleFactor > 1 {
		warn("min_scale_factor", c.MinScaleFactor)
		c.MinScaleFactor = defaultMinScaleFactor
	}
	if c.MaxScaleFactor < 1 {
		warn("max_scale_factor", c.MaxScaleFactor)
		c.MaxScaleFactor = defaultMaxScaleFactor
	}

	if c.FlingMinDurationMs <= 0 {
		warn("fling_min_duration_ms", c.FlingMinDurationMs)
		c.FlingMinDurationMs = defaultFlingMinDurationMs
	}
	if c.FlingMaxDurationMs < c.FlingMinDurationMs {
		warn("fling_max_duration_ms", c.FlingMaxDurationMs)
		c.FlingMaxDurationMs = max(defaultFlingMaxDurationMs, c.FlingMinDurationMs)
	}
	if c.MinFlingDeltaTimeMs < 0 {
		warn("min_fling_delta_time_ms", c.MinFlingDeltaTimeMs)
		c.MinFlingDeltaTimeMs = defaultMinFlingDeltaTimeMs
	}

	if c.MinFlingVelocity < 0 {
		warn("min_fling_velocity", c.MinFlingVelocity)
		c.MinFlingVelocity = defaultMinFlingVelocity
	}
	if c.MaxFlingVelocity <= c.MinFlingVelocity {
		warn("max_fling_velocity", c.MaxFlingVelocity)
		c.MaxFlingVelocity = max(defaultMaxFlingVelocity, c.MinFlingVelocity+1)
	}

	if c.DoubleTapDurationMs <= 0 {
		warn("double_tap_duration_ms", c.DoubleTapDurationMs)
		c.DoubleTapDurationMs = defaultDoubleTapDurationMs
	}

	// Cache sizes are clamped rather than reset.
	if c.TileCacheSize < 1 {
		warn("tile_cache_size", c.TileCacheSize)
		c.TileCacheSize = defaultTileCacheSize
	} else if c.TileCacheSize > maxTileCacheSize {
		c.TileCacheSize = maxTileCacheSize
	}
	if c.DecodedCacheSize < 1 {
		warn("decoded_cache_size", c.DecodedCacheSize)
		c.DecodedCacheSize = defaultDecodedCacheSize
	} else if c.DecodedCacheSize > maxDecodedCacheSize {
		c.DecodedCacheSize = maxDecodedCacheSize
	}
	if c.ReadAheadKB < 1 {
		warn("read_ahead_kb", c.ReadAheadKB)
		c.ReadAheadKB = defaultReadAheadKB
	} else if c.ReadAheadKB > maxReadAheadKB {
		c.ReadAheadKB = maxReadAheadKB
	}

	return warnings
}

// SaveConfig writes c as indented JSON, creating the parent directory.
func SaveConfig(path string, c Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c Config) flingMinDuration() time.Duration {
	return time.Duration(c.FlingMinDurationMs) * time.Millisecond
}

func (c Config) flingMaxDuration() time.Duration {
	return time.Duration(c.FlingMaxDurationMs) * time.Millisecond
}

func (c Config) minFlingDeltaTime() time.Duration {
	return time.Duration(c.MinFlingDeltaTimeMs) * time.Millisecond
}

func (c Config) doubleTapDuration() time.Duration {
	return time.Duration(c.DoubleTapDurationMs) * time.Millisecond
}

// withDefaults fills zero-valued fields so a partially built Config literal
// behaves like DefaultConfig for everything it leaves out. MinFlingDeltaTimeMs
// is the exception: zero is a valid setting that turns the fling debounce off,
// as it does in a loaded config file.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinScaleFactor == 0 {
		c.MinScaleFactor = d.MinScaleFactor
	}
	if c.MaxScaleFactor == 0 {
		c.MaxScaleFactor = d.MaxScaleFactor
	}
	if c.FlingMinDurationMs == 0 {
		c.FlingMinDurationMs = d.FlingMinDurationMs
	}
	if c.FlingMaxDurationMs == 0 {
		c.FlingMaxDurationMs = d.FlingMaxDurationMs
	}
	if c.MinFlingVelocity == 0 {
		c.MinFlingVelocity = d.MinFlingVelocity
	}
	if c.MaxFlingVelocity == 0 {
		c.MaxFlingVelocity = d.MaxFlingVelocity
	}
	if c.DoubleTapDurationMs == 0 {
		c.DoubleTapDurationMs = d.DoubleTapDurationMs
	}
	if c.TileCacheSize == 0 {
		c.TileCacheSize = d.TileCacheSize
	}
	if c.DecodedCacheSize == 0 {
		c.DecodedCacheSize = d.DecodedCacheSize
	}
	if c.ReadAheadKB == 0 {
		c.ReadAheadKB = d.ReadAheadKB
	}
	return c
}
