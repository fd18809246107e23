package capture

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/scrollstitch/compose"
	"github.com/hazyhaar/scrollstitch/overlap"
	"github.com/hazyhaar/scrollstitch/pyramid"
	"github.com/hazyhaar/scrollstitch/raster"
)

// Config holds the full service configuration.
type Config struct {
	Listen            string        `yaml:"listen"`
	DBPath            string        `yaml:"db_path"`
	FramesDir         string        `yaml:"frames_dir"`
	StitchedDir       string        `yaml:"stitched_dir"`
	TilesDir          string        `yaml:"tiles_dir"`
	MaxFrameBytes     string        `yaml:"max_frame_bytes"` // "32 MiB"
	MaxFramePixels    int64         `yaml:"max_frame_pixels"`
	MaxFrameSide      int           `yaml:"max_frame_side"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	Workers           int           `yaml:"workers"`
	CompletionTimeout time.Duration `yaml:"completion_timeout"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	RateLimit         int           `yaml:"rate_limit"` // requests per minute per client, 0 disables

	Stitch        StitchConfig        `yaml:"stitch"`
	Tiles         pyramid.Config      `yaml:"tiles"`
	Observability ObservabilityConfig `yaml:"observability"`

	maxFrameBytes int64
}

// StitchConfig groups the overlap estimator and composer tunables under one
// YAML section.
type StitchConfig struct {
	Overlap overlap.Config `yaml:",inline"`
	Compose compose.Config `yaml:",inline"`
}

// ObservabilityConfig configures the monitoring database.
type ObservabilityConfig struct {
	DBPath            string        `yaml:"db_path"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Retention         time.Duration `yaml:"retention"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:            ":8087",
		DBPath:            "data/scrollstitch.db",
		FramesDir:         "data/frames",
		StitchedDir:       "data/stitched",
		TilesDir:          "data/tiles",
		MaxFrameBytes:     "32 MiB",
		MaxFramePixels:    50_000_000,
		MaxFrameSide:      16384,
		SessionTTL:        2 * time.Hour,
		ReapInterval:      time.Minute,
		Workers:           2,
		CompletionTimeout: 10 * time.Minute,
		Stitch: StitchConfig{
			Overlap: overlap.DefaultConfig(),
			Compose: compose.DefaultConfig(),
		},
		Tiles: pyramid.DefaultConfig(),
		Observability: ObservabilityConfig{
			DBPath:            "data/observability.db",
			HeartbeatInterval: 15 * time.Second,
			Retention:         7 * 24 * time.Hour,
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("db_path is required")
	}
	if c.FramesDir == "" || c.StitchedDir == "" || c.TilesDir == "" {
		return errors.New("frames_dir, stitched_dir and tiles_dir are required")
	}
	n, err := humanize.ParseBytes(c.MaxFrameBytes)
	if err != nil {
		return fmt.Errorf("max_frame_bytes: %w", err)
	}
	if n == 0 {
		return errors.New("max_frame_bytes must be > 0")
	}
	c.maxFrameBytes = int64(n)
	if c.MaxFramePixels <= 0 || c.MaxFrameSide <= 0 {
		return errors.New("max_frame_pixels and max_frame_side must be > 0")
	}
	if c.Workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if c.SessionTTL <= 0 || c.ReapInterval <= 0 {
		return errors.New("session_ttl and reap_interval must be > 0")
	}
	if c.CompletionTimeout <= 0 {
		return errors.New("completion_timeout must be > 0")
	}
	st := c.Stitch.Overlap
	if st.SearchFraction <= 0 || st.SearchFraction > 1 {
		return fmt.Errorf("stitch.search_fraction %v out of (0,1]", st.SearchFraction)
	}
	if st.MinAdvance <= 0 || st.MinAdvance > 1 || st.FallbackAdvance <= 0 || st.FallbackAdvance > 1 {
		return errors.New("stitch.min_advance and stitch.fallback_advance must lie in (0,1]")
	}
	if c.Stitch.Compose.BandRows <= 0 || c.Stitch.Compose.ChunkThresholdRows <= 0 {
		return errors.New("stitch.band_rows and stitch.chunk_threshold_rows must be > 0")
	}
	if err := c.Tiles.Validate(); err != nil {
		return fmt.Errorf("tiles: %w", err)
	}
	return nil
}

// MaxFrameSize returns the frame size limit in bytes. Valid after Validate.
func (c *Config) MaxFrameSize() int64 { return c.maxFrameBytes }

// FrameLimits returns the decoded dimension limits for uploaded frames.
func (c *Config) FrameLimits() raster.Limits {
	return raster.Limits{MaxSide: c.MaxFrameSide, MaxPixels: c.MaxFramePixels}
}
