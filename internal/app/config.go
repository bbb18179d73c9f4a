package app

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"terrainsrv/internal/logging"
	"terrainsrv/internal/render"
)

// Default configuration constants
const (
	DefaultTerrainMap    = "./terrain.tmap"
	DefaultWorkers       = 0 // one per CPU, less one
	DefaultRenderTimeout = time.Second
	DefaultStatsInterval = 30 * time.Second
	DefaultLogDir        = "./logs"
	DefaultFormat        = FormatJSON
)

// Output formats for the serve loop
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// Config holds application configuration
type Config struct {
	TerrainMap    string
	ConfigFile    string
	Workers       int
	RenderTimeout time.Duration
	StatsInterval time.Duration
	Format        string
	VerifyNodes   bool
	LogDir        string
	Verbose       bool
	ShowVersion   bool

	Render render.Config
	Log    logging.Options
}

// DefaultConfig returns the configuration used when no flags or file are given
func DefaultConfig() Config {
	log := logging.DefaultOptions()
	log.Dir = DefaultLogDir
	return Config{
		TerrainMap:    DefaultTerrainMap,
		Workers:       DefaultWorkers,
		RenderTimeout: DefaultRenderTimeout,
		StatsInterval: DefaultStatsInterval,
		Format:        DefaultFormat,
		VerifyNodes:   true,
		LogDir:        DefaultLogDir,
		Render:        render.DefaultConfig(),
		Log:           log,
	}
}

// fileConfig is the YAML layout of a configuration file. Pointer fields
// distinguish absent keys from zero values.
type fileConfig struct {
	TerrainMap    *string        `yaml:"terrain_map"`
	Workers       *int           `yaml:"workers"`
	RenderTimeout *time.Duration `yaml:"render_timeout"`
	StatsInterval *time.Duration `yaml:"stats_interval"`
	Format        *string        `yaml:"format"`
	LogDir        *string        `yaml:"log_dir"`
	Render        *render.Config `yaml:"render"`
	Log           *struct {
		MaxSizeMB  *int  `yaml:"max_size_mb"`
		MaxAgeDays *int  `yaml:"max_age_days"`
		MaxBackups *int  `yaml:"max_backups"`
		Compress   *bool `yaml:"compress"`
	} `yaml:"log"`
}

// ApplyFile overlays settings from a YAML file. Settings whose command line
// flag was given explicitly, as reported by explicit, are left alone.
func (c *Config) ApplyFile(path string, explicit func(flag string) bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// the render section decodes on top of the current values
	fc := fileConfig{Render: &c.Render}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if explicit == nil {
		explicit = func(string) bool { return false }
	}
	if fc.TerrainMap != nil && !explicit("map") {
		c.TerrainMap = *fc.TerrainMap
	}
	if fc.Workers != nil && !explicit("workers") {
		c.Workers = *fc.Workers
	}
	if fc.RenderTimeout != nil && !explicit("timeout") {
		c.RenderTimeout = *fc.RenderTimeout
	}
	if fc.StatsInterval != nil && !explicit("stats-interval") {
		c.StatsInterval = *fc.StatsInterval
	}
	if fc.Format != nil && !explicit("format") {
		c.Format = *fc.Format
	}
	if fc.LogDir != nil && !explicit("log-dir") {
		c.LogDir = *fc.LogDir
	}
	if fc.Log != nil {
		if fc.Log.MaxSizeMB != nil {
			c.Log.MaxSizeMB = *fc.Log.MaxSizeMB
		}
		if fc.Log.MaxAgeDays != nil {
			c.Log.MaxAgeDays = *fc.Log.MaxAgeDays
		}
		if fc.Log.MaxBackups != nil {
			c.Log.MaxBackups = *fc.Log.MaxBackups
		}
		if fc.Log.Compress != nil {
			c.Log.Compress = *fc.Log.Compress
		}
	}

	return nil
}

// Validate reports configuration errors before anything starts
func (c Config) Validate() error {
	if c.TerrainMap == "" {
		return fmt.Errorf("terrain map path is required")
	}
	if c.Workers < 0 {
		return fmt.Errorf("worker count %d must not be negative", c.Workers)
	}
	if c.RenderTimeout <= 0 {
		return fmt.Errorf("render timeout must be positive")
	}
	if c.StatsInterval <= 0 {
		return fmt.Errorf("statistics interval must be positive")
	}
	if c.Format != FormatJSON && c.Format != FormatMsgpack {
		return fmt.Errorf("unknown output format %q", c.Format)
	}
	if err := c.Render.Validate(); err != nil {
		return fmt.Errorf("invalid render settings: %w", err)
	}
	return nil
}

// LogOptions returns the logger settings for this configuration
func (c Config) LogOptions() logging.Options {
	opts := c.Log
	opts.Dir = c.LogDir
	opts.Verbose = c.Verbose
	return opts
}
