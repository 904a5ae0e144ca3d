// Package config handles configuration loading for hexseg runs.
package config

import (
	"fmt"
	"os"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Area estimators for the modeled region.
const (
	AreaHull      = "hull"
	AreaOccupancy = "occupancy"
)

func init() {
	// Report validation errors by their YAML keys.
	validation.ErrorTag = "yaml"
}

// Config represents a segmentation run configuration.
type Config struct {
	Input   InputConfig   `yaml:"input"`
	Sampler SamplerConfig `yaml:"sampler"`
	Output  OutputConfig  `yaml:"output"`
	Log     LogConfig     `yaml:"log"`
	Trace   TraceConfig   `yaml:"trace"`
	Monitor MonitorConfig `yaml:"monitor"`
	Storage StorageConfig `yaml:"storage"`
}

// InputConfig names the transcript table and its columns.
type InputConfig struct {
	Path                  string  `yaml:"path"`
	TranscriptColumn      string  `yaml:"transcript_column"`
	XColumn               string  `yaml:"x_column"`
	YColumn               string  `yaml:"y_column"`
	ZColumn               string  `yaml:"z_column"`
	CellIDColumn          string  `yaml:"cell_id_column"`
	OverlapsNucleusColumn string  `yaml:"overlaps_nucleus_column"`
	QVColumn              string  `yaml:"qv_column"`
	MinQV                 float32 `yaml:"min_qv"`

	// Cell centroid columns are accepted for compatibility but unused.
	CellXColumn string `yaml:"cell_x_column"`
	CellYColumn string `yaml:"cell_y_column"`
}

// SamplerConfig controls the MCMC run.
type SamplerConfig struct {
	NComponents       int           `yaml:"ncomponents"`
	NIter             int           `yaml:"niter"`
	NThreads          int           `yaml:"nthreads"`
	BackgroundProb    float64       `yaml:"background_prob"`
	LocalStepsPerIter int           `yaml:"local_steps_per_iter"`
	ProposalsPerChunk int           `yaml:"proposals_per_chunk"`
	Seed              uint64        `yaml:"seed"`
	MinCellsPerChunk  float64       `yaml:"min_cells_per_chunk"`
	ChunkFactor       int           `yaml:"chunk_factor"`
	LogEvery          int           `yaml:"log_every"`
	AreaEstimator     string        `yaml:"area_estimator"`
	CheckInvariants   bool          `yaml:"check_invariants"`
	Schedule          []StageConfig `yaml:"schedule"`
}

// StageConfig is one schedule stage. An empty schedule is derived from NIter.
type StageConfig struct {
	Grid       string  `yaml:"grid"`
	Scale      float32 `yaml:"scale"`
	Iterations int     `yaml:"iterations"`
}

// OutputConfig contains output file paths. An empty path skips that output,
// except for counts which is always written.
type OutputConfig struct {
	Counts      string `yaml:"counts"`
	Z           string `yaml:"z"`
	Assignments string `yaml:"assignments"`
	Hulls       string `yaml:"hulls"`
	Preview     string `yaml:"preview"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TraceConfig contains run trace settings. An empty path disables tracing.
type TraceConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// MonitorConfig contains live monitor settings. An empty address disables
// the monitor.
type MonitorConfig struct {
	Addr           string   `yaml:"addr"`
	CORSOrigins    []string `yaml:"cors_origins"`
	SnapshotEvery  int      `yaml:"snapshot_every"`
	TileSize       int      `yaml:"tile_size"`
	TileCacheMB    int      `yaml:"tile_cache_mb"`
	TileTTLMinutes int      `yaml:"tile_ttl_minutes"`
}

// StorageConfig contains S3-compatible upload settings. An empty bucket
// disables upload.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Load reads configuration from a YAML file, expanding environment
// variables. Values missing from the file keep their defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Input: InputConfig{
			TranscriptColumn:      "feature_name",
			XColumn:               "x_location",
			YColumn:               "y_location",
			CellIDColumn:          "cell_id",
			OverlapsNucleusColumn: "overlaps_nucleus",
			QVColumn:              "qv",
			MinQV:                 20,
			CellXColumn:           "x_centroid",
			CellYColumn:           "y_centroid",
		},
		Sampler: SamplerConfig{
			NComponents:       20,
			NIter:             800,
			BackgroundProb:    0.05,
			LocalStepsPerIter: 100,
			ProposalsPerChunk: 64,
			MinCellsPerChunk:  100,
			ChunkFactor:       4,
			LogEvery:          100,
			AreaEstimator:     AreaHull,
		},
		Output: OutputConfig{
			Counts:      "counts.csv.gz",
			Z:           "z.csv.gz",
			Assignments: "cell_assignments.csv.gz",
			Hulls:       "cells.geojson.gz",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Monitor: MonitorConfig{
			CORSOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
			SnapshotEvery:  10,
			TileSize:       256,
			TileCacheMB:    128,
			TileTTLMinutes: 1,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Input.TranscriptColumn == "" {
		cfg.Input.TranscriptColumn = defaults.Input.TranscriptColumn
	}
	if cfg.Input.XColumn == "" {
		cfg.Input.XColumn = defaults.Input.XColumn
	}
	if cfg.Input.YColumn == "" {
		cfg.Input.YColumn = defaults.Input.YColumn
	}
	if cfg.Sampler.ChunkFactor == 0 {
		cfg.Sampler.ChunkFactor = defaults.Sampler.ChunkFactor
	}
	if cfg.Sampler.LogEvery == 0 {
		cfg.Sampler.LogEvery = defaults.Sampler.LogEvery
	}
	if cfg.Sampler.AreaEstimator == "" {
		cfg.Sampler.AreaEstimator = defaults.Sampler.AreaEstimator
	}
	if cfg.Output.Counts == "" {
		cfg.Output.Counts = defaults.Output.Counts
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
	if len(cfg.Monitor.CORSOrigins) == 0 {
		cfg.Monitor.CORSOrigins = defaults.Monitor.CORSOrigins
	}
	if cfg.Monitor.SnapshotEvery == 0 {
		cfg.Monitor.SnapshotEvery = defaults.Monitor.SnapshotEvery
	}
	if cfg.Monitor.TileSize == 0 {
		cfg.Monitor.TileSize = defaults.Monitor.TileSize
	}
	if cfg.Monitor.TileCacheMB == 0 {
		cfg.Monitor.TileCacheMB = defaults.Monitor.TileCacheMB
	}
	if cfg.Monitor.TileTTLMinutes == 0 {
		cfg.Monitor.TileTTLMinutes = defaults.Monitor.TileTTLMinutes
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Input.Validate(); err != nil {
		return fmt.Errorf("input: %w", err)
	}
	if err := c.Sampler.Validate(); err != nil {
		return fmt.Errorf("sampler: %w", err)
	}
	if err := c.Output.Validate(); err != nil {
		return fmt.Errorf("output: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := c.Monitor.Validate(); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

// Validate validates the input configuration.
func (c *InputConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.TranscriptColumn, validation.Required),
		validation.Field(&c.XColumn, validation.Required),
		validation.Field(&c.YColumn, validation.Required),
		validation.Field(&c.CellIDColumn, validation.Required),
		validation.Field(&c.OverlapsNucleusColumn, validation.Required),
		validation.Field(&c.MinQV, validation.Min(float32(0))),
	)
}

// Validate validates the sampler configuration.
func (c *SamplerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.NComponents, validation.Min(1)),
		validation.Field(&c.NIter, validation.Min(0)),
		validation.Field(&c.NThreads, validation.Min(0)),
		validation.Field(&c.BackgroundProb,
			validation.Min(0.0).Exclusive(),
			validation.Max(1.0).Exclusive()),
		validation.Field(&c.LocalStepsPerIter, validation.Min(1)),
		validation.Field(&c.ProposalsPerChunk, validation.Min(1)),
		validation.Field(&c.MinCellsPerChunk, validation.Min(1.0)),
		validation.Field(&c.ChunkFactor, validation.Min(1)),
		validation.Field(&c.LogEvery, validation.Min(1)),
		validation.Field(&c.AreaEstimator, validation.In(AreaHull, AreaOccupancy)),
		validation.Field(&c.Schedule),
	)
}

// Validate validates one schedule stage.
func (c StageConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Grid, validation.In("hex", "square")),
		validation.Field(&c.Scale, validation.Required, validation.Min(float32(0)).Exclusive()),
		validation.Field(&c.Iterations, validation.Min(0)),
	)
}

// Validate validates the output configuration.
func (c *OutputConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Counts, validation.Required),
	)
}

// Validate validates the logging configuration.
func (c *LogConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.Format, validation.In("json", "console")),
	)
}

// Validate validates the monitor configuration.
func (c *MonitorConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.SnapshotEvery, validation.Min(1)),
		validation.Field(&c.TileSize, validation.Min(16), validation.Max(4096)),
		validation.Field(&c.TileCacheMB, validation.Min(1)),
		validation.Field(&c.TileTTLMinutes, validation.Min(1)),
	)
}

// Validate validates the storage configuration.
func (c *StorageConfig) Validate() error {
	enabled := c.Bucket != ""
	return validation.ValidateStruct(c,
		validation.Field(&c.Endpoint, validation.When(enabled, validation.Required)),
		validation.Field(&c.AccessKey, validation.When(enabled, validation.Required)),
		validation.Field(&c.SecretKey, validation.When(enabled, validation.Required)),
	)
}

// UploadEnabled reports whether outputs are uploaded after the run.
func (c *StorageConfig) UploadEnabled() bool { return c.Bucket != "" }

// MonitorEnabled reports whether the live monitor is served.
func (c *MonitorConfig) MonitorEnabled() bool { return c.Addr != "" }
