package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BufferConfig holds segment buffer configurations.
type BufferConfig struct {
	Capacity      int `yaml:"capacity"`
	OverflowSlack int `yaml:"overflow_slack"`
	SegmentLength int `yaml:"segment_length"`
}

// QueryConfig holds query selection and feedback exchange configurations.
type QueryConfig struct {
	TTL            string `yaml:"ttl"`
	SweepInterval  string `yaml:"sweep_interval"`
	TargetPending  int    `yaml:"target_pending"`
	RefillInterval string `yaml:"refill_interval"`
	Policy         string `yaml:"policy"` // "uniform", "disagreement", "sort-insertion"
}

// StoreConfig holds preference store configurations.
type StoreConfig struct {
	Dir                 string `yaml:"dir"`
	SyncMode            string `yaml:"sync_mode"` // "always" or "disabled"
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes"`
	Compression         string `yaml:"compression"` // "none", "snappy", "lz4", "zstd"
}

// TrainingConfig holds reward model training configurations.
type TrainingConfig struct {
	Increment     int     `yaml:"increment"`      // retrain after this many new preferences
	MaxInterval   string  `yaml:"max_interval"`   // or after this much time, whichever first
	CheckInterval string  `yaml:"check_interval"` // trigger evaluation cadence
	Epochs        int     `yaml:"epochs"`
	LearningRate  float64 `yaml:"learning_rate"`
	Family        string  `yaml:"family"` // "bradley-terry" or "thurstone"
	SmoothingEps  float64 `yaml:"smoothing_eps"`
	BlendFactor   float64 `yaml:"blend_factor"` // learned/native reward mix, 1.0 = pure replacement
}

// SnapshotConfig holds reward model version store configurations.
type SnapshotConfig struct {
	Dir         string `yaml:"dir"`
	Compression string `yaml:"compression"`
}

// ServerConfig holds feedback API server configurations.
type ServerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Output string `yaml:"output"` // "stdout", "stderr", "file", "none"
	File   string `yaml:"file"`
}

// Config is the top-level configuration struct.
type Config struct {
	Buffer   BufferConfig   `yaml:"buffer"`
	Query    QueryConfig    `yaml:"query"`
	Store    StoreConfig    `yaml:"store"`
	Training TrainingConfig `yaml:"training"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ParseDuration parses a duration string. Returns the default duration
// if the string is empty or invalid, warning on invalid input.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader, overwriting defaults with
// whatever the YAML provides. A nil reader or empty input yields the
// defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Buffer: BufferConfig{
			Capacity:      4096,
			OverflowSlack: 256,
			SegmentLength: 25,
		},
		Query: QueryConfig{
			TTL:            "30m",
			SweepInterval:  "15s",
			TargetPending:  16,
			RefillInterval: "10s",
			Policy:         "disagreement",
		},
		Store: StoreConfig{
			Dir:                 "./data/preferences",
			SyncMode:            "always",
			MaxSegmentSizeBytes: 8 * 1024 * 1024, // 8 MiB
			Compression:         "snappy",
		},
		Training: TrainingConfig{
			Increment:     32,
			MaxInterval:   "15m",
			CheckInterval: "30s",
			Epochs:        200,
			LearningRate:  0.05,
			Family:        "bradley-terry",
			SmoothingEps:  0.125,
			BlendFactor:   1.0,
		},
		Snapshot: SnapshotConfig{
			Dir:         "./data/versions",
			Compression: "snappy",
		},
		Server: ServerConfig{
			Enabled:       true,
			ListenAddress: ":8099",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexuspref.log",
		},
	}

	if r == nil {
		return cfg, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path. A missing
// file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()
	return Load(file)
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Buffer.Capacity < 2 {
		return fmt.Errorf("buffer.capacity must be at least 2, got %d", c.Buffer.Capacity)
	}
	if c.Buffer.SegmentLength <= 0 {
		return fmt.Errorf("buffer.segment_length must be positive, got %d", c.Buffer.SegmentLength)
	}
	if c.Query.TargetPending <= 0 {
		return fmt.Errorf("query.target_pending must be positive, got %d", c.Query.TargetPending)
	}
	switch c.Query.Policy {
	case "", "uniform", "disagreement", "sort-insertion":
	default:
		return fmt.Errorf("query.policy %q is not one of uniform, disagreement, sort-insertion", c.Query.Policy)
	}
	switch c.Store.SyncMode {
	case "", "always", "disabled":
	default:
		return fmt.Errorf("store.sync_mode %q is not one of always, disabled", c.Store.SyncMode)
	}
	if c.Training.Increment <= 0 {
		return fmt.Errorf("training.increment must be positive, got %d", c.Training.Increment)
	}
	if c.Training.LearningRate <= 0 {
		return fmt.Errorf("training.learning_rate must be positive, got %v", c.Training.LearningRate)
	}
	switch c.Training.Family {
	case "", "bradley-terry", "thurstone":
	default:
		return fmt.Errorf("training.family %q is not one of bradley-terry, thurstone", c.Training.Family)
	}
	if c.Training.BlendFactor <= 0 || c.Training.BlendFactor > 1 {
		return fmt.Errorf("training.blend_factor must be in (0, 1], got %v", c.Training.BlendFactor)
	}
	return nil
}
