// Package config provides configuration loading and management for brainslices.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Data source parameters
	Data struct {
		// Root is the dataset directory that is walked for scan volumes
		Root string `yaml:"root"`

		// Catalog is the SQLite DSN of the subject catalog (":memory:" keeps it in RAM)
		Catalog string `yaml:"catalog"`
	} `yaml:"data"`

	// Dataset construction parameters
	Dataset struct {
		// Sequence is the MR pulse sequence to load (t1, t1c, t2, flair)
		Sequence string `yaml:"sequence"`

		// TestSize is the fraction of slices placed in the test partition
		TestSize float64 `yaml:"testSize"`

		// Limit caps the number of subjects processed (0 means no limit)
		Limit int `yaml:"limit"`

		// Seed fixes the train/test permutation (0 derives one from the clock)
		Seed int64 `yaml:"seed"`
	} `yaml:"dataset"`

	// Intensity normalization parameters
	Normalization struct {
		// Enabled applies percentile clipping and z-scoring before saving
		Enabled bool `yaml:"enabled"`

		// LowerPercentile and UpperPercentile bound the clipping window
		LowerPercentile float64 `yaml:"lowerPercentile"`
		UpperPercentile float64 `yaml:"upperPercentile"`

		// ZeroVariance is either "fail" or "passthrough"
		ZeroVariance string `yaml:"zeroVariance"`
	} `yaml:"normalization"`

	// Preview parameters
	Preview struct {
		Enabled   bool               `yaml:"enabled"`
		Transform string             `yaml:"transform"`
		Params    map[string]float64 `yaml:"params"`
		Scan      int                `yaml:"scan"`
		Slice     int                `yaml:"slice"`
		Path      string             `yaml:"path"`
	} `yaml:"preview"`

	// Output parameters
	Output struct {
		// Container is the path of the NPZ file holding the split
		Container string `yaml:"container"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Data.Root = "data"
	cfg.Data.Catalog = ":memory:"

	cfg.Dataset.Sequence = "t2"
	cfg.Dataset.TestSize = 0.2
	cfg.Dataset.Limit = 0
	cfg.Dataset.Seed = 0

	cfg.Normalization.Enabled = false
	cfg.Normalization.LowerPercentile = 1
	cfg.Normalization.UpperPercentile = 99
	cfg.Normalization.ZeroVariance = "fail"

	cfg.Preview.Enabled = false
	cfg.Preview.Transform = "identity"
	cfg.Preview.Params = map[string]float64{}
	cfg.Preview.Path = "preview.png"

	cfg.Output.Container = "slices.npz"
	cfg.Output.Verbose = true

	return cfg
}

// Validate checks that the configuration values are usable
func (c *Config) Validate() error {
	if c.Data.Root == "" {
		return fmt.Errorf("data root must be set")
	}
	if c.Dataset.TestSize < 0 || c.Dataset.TestSize >= 1 {
		return fmt.Errorf("test size %.3f outside [0, 1)", c.Dataset.TestSize)
	}
	if c.Dataset.Limit < 0 {
		return fmt.Errorf("limit must be non-negative, got %d", c.Dataset.Limit)
	}
	lo, hi := c.Normalization.LowerPercentile, c.Normalization.UpperPercentile
	if lo < 0 || hi > 100 || lo >= hi {
		return fmt.Errorf("invalid percentile window [%g, %g]", lo, hi)
	}
	switch c.Normalization.ZeroVariance {
	case "fail", "passthrough":
	default:
		return fmt.Errorf("unknown zero variance policy %q", c.Normalization.ZeroVariance)
	}
	if c.Output.Container == "" {
		return fmt.Errorf("output container path must be set")
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
