// Package config loads quicksim settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/headlands-org/go-quicksim/search"
	"github.com/headlands-org/go-quicksim/search/annoy"
)

// Config holds all settings for the quicksim tools.
type Config struct {
	Debug   bool          `yaml:"debug"`
	Index   IndexConfig   `yaml:"index"`
	Query   QueryConfig   `yaml:"query"`
	Storage StorageConfig `yaml:"storage"`
}

// IndexConfig controls forest construction.
type IndexConfig struct {
	Trees       int    `yaml:"trees"`
	LeafSize    int    `yaml:"leaf_size"`
	Metric      string `yaml:"metric"`
	Seed        int64  `yaml:"seed"`
	Workers     int    `yaml:"workers"`
	Compression string `yaml:"compression"`
}

// QueryConfig controls neighbour queries.
type QueryConfig struct {
	K       int `yaml:"k"`
	SearchK int `yaml:"search_k"`
}

// StorageConfig holds local paths and the optional object store.
type StorageConfig struct {
	IndexPath    string      `yaml:"index_path"`
	DatabasePath string      `yaml:"database_path"`
	MinIO        MinIOConfig `yaml:"minio"`
}

// MinIOConfig points at an S3-compatible bucket. Indexes go to the local
// filesystem when Endpoint is empty.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled reports whether an object store is configured.
func (m MinIOConfig) Enabled() bool { return m.Endpoint != "" }

// Load reads and parses the config file at path, applies defaults, resolves
// relative paths against the config directory and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.IndexPath = expandPath(cfg.Storage.IndexPath, configDir)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects settings the index cannot be built or queried with.
func (c *Config) Validate() error {
	var errs []error
	if c.Index.Trees < 1 {
		errs = append(errs, fmt.Errorf("index.trees must be at least 1, got %d", c.Index.Trees))
	}
	if c.Index.LeafSize < 1 {
		errs = append(errs, fmt.Errorf("index.leaf_size must be at least 1, got %d", c.Index.LeafSize))
	}
	if _, err := search.ParseMetric(c.Index.Metric); err != nil {
		errs = append(errs, fmt.Errorf("index.metric: %w", err))
	}
	if _, ok := annoy.ParseCompression(c.Index.Compression); !ok {
		errs = append(errs, fmt.Errorf("index.compression: unknown codec %q", c.Index.Compression))
	}
	if c.Query.K < 1 {
		errs = append(errs, fmt.Errorf("query.k must be at least 1, got %d", c.Query.K))
	}
	if c.Storage.MinIO.Enabled() && c.Storage.MinIO.Bucket == "" {
		errs = append(errs, errors.New("storage.minio.bucket is required when an endpoint is set"))
	}
	return errors.Join(errs...)
}

// ForestOptions translates the index settings into forest options.
func (c *Config) ForestOptions() []annoy.ForestOption {
	metric, _ := search.ParseMetric(c.Index.Metric)
	return []annoy.ForestOption{
		annoy.WithMetric(metric),
		annoy.WithNumTrees(c.Index.Trees),
		annoy.WithMaxLeafSize(c.Index.LeafSize),
		annoy.WithSeed(c.Index.Seed),
		annoy.WithWorkers(c.Index.Workers),
	}
}

// SearchOptions translates the query settings into search options.
func (c *Config) SearchOptions() []search.SearchOption {
	return []search.SearchOption{search.WithSearchK(c.Query.SearchK)}
}

// Compression returns the configured index body codec.
func (c *Config) Compression() annoy.Compression {
	codec, _ := annoy.ParseCompression(c.Index.Compression)
	return codec
}

// expandPath makes relative paths relative to configDir. "~/" expands to the
// home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
		return path
	}
	return filepath.Join(configDir, path)
}
