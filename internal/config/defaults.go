package config

import "github.com/headlands-org/go-quicksim/search/annoy"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Index.Trees == 0 {
		cfg.Index.Trees = annoy.DefaultNumTrees
	}
	if cfg.Index.LeafSize == 0 {
		cfg.Index.LeafSize = annoy.DefaultMaxLeafSize
	}
	if cfg.Index.Metric == "" {
		cfg.Index.Metric = "angular"
	}
	if cfg.Index.Seed == 0 {
		cfg.Index.Seed = 1
	}
	if cfg.Index.Compression == "" {
		cfg.Index.Compression = "none"
	}
	if cfg.Query.K == 0 {
		cfg.Query.K = 10
	}
	if cfg.Storage.IndexPath == "" {
		cfg.Storage.IndexPath = "./quicksim.idx"
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "./quicksim.db"
	}
	if cfg.Storage.MinIO.Prefix == "" {
		cfg.Storage.MinIO.Prefix = "indexes"
	}
}

// Default returns a config with every default applied.
func Default() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return &cfg
}
