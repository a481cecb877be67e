package annoy

import (
	"math/rand"
	"runtime"

	"go.uber.org/zap"

	"github.com/headlands-org/go-quicksim/search"
)

const (
	// DefaultNumTrees is the number of trees built when WithNumTrees is not given.
	DefaultNumTrees = 10
	// DefaultMaxLeafSize is the leaf capacity used when WithMaxLeafSize is not given.
	DefaultMaxLeafSize = 16
)

// ForestOption configures a Forest.
type ForestOption func(*Config)

// Config holds forest construction settings.
type Config struct {
	Metric      search.Metric
	NumTrees    int
	MaxLeafSize int
	Seed        int64
	// Workers bounds the goroutines used for tree construction and batch
	// queries. Zero means GOMAXPROCS.
	Workers int
	// Source returns the random source for tree i. Defaults to a source
	// derived from Seed.
	Source   func(tree int) rand.Source
	Logger   *zap.Logger
	Progress ProgressFunc
}

func defaultConfig() Config {
	return Config{
		Metric:      search.Angular,
		NumTrees:    DefaultNumTrees,
		MaxLeafSize: DefaultMaxLeafSize,
		Seed:        1,
		Logger:      zap.NewNop(),
	}
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (c Config) source(tree int) rand.Source {
	if c.Source != nil {
		return c.Source(tree)
	}
	return rand.NewSource(c.Seed + int64(tree)*7919)
}

// WithMetric selects the distance metric (default Angular).
func WithMetric(metric search.Metric) ForestOption {
	return func(cfg *Config) {
		cfg.Metric = metric
	}
}

// WithNumTrees sets the number of random projection trees to build.
func WithNumTrees(n int) ForestOption {
	return func(cfg *Config) {
		cfg.NumTrees = n
	}
}

// WithMaxLeafSize sets the maximum number of items stored in a leaf node.
func WithMaxLeafSize(size int) ForestOption {
	return func(cfg *Config) {
		cfg.MaxLeafSize = size
	}
}

// WithSeed sets the random seed used when constructing the forest.
func WithSeed(seed int64) ForestOption {
	return func(cfg *Config) {
		cfg.Seed = seed
	}
}

// WithRandSource injects the random source used for each tree. It takes
// precedence over WithSeed.
func WithRandSource(fn func(tree int) rand.Source) ForestOption {
	return func(cfg *Config) {
		cfg.Source = fn
	}
}

// WithWorkers bounds build and batch query parallelism.
func WithWorkers(n int) ForestOption {
	return func(cfg *Config) {
		cfg.Workers = n
	}
}

// WithLogger sets the logger used for build diagnostics.
func WithLogger(logger *zap.Logger) ForestOption {
	return func(cfg *Config) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

// ProgressFunc receives updates during long-running operations. It may be
// called from several goroutines at once.
type ProgressFunc func(stage string, current, total int)

// WithProgress registers a callback invoked during build and batch query stages.
func WithProgress(fn ProgressFunc) ForestOption {
	return func(cfg *Config) {
		cfg.Progress = fn
	}
}
