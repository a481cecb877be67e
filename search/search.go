package search

// Result captures a nearest-neighbour match.
//
// A query returns results closest first. Rank is the zero-based position of
// the match within that ordering.
type Result struct {
	ID       int32
	Rank     int
	Distance float32
}

// Index exposes query operations over an immutable vector collection.
type Index interface {
	// Dimension returns the vector dimensionality.
	Dimension() int

	// Count returns the number of indexed vectors.
	Count() int

	// QueryByVector returns up to k neighbours of vec. Fewer than k results is
	// valid output for approximate indices.
	QueryByVector(vec []float32, k int, opts ...SearchOption) ([]Result, error)

	// ForEach iterates over all stored vectors. The provided slice must not be mutated.
	ForEach(fn func(id int32, vec []float32))
}

// Serializer persists and loads indices.
type Serializer interface {
	Serialize(index Index) ([]byte, error)
	Deserialize(data []byte) (Index, error)
}

// SearchOption customises query execution.
type SearchOption interface {
	apply(*Config)
}

// Config describes query-time configuration derived from options.
type Config struct {
	SearchK int
}

// ApplyOptions builds a configuration by applying the provided options.
func ApplyOptions(opts ...SearchOption) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	return cfg
}

type searchOptionFunc func(*Config)

func (fn searchOptionFunc) apply(cfg *Config) { fn(cfg) }

// WithSearchK bounds the number of candidates gathered before re-ranking.
// Larger values trade latency for recall.
func WithSearchK(k int) SearchOption {
	return searchOptionFunc(func(cfg *Config) {
		if k > 0 {
			cfg.SearchK = k
		}
	})
}
