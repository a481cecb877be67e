package annoy

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/headlands-org/go-quicksim/search"
)

// State describes where a Forest is in its lifecycle.
type State int32

const (
	// StateEmpty is a forest with no vectors assigned.
	StateEmpty State = iota
	// StatePopulated is a forest whose vectors are assigned and whose trees
	// are being built.
	StatePopulated
	// StateBuilt is an immutable, queryable forest.
	StateBuilt
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StatePopulated:
		return "populated"
	case StateBuilt:
		return "built"
	default:
		return "unknown"
	}
}

// Forest is a set of random projection trees over one VectorSet. It is built
// once and is read-only afterwards; a built Forest is safe for concurrent
// queries.
type Forest struct {
	cfg Config

	mu    sync.Mutex
	state atomic.Int32

	set *search.VectorSet
	// vectors holds the vectors the trees split on: unit copies for Angular,
	// the set's own data for Euclidean.
	vectors []float32
	dim     int
	trees   []*node
}

var _ search.Index = (*Forest)(nil)

// NewForest returns an empty forest with the provided options.
func NewForest(opts ...ForestOption) *Forest {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Forest{cfg: cfg}
}

// State reports the lifecycle state.
func (f *Forest) State() State { return State(f.state.Load()) }

// Config returns the forest configuration.
func (f *Forest) Config() Config { return f.cfg }

// Build constructs the trees over set. Trees are built in parallel; ctx is
// checked before each tree. A failed or canceled build returns the forest to
// StateEmpty, so Build may be retried.
func (f *Forest) Build(ctx context.Context, set *search.VectorSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.State() == StateBuilt {
		return search.ErrAlreadyBuilt
	}
	if set == nil || set.Len() == 0 {
		return search.Degenerate("annoy: no vectors")
	}
	if f.cfg.NumTrees < 1 {
		return search.Degenerate("annoy: %d trees requested", f.cfg.NumTrees)
	}
	if f.cfg.MaxLeafSize < 1 {
		return search.Degenerate("annoy: leaf capacity %d", f.cfg.MaxLeafSize)
	}
	if !f.cfg.Metric.Valid() {
		return fmt.Errorf("annoy: unsupported metric %d", f.cfg.Metric)
	}

	start := time.Now()
	f.populate(set)

	trees := make([]*node, f.cfg.NumTrees)
	var (
		done     atomic.Int64
		oversize atomic.Int64
	)
	f.report("build", 0, f.cfg.NumTrees)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.workers())
	for i := range trees {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			tb := &treeBuilder{
				vectors: f.vectorAt,
				maxLeaf: f.cfg.MaxLeafSize,
				rng:     rand.New(f.cfg.source(i)),
			}
			trees[i] = tb.build(allIndices(set.Len()))
			oversize.Add(int64(tb.oversize))
			f.report("build", int(done.Add(1)), len(trees))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		f.reset()
		f.cfg.Logger.Warn("annoy: build aborted", zap.Error(err))
		return err
	}
	if err := ctx.Err(); err != nil {
		f.reset()
		return err
	}

	f.trees = trees
	f.state.Store(int32(StateBuilt))
	f.cfg.Logger.Info("annoy: forest built",
		zap.Int("items", set.Len()),
		zap.Int("dimension", f.dim),
		zap.Int("trees", len(trees)),
		zap.Int("max_leaf", f.cfg.MaxLeafSize),
		zap.Int64("oversized_leaves", oversize.Load()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (f *Forest) populate(set *search.VectorSet) {
	f.set = set
	f.dim = set.Dimension()
	if f.cfg.Metric.NeedsNormalisation() {
		f.vectors = make([]float32, len(set.Flat()))
		copy(f.vectors, set.Flat())
		for i := 0; i < set.Len(); i++ {
			search.Normalise(f.vectorAt(int32(i)))
		}
	} else {
		f.vectors = set.Flat()
	}
	f.state.Store(int32(StatePopulated))
}

func (f *Forest) reset() {
	f.set = nil
	f.vectors = nil
	f.trees = nil
	f.dim = 0
	f.state.Store(int32(StateEmpty))
}

func (f *Forest) vectorAt(id int32) []float32 {
	start := int(id) * f.dim
	return f.vectors[start : start+f.dim : start+f.dim]
}

func (f *Forest) report(stage string, current, total int) {
	if f.cfg.Progress != nil {
		f.cfg.Progress(stage, current, total)
	}
}

// Dimension returns the indexed vector dimensionality, or 0 before Build.
func (f *Forest) Dimension() int {
	if f.State() != StateBuilt {
		return 0
	}
	return f.dim
}

// Count returns the number of indexed vectors, or 0 before Build.
func (f *Forest) Count() int {
	if f.State() != StateBuilt {
		return 0
	}
	return f.set.Len()
}

// NumTrees returns the number of trees in a built forest.
func (f *Forest) NumTrees() int { return len(f.trees) }

// Metric returns the distance metric.
func (f *Forest) Metric() search.Metric { return f.cfg.Metric }

// Vectors returns the indexed set, or nil before Build.
func (f *Forest) Vectors() *search.VectorSet {
	if f.State() != StateBuilt {
		return nil
	}
	return f.set
}

// ForEach iterates over all indexed vectors as they were given to Build.
func (f *Forest) ForEach(fn func(id int32, vec []float32)) {
	if f.State() != StateBuilt {
		return
	}
	f.set.Each(fn)
}

// Stats summarises the tree structure of a built forest.
type Stats struct {
	Trees  int
	Leaves int
	// MaxLeaf is the largest leaf; it exceeds the configured capacity only
	// when a node held identical vectors.
	MaxLeaf int
}

// Stats walks the trees of a built forest.
func (f *Forest) Stats() Stats {
	s := Stats{Trees: len(f.trees)}
	var walk func(n *node)
	walk = func(n *node) {
		if n.leaf {
			s.Leaves++
			s.MaxLeaf = max(s.MaxLeaf, len(n.indices))
			return
		}
		walk(n.left)
		walk(n.right)
	}
	for _, t := range f.trees {
		walk(t)
	}
	return s
}

func allIndices(n int) []int32 {
	indices := make([]int32, n)
	for i := range indices {
		indices[i] = int32(i)
	}
	return indices
}
