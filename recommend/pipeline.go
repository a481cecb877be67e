// Package recommend ranks items for users by inner product. Items are lifted
// with the Euclidean transform so an angular forest can serve maximum inner
// product queries.
package recommend

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/headlands-org/go-quicksim/search"
	"github.com/headlands-org/go-quicksim/search/annoy"
	"github.com/headlands-org/go-quicksim/search/mips"
)

// DefaultK is the number of recommendations per user when none is given.
const DefaultK = 10

// Batch maps a user id to its recommended items, best first.
type Batch map[int32][]search.Result

// Option configures a Pipeline.
type Option func(*Pipeline)

// Pipeline builds an item forest and queries it for every user.
type Pipeline struct {
	forestOpts []annoy.ForestOption
	searchOpts []search.SearchOption
	logger     *zap.Logger
	workers    int
	progress   annoy.ProgressFunc

	mu     sync.Mutex
	forest *annoy.Forest
	corpus *mips.Corpus
}

// New returns a Pipeline.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithForestOptions passes options to every forest the pipeline builds. The
// metric is always Angular.
func WithForestOptions(opts ...annoy.ForestOption) Option {
	return func(p *Pipeline) {
		p.forestOpts = append(p.forestOpts, opts...)
	}
}

// WithSearchOptions applies query options to every user query.
func WithSearchOptions(opts ...search.SearchOption) Option {
	return func(p *Pipeline) {
		p.searchOpts = append(p.searchOpts, opts...)
	}
}

// WithLogger sets the pipeline logger. It is also handed to the augmenter and
// the forest.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWorkers bounds query parallelism. Zero means GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		p.workers = n
	}
}

// WithProgress reports forest build and per-user query progress.
func WithProgress(fn annoy.ProgressFunc) Option {
	return func(p *Pipeline) {
		p.progress = fn
	}
}

func (p *Pipeline) newForest() *annoy.Forest {
	opts := make([]annoy.ForestOption, 0, len(p.forestOpts)+4)
	opts = append(opts, annoy.WithLogger(p.logger), annoy.WithProgress(p.progress))
	opts = append(opts, p.forestOpts...)
	opts = append(opts, annoy.WithMetric(search.Angular))
	if p.workers > 0 {
		opts = append(opts, annoy.WithWorkers(p.workers))
	}
	return annoy.NewForest(opts...)
}

func (p *Pipeline) limit() int {
	if p.workers > 0 {
		return p.workers
	}
	return runtime.GOMAXPROCS(0)
}

// Recommend returns the k items with the largest inner product for every
// user. A user may receive fewer than k items; users and items must share a
// dimension.
func (p *Pipeline) Recommend(ctx context.Context, users, items *search.VectorSet, k int) (Batch, error) {
	if users == nil || items == nil {
		return nil, search.Degenerate("recommend: users and items are required")
	}
	if k <= 0 {
		return nil, search.ErrInvalidK
	}
	if users.Dimension() != items.Dimension() {
		return nil, &search.ErrDimensionMismatch{Expected: items.Dimension(), Actual: users.Dimension()}
	}
	start := time.Now()

	corpus, err := mips.AugmentCorpus(items, mips.WithLogger(p.logger))
	if err != nil {
		return nil, fmt.Errorf("recommend: augment items: %w", err)
	}
	queries, err := corpus.AugmentQuery(users)
	if err != nil {
		return nil, fmt.Errorf("recommend: augment users: %w", err)
	}

	forest := p.newForest()
	if err := forest.Build(ctx, corpus.Vectors); err != nil {
		return nil, fmt.Errorf("recommend: build forest: %w", err)
	}
	p.mu.Lock()
	p.forest, p.corpus = forest, corpus
	p.mu.Unlock()

	n := queries.Len()
	results := make([][]search.Result, n)
	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit())
	for id := range n {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := forest.QueryByVector(queries.Vector(int32(id)), k, p.searchOpts...)
			if err != nil {
				return fmt.Errorf("recommend: user %d: %w", id, err)
			}
			results[id] = res
			if p.progress != nil {
				p.progress("recommend", int(done.Add(1)), n)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	batch := make(Batch, n)
	for id, res := range results {
		batch[int32(id)] = res
	}
	p.logger.Info("recommend: batch complete",
		zap.Int("users", n),
		zap.Int("items", items.Len()),
		zap.Int("k", k),
		zap.Float64("max_norm", corpus.MaxNorm),
		zap.Duration("elapsed", time.Since(start)))
	return batch, nil
}

// Forest returns the item forest of the most recent Recommend call.
func (p *Pipeline) Forest() *annoy.Forest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forest
}

// Corpus returns the augmented items of the most recent Recommend call.
// Its MaxNorm is the reference any later user vector must be augmented with.
func (p *Pipeline) Corpus() *mips.Corpus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.corpus
}

// SimilarItems builds an angular forest over the raw item vectors and returns
// the k most similar items for every item, indexed by item id.
func (p *Pipeline) SimilarItems(ctx context.Context, items *search.VectorSet, k int) ([][]search.Result, *annoy.Forest, error) {
	forest := p.newForest()
	if err := forest.Build(ctx, items); err != nil {
		return nil, nil, fmt.Errorf("recommend: build item forest: %w", err)
	}
	results, err := forest.QueryAll(ctx, k, p.searchOpts...)
	if err != nil {
		return nil, nil, err
	}
	return results, forest, nil
}
