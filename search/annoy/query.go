package annoy

import (
	"container/heap"
	"context"
	"math"
	"sort"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/headlands-org/go-quicksim/search"
)

// QueryByID returns up to k approximate neighbours of the vector stored at
// id, closest first. id itself is never part of the result. Fewer than k
// results means the visited leaves held fewer candidates; it is not an error.
func (f *Forest) QueryByID(id int32, k int, opts ...search.SearchOption) ([]search.Result, error) {
	if f.State() != StateBuilt {
		return nil, search.ErrNotBuilt
	}
	if k <= 0 {
		return nil, search.ErrInvalidK
	}
	if !f.set.Contains(id) {
		return nil, &search.ErrUnknownID{ID: id}
	}
	return f.query(f.vectorAt(id), k, id, search.ApplyOptions(opts...)), nil
}

// QueryByVector returns up to k approximate neighbours of vec, closest first.
// As with QueryByID, a short result is valid output.
func (f *Forest) QueryByVector(vec []float32, k int, opts ...search.SearchOption) ([]search.Result, error) {
	if f.State() != StateBuilt {
		return nil, search.ErrNotBuilt
	}
	if k <= 0 {
		return nil, search.ErrInvalidK
	}
	if len(vec) != f.dim {
		return nil, &search.ErrDimensionMismatch{Expected: f.dim, Actual: len(vec)}
	}
	return f.query(f.cfg.Metric.Prepare(vec), k, -1, search.ApplyOptions(opts...)), nil
}

// QueryAll runs QueryByID for every indexed id in parallel. The result is
// indexed by id. ctx is checked before each query.
func (f *Forest) QueryAll(ctx context.Context, k int, opts ...search.SearchOption) ([][]search.Result, error) {
	if f.State() != StateBuilt {
		return nil, search.ErrNotBuilt
	}
	if k <= 0 {
		return nil, search.ErrInvalidK
	}
	cfg := search.ApplyOptions(opts...)
	n := f.set.Len()
	out := make([][]search.Result, n)
	var done atomic.Int64

	f.report("query", 0, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.workers())
	for id := range n {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[id] = f.query(f.vectorAt(int32(id)), k, int32(id), cfg)
			f.report("query", int(done.Add(1)), n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Forest) query(query []float32, k int, exclude int32, cfg search.Config) []search.Result {
	searchK := cfg.SearchK
	if searchK <= 0 {
		searchK = len(f.trees) * k
	}
	candidates := f.collectCandidates(query, searchK, exclude)

	type scored struct {
		id   int32
		dist float32
	}
	scoredResults := make([]scored, 0, candidates.GetCardinality())
	it := candidates.Iterator()
	for it.HasNext() {
		id := int32(it.Next())
		if id == exclude {
			continue
		}
		dist := f.cfg.Metric.Distance(query, f.vectorAt(id))
		scoredResults = append(scoredResults, scored{id: id, dist: dist})
	}

	sort.Slice(scoredResults, func(i, j int) bool {
		if scoredResults[i].dist == scoredResults[j].dist {
			return scoredResults[i].id < scoredResults[j].id
		}
		return scoredResults[i].dist < scoredResults[j].dist
	})

	if k > len(scoredResults) {
		k = len(scoredResults)
	}
	results := make([]search.Result, k)
	for i := 0; i < k; i++ {
		results[i] = search.Result{ID: scoredResults[i].id, Rank: i, Distance: scoredResults[i].dist}
	}
	return results
}

// collectCandidates descends every tree to the leaf query falls into, then
// keeps expanding the most promising unexplored branches, in Annoy's margin
// order, until searchK candidates other than exclude are known.
func (f *Forest) collectCandidates(query []float32, searchK int, exclude int32) *roaring.Bitmap {
	seen := roaring.New()
	var pq nodeQueue

	count := func() int {
		c := int(seen.GetCardinality())
		if exclude >= 0 && seen.Contains(uint32(exclude)) {
			c--
		}
		return c
	}

	descend := func(n *node, priority float32) {
		for !n.leaf {
			right, margin := n.side(query)
			near, far := n.left, n.right
			if right {
				near, far = n.right, n.left
			}
			abs := float32(math.Abs(float64(margin)))
			heap.Push(&pq, nodeEntry{node: far, priority: min(priority, -abs)})
			priority = min(priority, abs)
			n = near
		}
		for _, idx := range n.indices {
			seen.Add(uint32(idx))
		}
	}

	for _, tree := range f.trees {
		descend(tree, math.MaxFloat32)
	}
	for pq.Len() > 0 && count() < searchK {
		entry := heap.Pop(&pq).(nodeEntry)
		descend(entry.node, entry.priority)
	}
	return seen
}

type nodeEntry struct {
	node     *node
	priority float32
}

// nodeQueue is a max-heap on priority.
type nodeQueue []nodeEntry

func (h nodeQueue) Len() int           { return len(h) }
func (h nodeQueue) Less(i, j int) bool { return h[i].priority > h[j].priority }
func (h nodeQueue) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *nodeQueue) Push(x interface{}) {
	*h = append(*h, x.(nodeEntry))
}

func (h *nodeQueue) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
