// Package brute provides an exact nearest-neighbour scan. It serves as the
// ground truth when measuring forest recall.
package brute

import (
	"sort"

	"github.com/headlands-org/go-quicksim/search"
)

// Index scans every stored vector on each query.
type Index struct {
	metric search.Metric
	set    *search.VectorSet
	// prepared holds the vectors in the form metric.Distance expects.
	prepared []float32
}

var _ search.Index = (*Index)(nil)

// New returns an exact index over set.
func New(set *search.VectorSet, metric search.Metric) (*Index, error) {
	if set == nil || set.Len() == 0 {
		return nil, search.Degenerate("brute: no vectors")
	}
	prepared := set.Flat()
	if metric.NeedsNormalisation() {
		prepared = make([]float32, len(set.Flat()))
		copy(prepared, set.Flat())
		dim := set.Dimension()
		for i := 0; i < set.Len(); i++ {
			search.Normalise(prepared[i*dim : (i+1)*dim])
		}
	}
	return &Index{metric: metric, set: set, prepared: prepared}, nil
}

// QueryByVector returns the exact k nearest neighbours of vec.
func (idx *Index) QueryByVector(vec []float32, k int, _ ...search.SearchOption) ([]search.Result, error) {
	if k <= 0 {
		return nil, search.ErrInvalidK
	}
	if len(vec) != idx.set.Dimension() {
		return nil, &search.ErrDimensionMismatch{Expected: idx.set.Dimension(), Actual: len(vec)}
	}
	return idx.scan(idx.metric.Prepare(vec), k, -1), nil
}

// QueryByID returns the exact k nearest neighbours of the vector stored at
// id, excluding id.
func (idx *Index) QueryByID(id int32, k int) ([]search.Result, error) {
	if k <= 0 {
		return nil, search.ErrInvalidK
	}
	if !idx.set.Contains(id) {
		return nil, &search.ErrUnknownID{ID: id}
	}
	return idx.scan(idx.vectorAt(int(id)), k, id), nil
}

func (idx *Index) scan(query []float32, k int, exclude int32) []search.Result {
	type candidate struct {
		id   int32
		dist float32
	}
	count := idx.set.Len()
	all := make([]candidate, 0, count)
	for i := 0; i < count; i++ {
		if int32(i) == exclude {
			continue
		}
		all = append(all, candidate{id: int32(i), dist: idx.metric.Distance(query, idx.vectorAt(i))})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].dist == all[j].dist {
			return all[i].id < all[j].id
		}
		return all[i].dist < all[j].dist
	})
	if k > len(all) {
		k = len(all)
	}
	results := make([]search.Result, k)
	for i := range results {
		results[i] = search.Result{ID: all[i].id, Rank: i, Distance: all[i].dist}
	}
	return results
}

func (idx *Index) vectorAt(pos int) []float32 {
	dim := idx.set.Dimension()
	return idx.prepared[pos*dim : (pos+1)*dim]
}

// Dimension returns the vector dimensionality.
func (idx *Index) Dimension() int { return idx.set.Dimension() }

// Count reports the number of stored vectors.
func (idx *Index) Count() int { return idx.set.Len() }

// ForEach iterates over all stored vectors as given to New.
func (idx *Index) ForEach(fn func(id int32, vec []float32)) { idx.set.Each(fn) }

// Recall returns the fraction of truth ids present in approx, measured
// against the shorter of the two lists.
func Recall(truth, approx []search.Result) float64 {
	if len(truth) == 0 {
		return 0
	}
	set := make(map[int32]struct{}, len(truth))
	for _, res := range truth {
		set[res.ID] = struct{}{}
	}
	hits := 0
	for _, res := range approx {
		if _, ok := set[res.ID]; ok {
			hits++
		}
	}
	denom := len(truth)
	if len(approx) < denom {
		denom = len(approx)
	}
	if denom == 0 {
		return 0
	}
	return float64(hits) / float64(denom)
}
