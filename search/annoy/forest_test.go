package annoy

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlands-org/go-quicksim/search"
)

func randomSet(t testing.TB, n, dim int, seed int64) *search.VectorSet {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	data := make([]float32, n*dim)
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	set, err := search.NewVectorSetFlat(dim, data)
	require.NoError(t, err)
	return set
}

func buildForest(t testing.TB, set *search.VectorSet, opts ...ForestOption) *Forest {
	t.Helper()
	f := NewForest(opts...)
	require.NoError(t, f.Build(context.Background(), set))
	return f
}

func TestForestLifecycle(t *testing.T) {
	set := randomSet(t, 50, 4, 1)
	f := NewForest(WithNumTrees(4), WithMaxLeafSize(4))
	assert.Equal(t, StateEmpty, f.State())
	assert.Zero(t, f.Count())

	_, err := f.QueryByID(0, 3)
	assert.ErrorIs(t, err, search.ErrNotBuilt)
	_, err = f.QueryByVector([]float32{1, 0, 0, 0}, 3)
	assert.ErrorIs(t, err, search.ErrNotBuilt)
	_, err = f.QueryAll(context.Background(), 3)
	assert.ErrorIs(t, err, search.ErrNotBuilt)

	require.NoError(t, f.Build(context.Background(), set))
	assert.Equal(t, StateBuilt, f.State())
	assert.Equal(t, 50, f.Count())
	assert.Equal(t, 4, f.Dimension())
	assert.Equal(t, 4, f.NumTrees())

	err = f.Build(context.Background(), set)
	assert.ErrorIs(t, err, search.ErrAlreadyBuilt)
	assert.Equal(t, StateBuilt, f.State())
}

func TestBuildDegenerateInput(t *testing.T) {
	set := randomSet(t, 10, 2, 1)
	tests := []struct {
		name string
		set  *search.VectorSet
		opts []ForestOption
	}{
		{name: "nil set", set: nil},
		{name: "zero trees", set: set, opts: []ForestOption{WithNumTrees(0)}},
		{name: "negative trees", set: set, opts: []ForestOption{WithNumTrees(-3)}},
		{name: "zero leaf capacity", set: set, opts: []ForestOption{WithMaxLeafSize(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewForest(tt.opts...)
			err := f.Build(context.Background(), tt.set)
			assert.ErrorIs(t, err, search.ErrDegenerateInput)
			assert.Equal(t, StateEmpty, f.State())
		})
	}
}

func TestBuildCanceled(t *testing.T) {
	set := randomSet(t, 200, 8, 2)
	f := NewForest(WithNumTrees(8))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.Build(ctx, set)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateEmpty, f.State())

	_, err = f.QueryByID(0, 5)
	assert.ErrorIs(t, err, search.ErrNotBuilt)

	require.NoError(t, f.Build(context.Background(), set))
	assert.Equal(t, StateBuilt, f.State())
}

func TestEveryIDInExactlyOneLeafPerTree(t *testing.T) {
	set := randomSet(t, 500, 6, 3)
	for _, metric := range []search.Metric{search.Angular, search.Euclidean} {
		t.Run(metric.String(), func(t *testing.T) {
			f := buildForest(t, set, WithMetric(metric), WithNumTrees(6), WithMaxLeafSize(8))
			for i, tree := range f.trees {
				assert.NoError(t, checkCoverage(tree, set.Len()), "tree %d", i)
			}
			stats := f.Stats()
			assert.Equal(t, 6, stats.Trees)
			assert.LessOrEqual(t, stats.MaxLeaf, 8)
		})
	}
}

func TestIdenticalVectorsFormOversizedLeaf(t *testing.T) {
	vectors := make([][]float32, 20)
	for i := range vectors {
		vectors[i] = []float32{0.5, 0.5, 0.5}
	}
	set, err := search.NewVectorSet(vectors)
	require.NoError(t, err)

	f := buildForest(t, set, WithNumTrees(3), WithMaxLeafSize(2))
	stats := f.Stats()
	assert.Equal(t, 3, stats.Leaves)
	assert.Equal(t, 20, stats.MaxLeaf)

	results, err := f.QueryByID(0, 5)
	require.NoError(t, err)
	assert.Len(t, results, 5)
}

func TestParallelVectorsAreIdenticalUnderAngular(t *testing.T) {
	set, err := search.NewVectorSet([][]float32{{1, 1}, {2, 2}, {4, 4}, {-1, 0}})
	require.NoError(t, err)

	f := buildForest(t, set, WithNumTrees(2), WithMaxLeafSize(1))
	for _, tree := range f.trees {
		require.NoError(t, checkCoverage(tree, 4))
	}
	assert.Equal(t, 3, f.Stats().MaxLeaf)
}

func TestSingleVectorForest(t *testing.T) {
	set, err := search.NewVectorSet([][]float32{{0.3, 0.4}})
	require.NoError(t, err)

	f := buildForest(t, set, WithNumTrees(1), WithMaxLeafSize(1))
	require.Len(t, f.trees, 1)
	root := f.trees[0]
	assert.True(t, root.leaf)
	assert.Equal(t, []int32{0}, root.indices)

	results, err := f.QueryByID(0, 3)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestBuildIsReproducible(t *testing.T) {
	set := randomSet(t, 300, 5, 4)
	a := buildForest(t, set, WithSeed(99), WithNumTrees(5), WithWorkers(1))
	b := buildForest(t, set, WithSeed(99), WithNumTrees(5), WithWorkers(4))

	dataA, err := a.Bytes()
	require.NoError(t, err)
	dataB, err := b.Bytes()
	require.NoError(t, err)
	assert.Equal(t, dataA, dataB)
}

func TestWithRandSource(t *testing.T) {
	set := randomSet(t, 100, 3, 5)
	var (
		mu    sync.Mutex
		trees []int
	)
	source := func(tree int) rand.Source {
		mu.Lock()
		trees = append(trees, tree)
		mu.Unlock()
		return rand.NewSource(42)
	}
	f := buildForest(t, set, WithNumTrees(3), WithRandSource(source))

	assert.ElementsMatch(t, []int{0, 1, 2}, trees)
	// Every tree drew from an identical source, so they are identical.
	var first []byte
	for i, tree := range f.trees {
		var buf bytes.Buffer
		require.NoError(t, writeTree(&buf, tree))
		if i == 0 {
			first = buf.Bytes()
			continue
		}
		assert.Equal(t, first, buf.Bytes())
	}
}

func TestBuildReportsProgress(t *testing.T) {
	set := randomSet(t, 64, 3, 6)
	var (
		mu    sync.Mutex
		calls int
		last  int
	)
	f := NewForest(WithNumTrees(4), WithProgress(func(stage string, current, total int) {
		mu.Lock()
		defer mu.Unlock()
		if stage != "build" {
			return
		}
		calls++
		last = max(last, current)
		assert.Equal(t, 4, total)
	}))
	require.NoError(t, f.Build(context.Background(), set))
	assert.Equal(t, 5, calls)
	assert.Equal(t, 4, last)
}
