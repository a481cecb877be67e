package annoy

import (
	"math"
	"math/rand"
	"slices"

	"github.com/headlands-org/go-quicksim/search"
)

// splitAttempts bounds how often a node retries a split that rounding left
// one-sided before giving up and emitting an oversized leaf.
const splitAttempts = 3

type node struct {
	leaf       bool
	indices    []int32
	hyperplane []float32
	threshold  float32
	left       *node
	right      *node
}

// side reports whether vec belongs to the right child. Vectors on the
// hyperplane go left, both at build and query time.
func (n *node) side(vec []float32) (right bool, margin float32) {
	margin = dot(n.hyperplane, vec) - n.threshold
	return margin > 0, margin
}

type treeBuilder struct {
	vectors  func(id int32) []float32
	maxLeaf  int
	rng      *rand.Rand
	oversize int
}

func (b *treeBuilder) build(indices []int32) *node {
	if len(indices) <= b.maxLeaf {
		return newLeaf(indices)
	}

	for attempt := 0; attempt < splitAttempts; attempt++ {
		normal, threshold, ok := b.hyperplane(indices)
		if !ok {
			// Every remaining vector is identical.
			break
		}
		split := &node{hyperplane: normal, threshold: threshold}
		leftIdx := make([]int32, 0, len(indices)/2)
		rightIdx := make([]int32, 0, len(indices)/2)
		for _, idx := range indices {
			if right, _ := split.side(b.vectors(idx)); right {
				rightIdx = append(rightIdx, idx)
			} else {
				leftIdx = append(leftIdx, idx)
			}
		}
		if len(leftIdx) == 0 || len(rightIdx) == 0 {
			continue
		}
		split.left = b.build(leftIdx)
		split.right = b.build(rightIdx)
		return split
	}

	b.oversize++
	return newLeaf(indices)
}

// hyperplane samples two members with different vectors and returns the
// normal and offset of their perpendicular bisector.
func (b *treeBuilder) hyperplane(indices []int32) ([]float32, float32, bool) {
	n := len(indices)
	aPos := b.rng.Intn(n)
	bPos := b.rng.Intn(n - 1)
	if bPos >= aPos {
		bPos++
	}
	vecA := b.vectors(indices[aPos])
	vecB := b.vectors(indices[bPos])
	if slices.Equal(vecA, vecB) {
		vecB = nil
		start := b.rng.Intn(n)
		for i := 0; i < n; i++ {
			cand := b.vectors(indices[(start+i)%n])
			if !slices.Equal(vecA, cand) {
				vecB = cand
				break
			}
		}
		if vecB == nil {
			return nil, 0, false
		}
	}

	dim := len(vecA)
	normal := make([]float32, dim)
	for i := 0; i < dim; i++ {
		normal[i] = vecB[i] - vecA[i]
	}
	if magnitude(normal) == 0 {
		return nil, 0, false
	}
	search.Normalise(normal)

	mid := make([]float32, dim)
	for i := 0; i < dim; i++ {
		mid[i] = (vecA[i] + vecB[i]) * 0.5
	}
	return normal, dot(normal, mid), true
}

func newLeaf(indices []int32) *node {
	leafIdx := make([]int32, len(indices))
	copy(leafIdx, indices)
	return &node{
		leaf:    true,
		indices: leafIdx,
	}
}

func magnitude(vec []float32) float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	return float32(math.Sqrt(sum))
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
