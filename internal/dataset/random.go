package dataset

import (
	"math/rand"

	"github.com/headlands-org/go-quicksim/search"
)

// Random returns n vectors of dimension dim with components drawn uniformly
// from [0, 1).
func Random(n, dim int, seed int64) (*search.VectorSet, error) {
	if n < 1 || dim < 1 {
		return nil, search.Degenerate("dataset: random set of %dx%d", n, dim)
	}
	rng := rand.New(rand.NewSource(seed))
	data := make([]float32, n*dim)
	for i := range data {
		data[i] = rng.Float32()
	}
	return search.NewVectorSetFlat(dim, data)
}
