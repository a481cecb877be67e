package search

import "math"

// VectorSet is an immutable collection of equally sized vectors. Vector ids
// are dense: the i-th vector handed to the constructor has id i.
type VectorSet struct {
	dim  int
	data []float32
}

// NewVectorSet copies vectors into a new set. All vectors must share the
// dimension of the first one.
func NewVectorSet(vectors [][]float32) (*VectorSet, error) {
	if len(vectors) == 0 {
		return nil, Degenerate("empty vector set")
	}
	dim := len(vectors[0])
	if dim == 0 {
		return nil, Degenerate("zero-dimension vectors")
	}
	data := make([]float32, 0, len(vectors)*dim)
	for _, vec := range vectors {
		if len(vec) != dim {
			return nil, &ErrDimensionMismatch{Expected: dim, Actual: len(vec)}
		}
		data = append(data, vec...)
	}
	return &VectorSet{dim: dim, data: data}, nil
}

// NewVectorSetFlat wraps a row-major matrix of len(data)/dim vectors. The set
// takes ownership of data; callers must not modify it afterwards.
func NewVectorSetFlat(dim int, data []float32) (*VectorSet, error) {
	if dim <= 0 {
		return nil, Degenerate("dimension %d", dim)
	}
	if len(data) == 0 {
		return nil, Degenerate("empty vector set")
	}
	if len(data)%dim != 0 {
		return nil, &ErrDimensionMismatch{Expected: dim, Actual: len(data) % dim}
	}
	return &VectorSet{dim: dim, data: data}, nil
}

// Len returns the number of vectors.
func (s *VectorSet) Len() int { return len(s.data) / s.dim }

// Dimension returns the shared vector dimension.
func (s *VectorSet) Dimension() int { return s.dim }

// Vector returns a read-only view of the vector stored at id.
func (s *VectorSet) Vector(id int32) []float32 {
	start := int(id) * s.dim
	return s.data[start : start+s.dim : start+s.dim]
}

// Contains reports whether id belongs to the set.
func (s *VectorSet) Contains(id int32) bool {
	return id >= 0 && int(id) < s.Len()
}

// Norm returns the L2 norm of the vector stored at id.
func (s *VectorSet) Norm(id int32) float64 {
	return L2Norm(s.Vector(id))
}

// Each calls fn for every vector in id order. The slice must not be mutated.
func (s *VectorSet) Each(fn func(id int32, vec []float32)) {
	for i := 0; i < s.Len(); i++ {
		fn(int32(i), s.Vector(int32(i)))
	}
}

// Flat returns the row-major backing matrix. The slice must not be mutated.
func (s *VectorSet) Flat() []float32 { return s.data }

// L2Norm computes the Euclidean norm of vec in float64.
func L2Norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}
