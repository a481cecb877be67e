// Package mips reduces maximum inner product search to angular search.
//
// AugmentCorpus appends sqrt(M² − ‖v‖²) to every item vector, where M is the
// largest item norm, so every augmented item has norm M. Queries get a zero
// appended instead. The cosine between an augmented query q' and item v' is then
// ⟨q, v⟩ / (‖q‖·M), which orders items exactly like the raw inner product. This
// is the Euclidean transformation from "Speeding Up the Xbox Recommender System
// Using a Euclidean Transformation for Inner-Product Spaces".
package mips

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/headlands-org/go-quicksim/search"
)

// ErrStaleNorm is returned when a vector augmented against an existing corpus
// is longer than the corpus max norm. Such a vector needs a new corpus.
var ErrStaleNorm = errors.New("mips: vector norm exceeds corpus max norm")

// nearZero marks residuals small enough, relative to M², to be dominated by
// rounding error.
const nearZero = 1e-6

// Option configures augmentation.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger reports precision edge cases to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Corpus is an augmented item set together with the max norm it was
// augmented against. Queries compared with the corpus must be augmented
// through it.
type Corpus struct {
	// Vectors holds the augmented items; dimension is SourceDim+1.
	Vectors *search.VectorSet
	// MaxNorm is the largest L2 norm in the source items.
	MaxNorm float64
	// SourceDim is the pre-augmentation dimension.
	SourceDim int
	// Clamped counts residuals that went negative through rounding and were
	// clamped to zero.
	Clamped int

	logger *zap.Logger
}

// AugmentCorpus augments items so angular distance follows inner product.
func AugmentCorpus(items *search.VectorSet, opts ...Option) (*Corpus, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if items == nil || items.Len() == 0 {
		return nil, search.Degenerate("mips: empty corpus")
	}

	n := items.Len()
	norms := make([]float64, n)
	var maxNorm float64
	for i := 0; i < n; i++ {
		norm := items.Norm(int32(i))
		if math.IsNaN(norm) || math.IsInf(norm, 0) {
			return nil, search.Degenerate("mips: vector %d has non-finite norm", i)
		}
		norms[i] = norm
		if norm > maxNorm {
			maxNorm = norm
		}
	}

	c := &Corpus{MaxNorm: maxNorm, SourceDim: items.Dimension(), logger: o.logger}
	sq := maxNorm * maxNorm
	dim := items.Dimension() + 1
	data := make([]float32, n*dim)
	for i := 0; i < n; i++ {
		row := data[i*dim : (i+1)*dim]
		copy(row, items.Vector(int32(i)))
		row[dim-1] = float32(math.Sqrt(c.residual(int32(i), sq, norms[i])))
	}

	if c.Clamped > 0 {
		o.logger.Warn("mips: clamped negative residuals",
			zap.Int("count", c.Clamped),
			zap.Float64("max_norm", maxNorm))
	}
	o.logger.Debug("mips: augmented corpus",
		zap.Int("items", n),
		zap.Int("dimension", dim),
		zap.Float64("max_norm", maxNorm))

	set, err := search.NewVectorSetFlat(dim, data)
	if err != nil {
		return nil, err
	}
	c.Vectors = set
	return c, nil
}

func (c *Corpus) residual(id int32, sq, norm float64) float64 {
	r := sq - norm*norm
	switch {
	case r < 0:
		c.Clamped++
		return 0
	case r > 0 && r < nearZero*sq:
		c.logger.Debug("mips: near-zero residual",
			zap.Int32("id", id),
			zap.Float64("residual", r))
	}
	return r
}

// AugmentQuery appends a zero component to every query vector. Query norms
// are left untouched.
func (c *Corpus) AugmentQuery(queries *search.VectorSet) (*search.VectorSet, error) {
	if queries == nil || queries.Len() == 0 {
		return nil, search.Degenerate("mips: empty query set")
	}
	if queries.Dimension() != c.SourceDim {
		return nil, &search.ErrDimensionMismatch{Expected: c.SourceDim, Actual: queries.Dimension()}
	}
	return pad(queries, func(int32) float32 { return 0 })
}

// AugmentQueryVector is AugmentQuery for a single vector.
func (c *Corpus) AugmentQueryVector(vec []float32) ([]float32, error) {
	if len(vec) != c.SourceDim {
		return nil, &search.ErrDimensionMismatch{Expected: c.SourceDim, Actual: len(vec)}
	}
	out := make([]float32, len(vec)+1)
	copy(out, vec)
	return out, nil
}

// AugmentItems augments late-arriving items against the corpus max norm. Items
// longer than MaxNorm fail with ErrStaleNorm.
func (c *Corpus) AugmentItems(items *search.VectorSet) (*search.VectorSet, error) {
	if items == nil || items.Len() == 0 {
		return nil, search.Degenerate("mips: empty item set")
	}
	if items.Dimension() != c.SourceDim {
		return nil, &search.ErrDimensionMismatch{Expected: c.SourceDim, Actual: items.Dimension()}
	}
	sq := c.MaxNorm * c.MaxNorm
	limit := c.MaxNorm * (1 + nearZero)
	for i := 0; i < items.Len(); i++ {
		if norm := items.Norm(int32(i)); norm > limit || math.IsNaN(norm) {
			return nil, fmt.Errorf("%w: item %d has norm %g, corpus max %g", ErrStaleNorm, i, norm, c.MaxNorm)
		}
	}
	before := c.Clamped
	out, err := pad(items, func(id int32) float32 {
		return float32(math.Sqrt(c.residual(id, sq, items.Norm(id))))
	})
	if err != nil {
		return nil, err
	}
	if c.Clamped > before {
		c.logger.Warn("mips: clamped negative residuals",
			zap.Int("count", c.Clamped-before),
			zap.Float64("max_norm", c.MaxNorm))
	}
	return out, nil
}

func pad(src *search.VectorSet, last func(id int32) float32) (*search.VectorSet, error) {
	dim := src.Dimension() + 1
	data := make([]float32, src.Len()*dim)
	src.Each(func(id int32, vec []float32) {
		row := data[int(id)*dim : (int(id)+1)*dim]
		copy(row, vec)
		row[dim-1] = last(id)
	})
	return search.NewVectorSetFlat(dim, data)
}
