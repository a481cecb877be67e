package search

import (
	"fmt"
	"math"
)

// Metric defines how distances between vectors are computed.
type Metric int

const (
	// Angular compares directions: distance is 1 - cos(a, b).
	Angular Metric = iota
	// Euclidean computes standard L2 distance.
	Euclidean
)

// ParseMetric maps a metric name to a Metric.
func ParseMetric(name string) (Metric, error) {
	switch name {
	case "", "angular", "cosine":
		return Angular, nil
	case "euclidean", "l2":
		return Euclidean, nil
	default:
		return 0, fmt.Errorf("unknown metric %q", name)
	}
}

func (m Metric) String() string {
	switch m {
	case Angular:
		return "angular"
	case Euclidean:
		return "euclidean"
	default:
		return "unknown"
	}
}

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	return m == Angular || m == Euclidean
}

// NeedsNormalisation reports whether vectors must be L2-normalised before
// Distance is applied.
func (m Metric) NeedsNormalisation() bool {
	return m == Angular
}

// Prepare returns vec in the form Distance expects: a normalised copy for
// Angular, vec itself otherwise.
func (m Metric) Prepare(vec []float32) []float32 {
	if !m.NeedsNormalisation() {
		return vec
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	Normalise(out)
	return out
}

// Distance computes the distance between prepared vectors a and b.
func (m Metric) Distance(a, b []float32) float32 {
	switch m {
	case Angular:
		// Expect vectors to be normalised.
		var dot float32
		for i := range a {
			dot += a[i] * b[i]
		}
		// Clamp to avoid precision issues.
		if dot > 1 {
			dot = 1
		} else if dot < -1 {
			dot = -1
		}
		return 1 - dot
	case Euclidean:
		var sum float64
		for i := range a {
			diff := float64(a[i] - b[i])
			sum += diff * diff
		}
		return float32(math.Sqrt(sum))
	default:
		panic("unsupported metric")
	}
}

// Normalise scales vec to unit length in place. Zero vectors are left as-is.
func Normalise(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	if sum == 0 {
		return
	}
	norm := float32(1.0 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= norm
	}
}
