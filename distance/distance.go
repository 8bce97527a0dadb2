// Package distance provides float32 distance kernels for exact nearest
// neighbor scoring over decrypted batch slices.
package distance

import (
	"fmt"
	"math"
)

// Metric represents the distance metric used for vector comparison.
type Metric int

const (
	// MetricSquaredL2 is the squared Euclidean distance (lower is closer).
	MetricSquaredL2 Metric = iota
	// MetricCosine is the cosine distance 1 - cos(a, b) (lower is closer).
	MetricCosine
	// MetricDot is the negated dot product (lower is closer).
	MetricDot
)

// String returns the metric name.
func (m Metric) String() string {
	switch m {
	case MetricSquaredL2:
		return "squared_l2"
	case MetricCosine:
		return "cosine"
	case MetricDot:
		return "dot"
	default:
		return fmt.Sprintf("metric(%d)", int(m))
	}
}

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two vectors.
// Assumes vectors are the same length (caller's responsibility).
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// CosineDistance calculates 1 - cosine similarity of two vectors.
// Returns 1 for zero-norm inputs.
func CosineDistance(a, b []float32) float32 {
	dot := Dot(a, b)
	na := Dot(a, a)
	nb := Dot(b, b)
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/float32(math.Sqrt(float64(na)*float64(nb)))
}

// Score computes the distance between a and b under the given metric.
// Lower scores always mean closer, regardless of metric.
func Score(m Metric, a, b []float32) float32 {
	switch m {
	case MetricCosine:
		return CosineDistance(a, b)
	case MetricDot:
		return -Dot(a, b)
	default:
		return SquaredL2(a, b)
	}
}
