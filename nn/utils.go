package nn

import (
	"math"
	"slices"
)

// Float is the element type of activation and gradient buffers.
type Float interface {
	~float32 | ~float64
}

// MaxAbsDiff is the largest |a[i]-b[i]| over the common prefix of a and b.
// Device and host outputs are compared with it.
func MaxAbsDiff[T Float](a, b []T) float64 {
	worst := 0.0
	for i := range min(len(a), len(b)) {
		worst = math.Max(worst, math.Abs(float64(a[i])-float64(b[i])))
	}
	return worst
}

// Min is the smallest element, 0 for an empty buffer.
func Min[T Float](v []T) T {
	if len(v) == 0 {
		return 0
	}
	return slices.Min(v)
}

// Max is the largest element, 0 for an empty buffer.
func Max[T Float](v []T) T {
	if len(v) == 0 {
		return 0
	}
	return slices.Max(v)
}

// Mean is the arithmetic mean, accumulated in float64; 0 for an empty buffer.
func Mean[T Float](v []T) T {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += float64(x)
	}
	return T(sum / float64(len(v)))
}
