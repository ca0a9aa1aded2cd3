package simd

import (
	"github.com/chewxy/math32"
	"github.com/viterin/vek/vek32"
)

// The kernels below assume equal-length inputs; callers validate widths once
// per query instead of once per row. vek32 dispatches to AVX2/NEON assembly
// when the CPU supports it and falls back to pure Go otherwise.

// Dot returns the inner product of a and b.
func Dot(a, b []float32) float32 {
	if len(a) == 0 {
		return 0
	}
	return vek32.Dot(a, b)
}

// Norm returns the Euclidean norm of a.
func Norm(a []float32) float32 {
	if len(a) == 0 {
		return 0
	}
	return vek32.Norm(a)
}

// Manhattan returns sum(|a_i - b_i|).
func Manhattan(a, b []float32) float32 {
	if len(a) == 0 {
		return 0
	}
	return vek32.ManhattanDistance(a, b)
}

// Euclidean returns sqrt(sum((a_i - b_i)^2)).
func Euclidean(a, b []float32) float32 {
	if len(a) == 0 {
		return 0
	}
	return vek32.Distance(a, b)
}

// Chebyshev returns max(|a_i - b_i|). scratch must have len(a) capacity and
// is overwritten.
func Chebyshev(a, b, scratch []float32) float32 {
	if len(a) == 0 {
		return 0
	}
	diff := vek32.Sub_Into(scratch[:len(a)], a, b)
	vek32.Abs_Inplace(diff)
	return vek32.Max(diff)
}

// SubInto writes a - b into dst and returns dst[:len(a)].
func SubInto(dst, a, b []float32) []float32 {
	if len(a) == 0 {
		return dst[:0]
	}
	return vek32.Sub_Into(dst[:len(a)], a, b)
}

// Midpoint returns the elementwise mean (a + b) / 2.
func Midpoint(a, b []float32) []float32 {
	out := make([]float32, len(a))
	for i := range a {
		out[i] = (a[i] + b[i]) / 2
	}
	return out
}

// MaxAbs returns max(|x_i|), or 0 for an empty slice.
func MaxAbs(x []float32) float32 {
	var m float32
	for _, v := range x {
		m = math32.Max(m, math32.Abs(v))
	}
	return m
}

// Max returns the largest element, or 0 for an empty slice.
func Max(x []float32) float32 {
	if len(x) == 0 {
		return 0
	}
	return vek32.Max(x)
}
