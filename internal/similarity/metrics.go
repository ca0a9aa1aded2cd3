package similarity

import (
	"github.com/23skdu/reprsim/internal/core"
	"github.com/23skdu/reprsim/internal/simd"
	"github.com/23skdu/reprsim/internal/store"
)

// Epsilon keeps divisions finite when a norm or maximum is zero.
const Epsilon float32 = 1e-10

// query is one resolved similarity request: the anchor row a of src against
// every row of dst.
type query struct {
	src  *store.Bundle
	dst  *store.Bundle
	idx  int
	a    []float32
	out  []float32
	temp []float32
}

type scoreFunc func(q *query)

var scorers = [...]scoreFunc{
	core.MetricCosine:         cosine,
	core.MetricCosineCentered: cosineCentered,
	core.MetricDotProduct:     dotProduct,
	core.MetricManhattan:      manhattan,
	core.MetricEuclidean:      euclidean,
	core.MetricChebyshev:      chebyshev,
	core.MetricRelL2Norm:      relL2Norm,
}

func cosine(q *query) {
	n1 := q.src.RowNorms[q.idx]
	for j := range q.out {
		q.out[j] = simd.Dot(q.a, q.dst.Matrix.Row(j)) / (n1*q.dst.RowNorms[j] + Epsilon)
	}
}

// cosineCentered subtracts the midpoint of both global means from each
// vector before taking the cosine.
func cosineCentered(q *query) {
	mid := simd.Midpoint(q.src.GlobalMean, q.dst.GlobalMean)
	ac := simd.SubInto(make([]float32, len(q.a)), q.a, mid)
	n1 := simd.Norm(ac)
	for j := range q.out {
		bc := simd.SubInto(q.temp, q.dst.Matrix.Row(j), mid)
		q.out[j] = simd.Dot(ac, bc) / (n1*simd.Norm(bc) + Epsilon)
	}
}

func dotProduct(q *query) {
	for j := range q.out {
		q.out[j] = simd.Dot(q.a, q.dst.Matrix.Row(j))
	}
	scaleByMaxAbs(q.out)
}

func manhattan(q *query) {
	for j := range q.out {
		q.out[j] = simd.Manhattan(q.a, q.dst.Matrix.Row(j))
	}
	normalizeDistances(q.out)
}

func euclidean(q *query) {
	for j := range q.out {
		q.out[j] = simd.Euclidean(q.a, q.dst.Matrix.Row(j))
	}
	normalizeDistances(q.out)
}

func chebyshev(q *query) {
	for j := range q.out {
		q.out[j] = simd.Chebyshev(q.a, q.dst.Matrix.Row(j), q.temp)
	}
	normalizeDistances(q.out)
}

// relL2Norm compares magnitudes only: how much longer or shorter each target
// row is than the anchor.
func relL2Norm(q *query) {
	n1 := q.src.RowNorms[q.idx]
	for j := range q.out {
		q.out[j] = q.dst.RowNorms[j] - n1
	}
	scaleByMaxAbs(q.out)
}

// scaleByMaxAbs maps s into [-1, 1] by dividing by max|s| + Epsilon.
func scaleByMaxAbs(s []float32) {
	d := simd.MaxAbs(s) + Epsilon
	for i := range s {
		s[i] /= d
	}
}

// normalizeDistances maps non-negative distances to similarities in [0, 1]:
// s = 1 - s/max. When every distance is zero all targets are identical to the
// anchor and score 1.
func normalizeDistances(s []float32) {
	dmax := simd.Max(s)
	if dmax == 0 {
		for i := range s {
			s[i] = 1
		}
		return
	}
	for i := range s {
		s[i] = 1 - s[i]/dmax
	}
}
