package tensor

import "github.com/23skdu/reprsim/internal/simd"

// ColumnMean returns the element-wise mean across all rows. Sums accumulate
// in float64 so large grids do not lose low-order bits.
func ColumnMean(m *Matrix) []float32 {
	mean := make([]float32, m.cols)
	if m.rows == 0 {
		return mean
	}
	acc := make([]float64, m.cols)
	for i := 0; i < m.rows; i++ {
		for j, v := range m.Row(i) {
			acc[j] += float64(v)
		}
	}
	n := float64(m.rows)
	for j, s := range acc {
		mean[j] = float32(s / n)
	}
	return mean
}

// RowNorms returns the Euclidean norm of every row. It uses the same kernel
// as the query path, keeping cosine self-similarity consistent.
func RowNorms(m *Matrix) []float32 {
	norms := make([]float32, m.rows)
	for i := range norms {
		norms[i] = simd.Norm(m.Row(i))
	}
	return norms
}
