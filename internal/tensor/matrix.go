package tensor

import "fmt"

// Matrix is a dense row-major (rows, cols) table of float32 values.
type Matrix struct {
	rows int
	cols int
	data []float32
}

// NewMatrix wraps data as a (rows, cols) matrix without copying.
func NewMatrix(rows, cols int, data []float32) (*Matrix, error) {
	if rows < 0 || cols < 0 {
		return nil, fmt.Errorf("tensor: negative shape (%d, %d)", rows, cols)
	}
	if len(data) != rows*cols {
		return nil, fmt.Errorf("tensor: %d values cannot fill shape (%d, %d)", len(data), rows, cols)
	}
	return &Matrix{rows: rows, cols: cols, data: data}, nil
}

func (m *Matrix) Rows() int { return m.rows }
func (m *Matrix) Cols() int { return m.cols }

// Row returns row i. The slice aliases the matrix and must not be modified.
func (m *Matrix) Row(i int) []float32 {
	start := i * m.cols
	end := start + m.cols
	return m.data[start:end:end]
}

// At returns the element at (i, j).
func (m *Matrix) At(i, j int) float32 {
	return m.data[i*m.cols+j]
}
