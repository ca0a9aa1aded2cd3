package core

// GridSide returns the edge length of a square grid with the given number of
// positions. The second result is false when positions is not a perfect square.
func GridSide(positions int) (int, bool) {
	if positions < 0 {
		return 0, false
	}
	side := isqrt(positions)
	return side, side*side == positions
}

// FlatIndex converts a grid position to a row index, validating bounds.
func FlatIndex(row, col, side int) (int, error) {
	if row < 0 || col < 0 || row >= side || col >= side {
		return 0, NewPositionError(row, col, side)
	}
	return row*side + col, nil
}

// isqrt is the integer square root, exact for all non-negative ints.
func isqrt(n int) int {
	if n < 2 {
		return n
	}
	x := n
	y := (x + 1) / 2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return x
}
