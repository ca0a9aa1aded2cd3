package flight

// Default DoGet batch sizes in rows. A 64x64 grid (4096 positions) goes out
// as 512, 1024, 2048 and 512 rows.
const (
	DefaultMinChunkRows = 512
	DefaultMaxChunkRows = 8192
)

// chunkSizer yields doubling batch sizes capped at max, so the first rows
// reach the client quickly while large grids still travel in few batches.
// It is per-request and not safe for concurrent use.
type chunkSizer struct {
	next int
	max  int
}

func newChunkSizer(minRows, maxRows int) *chunkSizer {
	if minRows <= 0 {
		minRows = DefaultMinChunkRows
	}
	if maxRows < minRows {
		maxRows = minRows
	}
	return &chunkSizer{next: minRows, max: maxRows}
}

// Next returns the size of the next batch and advances.
func (c *chunkSizer) Next() int {
	n := c.next
	c.next *= 2
	if c.next > c.max {
		c.next = c.max
	}
	return n
}

// split cuts total rows into consecutive [start, end) spans.
func (c *chunkSizer) split(total int) [][2]int {
	var spans [][2]int
	for start := 0; start < total; {
		end := start + c.Next()
		if end > total {
			end = total
		}
		spans = append(spans, [2]int{start, end})
		start = end
	}
	return spans
}
