package cache

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/reprsim/internal/core"
)

// Query identifies one similarity computation.
type Query struct {
	Metric core.Metric
	Key1   string
	Key2   string
	Row    int
	Col    int
}

// Hash returns a deterministic 64-bit digest of q. Strings are length
// prefixed so ("ab","c") and ("a","bc") hash differently.
func (q Query) Hash() uint64 {
	h := xxhash.New()
	var buf8 [8]byte

	binary.LittleEndian.PutUint64(buf8[:], uint64(q.Metric))
	_, _ = h.Write(buf8[:])

	binary.LittleEndian.PutUint64(buf8[:], uint64(len(q.Key1)))
	_, _ = h.Write(buf8[:])
	_, _ = h.WriteString(q.Key1)

	binary.LittleEndian.PutUint64(buf8[:], uint64(len(q.Key2)))
	_, _ = h.Write(buf8[:])
	_, _ = h.WriteString(q.Key2)

	binary.LittleEndian.PutUint64(buf8[:], uint64(q.Row))
	_, _ = h.Write(buf8[:])
	binary.LittleEndian.PutUint64(buf8[:], uint64(q.Col))
	_, _ = h.Write(buf8[:])

	return h.Sum64()
}
