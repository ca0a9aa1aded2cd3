// Package tensor decodes half-precision representation payloads into dense
// float32 matrices and derives the per-matrix statistics the similarity
// metrics rely on.
package tensor

import (
	"encoding/binary"
	"errors"

	"github.com/apache/arrow-go/v18/arrow/float16"
)

// ElementSize is the width in bytes of one encoded element.
const ElementSize = 2

// ErrOddLength is returned when a payload does not hold a whole number of
// float16 elements.
var ErrOddLength = errors.New("odd byte length")

// DecodeFloat16LE widens a packed little-endian float16 buffer to float32.
func DecodeFloat16LE(b []byte) ([]float32, error) {
	if len(b)%ElementSize != 0 {
		return nil, ErrOddLength
	}
	out := make([]float32, len(b)/ElementSize)
	for i := range out {
		bits := binary.LittleEndian.Uint16(b[i*ElementSize:])
		out[i] = float16.FromBits(bits).Float32()
	}
	return out, nil
}

// EncodeFloat16LE narrows values to float16 and packs them little-endian.
// It produces the same wire format the representation server emits.
func EncodeFloat16LE(values []float32) []byte {
	out := make([]byte, len(values)*ElementSize)
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[i*ElementSize:], float16.New(v).Uint16())
	}
	return out
}
