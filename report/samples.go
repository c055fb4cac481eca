package report

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/juju/errors"
)

// Snippet sample payload: consumer-level codec, separate from the
// record layer. Blocks of axis byte + count uint16 + count samples
// int16, little-endian. Raw counts scale to g by range/32768.

const (
	AxisX uint8 = 0
	AxisY uint8 = 1
	AxisZ uint8 = 2
)

func DecodeSamples(raw []byte) (map[uint8][]int16, error) {
	axes := make(map[uint8][]int16)
	for off := 0; off < len(raw); {
		if len(raw)-off < 3 {
			return nil, decodeErrorf(KindSnippet, "sample block header truncated at %d", off)
		}
		axis := raw[off]
		count := int(binary.LittleEndian.Uint16(raw[off+1:]))
		off += 3
		if len(raw)-off < 2*count {
			return nil, decodeErrorf(KindSnippet, "sample block axis %d truncated: %d of %d samples", axis, (len(raw)-off)/2, count)
		}
		if _, dup := axes[axis]; dup {
			return nil, decodeErrorf(KindSnippet, "duplicate sample axis %d", axis)
		}
		block := make([]int16, count)
		for i := 0; i < count; i++ {
			block[i] = int16(binary.LittleEndian.Uint16(raw[off+2*i:]))
		}
		axes[axis] = block
		off += 2 * count
	}
	return axes, nil
}

func EncodeSamples(axes map[uint8][]int16) ([]byte, error) {
	order := make([]uint8, 0, len(axes))
	size := 0
	for axis, block := range axes {
		if len(block) > math.MaxUint16 {
			return nil, errors.Errorf("axis %d block %d samples does not fit", axis, len(block))
		}
		order = append(order, axis)
		size += 3 + 2*len(block)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	raw := make([]byte, 0, size)
	for _, axis := range order {
		block := axes[axis]
		raw = append(raw, axis, 0, 0)
		binary.LittleEndian.PutUint16(raw[len(raw)-2:], uint16(len(block)))
		for _, v := range block {
			raw = append(raw, 0, 0)
			binary.LittleEndian.PutUint16(raw[len(raw)-2:], uint16(v))
		}
	}
	return raw, nil
}

// SampleG converts a raw sample count to acceleration in g for the
// snippet's configured full-scale range.
func SampleG(v int16, rng uint8) float64 {
	return float64(v) * float64(rng) / 32768
}
