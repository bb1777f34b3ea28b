// Message payload codecs for the dispatch path.
//
// Codecs are monomorphized on (useFP8, useUE8M0, hidden) and resolved
// through a small registry, so the kernels never branch on the format
// in their inner loops. The registry is populated at init time for the
// supported hidden sizes.

package quant

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// SupportedHidden lists the hidden sizes with registered codecs.
// Hidden sizes are power-of-2 multiples of the 128-channel group.
var SupportedHidden = []int{128, 256, 512, 1024, 2048, 4096}

// Key selects a codec specialization.
type Key struct {
	UseFP8   bool
	UseUE8M0 bool
	Hidden   int
}

// Codec packs a bfloat16 token row into a wire payload and splits a
// received payload into the packed x / scale layouts used downstream.
type Codec interface {
	Key() Key
	// PayloadBytes is the wire payload size per token.
	PayloadBytes() int
	// XBytes is the per-token size of the packed receive x row.
	XBytes() int
	// ScaleBytes is the per-token size of the packed scale row (0 for bf16).
	ScaleBytes() int
	// Pack writes the wire payload for one bf16 row.
	Pack(dst []byte, row []uint16)
	// Unpack splits one received payload into the x row and scale row.
	Unpack(payload, xRow, scaleRow []byte)
	// DecodeRow dequantizes a packed x/scale row into float32.
	DecodeRow(xRow, scaleRow []byte, out []float32)
}

var registry = map[Key]Codec{}

func register(c Codec) {
	registry[c.Key()] = c
}

func init() {
	for _, h := range SupportedHidden {
		register(&bf16Codec{hidden: h})
		register(&fp8Codec{hidden: h})
		register(&fp8Codec{hidden: h, ue8m0: true})
	}
}

// Lookup resolves the codec for a format key.
func Lookup(k Key) (Codec, error) {
	if c, ok := registry[k]; ok {
		return c, nil
	}
	return nil, errors.Errorf("no codec registered for fp8=%v ue8m0=%v hidden=%d",
		k.UseFP8, k.UseUE8M0, k.Hidden)
}

// === bf16 passthrough ===

type bf16Codec struct {
	hidden int
}

func (c *bf16Codec) Key() Key          { return Key{Hidden: c.hidden} }
func (c *bf16Codec) PayloadBytes() int { return 2 * c.hidden }
func (c *bf16Codec) XBytes() int       { return 2 * c.hidden }
func (c *bf16Codec) ScaleBytes() int   { return 0 }

func (c *bf16Codec) Pack(dst []byte, row []uint16) {
	for i, v := range row[:c.hidden] {
		binary.LittleEndian.PutUint16(dst[2*i:], v)
	}
}

func (c *bf16Codec) Unpack(payload, xRow, _ []byte) {
	copy(xRow, payload[:2*c.hidden])
}

func (c *bf16Codec) DecodeRow(xRow, _ []byte, out []float32) {
	for i := 0; i < c.hidden; i++ {
		out[i] = BF16ToF32(binary.LittleEndian.Uint16(xRow[2*i:]))
	}
}

// === fp8 E4M3 with per-group scales ===

type fp8Codec struct {
	hidden int
	ue8m0  bool
}

func (c *fp8Codec) groups() int { return c.hidden / GroupSize }

func (c *fp8Codec) Key() Key {
	return Key{UseFP8: true, UseUE8M0: c.ue8m0, Hidden: c.hidden}
}

func (c *fp8Codec) PayloadBytes() int { return c.hidden + c.ScaleBytes() }
func (c *fp8Codec) XBytes() int       { return c.hidden }

func (c *fp8Codec) ScaleBytes() int {
	if c.ue8m0 {
		// one exponent byte per group, padded to a whole word
		return (c.groups() + 3) / 4 * 4
	}
	return 4 * c.groups()
}

func (c *fp8Codec) Pack(dst []byte, row []uint16) {
	scaleOff := c.hidden
	for g := 0; g < c.groups(); g++ {
		base := g * GroupSize
		var amax float32
		for i := 0; i < GroupSize; i++ {
			v := BF16ToF32(row[base+i])
			if v < 0 {
				v = -v
			}
			if v > amax {
				amax = v
			}
		}
		scale, scaleInv := GroupScale(amax)
		if c.ue8m0 {
			b := UE8M0FromScale(scale)
			scale = UE8M0ToScale(b)
			scaleInv = 1 / scale
			dst[scaleOff+g] = b
		} else {
			binary.LittleEndian.PutUint32(dst[scaleOff+4*g:], math.Float32bits(scale))
		}
		for i := 0; i < GroupSize; i++ {
			dst[base+i] = F32ToE4M3(BF16ToF32(row[base+i]) * scaleInv)
		}
	}
	if c.ue8m0 {
		for i := c.groups(); i < c.ScaleBytes(); i++ {
			dst[scaleOff+i] = 0
		}
	}
}

func (c *fp8Codec) Unpack(payload, xRow, scaleRow []byte) {
	copy(xRow, payload[:c.hidden])
	copy(scaleRow, payload[c.hidden:c.hidden+c.ScaleBytes()])
}

func (c *fp8Codec) DecodeRow(xRow, scaleRow []byte, out []float32) {
	for g := 0; g < c.groups(); g++ {
		var scale float32
		if c.ue8m0 {
			scale = UE8M0ToScale(scaleRow[g])
		} else {
			scale = math.Float32frombits(binary.LittleEndian.Uint32(scaleRow[4*g:]))
		}
		base := g * GroupSize
		for i := 0; i < GroupSize; i++ {
			out[base+i] = E4M3ToF32(xRow[base+i]) * scale
		}
	}
}
