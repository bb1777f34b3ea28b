package quant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestE4M3_KnownEncodings(t *testing.T) {
	cases := []struct {
		in   float32
		bits uint8
	}{
		{0, 0x00},
		{0.5, 0x30},    // (1+0/8)*2^-1
		{1.0, 0x38},    // exponent 7, mantissa 0
		{1.75, 0x3e},   // mantissa 6
		{448, 0x7e},    // largest finite
		{1000, 0x7e},   // saturates
		{-448, 0xfe},   // sign bit
		{0x1p-9, 0x01}, // smallest subnormal
		{0x1p-6, 0x08}, // smallest normal
	}
	for _, c := range cases {
		assert.Equal(t, c.bits, F32ToE4M3(c.in), "encode %v", c.in)
	}
}

func TestE4M3_RoundTripAllFinite(t *testing.T) {
	// every finite bit pattern must decode and re-encode to itself
	for b := 0; b < 256; b++ {
		bits := uint8(b)
		if bits&0x7f == 0x7f { // NaN
			continue
		}
		v := E4M3ToF32(bits)
		got := F32ToE4M3(v)
		if got != bits && !(v == 0 && got&0x7f == 0) {
			t.Errorf("bits %#02x decoded to %v, re-encoded %#02x", bits, v, got)
		}
	}
}

func TestE4M3_RoundToNearestEven(t *testing.T) {
	// 17 lies exactly between 16 (mantissa 0) and 18 (mantissa 1)
	got := E4M3ToF32(F32ToE4M3(17))
	assert.Equal(t, float32(16), got)
}

func TestGroupScale_ZeroAmax(t *testing.T) {
	s, inv := GroupScale(0)
	assert.Equal(t, float32(1), s)
	assert.Equal(t, float32(1), inv)
}

func TestUE8M0_PowerOfTwoCeiling(t *testing.T) {
	// 3/448 has ceiling 2^-7
	b := UE8M0FromScale(3.0 / 448.0)
	assert.Equal(t, float32(0.0078125), UE8M0ToScale(b))
	// exact powers of two are preserved
	assert.Equal(t, float32(0.25), UE8M0ToScale(UE8M0FromScale(0.25)))
}

func TestCodec_BF16RoundTrip(t *testing.T) {
	c, err := Lookup(Key{Hidden: 128})
	require.NoError(t, err)

	row := make([]uint16, 128)
	for i := range row {
		row[i] = F32ToBF16(float32(i) - 64)
	}
	payload := make([]byte, c.PayloadBytes())
	c.Pack(payload, row)

	xRow := make([]byte, c.XBytes())
	c.Unpack(payload, xRow, nil)
	out := make([]float32, 128)
	c.DecodeRow(xRow, nil, out)
	for i := range out {
		assert.Equal(t, BF16ToF32(row[i]), out[i], "channel %d", i)
	}
}

func TestCodec_FP8ConstantGroupExact(t *testing.T) {
	// a constant group quantizes to one exact E4M3 value: 448 under the
	// float scale amax/448, 384 under the UE8M0 scale 2^-7, so the
	// round trip is exact
	for _, ue8m0 := range []bool{false, true} {
		c, err := Lookup(Key{UseFP8: true, UseUE8M0: ue8m0, Hidden: 256})
		require.NoError(t, err)

		row := make([]uint16, 256)
		for i := range row {
			row[i] = F32ToBF16(3.0)
		}
		payload := make([]byte, c.PayloadBytes())
		c.Pack(payload, row)

		xRow := make([]byte, c.XBytes())
		scaleRow := make([]byte, c.ScaleBytes())
		c.Unpack(payload, xRow, scaleRow)
		out := make([]float32, 256)
		c.DecodeRow(xRow, scaleRow, out)
		for i := range out {
			assert.Equal(t, float32(3.0), out[i], "ue8m0=%v channel %d", ue8m0, i)
		}
	}
}

func TestCodec_FP8QuantizationError(t *testing.T) {
	c, err := Lookup(Key{UseFP8: true, Hidden: 128})
	require.NoError(t, err)

	row := make([]uint16, 128)
	for i := range row {
		row[i] = F32ToBF16(float32(i+1) / 7)
	}
	payload := make([]byte, c.PayloadBytes())
	c.Pack(payload, row)
	xRow := make([]byte, c.XBytes())
	scaleRow := make([]byte, c.ScaleBytes())
	c.Unpack(payload, xRow, scaleRow)
	out := make([]float32, 128)
	c.DecodeRow(xRow, scaleRow, out)

	for i := range out {
		want := BF16ToF32(row[i])
		// e4m3 relative error within a scaled group stays under ~7%
		assert.InDelta(t, want, out[i], float64(want)*0.07+1e-6, "channel %d", i)
	}
}

func TestLookup_UnsupportedHidden(t *testing.T) {
	_, err := Lookup(Key{Hidden: 192})
	assert.Error(t, err)
}
