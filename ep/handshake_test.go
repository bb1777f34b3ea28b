package ep

import "testing"

func TestCountEncoding_RoundTrip(t *testing.T) {
	for n := int32(0); n < 1000; n++ {
		v := encodeCount(n)
		if v == 0 {
			t.Fatalf("encoding of %d collides with the pending sentinel", n)
		}
		if got := decodeCount(v); got != n {
			t.Errorf("decode(encode(%d)) = %d", n, got)
		}
	}
}

func TestCountEncoding_ZeroTokensDistinguishable(t *testing.T) {
	// GIVEN a pair that sent zero tokens
	v := encodeCount(0)
	// THEN the wire value is -1, distinct from the pending 0
	if v != -1 {
		t.Errorf("encode(0) = %d, want -1", v)
	}
}

func TestPackLayout_RoundTrip(t *testing.T) {
	cases := []struct{ num, begin int32 }{
		{0, 0}, {1, 0}, {7, 3}, {1 << 20, 1<<20 + 5},
	}
	for _, c := range cases {
		num, begin := unpackLayout(packLayout(c.num, c.begin))
		if num != c.num || begin != c.begin {
			t.Errorf("pack(%d, %d) unpacked to (%d, %d)", c.num, c.begin, num, begin)
		}
	}
}

func TestHeader_SrcIndex(t *testing.T) {
	msg := make([]byte, headerBytes)
	putHeader(msg, 0x01020304)
	if got := headerSrcIndex(msg); got != 0x01020304 {
		t.Errorf("header src index: got %#x", got)
	}
	for i := 4; i < headerBytes; i++ {
		if msg[i] != 0 {
			t.Errorf("reserved header byte %d not zero", i)
		}
	}
}
