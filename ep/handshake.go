package ep

// The count handshake delivers the per (expert, source-rank) token
// count as a signed encoding so the receiver can tell "count arrived
// with value zero" (-1) apart from "still waiting" (0). Delivery is a
// remote atomic add, which is idempotent only because the receiver
// consumes the word back to zero after decoding it.

// encodeCount maps a token count n >= 0 to its wire encoding -n-1.
func encodeCount(n int32) int32 { return -n - 1 }

// decodeCount recovers n from a non-zero wire value.
func decodeCount(v int32) int32 { return -v - 1 }
