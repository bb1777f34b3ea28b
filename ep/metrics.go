// Tracks per-device transport and protocol counters.

package ep

import (
	"fmt"
	"sync/atomic"
)

// Metrics aggregates per-device statistics across iterations. Updated
// concurrently by block goroutines, read by the host between launches.
type Metrics struct {
	SentMessages  atomic.Int64 // dispatch + combine messages put
	RecvMessages  atomic.Int64 // messages drained out of receive buffers
	P2PBytes      atomic.Int64 // payload bytes over P2P-mapped stores
	RDMABytes     atomic.Int64 // payload bytes over IBGDA puts
	RemoteAtomics atomic.Int64 // count/flag/sync-info atomics issued
	Iterations    atomic.Int64 // completed dispatch launches
}

// Print displays the counters at the end of a run.
func (m *Metrics) Print(rank int) {
	fmt.Printf("=== Rank %d Metrics ===\n", rank)
	fmt.Printf("Sent Messages   : %d\n", m.SentMessages.Load())
	fmt.Printf("Recv Messages   : %d\n", m.RecvMessages.Load())
	fmt.Printf("P2P Bytes       : %d\n", m.P2PBytes.Load())
	fmt.Printf("RDMA Bytes      : %d\n", m.RDMABytes.Load())
	fmt.Printf("Remote Atomics  : %d\n", m.RemoteAtomics.Load())
	fmt.Printf("Iterations      : %d\n", m.Iterations.Load())
}
