package ep

import "sync/atomic"

// TransportKind distinguishes the two one-sided paths to a peer.
type TransportKind int

const (
	// TransportP2P is a direct store into peer memory mapped over
	// NVLink within one node.
	TransportP2P TransportKind = iota
	// TransportIBGDA is a GPU-initiated InfiniBand put or atomic on
	// symmetric memory.
	TransportIBGDA
)

func (k TransportKind) String() string {
	if k == TransportP2P {
		return "p2p"
	}
	return "ibgda"
}

// transport is the resolved path from one rank to one destination.
// Both kinds are byte-equivalent in-process; they differ in selection
// and accounting. Payload ordering toward the receiver is established
// by the atomic count/flag that follows the put, standing in for the
// membar.sys + remote atomic sequence.
type transport struct {
	kind    TransportKind
	metrics *Metrics
}

// putBytes writes one message into the destination region.
func (t *transport) putBytes(dst, src []byte) {
	copy(dst, src)
	t.metrics.SentMessages.Add(1)
	if t.kind == TransportP2P {
		t.metrics.P2PBytes.Add(int64(len(src)))
	} else {
		t.metrics.RDMABytes.Add(int64(len(src)))
	}
}

// atomicAddInt32 issues a remote atomic add on a signal word. On the
// P2P path this is atomicAdd_system; on IBGDA it is the network
// atomic. The add is also the release point for preceding puts.
func (t *transport) atomicAddInt32(addr *int32, delta int32) {
	atomic.AddInt32(addr, delta)
	t.metrics.RemoteAtomics.Add(1)
}

// transportTo selects the path to a destination rank: P2P within the
// node, IBGDA across nodes.
func (d *Device) transportTo(dst int) *transport {
	rpn := d.cfg.ranksPerNode()
	kind := TransportIBGDA
	if d.rank/rpn == dst/rpn {
		kind = TransportP2P
	}
	return &transport{kind: kind, metrics: d.Metrics}
}
