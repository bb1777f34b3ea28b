package ep

import "github.com/agisw/deepep/ep/quant"

// symHeap is one rank's slice of the symmetric heap. Every rank
// allocates the same regions with the same sizes, so an offset into a
// region names the peer's buffer on any rank. Regions must stay
// allocated for the lifetime of the fabric.
type symHeap struct {
	// dispRecvX holds dispatch messages, [L][R][S_max] slots of
	// header||payload written remotely by senders.
	dispRecvX []byte
	// dispRecvCount is the count-handshake word per (local expert,
	// source rank). Mutated only by remote atomic add and consumed by
	// the local receiver; the cleaner deliberately never touches it.
	dispRecvCount []int32
	// combRecvX mirrors dispRecvX for the return path: slot
	// (local expert, owner rank, slot) on the token's home rank.
	combRecvX []byte
	// combRecvFlag counts combine arrivals per local expert index.
	combRecvFlag []int32
	// fp32Workspace stages per-token FP32 partials for the Pure-EP
	// world reduction, [MaxTokens][H].
	fp32Workspace []float32
	// syncInfo holds one ExpertSyncInfo per global expert (owner view
	// is authoritative for the experts this rank owns). Nil when the
	// auxiliary barrier is disabled.
	syncInfo []ExpertSyncInfo
}

func newSymHeap(cfg Config, codec quant.Codec) *symHeap {
	l, r, s := cfg.NumLocalExperts, cfg.NumRanks, cfg.SlotCapacity
	dispMsg := headerBytes + codec.PayloadBytes()
	combMsg := headerBytes + 2*cfg.Hidden
	h := &symHeap{
		dispRecvX:     make([]byte, l*r*s*dispMsg),
		dispRecvCount: make([]int32, l*r),
		combRecvX:     make([]byte, l*r*s*combMsg),
		combRecvFlag:  make([]int32, l),
		fp32Workspace: make([]float32, cfg.MaxTokens*cfg.Hidden),
	}
	if !cfg.DisableSyncInfo {
		h.syncInfo = make([]ExpertSyncInfo, cfg.NumExperts)
		for i := range h.syncInfo {
			h.syncInfo[i].init(r)
		}
	}
	return h
}
