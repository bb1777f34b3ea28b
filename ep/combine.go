package ep

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/agisw/deepep/ep/quant"
)

// reduceChunkFloats is the chunk size for the Pure-EP world reduction.
// Every rank issues the same chunk sequence, as the collective
// requires.
const reduceChunkFloats = 8192

// CombineArgs carries expert outputs back into a combine launch.
type CombineArgs struct {
	// X holds this rank's expert outputs in the packed receive layout,
	// [L][R*S_max][Hidden] bf16, aligned with LayoutRange from the
	// preceding dispatch. Ignored on the send path when ZeroCopy is
	// set (the caller then wrote CombineSendBuffer directly).
	X []uint16
	// TopkIdx / TopkWeights mirror the dispatch routing for the tokens
	// being combined.
	TopkIdx     []int32
	TopkWeights []float32
	// NumTokens is the number of output tokens to combine.
	NumTokens int
	Phases    Phase
	// ZeroCopy skips the staging copy on the send side.
	ZeroCopy bool
}

func (d *Device) validateCombine(args *CombineArgs) error {
	if args.Phases&(PhaseSend|PhaseRecv) == 0 {
		return errors.New("combine: phases must include SEND, RECV or both")
	}
	if args.NumTokens < 0 || args.NumTokens > d.cfg.MaxTokens {
		return errors.Errorf("combine: num tokens %d outside [0, %d]", args.NumTokens, d.cfg.MaxTokens)
	}
	if len(args.TopkIdx) < args.NumTokens*d.cfg.NumTopk {
		return errors.Errorf("combine: topk has %d entries, need %d", len(args.TopkIdx), args.NumTokens*d.cfg.NumTopk)
	}
	if len(args.TopkWeights) < args.NumTokens*d.cfg.NumTopk {
		return errors.Errorf("combine: weights has %d entries, need %d", len(args.TopkWeights), args.NumTokens*d.cfg.NumTopk)
	}
	if !args.ZeroCopy && len(args.X) < len(d.combStage) {
		return errors.Errorf("combine: x has %d elements, need %d", len(args.X), len(d.combStage))
	}
	return nil
}

// Combine gathers expert outputs back to each token's rank, weighted
// by the top-k weights. In Pure-EP mode the cross-rank sum runs over
// the FP32 symmetric workspace through the world reduction collective;
// otherwise contributions return point-to-point through the mirrored
// combine receive buffers.
func (d *Device) Combine(args CombineArgs) error {
	if err := d.validateCombine(&args); err != nil {
		return err
	}
	l := d.newLaunch()
	return l.run(func(b int) error { return d.combineBlock(l, b, &args) })
}

func (d *Device) combineBlock(l *launch, b int, args *CombineArgs) error {
	// cached launch parameter, re-validated after the grid sync
	numTopk := d.cfg.NumTopk

	if args.Phases&PhaseSend != 0 {
		if err := d.combineSend(l, b, args); err != nil {
			return err
		}
		// send complete on every block before any receive-side read
		if err := l.sync(); err != nil {
			return err
		}
	}
	if args.Phases&PhaseRecv == 0 {
		return nil
	}

	// corruption guard: a clobbered arity must not index past the
	// routing arrays, but the block still participates in every sync
	if numTopk < 1 || numTopk > MaxTopk {
		logrus.Errorf("rank %d: corrupted num_topk %d, forcing 1", d.rank, numTopk)
		numTopk = 1
	}

	if d.cfg.PureEP {
		return d.combineReducePureEP(l, b, args, numTopk)
	}
	return d.combineReduceMixed(l, b, args, numTopk)
}

// combineSend returns the outputs of this rank's local experts to the
// ranks that dispatched the tokens, mirroring the dispatch slot
// addressing. Pure-EP mode has no return path: the world reduction is
// the only cross-rank sum.
func (d *Device) combineSend(l *launch, e int, args *CombineArgs) error {
	cfg := d.cfg
	if cfg.PureEP || cfg.ownerOf(e) != d.rank {
		return nil
	}
	eLocal := e % cfg.NumLocalExperts
	capPerExpert := cfg.recvCapPerExpert()

	// auxiliary barrier: the expert's dispatch receive must have
	// drained before its outputs can be trusted
	if si := d.heap.syncInfo; si != nil {
		_, ok := l.spin(func() int32 {
			if si[e].drained() {
				return 1
			}
			return 0
		}, nonZero)
		if !ok {
			return protocolFault(d.rank, e, d.rank, 0, "sync-info spin budget exhausted")
		}
	}

	msgBytes := d.combMsgBytes()
	msg := make([]byte, msgBytes)
	for dst := 0; dst < cfg.NumRanks; dst++ {
		num, begin := unpackLayout(d.LayoutRange[eLocal*cfg.NumRanks+dst])
		if num == 0 {
			continue
		}
		peer := d.peer(dst)
		tr := d.transportTo(dst)
		for i := int32(0); i < num; i++ {
			p := eLocal*capPerExpert + int(begin+i)
			if !args.ZeroCopy {
				copy(d.combStage[p*cfg.Hidden:(p+1)*cfg.Hidden], args.X[p*cfg.Hidden:(p+1)*cfg.Hidden])
			}
			row := d.combStage[p*cfg.Hidden : (p+1)*cfg.Hidden]
			putHeader(msg, d.PackedRecvSrcInfo[p])
			packBF16(msg[headerBytes:], row)
			// the i-th token dst sent us sits in dispatch slot i, and
			// its return lands in the mirrored slot on dst
			off := ((eLocal*cfg.NumRanks+d.rank)*cfg.SlotCapacity + int(i)) * msgBytes
			tr.putBytes(peer.heap.combRecvX[off:off+msgBytes], msg)
		}
		// the flag is the only combine-receive signal
		tr.atomicAddInt32(&peer.heap.combRecvFlag[eLocal], 1)
	}
	return nil
}

// combineReduceMixed waits for the return flags, then reduces each of
// this rank's tokens from the mirrored receive buffers.
func (d *Device) combineReduceMixed(l *launch, b int, args *CombineArgs, numTopk int) error {
	cfg := d.cfg
	// blocks b < L wait for the flag of local expert index b; the
	// expected arrival count is known from this rank's own dispatch
	// counters
	if b < cfg.NumLocalExperts {
		expected := int32(0)
		for o := 0; o < cfg.NumRanks; o++ {
			if d.prevCounters[o*cfg.NumLocalExperts+b] > 0 {
				expected++
			}
		}
		if expected > 0 {
			word := &d.heap.combRecvFlag[b]
			_, ok := l.spin(func() int32 { return atomic.LoadInt32(word) }, func(v int32) bool { return v >= expected })
			if !ok {
				if err := d.fab.Fault(); err != nil {
					return protocolFault(d.rank, b, 0, 0, "peer fault while polling flag: "+err.Error())
				}
				return protocolFault(d.rank, b, 0, int(expected), "flag spin budget exhausted")
			}
		}
	}
	if err := l.sync(); err != nil {
		return err
	}
	// flag reset: unconditional store after grid-wide consensus, so a
	// stale flag can never leak into the next iteration
	if b < cfg.NumLocalExperts {
		atomic.StoreInt32(&d.heap.combRecvFlag[b], 0)
	}

	msgBytes := d.combMsgBytes()
	acc := make([]float32, cfg.Hidden)
	for t := b; t < args.NumTokens; t += cfg.NumExperts {
		for i := range acc {
			acc[i] = 0
		}
		for k := 0; k < numTopk; k++ {
			e := int(args.TopkIdx[t*cfg.NumTopk+k])
			if e < 0 {
				continue
			}
			w := args.TopkWeights[t*cfg.NumTopk+k]
			slot := d.sendSlot[t*cfg.NumTopk+k]
			if slot < 0 {
				return protocolFault(d.rank, e, d.rank, t, "combine slot missing for routed token")
			}
			eLocal := e % cfg.NumLocalExperts
			owner := cfg.ownerOf(e)
			off := ((eLocal*cfg.NumRanks+owner)*cfg.SlotCapacity + int(slot)) * msgBytes
			msg := d.heap.combRecvX[off : off+msgBytes]
			if int(headerSrcIndex(msg)) != t {
				return protocolFault(d.rank, e, owner, t, "token drop observed in combine receive")
			}
			accumulateBF16(acc, msg[headerBytes:], w)
		}
		storeBF16Row(d.CombinedX[t*cfg.Hidden:(t+1)*cfg.Hidden], acc)
	}

	// completion consensus before the launch retires
	if err := l.sync(); err != nil {
		return err
	}
	if b == 0 && d.heap.syncInfo != nil {
		for e := d.rank * cfg.NumLocalExperts; e < (d.rank+1)*cfg.NumLocalExperts; e++ {
			d.heap.syncInfo[e].Completions.Add(1)
		}
	}
	return nil
}

// combineReducePureEP writes this rank's local-expert partials into
// the FP32 workspace, runs the world sum reduction, and converts the
// reduced rows to bf16. Every rank covers the full token range; ranks
// with no local contribution still zero their share of the workspace
// before the collective.
func (d *Device) combineReducePureEP(l *launch, b int, args *CombineArgs, numTopk int) error {
	cfg := d.cfg
	capPerExpert := cfg.recvCapPerExpert()
	acc := make([]float32, cfg.Hidden)
	for t := b; t < args.NumTokens; t += cfg.NumExperts {
		for i := range acc {
			acc[i] = 0
		}
		for k := 0; k < numTopk; k++ {
			e := int(args.TopkIdx[t*cfg.NumTopk+k])
			if e < 0 || cfg.ownerOf(e) != d.rank {
				continue
			}
			w := args.TopkWeights[t*cfg.NumTopk+k]
			eLocal := e % cfg.NumLocalExperts
			src := t % cfg.NumRanks
			p, err := d.findPacked(eLocal, src, int32(t))
			if err != nil {
				return err
			}
			outputs := args.X
			if args.ZeroCopy {
				outputs = d.combStage
			}
			row := outputs[(eLocal*capPerExpert+p)*cfg.Hidden : (eLocal*capPerExpert+p+1)*cfg.Hidden]
			for i, v := range row {
				acc[i] += w * quant.BF16ToF32(v)
			}
		}
		copy(d.heap.fp32Workspace[t*cfg.Hidden:(t+1)*cfg.Hidden], acc)
	}

	// workspace fully written on every rank before the collective
	if err := l.sync(); err != nil {
		return err
	}
	if b == 0 {
		total := args.NumTokens * cfg.Hidden
		for off := 0; off < total; off += reduceChunkFloats {
			end := off + reduceChunkFloats
			if end > total {
				end = total
			}
			if err := d.fab.FloatSumReduceBlock(d.heap.fp32Workspace[off:end]); err != nil {
				return err
			}
		}
	}
	if err := l.sync(); err != nil {
		return err
	}

	// all blocks cooperatively convert FP32 -> bf16
	for t := b; t < args.NumTokens; t += cfg.NumExperts {
		storeBF16Row(d.CombinedX[t*cfg.Hidden:(t+1)*cfg.Hidden], d.heap.fp32Workspace[t*cfg.Hidden:(t+1)*cfg.Hidden])
	}
	return nil
}

// findPacked locates token t in the packed range of pair (eLocal, src)
// by scanning the layout range and matching the source index.
func (d *Device) findPacked(eLocal, src int, t int32) (int, error) {
	cfg := d.cfg
	capPerExpert := cfg.recvCapPerExpert()
	num, begin := unpackLayout(d.LayoutRange[eLocal*cfg.NumRanks+src])
	for i := begin; i < begin+num; i++ {
		if d.PackedRecvSrcInfo[eLocal*capPerExpert+int(i)] == t {
			return int(i), nil
		}
	}
	return 0, protocolFault(d.rank, d.rank*cfg.NumLocalExperts+eLocal, src, int(t),
		"token drop observed: source index missing from packed range")
}

// packBF16 serializes a bf16 row into little-endian payload bytes.
func packBF16(dst []byte, row []uint16) {
	for i, v := range row {
		dst[2*i] = byte(v)
		dst[2*i+1] = byte(v >> 8)
	}
}

// accumulateBF16 adds w * payload into acc.
func accumulateBF16(acc []float32, payload []byte, w float32) {
	for i := range acc {
		v := uint16(payload[2*i]) | uint16(payload[2*i+1])<<8
		acc[i] += w * quant.BF16ToF32(v)
	}
}

// storeBF16Row rounds an FP32 row into a bf16 destination.
func storeBF16Row(dst []uint16, src []float32) {
	for i, v := range src {
		dst[i] = quant.F32ToBF16(v)
	}
}
