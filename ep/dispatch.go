package ep

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/agisw/deepep/ep/trace"
)

// Phase selects which halves of a kernel run in one launch. Receivers
// must tolerate a peer that ran only PhaseSend in a previous call; the
// count words persist across the boundary.
type Phase int

const (
	PhaseSend Phase = 1 << iota
	PhaseRecv
)

// DispatchArgs carries one rank's token batch into a dispatch launch.
type DispatchArgs struct {
	// X is the bf16 token batch, [NumTokens][Hidden]. In Pure-EP mode
	// every rank passes the identical full batch.
	X []uint16
	// TopkIdx is the routing, [NumTokens][K]; -1 marks padding.
	TopkIdx []int32
	// NumTokens is the batch length.
	NumTokens int
	Phases    Phase
	// NextClean is an optional region scheduled for the next
	// iteration; block 0 zeroes it during the send phase.
	NextClean []int32
}

func (d *Device) validateDispatch(args *DispatchArgs) error {
	if args.Phases&(PhaseSend|PhaseRecv) == 0 {
		return errors.New("dispatch: phases must include SEND, RECV or both")
	}
	if args.NumTokens < 0 || args.NumTokens > d.cfg.MaxTokens {
		return errors.Errorf("dispatch: num tokens %d outside [0, %d]", args.NumTokens, d.cfg.MaxTokens)
	}
	if args.Phases&PhaseSend != 0 {
		if len(args.X) < args.NumTokens*d.cfg.Hidden {
			return errors.Errorf("dispatch: x has %d elements, need %d", len(args.X), args.NumTokens*d.cfg.Hidden)
		}
		if len(args.TopkIdx) < args.NumTokens*d.cfg.NumTopk {
			return errors.Errorf("dispatch: topk has %d entries, need %d", len(args.TopkIdx), args.NumTokens*d.cfg.NumTopk)
		}
		for i, e := range args.TopkIdx[:args.NumTokens*d.cfg.NumTopk] {
			if int(e) >= d.cfg.NumExperts {
				return errors.Errorf("dispatch: topk[%d]=%d exceeds expert count %d", i, e, d.cfg.NumExperts)
			}
		}
	}
	return nil
}

// Dispatch scatters this rank's tokens to their expert owners and, in
// the receive phase, drains this rank's dispatch receive buffers into
// the packed layout. Launch-and-join; one block goroutine per global
// expert.
func (d *Device) Dispatch(args DispatchArgs) error {
	if err := d.validateDispatch(&args); err != nil {
		return err
	}
	if args.Phases&PhaseSend != 0 {
		for i := range d.slotCounter {
			d.slotCounter[i] = 0
		}
		for i := range d.sendSlot {
			d.sendSlot[i] = -1
		}
	}
	if args.Phases&PhaseRecv != 0 {
		for i := range d.recvCursor {
			d.recvCursor[i] = 0
		}
	}
	l := d.newLaunch()
	err := l.run(func(b int) error { return d.dispatchBlock(l, b, &args) })
	if err != nil {
		return err
	}
	if args.Phases&PhaseSend != 0 {
		copy(d.prevCounters, d.slotCounter)
	}
	if args.Phases&PhaseRecv != 0 {
		d.Metrics.Iterations.Add(1)
	}
	return nil
}

func (d *Device) dispatchBlock(l *launch, b int, args *DispatchArgs) error {
	if args.Phases&PhaseSend != 0 {
		if err := d.dispatchSend(l, b, args); err != nil {
			return err
		}
	}
	if args.Phases&PhaseRecv != 0 {
		if err := d.dispatchRecv(l, b); err != nil {
			return err
		}
	}
	return nil
}

// dispatchSend is the sender half for the block responsible for global
// expert e: scatter matching tokens, then post the count handshake.
func (d *Device) dispatchSend(l *launch, e int, args *DispatchArgs) error {
	cfg := d.cfg
	msgBytes := d.dispMsgBytes()
	owner := cfg.ownerOf(e)
	peer := d.peer(owner)
	tr := d.transportTo(owner)
	eLocal := e % cfg.NumLocalExperts
	msg := make([]byte, msgBytes)
	routed := int32(0)
	sending := false

	for t := 0; t < args.NumTokens; t++ {
		for k := 0; k < cfg.NumTopk; k++ {
			if int(args.TopkIdx[t*cfg.NumTopk+k]) != e {
				continue
			}
			// Pure-EP ownership mask: exactly one rank sends each token
			if cfg.PureEP && t%cfg.NumRanks != d.rank {
				continue
			}
			routed++
			slot := atomic.AddInt32(&d.slotCounter[e], 1) - 1
			if int(slot) >= cfg.SlotCapacity {
				return capacityFault(d.rank, e, d.rank, int(slot), "slot overflow")
			}
			if !sending {
				sending = true
				d.recordPair(e, d.rank, trace.StateSending)
			}
			d.sendSlot[t*cfg.NumTopk+k] = slot

			putHeader(msg, int32(t))
			d.codec.Pack(msg[headerBytes:], args.X[t*cfg.Hidden:(t+1)*cfg.Hidden])
			off := ((eLocal*cfg.NumRanks+d.rank)*cfg.SlotCapacity + int(slot)) * msgBytes
			tr.putBytes(peer.heap.dispRecvX[off:off+msgBytes], msg)
			if l.verbose {
				logrus.Debugf("rank %d: token %d -> expert %d slot %d via %s", d.rank, t, e, slot, tr.kind)
			}

			if peer.heap.syncInfo != nil {
				peer.heap.syncInfo[e].addExpected(d.rank, 1)
				tr.metrics.RemoteAtomics.Add(1)
			}
		}
	}

	// block 0 also clears the region scheduled for the next iteration
	if e == 0 && args.NextClean != nil {
		for i := range args.NextClean {
			atomic.StoreInt32(&args.NextClean[i], 0)
		}
	}

	if cfg.DetectTokenDrop && routed != atomic.LoadInt32(&d.slotCounter[e]) {
		return protocolFault(d.rank, e, d.rank, int(routed), "token drop detected")
	}

	// no rank may observe a count whose payload has not been posted
	if !l.skipPostSend {
		if err := l.sync(); err != nil {
			return err
		}
	}

	n := atomic.LoadInt32(&d.slotCounter[e])
	if !sending {
		// zero-token pairs traverse the same state sequence with n=0
		d.recordPair(e, d.rank, trace.StateSending)
	}
	// traced before the add so the receiver's CountObserved always
	// follows it in the trace
	d.recordPair(e, d.rank, trace.StateCountPosted)
	tr.atomicAddInt32(&peer.heap.dispRecvCount[eLocal*cfg.NumRanks+d.rank], encodeCount(n))

	// every expected sender has posted its count before any receiver
	// starts polling, so a zero can never be read as "no tokens"
	return l.sync()
}

// dispatchRecv drains the pair (localExpert = b/R, srcRank = b mod R)
// owned by this rank into the packed receive layout.
func (d *Device) dispatchRecv(l *launch, b int) error {
	cfg := d.cfg
	if b >= cfg.NumLocalExperts*cfg.NumRanks {
		return l.sync()
	}
	eLocal, src := b/cfg.NumRanks, b%cfg.NumRanks
	e := d.rank*cfg.NumLocalExperts + eLocal
	word := &d.heap.dispRecvCount[eLocal*cfg.NumRanks+src]

	v, ok := l.spin(func() int32 { return atomic.LoadInt32(word) }, nonZero)
	if !ok {
		if err := d.fab.Fault(); err != nil {
			return protocolFault(d.rank, e, src, 0, "peer fault while polling count: "+err.Error())
		}
		return protocolFault(d.rank, e, src, 0, "count spin budget exhausted")
	}
	d.recordPair(e, src, trace.StateCountObserved)
	n := decodeCount(v)
	// consume the word so next iteration's atomic add lands on zero
	atomic.StoreInt32(word, 0)

	capPerExpert := cfg.recvCapPerExpert()
	if n > 0 {
		begin := atomic.AddInt32(&d.recvCursor[eLocal], n) - n
		if int(begin+n) > capPerExpert {
			return capacityFault(d.rank, e, src, int(begin+n), "receive buffer overflow")
		}
		d.PackedRecvCount[eLocal*cfg.NumRanks+src] = n
		d.LayoutRange[eLocal*cfg.NumRanks+src] = packLayout(n, begin)
		d.recordPair(e, src, trace.StateDraining)
		d.drainPair(eLocal, src, int(n), int(begin))
	} else {
		d.PackedRecvCount[eLocal*cfg.NumRanks+src] = 0
		d.LayoutRange[eLocal*cfg.NumRanks+src] = packLayout(0, 0)
		d.recordPair(e, src, trace.StateDraining)
	}

	if d.heap.syncInfo != nil {
		d.heap.syncInfo[e].addReceived(src, n)
	}
	d.recordPair(e, src, trace.StateDone)
	// terminal fence for cross-node visibility of the packed outputs
	return l.sync()
}

func (d *Device) drainPair(eLocal, src, n, begin int) {
	cfg := d.cfg
	msgBytes := d.dispMsgBytes()
	xBytes := d.codec.XBytes()
	scaleBytes := d.codec.ScaleBytes()
	capPerExpert := cfg.recvCapPerExpert()
	for i := 0; i < n; i++ {
		off := ((eLocal*cfg.NumRanks+src)*cfg.SlotCapacity + i) * msgBytes
		msg := d.heap.dispRecvX[off : off+msgBytes]
		p := eLocal*capPerExpert + begin + i
		d.PackedRecvSrcInfo[p] = headerSrcIndex(msg)
		var scaleRow []byte
		if scaleBytes > 0 {
			scaleRow = d.PackedRecvScales[p*scaleBytes : (p+1)*scaleBytes]
		}
		d.codec.Unpack(msg[headerBytes:], d.PackedRecvX[p*xBytes:(p+1)*xBytes], scaleRow)
		d.Metrics.RecvMessages.Add(1)
	}
}
