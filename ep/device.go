package ep

import (
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/agisw/deepep/ep/quant"
	"github.com/agisw/deepep/ep/trace"
)

// Device is one rank: its symmetric-heap regions, sender-side scratch,
// and the host-visible receive outputs.
//
// Thread-safety: host methods (Dispatch, Combine, CleanLowLatencyBuffer)
// are launch-and-join calls; callers drive one goroutine per rank.
// Outputs are stable once the corresponding launch has returned.
type Device struct {
	cfg   Config
	rank  int
	fab   *Fabric
	heap  *symHeap
	codec quant.Codec

	// sender-side scratch, reset per iteration
	slotCounter []int32 // per destination expert, sole writer of slots
	sendSlot    []int32 // [MaxTokens][K] dispatch slot bookkeeping
	// snapshot of slotCounter after the last dispatch send, used by
	// combine for flag expectations
	prevCounters []int32
	// combine send staging, [L][R*S_max][H] bf16 mirroring the packed
	// layout; zero-copy callers write here directly
	combStage []uint16

	// dispatch receive outputs (host-visible)
	PackedRecvX       []byte  // [L][R*S_max] packed x rows
	PackedRecvScales  []byte  // [L][R*S_max] packed scale rows (FP8 only)
	PackedRecvSrcInfo []int32 // [L][R*S_max] source token indices
	PackedRecvCount   []int32 // [L][R] per-pair received counts
	LayoutRange       []int64 // [L][R] pack(num, begin)
	recvCursor        []int32 // [L] packed reservation cursor

	// combine output
	CombinedX []uint16 // [MaxTokens][H] bf16

	Metrics *Metrics
	Trace   *trace.ProtocolTrace
}

func newDevice(f *Fabric, cfg Config, rank int) (*Device, error) {
	codec, err := quant.Lookup(cfg.codecKey())
	if err != nil {
		return nil, err
	}
	l, r := cfg.NumLocalExperts, cfg.NumRanks
	capPerExpert := cfg.recvCapPerExpert()
	d := &Device{
		cfg:   cfg,
		rank:  rank,
		fab:   f,
		heap:  newSymHeap(cfg, codec),
		codec: codec,

		slotCounter:  make([]int32, cfg.NumExperts),
		sendSlot:     make([]int32, cfg.MaxTokens*cfg.NumTopk),
		prevCounters: make([]int32, cfg.NumExperts),
		combStage:    make([]uint16, l*capPerExpert*cfg.Hidden),

		PackedRecvX:       make([]byte, l*capPerExpert*codec.XBytes()),
		PackedRecvSrcInfo: make([]int32, l*capPerExpert),
		PackedRecvCount:   make([]int32, l*r),
		LayoutRange:       make([]int64, l*r),
		recvCursor:        make([]int32, l),

		CombinedX: make([]uint16, cfg.MaxTokens*cfg.Hidden),
		Metrics:   &Metrics{},
	}
	if sb := codec.ScaleBytes(); sb > 0 {
		d.PackedRecvScales = make([]byte, l*capPerExpert*sb)
	}
	return d, nil
}

// Rank returns this device's rank.
func (d *Device) Rank() int { return d.rank }

// SyncInfo exposes the expert sync-info region, nil when disabled.
func (d *Device) SyncInfo() []ExpertSyncInfo { return d.heap.syncInfo }

// CombineSendBuffer exposes the combine send staging region for
// zero-copy callers, laid out [L][R*S_max][H].
func (d *Device) CombineSendBuffer() []uint16 { return d.combStage }

// DecodePackedRecv dequantizes the packed receive buffer into bf16
// rows in the packed layout, [L][R*S_max][H]. Rows outside the layout
// ranges are left zero.
func (d *Device) DecodePackedRecv() []uint16 {
	cfg := d.cfg
	capPerExpert := cfg.recvCapPerExpert()
	out := make([]uint16, cfg.NumLocalExperts*capPerExpert*cfg.Hidden)
	tmp := make([]float32, cfg.Hidden)
	xB, sB := d.codec.XBytes(), d.codec.ScaleBytes()
	for eLocal := 0; eLocal < cfg.NumLocalExperts; eLocal++ {
		for src := 0; src < cfg.NumRanks; src++ {
			num, begin := unpackLayout(d.LayoutRange[eLocal*cfg.NumRanks+src])
			for i := begin; i < begin+num; i++ {
				p := eLocal*capPerExpert + int(i)
				var scaleRow []byte
				if sB > 0 {
					scaleRow = d.PackedRecvScales[p*sB : (p+1)*sB]
				}
				d.codec.DecodeRow(d.PackedRecvX[p*xB:(p+1)*xB], scaleRow, tmp)
				for h, v := range tmp {
					out[p*cfg.Hidden+h] = quant.F32ToBF16(v)
				}
			}
		}
	}
	return out
}

func (d *Device) peer(rank int) *Device { return d.fab.devices[rank] }

func (d *Device) dispMsgBytes() int { return headerBytes + d.codec.PayloadBytes() }
func (d *Device) combMsgBytes() int { return headerBytes + 2*d.cfg.Hidden }

func (d *Device) recordPair(expert, srcRank int, st trace.PairState) {
	d.Trace.Record(d.rank, expert, srcRank, st)
}

// launch groups the per-call state shared by the E block goroutines of
// one kernel launch.
type launch struct {
	dev          *Device
	grid         *GridBarrier
	skipPostSend bool
	verbose      bool
}

func (d *Device) newLaunch() *launch {
	return &launch{
		dev:          d,
		grid:         NewGridBarrier(d.cfg.NumExperts),
		skipPostSend: os.Getenv("DEEPEP_SKIP_GRID_SYNC") != "",
		verbose:      os.Getenv("DEEPEP_VERBOSE_DEBUG") != "",
	}
}

// sync is one cooperative grid-wide synchronization point.
func (l *launch) sync() error { return l.grid.Await() }

// run executes fn as one goroutine per block and joins. The first
// fault poisons the grid barrier and the fabric so sibling blocks and
// peer ranks unwind instead of deadlocking.
func (l *launch) run(fn func(block int) error) error {
	var g errgroup.Group
	for b := 0; b < l.dev.cfg.NumExperts; b++ {
		b := b
		g.Go(func() error {
			if err := fn(b); err != nil {
				l.grid.Poison(err)
				l.dev.fab.abort(err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// spin polls load within the launch's budget, bailing out on abort.
func (l *launch) spin(load func() int32, done func(int32) bool) (int32, bool) {
	return spinLoad(load, done, l.dev.cfg.spinBudget(), &l.dev.fab.aborted)
}
