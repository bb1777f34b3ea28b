package ep

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/agisw/deepep/ep/trace"
)

// Fabric wires NumRanks devices into one world: it owns the world
// barrier used by the cleaner, the float-sum-reduce collective used by
// the Pure-EP combine, and the fabric-wide abort flag that lets a
// fatal fault on one rank unstick spin loops on its peers.
type Fabric struct {
	cfg     Config
	devices []*Device

	world *GridBarrier

	redMu      sync.Mutex
	redAcc     []float32
	redArrived int
	redBarrier *GridBarrier

	aborted atomic.Bool
	faultMu sync.Mutex
	fault   error
}

// NewFabric validates the config and allocates all ranks' devices and
// symmetric regions.
func NewFabric(cfg Config, opts ...Option) (*Fabric, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "fabric config")
	}
	f := &Fabric{
		cfg:        cfg,
		world:      NewGridBarrier(cfg.NumRanks),
		redBarrier: NewGridBarrier(cfg.NumRanks),
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	f.devices = make([]*Device, cfg.NumRanks)
	for r := 0; r < cfg.NumRanks; r++ {
		d, err := newDevice(f, cfg, r)
		if err != nil {
			return nil, err
		}
		d.Trace = o.trace
		f.devices[r] = d
	}
	return f, nil
}

// Option configures optional fabric behavior.
type Option func(*options)

type options struct {
	trace *trace.ProtocolTrace
}

// WithTrace records protocol state transitions on all ranks.
func WithTrace(t *trace.ProtocolTrace) Option {
	return func(o *options) { o.trace = t }
}

// Device returns the device for a rank.
func (f *Fabric) Device(rank int) *Device { return f.devices[rank] }

// NumRanks returns the world size.
func (f *Fabric) NumRanks() int { return f.cfg.NumRanks }

// BarrierAll is the world barrier; every rank must call it.
func (f *Fabric) BarrierAll() error { return f.world.Await() }

// ForEachRank runs fn concurrently for every rank and joins. It is the
// host-side analogue of launching the same kernel on every rank's
// stream.
func (f *Fabric) ForEachRank(fn func(d *Device) error) error {
	var g errgroup.Group
	for _, d := range f.devices {
		d := d
		g.Go(func() error { return fn(d) })
	}
	return g.Wait()
}

// FloatSumReduceBlock is the world-team sum reduction over one FP32
// chunk. Every rank must call it the same number of times with
// slices of identical length; on return ws holds the element-wise sum
// across all ranks. Within a combine launch only block 0 of each rank
// enters the collective.
func (f *Fabric) FloatSumReduceBlock(ws []float32) error {
	f.redMu.Lock()
	if cap(f.redAcc) < len(ws) {
		f.redAcc = make([]float32, len(ws))
	}
	f.redAcc = f.redAcc[:len(ws)]
	if f.redArrived == 0 {
		copy(f.redAcc, ws)
	} else {
		for i, v := range ws {
			f.redAcc[i] += v
		}
	}
	f.redArrived++
	f.redMu.Unlock()

	if err := f.redBarrier.Await(); err != nil {
		return err
	}
	copy(ws, f.redAcc)
	// the last rank out resets the accumulator before anyone can
	// re-enter with the next chunk
	return f.redBarrier.AwaitThen(func() {
		f.redMu.Lock()
		f.redArrived = 0
		f.redMu.Unlock()
	})
}

// abort records the first fatal fault and releases fabric-wide spin
// loops and barriers.
func (f *Fabric) abort(err error) {
	f.faultMu.Lock()
	if f.fault == nil {
		f.fault = err
	}
	f.faultMu.Unlock()
	f.aborted.Store(true)
	f.world.Poison(err)
	f.redBarrier.Poison(err)
}

// Fault returns the fabric-wide fatal fault, if any.
func (f *Fabric) Fault() error {
	f.faultMu.Lock()
	defer f.faultMu.Unlock()
	return f.fault
}
