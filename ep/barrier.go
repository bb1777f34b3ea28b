package ep

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// GridBarrier is a reusable rendezvous for a fixed party count. It
// stands in for cooperative grid-wide synchronization: every block of
// a launch (or every rank of the world) must arrive before any party
// proceeds. A poisoned barrier releases all waiters with the fault so
// a failing block cannot deadlock its peers.
//
// Thread-safety: all methods are safe for concurrent use.
type GridBarrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	parties int
	arrived int
	gen     uint64
	fault   error
}

// NewGridBarrier creates a barrier for the given party count.
func NewGridBarrier(parties int) *GridBarrier {
	b := &GridBarrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Await blocks until all parties arrive, or returns the poisoning
// fault.
func (b *GridBarrier) Await() error { return b.AwaitThen(nil) }

// AwaitThen is Await with a hook the last arriver runs while every
// other party is still parked. Collectives use it to reset shared
// state inside the rendezvous.
func (b *GridBarrier) AwaitThen(fn func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fault != nil {
		return b.fault
	}
	gen := b.gen
	b.arrived++
	if b.arrived == b.parties {
		if fn != nil {
			fn()
		}
		b.arrived = 0
		b.gen++
		b.cond.Broadcast()
		return nil
	}
	for b.gen == gen && b.fault == nil {
		b.cond.Wait()
	}
	return b.fault
}

// Poison releases all waiters with the fault. The first fault wins.
func (b *GridBarrier) Poison(err error) {
	b.mu.Lock()
	if b.fault == nil {
		b.fault = err
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}

// spinLoad polls load until it yields a value accepted by done, up to
// budget polls. It bails out early when the launch has been aborted.
// Returns the accepted value and whether the poll succeeded.
func spinLoad(load func() int32, done func(int32) bool, budget int, aborted *atomic.Bool) (int32, bool) {
	for i := 0; i < budget; i++ {
		if aborted != nil && aborted.Load() {
			return 0, false
		}
		if v := load(); done(v) {
			return v, true
		}
		runtime.Gosched()
	}
	return 0, false
}

func nonZero(v int32) bool { return v != 0 }
