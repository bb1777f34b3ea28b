package ep

import "sync/atomic"

// CleanArgs names the ephemeral regions to zero between iterations.
// Nil slices are tolerated. The dispatch count buffer must never be
// passed here: it has to survive the send/receive phase boundary, and
// the receive side consumes it word by word instead.
type CleanArgs struct {
	Buf0     []int32
	Buf1     []int32
	SyncInfo []ExpertSyncInfo
}

// empty reports whether there is nothing to clean.
func (a CleanArgs) empty() bool {
	return len(a.Buf0) == 0 && len(a.Buf1) == 0 && len(a.SyncInfo) == 0
}

// CleanLowLatencyBuffer zeroes the given regions between iterations,
// fenced by world barriers so no rank can race a peer's next
// iteration into a half-cleaned buffer. Every rank must call it.
// No-op when all inputs are empty. Idempotent.
func (d *Device) CleanLowLatencyBuffer(args CleanArgs) error {
	if args.empty() {
		return nil
	}
	if err := d.fab.BarrierAll(); err != nil {
		return err
	}
	for i := range args.Buf0 {
		atomic.StoreInt32(&args.Buf0[i], 0)
	}
	for i := range args.Buf1 {
		atomic.StoreInt32(&args.Buf1[i], 0)
	}
	for i := range args.SyncInfo {
		args.SyncInfo[i].Reset()
	}
	return d.fab.BarrierAll()
}

// DefaultCleanArgs is the per-iteration cleaning set for this device:
// the combine receive flags and the expert sync-info slots. The count
// buffer is deliberately excluded.
func (d *Device) DefaultCleanArgs() CleanArgs {
	return CleanArgs{
		Buf0:     d.heap.combRecvFlag,
		SyncInfo: d.heap.syncInfo,
	}
}
