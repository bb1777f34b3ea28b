// Package ep implements the low-latency expert-parallel dispatch and
// combine collectives for Mixture-of-Experts inference.
//
// # Reading Guide
//
// Start with these three files to understand the protocol core:
//   - device.go: per-rank state, symmetric regions, kernel launches
//   - dispatch.go: token scatter, slot protocol, count handshake
//   - combine.go: weighted gather, flag barrier, Pure-EP reduction
//
// # Architecture
//
// A Fabric wires R Devices (ranks) together. Each Device owns a
// symmetric heap: regions with identical layout on every rank, so a
// (region, offset) pair names the same buffer everywhere. Kernels are
// launched as one block goroutine per global expert; blocks of one
// launch synchronize through a poisonable GridBarrier, and ranks
// synchronize only through one-sided puts, remote atomics, and the
// world float-sum-reduce collective on the Fabric.
//
// Transports between rank pairs are either P2P (same node, direct
// store) or IBGDA (one-sided RDMA put and atomic). Both are
// byte-for-byte equivalent in-process; they differ in selection and
// accounting, which is what the protocol cares about.
//
// Payload formats (bfloat16, FP8 E4M3 with float or UE8M0 scales) live
// in ep/quant and are resolved through a codec registry keyed by
// (useFP8, useUE8M0, hidden).
//
// # Key invariants
//
//   - Per (expert, source-rank) pair, at most SlotCapacity messages per
//     iteration; overflow is fatal.
//   - The count word for a pair is delivered as -n-1 by remote atomic
//     add and consumed (reset to zero) by the receiver, which is what
//     keeps the add idempotent across iterations.
//   - Payload writes for a pair happen before the count or flag that
//     unlocks the receiver; nothing is promised between distinct pairs.
package ep
