package ep

import "sync/atomic"

// ExpertSyncInfo tracks expected and received token counts for one
// global expert. It lives on the owner rank's symmetric heap: senders
// add their routed counts remotely during dispatch send, the owner
// adds drained counts during dispatch receive, and combine uses the
// totals as an auxiliary receive barrier.
//
// All fields are mutated by atomics only.
type ExpertSyncInfo struct {
	ExpectedPerRank []atomic.Int32
	ReceivedPerRank []atomic.Int32
	ExpectedTotal   atomic.Int32
	ReceivedTotal   atomic.Int32
	Completions     atomic.Int32
}

// init sizes the per-rank counters in place; ExpertSyncInfo must not
// be copied once in use.
func (s *ExpertSyncInfo) init(numRanks int) {
	s.ExpectedPerRank = make([]atomic.Int32, numRanks)
	s.ReceivedPerRank = make([]atomic.Int32, numRanks)
}

// Reset zeroes every counter. Called by the cleaner between
// iterations.
func (s *ExpertSyncInfo) Reset() {
	for i := range s.ExpectedPerRank {
		s.ExpectedPerRank[i].Store(0)
		s.ReceivedPerRank[i].Store(0)
	}
	s.ExpectedTotal.Store(0)
	s.ReceivedTotal.Store(0)
	s.Completions.Store(0)
}

func (s *ExpertSyncInfo) addExpected(srcRank int, n int32) {
	s.ExpectedPerRank[srcRank].Add(n)
	s.ExpectedTotal.Add(n)
}

func (s *ExpertSyncInfo) addReceived(srcRank int, n int32) {
	s.ReceivedPerRank[srcRank].Add(n)
	s.ReceivedTotal.Add(n)
}

// drained reports whether every expected token has been received.
func (s *ExpertSyncInfo) drained() bool {
	return s.ReceivedTotal.Load() >= s.ExpectedTotal.Load()
}
