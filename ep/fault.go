package ep

import "fmt"

// FaultKind classifies fatal in-kernel conditions.
type FaultKind string

const (
	// FaultCapacity covers slot and buffer overflows.
	FaultCapacity FaultKind = "capacity"
	// FaultProtocol covers spin-budget exhaustion and observed token drops.
	FaultProtocol FaultKind = "protocol"
	// FaultParameter covers corrupted launch parameters.
	FaultParameter FaultKind = "parameter"
)

// Fault is a fatal in-kernel condition. A block returning a Fault
// poisons the launch; there is no retry.
type Fault struct {
	Kind    FaultKind
	Rank    int
	Expert  int
	SrcRank int
	Index   int
	Msg     string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s fault on rank %d (expert %d, src %d, index %d): %s",
		f.Kind, f.Rank, f.Expert, f.SrcRank, f.Index, f.Msg)
}

func capacityFault(rank, expert, srcRank, index int, msg string) *Fault {
	return &Fault{Kind: FaultCapacity, Rank: rank, Expert: expert, SrcRank: srcRank, Index: index, Msg: msg}
}

func protocolFault(rank, expert, srcRank, index int, msg string) *Fault {
	return &Fault{Kind: FaultProtocol, Rank: rank, Expert: expert, SrcRank: srcRank, Index: index, Msg: msg}
}
