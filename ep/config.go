package ep

import (
	"github.com/pkg/errors"

	"github.com/agisw/deepep/ep/quant"
)

// MaxTopk is the largest supported top-k arity.
const MaxTopk = 9

// defaultSpinBudget bounds receive-side spin polls before the launch
// gives up with a protocol fault.
const defaultSpinBudget = 1 << 20

// Config describes the fabric shape and the wire format shared by all
// ranks. The same Config must be used by every participant.
type Config struct {
	NumRanks        int // R: participating ranks
	NumExperts      int // E: global experts; one block per expert
	NumLocalExperts int // L: experts owned by each rank, E = R*L
	Hidden          int // H: hidden size, power-of-2 multiple of 128
	NumTopk         int // K: top-k arity, 1..MaxTopk
	SlotCapacity    int // S_max: per (expert, source-rank) slot budget
	MaxTokens       int // per-rank token batch capacity

	// PureEP marks the replicated-batch mode: every rank passes the
	// identical token batch and ownership of sending token t is
	// assigned by t mod NumRanks.
	PureEP bool

	UseFP8   bool // quantize dispatch payloads to FP8 E4M3
	UseUE8M0 bool // pack scales as UE8M0 exponent bytes

	// RanksPerNode controls transport selection: rank pairs within the
	// same node are P2P-mapped, the rest use IBGDA. Zero means all
	// ranks share one node.
	RanksPerNode int

	// DetectTokenDrop enables the per-block check, after the send loop,
	// of the routed entries counted during the loop against the slot
	// counter; a mismatch is a protocol fault.
	DetectTokenDrop bool

	// SpinBudget bounds receive-side polls. Zero selects the default.
	SpinBudget int

	// DisableSyncInfo drops the ExpertSyncInfo auxiliary barrier;
	// combine then relies on the receive flags alone.
	DisableSyncInfo bool
}

// Validate reports host-side parameter errors before any launch.
func (c *Config) Validate() error {
	if c.NumRanks <= 0 {
		return errors.Errorf("num ranks must be positive, got %d", c.NumRanks)
	}
	if c.NumLocalExperts <= 0 {
		return errors.Errorf("num local experts must be positive, got %d", c.NumLocalExperts)
	}
	if c.NumExperts != c.NumRanks*c.NumLocalExperts {
		return errors.Errorf("num experts %d must equal ranks*local experts = %d",
			c.NumExperts, c.NumRanks*c.NumLocalExperts)
	}
	if c.NumTopk < 1 || c.NumTopk > MaxTopk {
		return errors.Errorf("num topk %d outside [1, %d]", c.NumTopk, MaxTopk)
	}
	if c.Hidden <= 0 || c.Hidden%quant.GroupSize != 0 {
		return errors.Errorf("hidden %d is not a multiple of %d", c.Hidden, quant.GroupSize)
	}
	if g := c.Hidden / quant.GroupSize; g&(g-1) != 0 {
		return errors.Errorf("hidden %d is not a power-of-2 multiple of %d", c.Hidden, quant.GroupSize)
	}
	if _, err := quant.Lookup(c.codecKey()); err != nil {
		return errors.Wrap(err, "unsupported hidden size")
	}
	if c.SlotCapacity <= 0 {
		return errors.Errorf("slot capacity must be positive, got %d", c.SlotCapacity)
	}
	if c.MaxTokens <= 0 {
		return errors.Errorf("max tokens must be positive, got %d", c.MaxTokens)
	}
	if c.RanksPerNode < 0 || c.RanksPerNode > c.NumRanks {
		return errors.Errorf("ranks per node %d outside [0, %d]", c.RanksPerNode, c.NumRanks)
	}
	return nil
}

func (c Config) codecKey() quant.Key {
	return quant.Key{UseFP8: c.UseFP8, UseUE8M0: c.UseUE8M0, Hidden: c.Hidden}
}

// ownerOf returns the rank owning a global expert.
func (c Config) ownerOf(expert int) int { return expert / c.NumLocalExperts }

// ranksPerNode resolves the zero default.
func (c Config) ranksPerNode() int {
	if c.RanksPerNode == 0 {
		return c.NumRanks
	}
	return c.RanksPerNode
}

// spinBudget resolves the zero default.
func (c Config) spinBudget() int {
	if c.SpinBudget == 0 {
		return defaultSpinBudget
	}
	return c.SpinBudget
}

// recvCapPerExpert is the packed receive capacity per local expert.
func (c Config) recvCapPerExpert() int { return c.NumRanks * c.SlotCapacity }
