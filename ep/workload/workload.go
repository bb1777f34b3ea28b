// Package workload generates deterministic token batches and top-k
// routing for driving the dispatch/combine collectives.
package workload

import (
	"fmt"
	"hash/fnv"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/agisw/deepep/ep/quant"
)

// === PartitionedRNG ===

// PartitionedRNG provides deterministic, isolated RNG instances per
// subsystem. Two runs with the same master seed MUST produce
// bit-for-bit identical batches.
//
// Derivation: masterSeed XOR fnv1a64(subsystemName).
//
// Thread-safety: NOT thread-safe. Must be called from single goroutine.
type PartitionedRNG struct {
	seed       int64
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a master seed.
func NewPartitionedRNG(seed int64) *PartitionedRNG {
	return &PartitionedRNG{seed: seed, subsystems: make(map[string]*rand.Rand)}
}

// ForSubsystem returns a deterministically-seeded RNG for the named
// subsystem. The same name always returns the same instance (cached).
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(p.seed ^ fnv1a64(name)))
	p.subsystems[name] = rng
	return rng
}

// SubsystemRank returns the subsystem name for rank n, used for
// per-rank batch isolation in sharded layouts.
func SubsystemRank(n int) string {
	return fmt.Sprintf("rank_%d", n)
}

func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}

// === Batch generation ===

// Spec describes one generated workload.
type Spec struct {
	NumTokens  int     `yaml:"num_tokens"`
	Hidden     int     `yaml:"hidden"`
	NumTopk    int     `yaml:"num_topk"`
	NumExperts int     `yaml:"num_experts"`
	Seed       int64   `yaml:"seed"`
	PadFrac    float64 `yaml:"pad_frac"` // fraction of top-k entries padded out
}

// Validate reports malformed specs before generation.
func (s Spec) Validate() error {
	if s.NumTokens <= 0 || s.Hidden <= 0 || s.NumTopk <= 0 || s.NumExperts <= 0 {
		return errors.Errorf("workload spec fields must be positive: %+v", s)
	}
	if s.PadFrac < 0 || s.PadFrac > 1 {
		return errors.Errorf("pad_frac %.2f outside [0, 1]", s.PadFrac)
	}
	return nil
}

// Batch is one rank's generated input.
type Batch struct {
	X           []uint16  // [NumTokens][Hidden] bf16
	TopkIdx     []int32   // [NumTokens][NumTopk], -1 padding
	TopkWeights []float32 // [NumTokens][NumTopk], normalized per token
	NumTokens   int
}

// Generate produces the replicated batch shared by every rank in
// Pure-EP mode. Rank-independent: all callers see the identical batch.
func (s Spec) Generate() (*Batch, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	rng := NewPartitionedRNG(s.Seed).ForSubsystem("tokens")
	return s.generate(rng, s.NumTokens), nil
}

// GenerateShard produces rank's disjoint share of the batch for mixed
// layouts, round-robin over token index.
func (s Spec) GenerateShard(rank, numRanks int) (*Batch, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if rank < 0 || rank >= numRanks {
		return nil, errors.Errorf("rank %d outside [0, %d)", rank, numRanks)
	}
	rng := NewPartitionedRNG(s.Seed).ForSubsystem(SubsystemRank(rank))
	n := s.NumTokens / numRanks
	if rank < s.NumTokens%numRanks {
		n++
	}
	return s.generate(rng, n), nil
}

func (s Spec) generate(rng *rand.Rand, numTokens int) *Batch {
	b := &Batch{
		X:           make([]uint16, numTokens*s.Hidden),
		TopkIdx:     make([]int32, numTokens*s.NumTopk),
		TopkWeights: make([]float32, numTokens*s.NumTopk),
		NumTokens:   numTokens,
	}
	for i := range b.X {
		b.X[i] = quant.F32ToBF16(float32(rng.NormFloat64()))
	}
	for t := 0; t < numTokens; t++ {
		perm := rng.Perm(s.NumExperts)
		var sum float32
		for k := 0; k < s.NumTopk; k++ {
			// experts are distinct within a token's top-k list
			if k >= s.NumExperts || rng.Float64() < s.PadFrac {
				b.TopkIdx[t*s.NumTopk+k] = -1
				continue
			}
			b.TopkIdx[t*s.NumTopk+k] = int32(perm[k])
			w := float32(rng.Float64())
			b.TopkWeights[t*s.NumTopk+k] = w
			sum += w
		}
		if sum > 0 {
			for k := 0; k < s.NumTopk; k++ {
				b.TopkWeights[t*s.NumTopk+k] /= sum
			}
		}
	}
	return b
}
