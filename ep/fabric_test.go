package ep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agisw/deepep/ep/internal/testutil"
)

func TestFloatSumReduceBlock_SumsAcrossRanks(t *testing.T) {
	cfg := s1Config()
	cfg.NumRanks = 3
	cfg.NumExperts = 6
	fab, err := NewFabric(cfg)
	require.NoError(t, err)

	const n = 16
	chunks := make([][]float32, 3)
	for r := range chunks {
		chunks[r] = make([]float32, n)
		for i := range chunks[r] {
			chunks[r][i] = float32((r + 1) * (i + 1))
		}
	}

	testutil.MustRunRanks(t, 3, func(rank int) error {
		return fab.FloatSumReduceBlock(chunks[rank])
	})

	// sum over ranks of (r+1)*(i+1) = 6*(i+1)
	for r := 0; r < 3; r++ {
		for i := 0; i < n; i++ {
			assert.Equal(t, float32(6*(i+1)), chunks[r][i], "rank %d index %d", r, i)
		}
	}
}

func TestFloatSumReduceBlock_Reusable(t *testing.T) {
	// consecutive chunk reductions must not bleed state
	cfg := s1Config()
	fab, err := NewFabric(cfg)
	require.NoError(t, err)

	for round := 1; round <= 3; round++ {
		chunks := [][]float32{{float32(round)}, {float32(10 * round)}}
		testutil.MustRunRanks(t, 2, func(rank int) error {
			return fab.FloatSumReduceBlock(chunks[rank])
		})
		for r := 0; r < 2; r++ {
			assert.Equal(t, float32(11*round), chunks[r][0], "round %d rank %d", round, r)
		}
	}
}

func TestForEachRank_PropagatesErrors(t *testing.T) {
	fab, err := NewFabric(s1Config())
	require.NoError(t, err)

	err = fab.ForEachRank(func(d *Device) error {
		return d.Dispatch(DispatchArgs{Phases: 0})
	})
	assert.Error(t, err)
}

func TestNewFabric_RejectsInvalidConfig(t *testing.T) {
	cfg := s1Config()
	cfg.NumExperts = 5 // not R*L
	_, err := NewFabric(cfg)
	assert.Error(t, err)
}
