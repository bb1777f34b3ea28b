package ep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agisw/deepep/ep/internal/testutil"
)

func TestTransportSelector_NodeBoundary(t *testing.T) {
	cfg := s1Config()
	cfg.NumRanks = 4
	cfg.NumExperts = 8
	cfg.RanksPerNode = 2
	fab, err := NewFabric(cfg)
	require.NoError(t, err)

	d := fab.Device(1)
	assert.Equal(t, TransportP2P, d.transportTo(0).kind)
	assert.Equal(t, TransportP2P, d.transportTo(1).kind)
	assert.Equal(t, TransportIBGDA, d.transportTo(2).kind)
	assert.Equal(t, TransportIBGDA, d.transportTo(3).kind)
}

// runS5 runs the S1 workload on a fabric with the given node split and
// returns the per-rank combined outputs.
func runS5(t *testing.T, ranksPerNode int) ([][]uint16, *Fabric) {
	t.Helper()
	cfg := s1Config()
	cfg.RanksPerNode = ranksPerNode
	fab, err := NewFabric(cfg)
	require.NoError(t, err)

	topk := map[int][]int32{0: {2, 3}, 1: {2, 0}}
	xs := map[int][]uint16{}
	for r, tk := range topk {
		xs[r], _ = makeBatch(128, tk)
	}
	weights := map[int][]float32{0: ones(2), 1: ones(2)}
	runEchoIteration(t, fab, xs, topk, weights, map[int]int{0: 2, 1: 2})

	out := make([][]uint16, 2)
	for r := 0; r < 2; r++ {
		out[r] = append([]uint16(nil), fab.Device(r).CombinedX[:2*128]...)
	}
	return out, fab
}

func TestTransport_S5_IBGDAMatchesP2P(t *testing.T) {
	// GIVEN the same exchange over all-P2P and over IBGDA transports
	p2pOut, p2pFab := runS5(t, 0)
	rdmaOut, rdmaFab := runS5(t, 1)

	// THEN the combined outputs are identical
	for r := 0; r < 2; r++ {
		assert.Equal(t, p2pOut[r], rdmaOut[r], "rank %d", r)
	}

	// AND the byte accounting reflects the transport split
	assert.Zero(t, p2pFab.Device(0).Metrics.RDMABytes.Load())
	assert.Positive(t, p2pFab.Device(0).Metrics.P2PBytes.Load())
	// with one rank per node only self-sends ride P2P
	assert.Positive(t, rdmaFab.Device(0).Metrics.RDMABytes.Load())
}

func TestTransport_MessageAccounting(t *testing.T) {
	fab, err := NewFabric(s1Config())
	require.NoError(t, err)

	topk := map[int][]int32{0: {2, 3}, 1: {2, 0}}
	xs := map[int][]uint16{}
	for r, tk := range topk {
		xs[r], _ = makeBatch(128, tk)
	}
	testutil.MustRunRanks(t, 2, func(rank int) error {
		return fab.Device(rank).Dispatch(DispatchArgs{
			X: xs[rank], TopkIdx: topk[rank], NumTokens: 2,
			Phases: PhaseSend | PhaseRecv,
		})
	})

	// two dispatch messages per rank, all drained on the owners
	var sent, recv int64
	for r := 0; r < 2; r++ {
		sent += fab.Device(r).Metrics.SentMessages.Load()
		recv += fab.Device(r).Metrics.RecvMessages.Load()
	}
	assert.Equal(t, int64(4), sent)
	assert.Equal(t, int64(4), recv)
}
