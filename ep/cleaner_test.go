package ep

import (
	"testing"

	"github.com/agisw/deepep/ep/internal/testutil"
)

func cleanerFabric(t *testing.T) *Fabric {
	t.Helper()
	fab, err := NewFabric(s1Config())
	if err != nil {
		t.Fatal(err)
	}
	return fab
}

func TestCleaner_ZeroesProvidedRegions(t *testing.T) {
	fab := cleanerFabric(t)
	// GIVEN dirty flags and sync info on every rank
	for r := 0; r < 2; r++ {
		d := fab.Device(r)
		for i := range d.heap.combRecvFlag {
			d.heap.combRecvFlag[i] = 3
		}
		d.heap.syncInfo[1].addExpected(0, 5)
		d.heap.syncInfo[1].addReceived(0, 5)
	}

	// WHEN every rank runs the cleaner
	testutil.MustRunRanks(t, 2, func(rank int) error {
		d := fab.Device(rank)
		return d.CleanLowLatencyBuffer(d.DefaultCleanArgs())
	})

	// THEN the regions are zero
	for r := 0; r < 2; r++ {
		d := fab.Device(r)
		for i, v := range d.heap.combRecvFlag {
			if v != 0 {
				t.Errorf("rank %d flag[%d] = %d", r, i, v)
			}
		}
		if d.heap.syncInfo[1].ExpectedTotal.Load() != 0 || d.heap.syncInfo[1].ReceivedTotal.Load() != 0 {
			t.Errorf("rank %d sync info not reset", r)
		}
	}
}

func TestCleaner_P6_Idempotent(t *testing.T) {
	fab := cleanerFabric(t)
	for round := 0; round < 2; round++ {
		testutil.MustRunRanks(t, 2, func(rank int) error {
			d := fab.Device(rank)
			return d.CleanLowLatencyBuffer(d.DefaultCleanArgs())
		})
	}
	for r := 0; r < 2; r++ {
		d := fab.Device(r)
		for i, v := range d.heap.combRecvFlag {
			if v != 0 {
				t.Errorf("rank %d flag[%d] = %d after double clean", r, i, v)
			}
		}
	}
}

func TestCleaner_EmptyArgsIsNoOp(t *testing.T) {
	fab := cleanerFabric(t)
	// no barrier participation required: a single rank may call it
	if err := fab.Device(0).CleanLowLatencyBuffer(CleanArgs{}); err != nil {
		t.Fatal(err)
	}
}

func TestCleaner_CountBufferExcluded(t *testing.T) {
	// GIVEN an in-flight count word
	fab := cleanerFabric(t)
	fab.Device(0).heap.dispRecvCount[2] = encodeCount(3)

	testutil.MustRunRanks(t, 2, func(rank int) error {
		d := fab.Device(rank)
		return d.CleanLowLatencyBuffer(d.DefaultCleanArgs())
	})

	// THEN the default cleaning set left it alone
	if got := fab.Device(0).heap.dispRecvCount[2]; got != encodeCount(3) {
		t.Errorf("count word = %d, want %d", got, encodeCount(3))
	}
}
