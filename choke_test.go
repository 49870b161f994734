package torrent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestChokeCycleTopRatePlusOptimistic exercises spec §8 scenario 5: 10
// interested peers with distinct download rates, max_uploads=4 -> after one
// cycle, exactly 4 unchoked (top 3 by rate + 1 optimistic).
func TestChokeCycleTopRatePlusOptimistic(t *testing.T) {
	cm := NewChokeManager(4)
	cands := make([]candidate, 10)
	for i := range cands {
		cands[i] = candidate{id: PeerID(i), interested: true, currentRate: int64(10 - i)}
	}
	unchoked := cm.Cycle(cands)
	require.Len(t, unchoked, 4)
	require.True(t, unchoked[PeerID(0)])
	require.True(t, unchoked[PeerID(1)])
	require.True(t, unchoked[PeerID(2)])
}

func TestChokeOptimisticRotatesAfterHoldExpires(t *testing.T) {
	cm := NewChokeManager(4)
	cands := make([]candidate, 10)
	for i := range cands {
		cands[i] = candidate{id: PeerID(i), interested: true, currentRate: int64(10 - i)}
	}
	cm.Cycle(cands)
	first := cm.optimistic

	cm.Cycle(cands) // cycle 2: hold still active (optimisticCycles was 2, now 1)
	require.Equal(t, first, cm.optimistic)

	cm.Cycle(cands) // cycle 3: hold expired, rotates to a fresh pick
	// The new optimistic slot must be a currently-interested, non-top-3 peer.
	require.NotEqual(t, PeerID(0), cm.optimistic)
	require.NotEqual(t, PeerID(1), cm.optimistic)
	require.NotEqual(t, PeerID(2), cm.optimistic)
}

func TestChokeUninterestedPeersNeverUnchoked(t *testing.T) {
	cm := NewChokeManager(2)
	cands := []candidate{
		{id: 1, interested: false, currentRate: 1000},
		{id: 2, interested: true, currentRate: 1},
	}
	unchoked := cm.Cycle(cands)
	require.False(t, unchoked[PeerID(1)])
}
