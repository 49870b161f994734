package torrent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func buildDelegatorContent(t *testing.T) *Content {
	t.Helper()
	return buildContent(t, []int64{3 * BlockSize}, BlockSize) // T=3, one block each
}

func allTrue(int) bool { return true }

func TestDelegatorFullyReservedChunkStartsNewChunk(t *testing.T) {
	c := buildDelegatorContent(t)
	defer c.Close()
	d := NewDelegator(c, 4)

	// Peer A starts chunk 0.
	p0, ok := d.Delegate(PeerID(1), allTrue)
	require.True(t, ok)
	require.Equal(t, 0, p0.Index)

	// With only one block per chunk, chunk 0 is now fully reserved (not
	// free), so the next delegate for a different peer starts a new chunk
	// rather than re-picking 0.
	p1, ok := d.Delegate(PeerID(2), allTrue)
	require.True(t, ok)
	require.NotEqual(t, p0.Index, p1.Index)
}

func TestDelegatorFinishedBlockAndChunk(t *testing.T) {
	c := buildDelegatorContent(t)
	defer c.Close()
	d := NewDelegator(c, 4)

	p, ok := d.Delegate(PeerID(1), allTrue)
	require.True(t, ok)
	require.False(t, d.FinishedChunk(p.Index))

	d.FinishedBlock(PeerID(1), p)
	require.True(t, d.FinishedChunk(p.Index))

	d.CommitChunk(p.Index)
	require.False(t, d.FinishedChunk(p.Index)) // no longer in-progress
}

func TestDelegatorRedoChunkOnHashFailure(t *testing.T) {
	c := buildDelegatorContent(t)
	defer c.Close()
	d := NewDelegator(c, 4)

	p, ok := d.Delegate(PeerID(1), allTrue)
	require.True(t, ok)
	d.FinishedBlock(PeerID(1), p)
	require.True(t, d.FinishedChunk(p.Index))

	d.RedoChunk(p.Index)
	require.False(t, d.FinishedChunk(p.Index))

	// The block is free again and can be re-delegated.
	p2, ok := d.Delegate(PeerID(2), func(i int) bool { return i == p.Index })
	require.True(t, ok)
	require.Equal(t, p.Index, p2.Index)
}

func TestDelegatorPeerDisconnectedReleasesReservation(t *testing.T) {
	c := buildDelegatorContent(t)
	defer c.Close()
	d := NewDelegator(c, 4)

	p, ok := d.Delegate(PeerID(1), allTrue)
	require.True(t, ok)

	d.PeerDisconnected(PeerID(1))

	p2, ok := d.Delegate(PeerID(2), func(i int) bool { return i == p.Index })
	require.True(t, ok)
	require.Equal(t, p.Index, p2.Index)
}

func TestDelegatorSkipsZeroPriorityFile(t *testing.T) {
	c := buildContent(t, []int64{BlockSize, BlockSize}, BlockSize)
	defer c.Close()
	d := NewDelegator(c, 4)
	d.SetFilePriority(0, 0)

	p, ok := d.Delegate(PeerID(1), allTrue)
	require.True(t, ok)
	require.Equal(t, 1, p.Index) // file 0 (chunk 0) skipped
}

func TestDelegatorEndgameAllowsDuplicateReservation(t *testing.T) {
	// One big in-progress chunk with several blocks; force endgame latch by
	// using a large pipeline depth relative to the tiny block count.
	c := buildContent(t, []int64{5 * BlockSize}, 5*BlockSize)
	defer c.Close()
	d := NewDelegator(c, 1000) // endgameFraction clamps to 0.2
	d.endgame = true           // latch directly; exercising the policy, not the latch heuristic

	p1, ok := d.Delegate(PeerID(1), allTrue)
	require.True(t, ok)

	p2, ok := d.Delegate(PeerID(2), allTrue)
	require.True(t, ok)
	require.NotEqual(t, p1.Begin, p2.Begin, "first peer's block is reserved; next call should pick a different free block")

	// Peer 3 consumes the 3 remaining free blocks (indices 2,3,4).
	for i := 0; i < 3; i++ {
		_, ok := d.Delegate(PeerID(3), allTrue)
		require.True(t, ok)
	}

	// No free blocks remain anywhere; endgame duplication kicks in for a
	// fresh peer, handing back a block already reserved by someone else.
	p4, ok := d.Delegate(PeerID(4), allTrue)
	require.True(t, ok)
	require.Equal(t, p1.Index, p4.Index)
}
