package torrent

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rstor/swarmcore/storage"
)

func buildContent(t *testing.T, fileSizes []int64, chunkSize int64) *Content {
	t.Helper()
	c := NewContent(chunkSize)
	for i, sz := range fileSizes {
		c.AddFile([]string{string(rune('a' + i))}, sz)
	}
	t_ := c.NumChunks()
	hashes := make([]byte, t_*sha1.Size)
	c.SetCompleteHash(hashes)
	dir := t.TempDir()
	c.SetRootDir(dir)
	require.NoError(t, c.Open(storage.NewFile(dir), [20]byte{9}, true))
	return c
}

func TestContentMarkDoneBytesCompleted(t *testing.T) {
	// S=30, C=16 -> T=2, tail=14.
	c := buildContent(t, []int64{30}, 16)
	defer c.Close()

	require.EqualValues(t, 2, c.NumChunks())
	require.EqualValues(t, 0, c.BytesCompleted())

	c.MarkDone(0)
	require.EqualValues(t, 16, c.BytesCompleted())
	require.False(t, c.Completed())

	c.MarkDone(1)
	require.EqualValues(t, 30, c.BytesCompleted())
	require.True(t, c.Completed())
}

// TestContentBytesCompletedOutOfOrderLastChunk exercises the Open Question
// resolution: marking the short last chunk before earlier chunks must still
// report its true (short) size, not double count it as a full C.
func TestContentBytesCompletedOutOfOrderLastChunk(t *testing.T) {
	c := buildContent(t, []int64{30}, 16)
	defer c.Close()

	c.MarkDone(1) // tail chunk, 14 bytes, marked first
	require.EqualValues(t, 14, c.BytesCompleted())

	c.MarkDone(0)
	require.EqualValues(t, 30, c.BytesCompleted())
}

func TestContentMarkDoneRejectsOutOfRangeAndDuplicate(t *testing.T) {
	c := buildContent(t, []int64{32}, 16)
	defer c.Close()

	require.Panics(t, func() { c.MarkDone(5) })

	c.MarkDone(0)
	require.Panics(t, func() { c.MarkDone(0) })
}

func TestContentAddFileRejectedWhileOpen(t *testing.T) {
	c := buildContent(t, []int64{16}, 16)
	defer c.Close()
	require.Panics(t, func() { c.AddFile([]string{"x"}, 1) })
}

func TestContentOnCompleteFiresOnFinalChunk(t *testing.T) {
	c := buildContent(t, []int64{32}, 16)
	defer c.Close()

	fired := false
	c.OnComplete(func() { fired = true })
	c.MarkDone(0)
	require.False(t, fired)
	c.MarkDone(1)
	require.True(t, fired)
}

func TestContentPerFileCompletionAcrossBoundary(t *testing.T) {
	// file a: 10 bytes, file b: 20 bytes; chunk size 16 -> chunk 0 spans
	// [0,16) (all of a, first 6 of b), chunk 1 spans [16,30) (rest of b).
	c := buildContent(t, []int64{10, 20}, 16)
	defer c.Close()

	c.MarkDone(0)
	require.EqualValues(t, [2]int64{10, 6}, [2]int64{c.fileCompleted[0], c.fileCompleted[1]})

	c.MarkDone(1)
	require.EqualValues(t, [2]int64{10, 20}, [2]int64{c.fileCompleted[0], c.fileCompleted[1]})
}

func TestContentGetChunkSize(t *testing.T) {
	c := buildContent(t, []int64{40}, 16)
	defer c.Close()
	require.EqualValues(t, 16, c.GetChunkSize(0))
	require.EqualValues(t, 16, c.GetChunkSize(1))
	require.EqualValues(t, 8, c.GetChunkSize(2))
}
