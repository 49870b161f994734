package torrent

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestHashQueueSubmitAndDrain(t *testing.T) {
	c := buildContent(t, []int64{2 * BlockSize}, BlockSize)
	defer c.Close()

	piece, err := c.Piece(0)
	require.NoError(t, err)
	data := make([]byte, BlockSize)
	for i := range data {
		data[i] = byte(i)
	}
	_, err = piece.WriteAt(data, 0)
	require.NoError(t, err)

	q := NewHashQueue()
	defer q.Close()

	var gotOK bool
	var fired bool
	q.Submit(piece, BlockSize, sha1.Sum(data), func(ok bool) {
		gotOK = ok
		fired = true
	})

	waitFor(t, func() bool {
		q.DrainResults()
		return fired
	})
	require.True(t, gotOK)
}

func TestHashQueueMismatchReportsFalse(t *testing.T) {
	c := buildContent(t, []int64{BlockSize}, BlockSize)
	defer c.Close()
	piece, err := c.Piece(0)
	require.NoError(t, err)

	q := NewHashQueue()
	defer q.Close()

	var gotOK, fired bool
	q.Submit(piece, BlockSize, sha1.Sum([]byte("not the actual content")), func(ok bool) {
		gotOK, fired = ok, true
	})
	waitFor(t, func() bool {
		q.DrainResults()
		return fired
	})
	require.False(t, gotOK)
}

func TestHashTorrentVerifiesRangeAndSignalsDone(t *testing.T) {
	c := buildContent(t, []int64{3 * BlockSize}, BlockSize)
	defer c.Close()

	// Write real data and install matching hashes so verification succeeds.
	hashes := make([]byte, 0, 3*sha1.Size)
	for i := 0; i < 3; i++ {
		piece, err := c.Piece(i)
		require.NoError(t, err)
		data := make([]byte, BlockSize)
		for j := range data {
			data[j] = byte(i*31 + j)
		}
		_, err = piece.WriteAt(data, 0)
		require.NoError(t, err)
		sum := sha1.Sum(data)
		hashes = append(hashes, sum[:]...)
	}
	c.hashes = hashes

	q := NewHashQueue()
	defer q.Close()

	ht := NewHashTorrent(c, q, 2)
	ht.AddRange(0, 3)

	results := make(map[int]bool)
	var done bool
	ht.OnChunkDone(func(index int, ok bool) { results[index] = ok })
	ht.OnDone(func() { done = true })
	ht.Start()

	waitFor(t, func() bool {
		q.DrainResults()
		return done
	})
	require.Len(t, results, 3)
	for i := 0; i < 3; i++ {
		require.True(t, results[i], "chunk %d", i)
	}
}
