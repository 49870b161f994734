package storage

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestBoltLeecherStorage(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	info := &Info{
		Files:       []FileInfo{{Path: []string{"a"}, Length: 30000}, {Path: []string{"b"}, Length: 50000}},
		PieceLength: 16384,
	}
	cs := NewBoltDB(dir)
	ts, err := cs.OpenTorrent(info, [20]byte{2})
	c.Assert(err, qt.IsNil)
	defer func() { c.Check(ts.Close(), qt.IsNil) }()

	// Piece 1 straddles file a (bytes 16384-29999) and file b (bytes 0-2767).
	piece, err := ts.Piece(1)
	c.Assert(err, qt.IsNil)
	defer piece.Release()

	data := make([]byte, info.PieceLen(1))
	for i := range data {
		data[i] = byte(i)
	}
	n, err := piece.WriteAt(data, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, len(data))

	got := make([]byte, len(data))
	_, err = piece.ReadAt(got, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, data)
}
