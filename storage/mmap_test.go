package storage

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestMmapWindows(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	info := &Info{
		Files:       []FileInfo{{Path: []string{"greeting.txt"}, Length: 14}},
		PieceLength: 14,
	}
	cs := NewMMap(dir)
	ts, err := cs.OpenTorrent(info, [20]byte{1})
	c.Assert(err, qt.IsNil)
	defer func() {
		c.Check(ts.Close(), qt.IsNil)
	}()
	piece, err := ts.Piece(0)
	c.Assert(err, qt.IsNil)
	defer piece.Release()
	n, err := piece.WriteAt([]byte("hello, world!\n"), 0)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 14)
	buf := make([]byte, 14)
	_, err = piece.ReadAt(buf, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(string(buf), qt.Equals, "hello, world!\n")
}
