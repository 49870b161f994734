package storage

import (
	"io"
	"os"
	"path/filepath"
)

// NewFile returns a ClientImpl that backs each torrent file with a plain
// os.File opened read-write (falling back to read-only if that fails, per
// spec §4.1's "opens each file (writable then read-only fallback)"), under
// root.
func NewFile(root string) ClientImpl {
	return &fileClient{root: root}
}

type fileClient struct{ root string }

func (c *fileClient) OpenTorrent(info *Info, infoHash [20]byte) (TorrentImpl, error) {
	offs := fileOffsets(info.Files)
	files := make([]*os.File, len(info.Files))
	rollback := func() {
		for _, f := range files {
			if f != nil {
				f.Close()
			}
		}
	}
	for i, fi := range info.Files {
		path := filepath.Join(append([]string{c.root}, fi.Path...)...)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			rollback()
			return nil, newFileErr(path, err)
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			f, err = os.OpenFile(path, os.O_RDONLY, 0o644)
			if err != nil {
				rollback()
				return nil, newFileErr(path, err)
			}
		}
		if err := f.Truncate(fi.Length); err != nil {
			// Read-only fallback files can't be resized; that's fine, they're
			// expected to already be the right size.
		}
		files[i] = f
	}
	return &fileTorrent{info: info, offs: offs, files: files}, nil
}

type fileTorrent struct {
	info  *Info
	offs  []int64
	files []*os.File
}

func (t *fileTorrent) Piece(index int) (PieceImpl, error) {
	begin, end := t.info.pieceRange(index)
	segs := pieceSegments(t.info.Files, t.offs, begin, end)
	return &filePiece{files: t.files, segs: segs}, nil
}

func (t *fileTorrent) Close() error {
	var first error
	for _, f := range t.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type filePiece struct {
	files []*os.File
	segs  []segment
}

func (p *filePiece) ReadAt(b []byte, off int64) (n int, err error) {
	return segRW(p.segs, off, len(b), func(seg segment, segOff int64, chunk []byte) (int, error) {
		return p.files[seg.fileIndex].ReadAt(chunk, seg.fileOff+segOff)
	}, b, nil)
}

func (p *filePiece) WriteAt(b []byte, off int64) (n int, err error) {
	return segRW(p.segs, off, len(b), func(seg segment, segOff int64, chunk []byte) (int, error) {
		return p.files[seg.fileIndex].WriteAt(chunk, seg.fileOff+segOff)
	}, nil, b)
}

func (p *filePiece) Release() {}

// segRW walks a piece's file segments and dispatches the read or write of
// [off, off+n) within the piece, straddling file boundaries transparently.
// Exactly one of readBuf/writeBuf is non-nil.
func segRW(segs []segment, off int64, n int, do func(seg segment, segOff int64, chunk []byte) (int, error), readBuf, writeBuf []byte) (int, error) {
	remaining := int64(n)
	pos := off
	var written int
	for _, seg := range segs {
		if remaining <= 0 {
			break
		}
		if pos >= seg.length {
			pos -= seg.length
			continue
		}
		segOff := pos
		avail := seg.length - segOff
		take := remaining
		if take > avail {
			take = avail
		}
		var chunk []byte
		if readBuf != nil {
			chunk = readBuf[written : int64(written)+take]
		} else {
			chunk = writeBuf[written : int64(written)+take]
		}
		got, err := do(seg, segOff, chunk)
		written += got
		remaining -= int64(got)
		pos = 0
		if err != nil {
			return written, err
		}
		if int64(got) < take {
			return written, io.ErrUnexpectedEOF
		}
	}
	if remaining > 0 {
		return written, io.EOF
	}
	return written, nil
}

type fileOpenErr struct {
	path string
	err  error
}

func newFileErr(path string, err error) error { return &fileOpenErr{path, err} }

func (e *fileOpenErr) Error() string { return "opening " + e.path + ": " + e.err.Error() }
func (e *fileOpenErr) Unwrap() error { return e.err }
