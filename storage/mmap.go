package storage

import (
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
)

// defaultAnchorCapBytes bounds resident zero-ref mmap regions, per spec §9's
// "32 MiB / chunk_size" sizing.
const defaultAnchorCapBytes = 32 << 20

// NewMMap returns a ClientImpl whose chunk handles are backed by memory
// mappings of the underlying files, per spec §4.1/§9. Grounded directly on
// storage/mmap_test.go's NewMMap(dir).
func NewMMap(root string) ClientImpl {
	return &mmapClient{root: root}
}

type mmapClient struct{ root string }

func (c *mmapClient) OpenTorrent(info *Info, infoHash [20]byte) (TorrentImpl, error) {
	offs := fileOffsets(info.Files)
	files := make([]*os.File, len(info.Files))
	mmaps := make([]mmap.MMap, len(info.Files))
	rollback := func() {
		for i := range files {
			if mmaps[i] != nil {
				mmaps[i].Unmap()
			}
			if files[i] != nil {
				files[i].Close()
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
		prot := mmap.RDWR
		if err != nil {
			f, err = os.OpenFile(path, os.O_RDONLY, 0o644)
			prot = mmap.RDONLY
			if err != nil {
				rollback()
				return nil, newFileErr(path, err)
			}
		}
		if prot == mmap.RDWR {
			if err := f.Truncate(fi.Length); err != nil {
				rollback()
				return nil, newFileErr(path, err)
			}
		}
		files[i] = f
		if fi.Length == 0 {
			continue
		}
		m, err := mmap.Map(f, prot, 0)
		if err != nil {
			rollback()
			return nil, newFileErr(path, err)
		}
		mmaps[i] = m
	}
	t := &mmapTorrent{info: info, offs: offs, files: files, mmaps: mmaps}
	t.pool = newAnchorPool(defaultAnchorCapBytes, info.PieceLength, func(index int, res any) {
		// mmap regions stay mapped for the torrent's lifetime; eviction here
		// only drops our cached segment slice, not the underlying mapping.
		_ = res
	})
	return t, nil
}

type mmapTorrent struct {
	info  *Info
	offs  []int64
	files []*os.File
	mmaps []mmap.MMap
	pool  *anchorPool
}

func (t *mmapTorrent) Piece(index int) (PieceImpl, error) {
	begin, end := t.info.pieceRange(index)
	segs := pieceSegments(t.info.Files, t.offs, begin, end)
	res, err := t.pool.acquire(index, func() (any, error) { return segs, nil })
	if err != nil {
		return nil, err
	}
	return &mmapPiece{t: t, index: index, segs: res.([]segment)}, nil
}

func (t *mmapTorrent) Close() error {
	t.pool.closeAll()
	var first error
	for i := range t.files {
		if t.mmaps[i] != nil {
			if err := t.mmaps[i].Unmap(); err != nil && first == nil {
				first = err
			}
		}
		if err := t.files[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type mmapPiece struct {
	t     *mmapTorrent
	index int
	segs  []segment
}

func (p *mmapPiece) ReadAt(b []byte, off int64) (int, error) {
	return segRW(p.segs, off, len(b), func(seg segment, segOff int64, chunk []byte) (int, error) {
		m := p.t.mmaps[seg.fileIndex]
		n := copy(chunk, m[seg.fileOff+segOff:])
		return n, nil
	}, b, nil)
}

func (p *mmapPiece) WriteAt(b []byte, off int64) (int, error) {
	return segRW(p.segs, off, len(b), func(seg segment, segOff int64, chunk []byte) (int, error) {
		m := p.t.mmaps[seg.fileIndex]
		n := copy(m[seg.fileOff+segOff:], chunk)
		return n, nil
	}, nil, b)
}

func (p *mmapPiece) Release() {
	p.t.pool.release(p.index)
}
