// Package storage maps logical torrent chunks onto backing files: it owns
// every open file descriptor, offers memory-mapped chunk handles, and is the
// sole writer/reader of on-disk torrent data.
//
// Grounded on storage/mmap_test.go and storage/bolt-piece_test.go, which
// already name the API this package implements (storage.NewMMap, NewFile,
// NewBoltDB, NewClient, ClientImpl.OpenTorrent).
package storage

import (
	"errors"
	"io"
)

// FileInfo describes one file of the torrent's content, as declared by its
// metadata: a relative path (possibly multi-component for multi-file
// torrents) and a byte length.
type FileInfo struct {
	Path   []string
	Length int64
}

// Info is the static shape ChunkStore needs to build its chunk->file mapping:
// the ordered file list and the chunk (piece) size. It deliberately mirrors
// only what storage needs, so this package has no dependency on the root
// torrent package or on bencode/metainfo parsing.
type Info struct {
	Files       []FileInfo
	PieceLength int64
}

// TotalLength is the sum of all file lengths (S in spec terms).
func (i *Info) TotalLength() int64 {
	var n int64
	for _, f := range i.Files {
		n += f.Length
	}
	return n
}

// NumPieces is T = ceil(S/C).
func (i *Info) NumPieces() int {
	s := i.TotalLength()
	if i.PieceLength <= 0 {
		internalErrorf("non-positive piece length %d", i.PieceLength)
	}
	return int((s + i.PieceLength - 1) / i.PieceLength)
}

// PieceLen returns the chunk size for piece index, accounting for a short
// final chunk.
func (i *Info) PieceLen(index int) int64 {
	n := i.NumPieces()
	if index < 0 || index >= n {
		internalErrorf("piece index %d out of range [0,%d)", index, n)
	}
	if index != n-1 {
		return i.PieceLength
	}
	last := i.TotalLength() - int64(index)*i.PieceLength
	if last <= 0 {
		internalErrorf("non-positive last piece length %d", last)
	}
	return last
}

// ErrClosed is returned by operations against a Close()d TorrentImpl.
var ErrClosed = errors.New("storage: torrent closed")

// ClientImpl is a ChunkStore backend: mmap, plain file, or bolt-backed.
type ClientImpl interface {
	// OpenTorrent creates missing directories, opens/creates each backing
	// file and builds the chunk->file mapping. infoHash namespaces storage
	// that's shared across torrents (e.g. a single bolt database).
	OpenTorrent(info *Info, infoHash [20]byte) (TorrentImpl, error)
}

// TorrentImpl is one torrent's open backing storage.
type TorrentImpl interface {
	// Piece returns a handle for chunk index. The handle must be released
	// when no longer needed; storage only evicts a chunk's cached mapping
	// once every handle to it has been released (the "anchor" in spec §9).
	Piece(index int) (PieceImpl, error)
	Close() error
}

// PieceImpl is a single chunk's handle: readable/writable at chunk-relative
// offsets, straddling file boundaries transparently.
type PieceImpl interface {
	io.ReaderAt
	io.WriterAt
	// Release drops this handle's reference. Must be called exactly once.
	Release()
}
