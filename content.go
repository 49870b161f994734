package torrent

import (
	"crypto/sha1"
	"fmt"

	"github.com/rstor/swarmcore/storage"
)

// FileEntry is one file of a Content's ordered file list: a relative path
// and a byte length.
type FileEntry struct {
	Path   []string
	Length int64
}

type contentState int

const (
	contentClosed contentState = iota
	contentOpen
)

// Content is the torrent's static shape plus its dynamic completion state:
// file list, total size S, chunk size C, T = ceil(S/C) per-chunk SHA-1
// hashes, a completion bitfield, and per-file completion counters.
//
// Mutation of the file list, root directory, and hash blob is only permitted
// while closed; open() validates and allocates backing storage; close()
// releases it. This mirrors the teacher's own open/closed discipline on
// storage.TorrentImpl, generalized to own the hash blob and bitfield too.
type Content struct {
	state contentState

	files       []FileEntry
	chunkSize   int64
	hashes      []byte // T * 20 bytes, packed SHA-1 digests
	rootDir     string
	storageImpl storage.ClientImpl

	totalSize int64 // S, derived from files

	bitfield      *Bitfield
	fileCompleted []int64 // bytes completed per file, index-aligned with files

	torrent storage.TorrentImpl // set by open(); nil while closed

	onComplete func() // called by MarkDone when the T-th chunk completes
}

// NewContent returns an empty, closed Content with the given chunk size.
func NewContent(chunkSize int64) *Content {
	if chunkSize <= 0 {
		internalErrorf("content: chunk size must be positive, got %d", chunkSize)
	}
	return &Content{chunkSize: chunkSize}
}

func (c *Content) requireClosed(op string) {
	if c.state != contentClosed {
		internalErrorf("content.%s: called while open", op)
	}
}

func (c *Content) requireOpen(op string) {
	if c.state != contentOpen {
		internalErrorf("content.%s: called while closed", op)
	}
}

// AddFile appends a file to the ordered file list. Only permitted closed.
func (c *Content) AddFile(path []string, size int64) {
	c.requireClosed("AddFile")
	if size < 0 {
		internalErrorf("content.AddFile: negative size %d", size)
	}
	c.files = append(c.files, FileEntry{Path: append([]string(nil), path...), Length: size})
	c.totalSize += size
}

// SetCompleteHash installs the packed T*20-byte SHA-1 hash blob. Only
// permitted closed.
func (c *Content) SetCompleteHash(blob []byte) {
	c.requireClosed("SetCompleteHash")
	c.hashes = append([]byte(nil), blob...)
}

// SetRootDir sets the backing storage directory. Only permitted closed.
func (c *Content) SetRootDir(dir string) {
	c.requireClosed("SetRootDir")
	c.rootDir = dir
}

// NumChunks returns T = ceil(S/C).
func (c *Content) NumChunks() int {
	if c.chunkSize == 0 {
		return 0
	}
	return int((c.totalSize + c.chunkSize - 1) / c.chunkSize)
}

// ChunkSize returns C.
func (c *Content) ChunkSize() int64 { return c.chunkSize }

// TotalSize returns S.
func (c *Content) TotalSize() int64 { return c.totalSize }

// GetChunkSize returns C, or the tail size for the last chunk.
func (c *Content) GetChunkSize(i int) int64 {
	t := c.NumChunks()
	if i < 0 || i >= t {
		internalErrorf("content.GetChunkSize: index %d out of range [0,%d)", i, t)
	}
	if i < t-1 {
		return c.chunkSize
	}
	tail := c.totalSize - int64(t-1)*c.chunkSize
	if tail == 0 {
		return c.chunkSize
	}
	return tail
}

// Open validates that the hash blob and file list agree with T and S,
// creates an storage-level ClientImpl (storageImpl, injected by the caller
// before Open), opens every file (writable then read-only fallback per the
// storage package's own backends), and allocates the completion bitfield.
// A failed open rolls back: any opened torrent handle is closed and the
// Content stays closed.
func (c *Content) Open(storageImpl storage.ClientImpl, infoHash [20]byte, writable bool) error {
	c.requireClosed("Open")
	if storageImpl == nil {
		internalErrorf("content.Open: nil storage implementation")
	}
	t := c.NumChunks()
	if len(c.hashes) != t*sha1.Size {
		internalErrorf("content.Open: hash blob has %d bytes, want %d for T=%d", len(c.hashes), t*sha1.Size, t)
	}
	var fileTotal int64
	for _, f := range c.files {
		fileTotal += f.Length
	}
	if fileTotal != c.totalSize {
		internalErrorf("content.Open: file sizes sum to %d, want S=%d", fileTotal, c.totalSize)
	}

	info := contentInfo(c)
	to, err := storageImpl.OpenTorrent(info, infoHash)
	if err != nil {
		return newErr(KindStorage, "content.Open", fmt.Errorf("opening storage root %q: %w", c.rootDir, err))
	}

	c.storageImpl = storageImpl
	c.torrent = to
	c.bitfield = NewBitfield(t)
	c.fileCompleted = make([]int64, len(c.files))
	c.state = contentOpen
	return nil
}

// contentInfo adapts Content's fields into the storage package's Info shape.
func contentInfo(c *Content) *storage.Info {
	files := make([]storage.FileInfo, len(c.files))
	for i, f := range c.files {
		files[i] = storage.FileInfo{Path: f.Path, Length: f.Length}
	}
	return &storage.Info{Files: files, PieceLength: c.chunkSize}
}

// Close releases all open descriptors. Idempotent; safe to call on an
// already-closed Content.
func (c *Content) Close() error {
	if c.state == contentClosed {
		return nil
	}
	var err error
	if c.torrent != nil {
		err = c.torrent.Close()
	}
	c.torrent = nil
	c.storageImpl = nil
	c.state = contentClosed
	if err != nil {
		return newErr(KindStorage, "content.Close", err)
	}
	return nil
}

// Resize truncates or extends backing files to their declared sizes. Only
// meaningful while open; the storage backend is responsible for the actual
// truncate/extend semantics, which happened as a side effect of Open for the
// file/mmap backends (there is no separate resize hook in ClientImpl, so this
// is a no-op for backends that resize eagerly at open time. Kept as a named
// operation so callers matching the lifecycle contract have something to
// call after a torrent's declared sizes change, e.g. after metadata repair.
func (c *Content) Resize() error {
	c.requireOpen("Resize")
	return nil
}

// MarkDone marks chunk i as complete. Fails (internal error) if i is out of
// range, already set, or the bitfield is already full. After the T-th mark,
// MarkDone calls onComplete (if set) directly. Content does not own a
// Scheduler; a callback whose work must not run inline defers it itself
// (Torrent's callback does so with mu.Defer).
func (c *Content) MarkDone(i int) {
	c.requireOpen("MarkDone")
	t := c.bitfield.Len()
	if i < 0 || i >= t {
		internalErrorf("content.MarkDone: index %d out of range [0,%d)", i, t)
	}
	if c.bitfield.Get(i) {
		internalErrorf("content.MarkDone: chunk %d already marked done", i)
	}
	if c.bitfield.PopCount() >= t {
		internalErrorf("content.MarkDone: all %d chunks already done", t)
	}
	c.bitfield.Set(i, true)
	c.updateFileCounterForChunk(i)
	if c.bitfield.PopCount() == t && c.onComplete != nil {
		c.onComplete()
	}
}

// OnComplete installs the callback that MarkDone calls directly on the T-th
// mark, when the torrent finishes downloading.
func (c *Content) OnComplete(f func()) { c.onComplete = f }

// updateFileCounterForChunk adds the completed chunk's byte span to every
// file it overlaps.
func (c *Content) updateFileCounterForChunk(i int) {
	begin := int64(i) * c.chunkSize
	end := begin + c.GetChunkSize(i)
	var off int64
	for fi, f := range c.files {
		fBegin, fEnd := off, off+f.Length
		off = fEnd
		lo, hi := maxI64(begin, fBegin), minI64(end, fEnd)
		if lo < hi {
			c.fileCompleted[fi] += hi - lo
		}
	}
}

// UpdateDone recomputes the per-file completion counters from the bitfield
// from scratch. The completed-chunk count is read live from the bitfield, and
// there are no padding bits to clear: Bitfield rejects indices at or beyond T.
// Used after loading fast-resume data or repairing a corrupted bitfield.
func (c *Content) UpdateDone() {
	c.requireOpen("UpdateDone")
	for i := range c.fileCompleted {
		c.fileCompleted[i] = 0
	}
	c.bitfield.Iterate(func(i int) bool {
		c.updateFileCounterForChunk(i)
		return true
	})
}

// BytesCompleted returns (c-1)*C + (S mod C) if the last chunk is done and S
// mod C != 0, else c*C — per the spec's exact formula, so an out-of-order
// last-chunk completion is still counted at its true (possibly short) size
// rather than double-counting the tail.
func (c *Content) BytesCompleted() int64 {
	t := c.bitfield.Len()
	count := int64(c.bitfield.PopCount())
	if count == 0 {
		return 0
	}
	lastSize := c.totalSize - int64(t-1)*c.chunkSize
	if lastSize == c.chunkSize || lastSize == 0 {
		return count * c.chunkSize
	}
	if c.bitfield.Get(t - 1) {
		return (count-1)*c.chunkSize + lastSize
	}
	return count * c.chunkSize
}

// Completed reports whether every chunk is marked done.
func (c *Content) Completed() bool {
	return c.bitfield.PopCount() == c.bitfield.Len()
}

// Piece returns the ChunkStore-backed reader/writer for chunk i.
func (c *Content) Piece(i int) (storage.PieceImpl, error) {
	c.requireOpen("Piece")
	p, err := c.torrent.Piece(i)
	if err != nil {
		return nil, newErr(KindStorage, "content.Piece", err)
	}
	return p, nil
}

// PieceHash returns the stored SHA-1 digest for chunk i.
func (c *Content) PieceHash(i int) [sha1.Size]byte {
	var h [sha1.Size]byte
	copy(h[:], c.hashes[i*sha1.Size:(i+1)*sha1.Size])
	return h
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
