package torrent

// HashTorrent drives resume checking: it re-hashes a set of chunk ranges
// against the Content's stored digests, up to a small outstanding window,
// and reports completion via a "torrent" signal once every range has been
// verified. Grounded on spec §4.2's HashTorrent contract.
type HashTorrent struct {
	content *Content
	queue   *HashQueue

	ranges   []chunkRange
	next     int // index into the flattened chunk list, next to queue
	chunks   []int
	window   int
	inFlight int

	onChunkDone func(index int, ok bool)
	onDone      func()
}

// chunkRange is a half-open index range [Begin, End) to verify.
type chunkRange struct{ Begin, End int }

// NewHashTorrent builds a checker over content using queue as the hash
// worker, with outstanding window w (minimum 1).
func NewHashTorrent(content *Content, queue *HashQueue, window int) *HashTorrent {
	if window < 1 {
		window = 1
	}
	return &HashTorrent{content: content, queue: queue, window: window}
}

// AddRange adds [begin,end) to the set of chunk indices to verify.
func (h *HashTorrent) AddRange(begin, end int) {
	h.ranges = append(h.ranges, chunkRange{begin, end})
}

// OnChunkDone installs the per-chunk verification callback (invoked with
// whether the digest matched).
func (h *HashTorrent) OnChunkDone(f func(index int, ok bool)) { h.onChunkDone = f }

// OnDone installs the callback fired once every queued range has been
// verified.
func (h *HashTorrent) OnDone(f func()) { h.onDone = f }

// Start flattens the ranges into an ordered chunk list and begins queuing
// verification jobs, up to the outstanding window.
func (h *HashTorrent) Start() {
	for _, r := range h.ranges {
		for i := r.Begin; i < r.End; i++ {
			h.chunks = append(h.chunks, i)
		}
	}
	h.fill()
}

func (h *HashTorrent) fill() {
	for h.inFlight < h.window && h.next < len(h.chunks) {
		index := h.chunks[h.next]
		h.next++
		h.queueOne(index)
	}
}

func (h *HashTorrent) queueOne(index int) {
	h.inFlight++
	piece, err := h.content.Piece(index)
	if err != nil {
		h.onChunkResult(index, false)
		return
	}
	length := h.content.GetChunkSize(index)
	expected := h.content.PieceHash(index)
	h.queue.Submit(piece, length, expected, func(ok bool) {
		h.onChunkResult(index, ok)
	})
}

func (h *HashTorrent) onChunkResult(index int, ok bool) {
	h.inFlight--
	if h.onChunkDone != nil {
		h.onChunkDone(index, ok)
	}
	if h.next >= len(h.chunks) && h.inFlight == 0 {
		if h.onDone != nil {
			h.onDone()
		}
		return
	}
	h.fill()
}

// IsChecking reports whether anything is still outstanding.
func (h *HashTorrent) IsChecking() bool {
	return h.inFlight > 0 || h.next < len(h.chunks)
}
