package torrent

import (
	"crypto/sha1"
	"sync"

	"github.com/rstor/swarmcore/storage"
)

// hashJob is one entry on HashQueue: a chunk to verify, the hash it's
// expected to match, and the callback to invoke with the result.
type hashJob struct {
	piece    storage.PieceImpl
	length   int64
	expected [sha1.Size]byte
	done     func(ok bool)
}

// HashQueue is a FIFO of chunk-verification jobs, serviced by a single
// worker goroutine so at most one hash runs per chunk at a time (indeed, at
// most one hash runs at all, which trivially implies the per-chunk
// guarantee). HashQueue takes over the PieceImpl handle passed to Submit and
// releases it only after done has returned, so the handle stays alive for
// the whole hash and callback.
//
// Grounded on spec §4.2; no teacher file implements a hash worker directly,
// so the shape follows the teacher's own single-purpose-goroutine pattern
// (e.g. peerConnMsgWriter.run) applied to this queue.
type HashQueue struct {
	mu      sync.Mutex
	jobs    []hashJob
	wake    chan struct{}
	closing chan struct{}
	closed  bool

	// resultQueue is where completed jobs land until the owner drains them
	// via DrainResults; this is how hash completion is marshalled back onto
	// the scheduler instead of invoking the callback inline from the worker
	// goroutine, per §5's ordering guarantee.
	resultMu sync.Mutex
	results  []func()
}

// NewHashQueue starts the worker goroutine and returns the queue.
func NewHashQueue() *HashQueue {
	q := &HashQueue{
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
	}
	go q.run()
	return q
}

// Submit enqueues a chunk for hashing. done is invoked (via DrainResults,
// not inline) with whether the digest matched.
func (q *HashQueue) Submit(piece storage.PieceImpl, length int64, expected [sha1.Size]byte, done func(ok bool)) {
	q.mu.Lock()
	q.jobs = append(q.jobs, hashJob{piece: piece, length: length, expected: expected, done: done})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *HashQueue) run() {
	for {
		q.mu.Lock()
		var job hashJob
		var have bool
		if len(q.jobs) > 0 {
			job, q.jobs = q.jobs[0], q.jobs[1:]
			have = true
		}
		q.mu.Unlock()
		if !have {
			select {
			case <-q.wake:
				continue
			case <-q.closing:
				return
			}
		}
		ok := q.hash(job)
		done, piece := job.done, job.piece
		q.resultMu.Lock()
		q.results = append(q.results, func() {
			done(ok)
			piece.Release()
		})
		q.resultMu.Unlock()
	}
}

func (q *HashQueue) hash(job hashJob) bool {
	h := sha1.New()
	buf := make([]byte, 32*1024)
	var off int64
	for off < job.length {
		n := int64(len(buf))
		if job.length-off < n {
			n = job.length - off
		}
		got, err := job.piece.ReadAt(buf[:n], off)
		if got > 0 {
			h.Write(buf[:got])
		}
		off += int64(got)
		if err != nil {
			break
		}
	}
	var sum [sha1.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum == job.expected
}

// DrainResults delivers every completed job's callback, in completion order.
// Intended to be called from the scheduler's per-iteration drain so hash
// completion is always observed from the single logical owner, never the
// worker goroutine itself.
func (q *HashQueue) DrainResults() {
	q.resultMu.Lock()
	pending := q.results
	q.results = nil
	q.resultMu.Unlock()
	for _, r := range pending {
		r()
	}
}

// Pending reports how many jobs are queued and not yet taken by the worker;
// a job the worker is currently hashing is not counted.
func (q *HashQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops the worker goroutine. Queued jobs are abandoned.
func (q *HashQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.closing)
}
