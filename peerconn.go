package torrent

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/chansync"
	pp "github.com/rstor/swarmcore/peer_protocol"
	"golang.org/x/time/rate"
)

// Per spec §4.4/§4.5's timing constants.
const (
	snubbedAfter      = 60 * time.Second
	keepaliveInterval = 120 * time.Second
	dropAfter         = 240 * time.Second

	writeBufferHighWaterLen = 1 << 20
	writeBufferLowWaterLen  = writeBufferHighWaterLen / 2
)

// PeerConnection is one peer's BitTorrent wire-protocol state machine: the
// four choke/interest booleans, the request pipeline, and the buffered send
// loop. Grounded directly on the teacher's peer.go (request bookkeeping,
// snubbing, nominalMaxRequests) and peer-conn-msg-writer.go (coalesced,
// control-frames-first buffered writer, and its chansync-based wake signal
// in place of a busy poll) — adapted to drop uTP/WebRTC/DHT-PEX and the
// extension handshake, none of which are in scope.
type PeerConnection struct {
	id      PeerID
	wireID  [20]byte // the 20-byte BEP 3 peer id exchanged at handshake
	conn    net.Conn
	rw      *bufio.ReadWriter
	torrent *Torrent

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	peerPieces *PeerPieces

	outstanding map[pieceKey]struct{} // our requests awaiting a piece reply
	snubbed     bool

	lastSendActivity time.Time
	lastRecvActivity time.Time

	// upTotal/downTotal mirror the teacher's atomic-count.go Count type:
	// lock-free running byte totals, cheap to read from the choke cycle's
	// rate ranking (choke.go's candidate.currentRate).
	upTotal   Count
	downTotal Count

	upLimiter *rate.Limiter // per-peer egress cap, nil when unthrottled

	mu        sync.Mutex   // guards sendQueue against sendLoop/receiveLoop/the Torrent owner goroutine
	sendQueue []pp.Message // control frames and piece data queued for the write loop
	writeCond chansync.BroadcastCond

	closed chansync.SetOnce
}

type pieceKey struct {
	index, begin int
}

// NewPeerConnection wraps an already-handshaken net.Conn. wireID is the
// peer's 20-byte id from the handshake, kept so a later disconnect can be
// reported back to the HandshakeManager's duplicate-connection guard.
// reader, if non-nil, is the bufio.Reader the handshake was read through —
// reused here so any bytes the peer pipelined immediately after the
// handshake (already buffered but unread) aren't lost to a fresh, empty
// buffer. am_choking starts true, am_interested/peer_choking/peer_interested
// default per spec §4.4.
func NewPeerConnection(id PeerID, wireID [20]byte, conn net.Conn, t *Torrent, reader *bufio.Reader) *PeerConnection {
	if reader == nil {
		reader = bufio.NewReader(conn)
	}
	now := time.Now()
	pc := &PeerConnection{
		id:               id,
		wireID:           wireID,
		conn:             conn,
		rw:               bufio.NewReadWriter(reader, bufio.NewWriter(conn)),
		torrent:          t,
		amChoking:        true,
		peerChoking:      true,
		peerPieces:       NewPeerPieces(),
		outstanding:      make(map[pieceKey]struct{}),
		lastSendActivity: now,
		lastRecvActivity: now,
	}
	if t.throttle != nil {
		pc.upLimiter, _ = t.throttle.PeerLimiters()
	}
	return pc
}

// Start sends the initial bitfield (if any chunks are complete) and launches
// the receive and send loops. Errors surface through onError.
func (pc *PeerConnection) Start(onError func(error)) {
	if pc.torrent.content.bitfield.PopCount() > 0 {
		pc.queue(pp.Message{Type: pp.Bitfield, Bitfield: pc.torrent.content.bitfield.Marshal()})
	}
	go pc.sendLoop(onError)
	go pc.receiveLoop(onError)
}

func (pc *PeerConnection) queue(m pp.Message) {
	pc.mu.Lock()
	if m.Type == pp.Piece {
		pc.sendQueue = append(pc.sendQueue, m)
	} else {
		// Control frames go ahead of queued block data; FIFO within each class.
		i := 0
		for i < len(pc.sendQueue) && pc.sendQueue[i].Type != pp.Piece {
			i++
		}
		pc.sendQueue = append(pc.sendQueue, pp.Message{})
		copy(pc.sendQueue[i+1:], pc.sendQueue[i:])
		pc.sendQueue[i] = m
	}
	pc.mu.Unlock()
	pc.writeCond.Broadcast()
}

// tryAcquireUpload reports whether n bytes of piece data may be sent right
// now under both the torrent's global upload budget and this peer's own
// cap. rate.Limiter is safe for concurrent use, so this may be called
// directly from each connection's own sendLoop goroutine without routing
// through Torrent's single-owner lock or Scheduler.
func (pc *PeerConnection) tryAcquireUpload(n int) bool {
	if pc.torrent.throttle == nil || pc.upLimiter == nil {
		return true
	}
	return TryAcquire(pc.torrent.throttle.globalUp, pc.upLimiter, n)
}

// sendLoop drains the queue, coalescing writes and sending periodic
// keepalives, mirroring peer-conn-msg-writer.go's write-buffer discipline.
// Idle waiting uses writeCond/closed (chansync.BroadcastCond/SetOnce, the
// teacher's own primitives for this exact writer) rather than a busy-polling
// sleep, so a freshly-queued message or a close is observed immediately.
func (pc *PeerConnection) sendLoop(onError func(error)) {
	keepAliveTimer := time.NewTimer(keepaliveInterval)
	defer keepAliveTimer.Stop()
	for {
		if pc.closed.IsSet() {
			return
		}

		pc.mu.Lock()
		empty := len(pc.sendQueue) == 0
		if empty && time.Since(pc.lastSendActivity) >= keepaliveInterval {
			pc.sendQueue = append(pc.sendQueue, pp.Message{Keepalive: true})
			empty = false
		}
		if empty {
			writeCond := pc.writeCond.Signaled()
			pc.mu.Unlock()
			select {
			case <-pc.closed.Done():
				return
			case <-writeCond:
			case <-keepAliveTimer.C:
			}
			continue
		}
		msgs := pc.sendQueue
		pc.sendQueue = nil
		pc.mu.Unlock()

		wrote := 0
		for i, m := range msgs {
			if m.Type == pp.Piece && !pc.tryAcquireUpload(len(m.Piece)) {
				// Global or per-peer budget exhausted: put this piece (and
				// everything queued after it) back for the next iteration
				// rather than blocking the single send goroutine in place.
				pc.mu.Lock()
				pc.sendQueue = append(append([]pp.Message(nil), msgs[i:]...), pc.sendQueue...)
				pc.mu.Unlock()
				pc.writeCond.Broadcast()
				break
			}
			if err := m.WriteTo(pc.rw); err != nil {
				onError(err)
				return
			}
			wrote++
			pc.lastSendActivity = time.Now()
			if m.Type == pp.Piece {
				pc.upTotal.Add(int64(len(m.Piece)))
			}
		}
		if wrote > 0 {
			keepAliveTimer.Reset(keepaliveInterval)
		}
		if err := pc.rw.Flush(); err != nil {
			onError(err)
			return
		}
	}
}

// receiveLoop parses frames as they arrive; piece frames stream block bytes
// directly into the mapped chunk.
func (pc *PeerConnection) receiveLoop(onError func(error)) {
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(pc.rw, lenBuf[:]); err != nil {
			onError(err)
			return
		}
		length := uint32(lenBuf[0])<<24 | uint32(lenBuf[1])<<16 | uint32(lenBuf[2])<<8 | uint32(lenBuf[3])
		m, err := pp.ReadMessage(pc.rw, length)
		if err != nil {
			onError(err)
			return
		}
		pc.lastRecvActivity = time.Now()
		if m.Keepalive {
			continue
		}
		if err := pc.handleMessage(m); err != nil {
			onError(err)
			return
		}
	}
}

func (pc *PeerConnection) handleMessage(m pp.Message) error {
	switch m.Type {
	case pp.Choke:
		pc.peerChoking = true
	case pp.Unchoke:
		pc.peerChoking = false
		pc.fillPipeline()
	case pp.Interested:
		pc.peerInterested = true
	case pp.NotInterested:
		pc.peerInterested = false
	case pp.Have:
		if !pc.peerPieces.Contains(int(m.Index)) {
			pc.peerPieces.Add(int(m.Index))
			pc.torrent.peerHasChunk(int(m.Index), true)
		}
		pc.updateInterest()
		pc.fillPipeline()
	case pp.Bitfield:
		if err := pc.peerPieces.UnmarshalBitfield(m.Bitfield, pc.torrent.content.bitfield.Len()); err != nil {
			return err
		}
		pc.peerPieces.Iterate(func(i int) bool {
			pc.torrent.peerHasChunk(i, true)
			return true
		})
		pc.updateInterest()
		pc.fillPipeline()
	case pp.Request:
		return pc.handleRequest(m)
	case pp.Piece:
		return pc.handlePiece(m)
	case pp.Cancel:
		pc.cancelQueuedPiece(int(m.Index), int(m.Begin), int(m.Length))
	default:
		return fmt.Errorf("unhandled message type %v", m.Type)
	}
	return nil
}

// updateInterest declares interest in this peer exactly when the Delegator
// has (or would have) something to request from it, per spec §4.4's
// send-transitions-only interested/not-interested rule.
func (pc *PeerConnection) updateInterest() {
	pc.SetAmInterested(pc.torrent.wantsFrom(pc.peerPieces.Contains))
}

// fillPipeline asks the Delegator for as many block requests as this
// connection's pipeline has room for and issues them, per spec §4.4's "on
// unchoke, fill the pipeline" rule. A no-op while still choked by the peer.
func (pc *PeerConnection) fillPipeline() {
	if pc.peerChoking {
		return
	}
	depth := pc.torrent.pipelineDepth
	if depth < 1 {
		depth = 1
	}
	for len(pc.outstanding) < depth {
		piece, ok := pc.torrent.delegate(pc.id, pc.peerPieces.Contains)
		if !ok {
			return
		}
		pc.RequestBlock(piece)
	}
}

func (pc *PeerConnection) handleRequest(m pp.Message) error {
	if pc.amChoking {
		return nil // choked peers' requests are simply dropped
	}
	if int(m.Length) > pp.MaxBlockLength {
		return fmt.Errorf("request length %d exceeds max block length", m.Length)
	}
	piece, err := pc.torrent.content.Piece(int(m.Index))
	if err != nil {
		return err
	}
	buf := make([]byte, m.Length)
	if _, err := piece.ReadAt(buf, int64(m.Begin)); err != nil {
		piece.Release()
		return err
	}
	piece.Release()
	pc.queue(pp.Message{Type: pp.Piece, Index: m.Index, Begin: m.Begin, Piece: buf})
	return nil
}

func (pc *PeerConnection) handlePiece(m pp.Message) error {
	key := pieceKey{int(m.Index), int(m.Begin)}
	if _, ok := pc.outstanding[key]; !ok {
		return nil // unsolicited or already-cancelled piece, ignore
	}
	delete(pc.outstanding, key)
	pc.downTotal.Add(int64(len(m.Piece)))

	piece, err := pc.torrent.content.Piece(int(m.Index))
	if err != nil {
		return err
	}
	_, err = piece.WriteAt(m.Piece, int64(m.Begin))
	piece.Release()
	if err != nil {
		return err
	}

	pc.torrent.onBlockReceived(pc.id, Piece{Index: int(m.Index), Begin: int(m.Begin), Length: len(m.Piece)})
	pc.fillPipeline()
	return nil
}

func (pc *PeerConnection) cancelQueuedPiece(index, begin, length int) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := pc.sendQueue[:0]
	for _, m := range pc.sendQueue {
		if m.Type == pp.Piece && int(m.Index) == index && int(m.Begin) == begin {
			continue
		}
		out = append(out, m)
	}
	pc.sendQueue = out
}

// RequestBlock issues a request for p and records it as outstanding. Always
// called from this connection's own receiveLoop goroutine (directly, or via
// fillPipeline from handleMessage), so outstanding needs no lock of its own.
func (pc *PeerConnection) RequestBlock(p Piece) {
	pc.outstanding[pieceKey{p.Index, p.Begin}] = struct{}{}
	pc.queue(pp.Message{Type: pp.Request, Index: uint32(p.Index), Begin: uint32(p.Begin), Length: uint32(p.Length)})
}

// SendHave announces a newly-completed chunk.
func (pc *PeerConnection) SendHave(index int) {
	pc.queue(pp.Message{Type: pp.Have, Index: uint32(index)})
}

// SetAmInterested sends interested/not-interested only on a transition.
func (pc *PeerConnection) SetAmInterested(interested bool) {
	if pc.amInterested == interested {
		return
	}
	pc.amInterested = interested
	if interested {
		pc.queue(pp.Message{Type: pp.Interested})
	} else {
		pc.queue(pp.Message{Type: pp.NotInterested})
	}
}

// SetAmChoking sends choke/unchoke only on a transition.
func (pc *PeerConnection) SetAmChoking(choking bool) {
	if pc.amChoking == choking {
		return
	}
	pc.amChoking = choking
	if choking {
		pc.queue(pp.Message{Type: pp.Choke})
	} else {
		pc.queue(pp.Message{Type: pp.Unchoke})
	}
}

// PeerHasPiece reports whether the peer's bitfield has index set.
func (pc *PeerConnection) PeerHasPiece(index int) bool {
	return pc.peerPieces.Contains(index)
}

// Snubbed reports whether nothing at all (any message, keepalives included)
// has been received from this peer for snubbedAfter. Outstanding requests
// are not consulted.
func (pc *PeerConnection) Snubbed(now time.Time) bool {
	return now.Sub(pc.lastRecvActivity) >= snubbedAfter
}

// ShouldDrop reports whether the connection has been silent past dropAfter.
func (pc *PeerConnection) ShouldDrop(now time.Time) bool {
	return now.Sub(pc.lastRecvActivity) >= dropAfter
}

// nominalMaxRequests computes the pipeline depth: max(2, min(512,
// rtt_rate*window/block_size)), per spec §4.4.
func nominalMaxRequests(downloadRateBytesPerSec float64, windowSeconds float64) int {
	n := int(downloadRateBytesPerSec * windowSeconds / BlockSize)
	if n < 2 {
		n = 2
	}
	if n > 512 {
		n = 512
	}
	return n
}

// Close tears down the connection and stops both loops.
func (pc *PeerConnection) Close() error {
	if !pc.closed.Set() {
		return nil
	}
	return pc.conn.Close()
}
