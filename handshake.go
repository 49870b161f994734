package torrent

import (
	"bufio"
	"fmt"
	"net"
	"sync"

	pp "github.com/rstor/swarmcore/peer_protocol"
)

// HandshakeManager performs the fixed 68-byte handshake exchange (spec
// §4.4), dispatches the resulting connection to the right Torrent by info
// hash, and refuses duplicate connections to the same (infohash, peerid)
// pair — incoming is dropped if an outgoing to the same peer is already
// active, tie broken by lexicographic peer-id order, per the teacher's own
// BEP-canonical duplicate-connection handling.
type HandshakeManager struct {
	peerID        [20]byte
	maxIncoming   int
	torrentByHash func(infoHash [20]byte) (*Torrent, bool)

	mu        sync.Mutex
	connected map[[40]byte]bool // (infohash||peerid) -> established
	incoming  int
}

// NewHandshakeManager returns a manager using the given local peer id and
// incoming-connection concurrency bound.
func NewHandshakeManager(peerID [20]byte, maxIncoming int, torrentByHash func([20]byte) (*Torrent, bool)) *HandshakeManager {
	return &HandshakeManager{
		peerID:        peerID,
		maxIncoming:   maxIncoming,
		torrentByHash: torrentByHash,
		connected:     make(map[[40]byte]bool),
	}
}

func connKey(infoHash, peerID [20]byte) (k [40]byte) {
	copy(k[:20], infoHash[:])
	copy(k[20:], peerID[:])
	return
}

// AcceptIncoming performs the responder side of a handshake on conn.
func (hm *HandshakeManager) AcceptIncoming(conn net.Conn) (*PeerConnection, *Torrent, error) {
	hm.mu.Lock()
	if hm.maxIncoming > 0 && hm.incoming >= hm.maxIncoming {
		hm.mu.Unlock()
		conn.Close()
		return nil, nil, fmt.Errorf("handshake: incoming connection limit reached")
	}
	hm.incoming++
	hm.mu.Unlock()
	defer func() {
		hm.mu.Lock()
		hm.incoming--
		hm.mu.Unlock()
	}()

	return hm.complete(conn, false, [20]byte{})
}

// DialOutgoing performs the initiator side of a handshake against addr for
// the given torrent.
func (hm *HandshakeManager) DialOutgoing(addr string, infoHash [20]byte) (*PeerConnection, *Torrent, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	hs := pp.Handshake{InfoHash: infoHash, PeerId: hm.peerID}
	if _, err := conn.Write(hs.Marshal()); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return hm.complete(conn, true, infoHash)
}

func (hm *HandshakeManager) complete(conn net.Conn, outgoing bool, wantInfoHash [20]byte) (*PeerConnection, *Torrent, error) {
	r := bufio.NewReader(conn)
	peerHS, err := pp.ReadHandshake(r)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if peerHS.InfoHash == ([20]byte{}) {
		conn.Close()
		return nil, nil, fmt.Errorf("handshake: zero info hash")
	}
	if peerHS.PeerId == hm.peerID {
		conn.Close()
		return nil, nil, fmt.Errorf("handshake: connected to self")
	}
	if outgoing && peerHS.InfoHash != wantInfoHash {
		conn.Close()
		return nil, nil, fmt.Errorf("handshake: info hash mismatch")
	}

	t, ok := hm.torrentByHash(peerHS.InfoHash)
	if !ok {
		conn.Close()
		return nil, nil, fmt.Errorf("handshake: unknown info hash")
	}

	if !outgoing {
		hs := pp.Handshake{InfoHash: peerHS.InfoHash, PeerId: hm.peerID}
		if _, err := conn.Write(hs.Marshal()); err != nil {
			conn.Close()
			return nil, nil, err
		}
	}

	key := connKey(peerHS.InfoHash, peerHS.PeerId)
	hm.mu.Lock()
	if hm.connected[key] {
		// Duplicate connection: refuse the incoming side, tie-broken by
		// lexicographic peer-id order so both ends agree on the loser.
		hm.mu.Unlock()
		if !outgoing || string(hm.peerID[:]) > string(peerHS.PeerId[:]) {
			conn.Close()
			return nil, nil, fmt.Errorf("handshake: duplicate connection to %x refused", peerHS.PeerId)
		}
	} else {
		hm.connected[key] = true
		hm.mu.Unlock()
	}

	pc := NewPeerConnection(nextPeerID(), peerHS.PeerId, conn, t, r)
	return pc, t, nil
}

// Disconnected releases the (infohash, peerid) pair's duplicate-connection
// guard, so a later reconnect from the same peer is no longer refused by the
// check in complete above. Torrent calls this from its own disconnect
// handling once a PeerConnection's loops have exited.
func (hm *HandshakeManager) Disconnected(infoHash, peerID [20]byte) {
	key := connKey(infoHash, peerID)
	hm.mu.Lock()
	delete(hm.connected, key)
	hm.mu.Unlock()
}

var peerIDCounter uint64Counter

type uint64Counter struct {
	mu sync.Mutex
	n  uint64
}

func (c *uint64Counter) next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

func nextPeerID() PeerID { return PeerID(peerIDCounter.next()) }
