package torrent

import "sync"

// availablePeer is a known-but-not-connected peer address, deduplicated by
// address.
type availablePeer struct {
	addr   string
	peerID [20]byte
}

// DownloadNet owns one torrent's live connection set and its pool of known,
// not-yet-connected peer addresses. Grounded on spec §4.6 and the teacher's
// own peerHasWantedPieces/iterPeers iteration idiom in peer.go, generalized
// into a standalone connection manager since the teacher embeds this logic
// directly in Torrent rather than factoring it out.
type DownloadNet struct {
	t *Torrent

	mu        sync.Mutex
	available map[string]availablePeer
	maxPeers  int

	endgame bool
}

// NewDownloadNet returns a DownloadNet bounded to maxPeers available (not
// necessarily connected) addresses; 0 means unbounded.
func NewDownloadNet(t *Torrent) *DownloadNet {
	return &DownloadNet{t: t, available: make(map[string]availablePeer), maxPeers: 200}
}

// AddAvailablePeer records addr as a candidate to connect to, subject to the
// maxPeers bound (oldest-dropped-first is not tracked; once full, new
// entries are simply ignored until the pool drains via successful connects).
func (n *DownloadNet) AddAvailablePeer(addr string, peerID [20]byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.available[addr]; ok {
		return
	}
	if n.maxPeers > 0 && len(n.available) >= n.maxPeers {
		return
	}
	n.available[addr] = availablePeer{addr: addr, peerID: peerID}
}

// ConnectPeers removes up to n candidates from the available pool for the
// caller (typically a HandshakeManager) to dial.
func (n *DownloadNet) ConnectPeers(count int) []availablePeer {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]availablePeer, 0, count)
	for addr, p := range n.available {
		if len(out) >= count {
			break
		}
		out = append(out, p)
		delete(n.available, addr)
	}
	return out
}

func (n *DownloadNet) onPeerConnected(pc *PeerConnection) {
	// A freshly connected peer with no bitfield yet contributes nothing to
	// availability; Have/Bitfield messages update it as they arrive via
	// peerHasChunk, called from the connection's message handling.
}

func (n *DownloadNet) onPeerDisconnected(pc *PeerConnection) {
	pc.peerPieces.Iterate(func(i int) bool {
		n.t.peerHasChunk(i, false)
		return true
	})
}

// broadcastHave sends a have message for index to every connected peer that
// doesn't already have it, per spec §4.6 (dedup by peer bitfield).
func (n *DownloadNet) broadcastHave(index int) {
	n.t.mu.Lock()
	peers := make([]*PeerConnection, 0, len(n.t.peers))
	for _, pc := range n.t.peers {
		peers = append(peers, pc)
	}
	n.t.mu.Unlock()
	for _, pc := range peers {
		if pc.PeerHasPiece(index) {
			continue
		}
		pc.SendHave(index)
	}
}

// NumConnected returns the number of live peer connections.
func (n *DownloadNet) NumConnected() int {
	n.t.mu.Lock()
	defer n.t.mu.Unlock()
	return len(n.t.peers)
}
