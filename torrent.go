package torrent

import (
	"net"

	"github.com/rstor/swarmcore/metainfo"
)

// Torrent ties one torrent's Content, Delegator, and live peer connections
// together. Grounded on spec §3's "cyclic ownership between Content,
// DownloadNet, Delegator" note: rather than those three holding back-pointers
// to each other, Torrent is the single owner and hands out borrowed pointers
// good for its own lifetime (per §9's Design Note). The single-owner
// invariant itself is enforced by lockWithDeferreds, exactly as the teacher
// enforces it across its own Client/Torrent/Peer hierarchy: side effects
// that shouldn't run while still holding the lock (HAVE broadcasts,
// delegator/net disconnect bookkeeping) are queued with mu.Defer and run at
// Unlock, never inline from a foreign goroutine.
type Torrent struct {
	infoHash [20]byte
	info     metainfo.Info

	content   *Content
	delegator *Delegator
	net       *DownloadNet

	mu    lockWithDeferreds
	peers map[PeerID]*PeerConnection

	hashQueue     *HashQueue
	scheduler     *Scheduler
	choker        *ChokeManager
	throttle      *ThrottleControl
	pipelineDepth int

	availability map[int]int // chunk index -> number of connected peers that have it

	onDownloadComplete func()                // set by Engine, fires the tracker "completed" event
	onPeerDisconnect   func(peerID [20]byte) // set by Engine, releases the handshake dedup guard
}

// NewTorrent wires a Content (already Open'd) together with a fresh
// Delegator and connection set.
func NewTorrent(infoHash [20]byte, info metainfo.Info, content *Content, hashQueue *HashQueue, pipelineDepth int, maxUnchoked int, throttle *ThrottleControl) *Torrent {
	t := &Torrent{
		infoHash:      infoHash,
		info:          info,
		content:       content,
		hashQueue:     hashQueue,
		scheduler:     NewScheduler(),
		choker:        NewChokeManager(maxUnchoked),
		throttle:      throttle,
		pipelineDepth: pipelineDepth,
		peers:         make(map[PeerID]*PeerConnection),
		availability:  make(map[int]int),
	}
	t.delegator = NewDelegator(content, pipelineDepth)
	t.net = NewDownloadNet(t)
	t.scheduleChokeCycle()
	content.OnComplete(func() {
		t.mu.Defer(func() {
			if t.onDownloadComplete != nil {
				t.onDownloadComplete()
			}
		})
	})
	return t
}

// OnDownloadComplete installs the callback fired once every chunk has been
// verified, deferred onto the single-owner goroutine exactly like HAVE
// broadcasts rather than run inline from onChunkHashed.
func (t *Torrent) OnDownloadComplete(f func()) { t.onDownloadComplete = f }

// OnPeerDisconnect installs the callback fired after a PeerConnection's
// loops have exited, reporting its wire peer id so the caller (the Engine's
// HandshakeManager) can release its duplicate-connection guard.
func (t *Torrent) OnPeerDisconnect(f func(peerID [20]byte)) { t.onPeerDisconnect = f }

// Tick drains any completed hash jobs and runs whatever scheduled work is
// now due. Intended to be called once per iteration of the owning Engine's
// run loop (see engine.go), which is also the single logical owner for this
// Torrent's state under spec §5.
func (t *Torrent) Tick() {
	t.hashQueue.DrainResults()
	t.scheduler.RunDue()
}

func (t *Torrent) scheduleChokeCycle() {
	t.scheduler.After(chokeCycle, func() {
		t.runChokeCycle()
		t.scheduleChokeCycle()
	})
}

// runChokeCycle gathers current per-peer rate candidates, asks the
// ChokeManager for this cycle's unchoke set, and applies the resulting
// transitions. Each peer is ranked by its cumulative upload total
// (pc.upTotal: bytes sent to it since the connection opened), whether or not
// this torrent is still downloading; no per-cycle rate is computed and
// download totals are not used.
func (t *Torrent) runChokeCycle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	candidates := make([]candidate, 0, len(t.peers))
	for id, pc := range t.peers {
		candidates = append(candidates, candidate{
			id:          id,
			interested:  pc.peerInterested,
			currentRate: pc.upTotal.Int64(),
			unchoked:    !pc.amChoking,
		})
	}
	unchoke := t.choker.Cycle(candidates)
	for id, pc := range t.peers {
		pc.SetAmChoking(!unchoke[id])
	}
}

// AddPeer registers an already-handshaken connection and starts its loops.
func (t *Torrent) AddPeer(pc *PeerConnection) {
	t.mu.Lock()
	t.peers[pc.id] = pc
	t.mu.Defer(func() { t.net.onPeerConnected(pc) })
	t.mu.Unlock()
	pc.Start(func(err error) { t.onPeerError(pc, err) })
}

func (t *Torrent) onPeerError(pc *PeerConnection, err error) {
	pc.Close()
	t.mu.Lock()
	delete(t.peers, pc.id)
	t.mu.Defer(func() {
		t.delegator.PeerDisconnected(pc.id)
		t.net.onPeerDisconnected(pc)
		if t.onPeerDisconnect != nil {
			t.onPeerDisconnect(pc.wireID)
		}
	})
	t.mu.Unlock()
}

// delegate asks the Delegator for a block to request from a peer, holding
// mu for the duration so Delegate's reservation bookkeeping stays
// single-owner-safe even though it's invoked from each PeerConnection's own
// receiveLoop goroutine rather than the owning Engine's Tick loop.
func (t *Torrent) delegate(peer PeerID, peerHas func(int) bool) (Piece, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delegator.Delegate(peer, peerHas)
}

// wantsFrom reports whether the Delegator currently has anything it would
// request from a peer with the given bitfield, without reserving it.
func (t *Torrent) wantsFrom(peerHas func(int) bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delegator.WantsFrom(peerHas)
}

// onBlockReceived is called by PeerConnection when a full block has been
// written into storage. It updates the delegator, and on chunk completion
// hands the chunk to the hash queue; the hash result is only acted on
// (mark_done / redo_chunk) once drained onto the scheduler, never inline
// from the hash worker goroutine.
func (t *Torrent) onBlockReceived(peer PeerID, p Piece) {
	t.mu.Lock()
	t.delegator.FinishedBlock(peer, p)
	finished := t.delegator.FinishedChunk(p.Index)
	t.mu.Unlock()
	if !finished {
		return
	}
	piece, err := t.content.Piece(p.Index)
	if err != nil {
		return
	}
	length := t.content.GetChunkSize(p.Index)
	expected := t.content.PieceHash(p.Index)
	index := p.Index
	t.hashQueue.Submit(piece, length, expected, func(ok bool) {
		t.onChunkHashed(index, ok)
	})
}

// onChunkHashed is invoked from HashQueue.DrainResults, which Tick calls
// from the single owner goroutine — never inline from the hash worker.
func (t *Torrent) onChunkHashed(index int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !ok {
		t.delegator.RedoChunk(index)
		return
	}
	t.delegator.CommitChunk(index)
	t.content.MarkDone(index)
	t.mu.Defer(func() { t.net.broadcastHave(index) })
}

// peerHasChunk updates chunk availability counters and informs the
// delegator's rarest-first ordering.
func (t *Torrent) peerHasChunk(index int, nowHas bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if nowHas {
		t.availability[index]++
	} else if t.availability[index] > 0 {
		t.availability[index]--
	}
	t.delegator.UpdateAvailability(index, t.availability[index])
}

// resumeCheck applies a loaded fast-resume record (spec §6): a file whose
// on-disk mtime no longer matches the record is untrusted end to end, so
// every chunk overlapping it is queued for re-verification against the
// stored hash rather than trusted from the resume bitfield; every other
// chunk the resume bitfield claims complete is marked done immediately. It
// returns the HashTorrent driving the re-verification so the caller can
// Start it; the caller's own Tick loop (via t.hashQueue.DrainResults) is
// what actually runs the re-verification work.
func (t *Torrent) resumeCheck(res metainfo.Resume, fileMtimes []int64) *HashTorrent {
	t.mu.Lock()
	defer t.mu.Unlock()

	numChunks := t.content.NumChunks()
	dirty := make([]bool, numChunks)
	var off int64
	for i, fe := range t.content.files {
		fBegin, fEnd := off, off+fe.Length
		off = fEnd
		if i < len(res.Files) {
			t.delegator.SetFilePriority(i, res.Files[i].Priority)
		}
		stale := i >= len(fileMtimes) || i >= len(res.Files) || fileMtimes[i] != res.Files[i].Mtime
		if !stale {
			continue
		}
		beginChunk := int(fBegin / t.content.chunkSize)
		endChunk := int((fEnd + t.content.chunkSize - 1) / t.content.chunkSize)
		for c := beginChunk; c < endChunk && c < numChunks; c++ {
			dirty[c] = true
		}
	}

	ht := NewHashTorrent(t.content, t.hashQueue, t.pipelineDepth)
	ht.OnChunkDone(func(index int, ok bool) { t.onChunkHashed(index, ok) })

	wantBytes := (numChunks + 7) / 8
	rangeStart := -1
	for i := 0; i < numChunks; i++ {
		if dirty[i] {
			if rangeStart == -1 {
				rangeStart = i
			}
			continue
		}
		if rangeStart != -1 {
			ht.AddRange(rangeStart, i)
			rangeStart = -1
		}
		if i/8 < wantBytes && i/8 < len(res.Bitfield) && res.Bitfield[i/8]&(1<<uint(7-i%8)) != 0 {
			t.content.MarkDone(i)
			t.delegator.CommitChunk(i)
		}
	}
	if rangeStart != -1 {
		ht.AddRange(rangeStart, numChunks)
	}
	return ht
}

// saveResume snapshots the torrent's current completion bitfield, per-file
// priorities, and connected-peer addresses into a fast-resume record ready
// for metainfo.SaveResume. fileMtimes must be index-aligned with the
// torrent's file list and is recorded as-is, so a later resumeCheck call can
// detect which files changed on disk in the meantime.
func (t *Torrent) saveResume(fileMtimes []int64) metainfo.Resume {
	t.mu.Lock()
	priorities := t.delegator.FilePriorities()
	files := make([]metainfo.FileResumeEntry, len(priorities))
	for i, p := range priorities {
		mtime := int64(0)
		if i < len(fileMtimes) {
			mtime = fileMtimes[i]
		}
		files[i] = metainfo.FileResumeEntry{Mtime: mtime, Priority: p}
	}
	bitfield := t.content.bitfield.Marshal()
	peers := make([]*PeerConnection, 0, len(t.peers))
	for _, pc := range t.peers {
		peers = append(peers, pc)
	}
	t.mu.Unlock()

	compact := make([]metainfo.CompactPeer, 0, len(peers))
	for _, pc := range peers {
		tcpAddr, ok := pc.conn.RemoteAddr().(*net.TCPAddr)
		if !ok {
			continue
		}
		ip4 := tcpAddr.IP.To4()
		if ip4 == nil {
			continue
		}
		var cp metainfo.CompactPeer
		copy(cp.IP[:], ip4)
		cp.Port = uint16(tcpAddr.Port)
		compact = append(compact, cp)
	}

	return metainfo.Resume{
		Bitfield: bitfield,
		Files:    files,
		Peers:    metainfo.MarshalCompactPeers(compact),
	}
}
