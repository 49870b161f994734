package torrent

import (
	requeststrategy "github.com/rstor/swarmcore/internal/request-strategy"
)

// BlockSize is the canonical request size used when splitting a chunk into
// pipelineable requests, matching the de facto wire default (distinct from
// peer_protocol.MaxBlockLength, which is the protocol's hard cap on a
// single request/piece message).
const BlockSize = 16 * 1024

type blockState int

const (
	blockFree blockState = iota
	blockReserved
	blockReceived
)

// PeerID identifies a connection for reservation bookkeeping. Connections
// mint their own unique, stable value (e.g. a monotonic counter); Delegator
// never interprets it beyond equality.
type PeerID uint64

// Piece is a concrete 16 KiB-aligned (or shorter tail) block request,
// returned by Delegator.Delegate.
type Piece struct {
	Index  int
	Begin  int
	Length int
}

type blockSlot struct {
	state      blockState
	reservedBy map[PeerID]bool // >1 entry only possible in endgame
}

type chunkProgress struct {
	blocks []blockSlot
}

func newChunkProgress(chunkLen int64) *chunkProgress {
	n := int((chunkLen + BlockSize - 1) / BlockSize)
	blocks := make([]blockSlot, n)
	return &chunkProgress{blocks: blocks}
}

func (cp *chunkProgress) freeCount() int {
	n := 0
	for _, b := range cp.blocks {
		if b.state == blockFree {
			n++
		}
	}
	return n
}

func (cp *chunkProgress) allReceived() bool {
	for _, b := range cp.blocks {
		if b.state != blockReceived {
			return false
		}
	}
	return true
}

// Delegator is the piece picker: given a peer's bitfield and connection
// state, it hands out one 16 KiB block request at a time, tracks in-flight
// reservations per peer, and latches endgame mode once few enough blocks
// remain globally. One Delegator per torrent.
//
// Selection policy (spec §4.3), in order: finish an in-progress chunk the
// peer has with the fewest free blocks remaining; else start a new chunk by
// rarest-first, skipping zero-priority files; in endgame, allow duplicate
// reservations of the same block across peers.
type Delegator struct {
	content *Content
	order   *requeststrategy.PieceRequestOrder

	inProgress map[int]*chunkProgress
	finished   map[int]bool

	filePriority []int // per-file priority, 0 = skip; index-aligned with content.files

	peerBlocks map[PeerID]map[int]map[int]bool // peer -> chunk -> block -> reserved

	totalBlocks     int
	receivedBlocks  int
	endgame         bool
	endgameFraction float64 // threshold: endgame when remaining/total < this
}

// NewDelegator builds a Delegator over content, with one rarest-first order
// entry per chunk not yet finished. pipelineDepth informs the endgame
// threshold (proportional to pipeline depth, per spec §4.3).
func NewDelegator(content *Content, pipelineDepth int) *Delegator {
	t := content.NumChunks()
	d := &Delegator{
		content:         content,
		order:           requeststrategy.NewPieceRequestOrder(requeststrategy.NewAjwernerBtree()),
		inProgress:      make(map[int]*chunkProgress),
		finished:        make(map[int]bool),
		filePriority:    make([]int, len(content.files)),
		peerBlocks:      make(map[PeerID]map[int]map[int]bool),
		endgameFraction: endgameFractionForDepth(pipelineDepth),
	}
	for i := range d.filePriority {
		d.filePriority[i] = 1
	}
	for i := 0; i < t; i++ {
		if content.bitfield.Get(i) {
			d.finished[i] = true
			continue
		}
		d.totalBlocks += numBlocksForChunk(content, i)
		d.order.Add(i, 0)
	}
	return d
}

func endgameFractionForDepth(pipelineDepth int) float64 {
	if pipelineDepth <= 0 {
		pipelineDepth = 1
	}
	// A handful of pipeline-depths' worth of blocks remaining is "nearly
	// done": worth paying the duplicate-request cost to close it out fast.
	f := float64(pipelineDepth*4) / 1000
	if f < 0.01 {
		f = 0.01
	}
	if f > 0.2 {
		f = 0.2
	}
	return f
}

func numBlocksForChunk(content *Content, index int) int {
	return int((content.GetChunkSize(index) + BlockSize - 1) / BlockSize)
}

// SetFilePriority sets file i's priority; 0 means skip entirely.
func (d *Delegator) SetFilePriority(fileIndex, priority int) {
	d.filePriority[fileIndex] = priority
}

// UpdateAvailability informs the rarest-first order that chunk index's
// global availability count changed (a peer connected/disconnected or sent
// a have/bitfield).
func (d *Delegator) UpdateAvailability(index, availability int) {
	d.order.Update(index, availability)
}

func (d *Delegator) chunkSkipped(index int) bool {
	begin := int64(index) * d.content.chunkSize
	end := begin + d.content.GetChunkSize(index)
	var off int64
	for fi, f := range d.content.files {
		fBegin, fEnd := off, off+f.Length
		off = fEnd
		if maxI64(begin, fBegin) < minI64(end, fEnd) && d.filePriority[fi] != 0 {
			return false
		}
	}
	return true
}

// Delegate returns a block request the given peer is permitted to issue, or
// ok=false if nothing is currently available from them.
func (d *Delegator) Delegate(peer PeerID, peerHas func(index int) bool) (p Piece, ok bool) {
	if index, block, found := d.pickInProgress(peer, peerHas); found {
		return d.reserve(peer, index, block), true
	}
	if index, block, found := d.pickNew(peer, peerHas); found {
		return d.reserve(peer, index, block), true
	}
	if d.endgame {
		if index, block, found := d.pickEndgameDuplicate(peer, peerHas); found {
			return d.reserve(peer, index, block), true
		}
	}
	return Piece{}, false
}

// pickInProgress prefers the in-progress chunk the peer has with the fewest
// free blocks remaining (fastest to finish).
func (d *Delegator) pickInProgress(peer PeerID, peerHas func(int) bool) (index, block int, ok bool) {
	bestFree := -1
	bestIndex := -1
	for idx, cp := range d.inProgress {
		if !peerHas(idx) || d.chunkSkipped(idx) {
			continue
		}
		if !d.hasFreeBlock(cp) {
			continue
		}
		free := cp.freeCount()
		if bestIndex == -1 || free < bestFree {
			bestFree, bestIndex = free, idx
		}
	}
	if bestIndex == -1 {
		return 0, 0, false
	}
	cp := d.inProgress[bestIndex]
	for bi, b := range cp.blocks {
		if b.state == blockFree {
			return bestIndex, bi, true
		}
	}
	return 0, 0, false
}

func (d *Delegator) hasFreeBlock(cp *chunkProgress) bool {
	for _, b := range cp.blocks {
		if b.state == blockFree {
			return true
		}
	}
	return false
}

// pickNew starts a new (not-started) chunk by rarest-first that the peer has
// and isn't skipped.
func (d *Delegator) pickNew(peer PeerID, peerHas func(int) bool) (index, block int, ok bool) {
	var chosen = -1
	d.order.Iter(func(item requeststrategy.PieceRequestOrderItem) bool {
		if d.finished[item.Index] {
			return true
		}
		if _, already := d.inProgress[item.Index]; already {
			return true
		}
		if !peerHas(item.Index) || d.chunkSkipped(item.Index) {
			return true
		}
		chosen = item.Index
		return false
	})
	if chosen == -1 {
		return 0, 0, false
	}
	d.inProgress[chosen] = newChunkProgress(d.content.GetChunkSize(chosen))
	return chosen, 0, true
}

// pickEndgameDuplicate picks any still-reserved (not yet received) block the
// peer has that it hasn't already reserved itself.
func (d *Delegator) pickEndgameDuplicate(peer PeerID, peerHas func(int) bool) (index, block int, ok bool) {
	for idx, cp := range d.inProgress {
		if !peerHas(idx) || d.chunkSkipped(idx) {
			continue
		}
		for bi, b := range cp.blocks {
			if b.state == blockReserved && !b.reservedBy[peer] {
				return idx, bi, true
			}
		}
	}
	return 0, 0, false
}

func (d *Delegator) reserve(peer PeerID, index, block int) Piece {
	cp := d.inProgress[index]
	slot := &cp.blocks[block]
	if slot.reservedBy == nil {
		slot.reservedBy = make(map[PeerID]bool)
	}
	slot.state = blockReserved
	slot.reservedBy[peer] = true

	if d.peerBlocks[peer] == nil {
		d.peerBlocks[peer] = make(map[int]map[int]bool)
	}
	if d.peerBlocks[peer][index] == nil {
		d.peerBlocks[peer][index] = make(map[int]bool)
	}
	d.peerBlocks[peer][index][block] = true

	begin := block * BlockSize
	length := BlockSize
	if remaining := int(d.content.GetChunkSize(index)) - begin; remaining < length {
		length = remaining
	}
	return Piece{Index: index, Begin: begin, Length: length}
}

// FinishedBlock marks a block received from peer. Subsequent duplicate
// arrivals for the same block (endgame) from other peers are no-ops.
func (d *Delegator) FinishedBlock(peer PeerID, p Piece) {
	cp, ok := d.inProgress[p.Index]
	if !ok {
		return
	}
	bi := p.Begin / BlockSize
	if bi < 0 || bi >= len(cp.blocks) {
		return
	}
	if cp.blocks[bi].state == blockReceived {
		return
	}
	cp.blocks[bi].state = blockReceived
	d.receivedBlocks++
	d.updateEndgame()
}

// FinishedChunk reports whether chunk index now has every block received.
func (d *Delegator) FinishedChunk(index int) bool {
	cp, ok := d.inProgress[index]
	if !ok {
		return false
	}
	return cp.allReceived()
}

// CommitChunk moves index from in-progress to finished, releasing its
// reservation bookkeeping. Called after Content.MarkDone succeeds.
func (d *Delegator) CommitChunk(index int) {
	delete(d.inProgress, index)
	d.finished[index] = true
	d.order.Delete(index)
}

// RedoChunk resets all block slots on hash failure, so the chunk is
// requested fresh.
func (d *Delegator) RedoChunk(index int) {
	cp, ok := d.inProgress[index]
	if !ok {
		return
	}
	for i := range cp.blocks {
		if cp.blocks[i].state == blockReceived {
			d.receivedBlocks--
		}
		cp.blocks[i] = blockSlot{}
	}
	d.updateEndgame()
}

// PeerDisconnected releases peer's reservations. In endgame, other peers'
// reservations of the same blocks remain; otherwise a released block reverts
// to free.
func (d *Delegator) PeerDisconnected(peer PeerID) {
	for index, blocks := range d.peerBlocks[peer] {
		cp, ok := d.inProgress[index]
		if !ok {
			continue
		}
		for bi := range blocks {
			slot := &cp.blocks[bi]
			delete(slot.reservedBy, peer)
			if slot.state == blockReserved && len(slot.reservedBy) == 0 {
				slot.state = blockFree
			}
		}
	}
	delete(d.peerBlocks, peer)
}

func (d *Delegator) updateEndgame() {
	if d.endgame || d.totalBlocks == 0 {
		return
	}
	remaining := d.totalBlocks - d.receivedBlocks
	if float64(remaining) < d.endgameFraction*float64(d.totalBlocks) {
		d.endgame = true
	}
}

// Endgame reports whether endgame mode has latched.
func (d *Delegator) Endgame() bool { return d.endgame }

// WantsFrom reports whether Delegate would currently find something to
// request from a peer with this bitfield, without reserving or starting
// anything (in particular, unlike pickNew, it never promotes a chunk into
// inProgress). Used to drive am_interested transitions independent of
// actually issuing a request.
func (d *Delegator) WantsFrom(peerHas func(index int) bool) bool {
	if _, _, found := d.pickInProgress(0, peerHas); found {
		return true
	}
	wantsNew := false
	d.order.Iter(func(item requeststrategy.PieceRequestOrderItem) bool {
		if d.finished[item.Index] {
			return true
		}
		if _, already := d.inProgress[item.Index]; already {
			return true
		}
		if !peerHas(item.Index) || d.chunkSkipped(item.Index) {
			return true
		}
		wantsNew = true
		return false
	})
	if wantsNew {
		return true
	}
	if d.endgame {
		if _, _, found := d.pickEndgameDuplicate(0, peerHas); found {
			return true
		}
	}
	return false
}

// FilePriorities returns the per-file priority slice, index-aligned with the
// torrent's file list, for fast-resume persistence.
func (d *Delegator) FilePriorities() []int {
	return d.filePriority
}
