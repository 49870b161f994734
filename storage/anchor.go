package storage

import (
	"container/list"
	"sync"
)

// anchorPool is a pooled table of per-chunk resources (here: a chunk's
// mmap'd segments) indexed by chunk id, refcounted so concurrent peer
// sessions can share a mapping, with an LRU list of zero-refcount entries
// evicted once the pool exceeds its cap. Grounded on spec §9's "reference-
// counted chunk handles with explicit anchors" design note.
type anchorPool struct {
	mu       sync.Mutex
	cap      int
	entries  map[int]*anchor
	zeroRefs *list.List // of *anchor, oldest first
	evict    func(index int, res any)
}

type anchor struct {
	index    int
	refs     int
	resource any
	elem     *list.Element // position in zeroRefs, nil if refs > 0
}

// newAnchorPool bounds resident zero-ref entries to capBytes/chunkSize,
// per spec's "32 MiB / chunk_size" sizing.
func newAnchorPool(capBytes, chunkSize int64, evict func(index int, res any)) *anchorPool {
	n := int(capBytes / chunkSize)
	if n < 1 {
		n = 1
	}
	return &anchorPool{
		cap:      n,
		entries:  make(map[int]*anchor),
		zeroRefs: list.New(),
		evict:    evict,
	}
}

// acquire returns the resource for index, creating it via open if absent,
// and increments its refcount.
func (p *anchorPool) acquire(index int, open func() (any, error)) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.entries[index]; ok {
		if a.elem != nil {
			p.zeroRefs.Remove(a.elem)
			a.elem = nil
		}
		a.refs++
		return a.resource, nil
	}
	res, err := open()
	if err != nil {
		return nil, err
	}
	p.entries[index] = &anchor{index: index, refs: 1, resource: res}
	return res, nil
}

// release decrements index's refcount; at zero it joins the eviction list
// and, if the pool is over capacity, the oldest zero-ref entries are evicted.
func (p *anchorPool) release(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.entries[index]
	if !ok {
		internalErrorf("release of unknown anchor %d", index)
	}
	a.refs--
	if a.refs < 0 {
		internalErrorf("anchor %d refcount went negative", index)
	}
	if a.refs == 0 {
		a.elem = p.zeroRefs.PushBack(a)
	}
	p.evictOverCap()
}

func (p *anchorPool) evictOverCap() {
	for len(p.entries) > p.cap && p.zeroRefs.Len() > 0 {
		front := p.zeroRefs.Front()
		a := front.Value.(*anchor)
		p.zeroRefs.Remove(front)
		delete(p.entries, a.index)
		if p.evict != nil {
			p.evict(a.index, a.resource)
		}
	}
}

// closeAll evicts every remaining entry regardless of refcount, for use when
// the owning TorrentImpl is closed.
func (p *anchorPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for index, a := range p.entries {
		if p.evict != nil {
			p.evict(index, a.resource)
		}
		delete(p.entries, index)
	}
	p.zeroRefs.Init()
}
