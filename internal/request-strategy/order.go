// Package requestStrategy implements the piece picker's ordering and
// selection policy described in spec §4.3: rarest-first ordering over
// in-progress and not-started chunks, backed by an ordered set so the
// rarest chunk is always a single Scan away.
//
// Grounded on the teacher's torrent-piece-request-order.go /
// client-piece-request-order.go (piece ordering keyed by availability) and
// internal/request-strategy/ajwerner-btree.go (the ordered-set backing,
// kept as-is since ajwerner/btree already fits this role exactly).
package requestStrategy

import (
	"github.com/anacrolix/multiless"
)

// PieceRequestOrderItem is one chunk's ordering key: how many known peers
// have it (global availability) and its index, used only to break ties
// deterministically.
type PieceRequestOrderItem struct {
	Index        int
	Availability int
}

// Btree is the ordered-set contract PieceRequestOrder needs. ajwernerBtree
// is the only implementation; the interface exists so tests can substitute
// a reference implementation.
type Btree interface {
	Contains(item PieceRequestOrderItem) bool
	Add(item PieceRequestOrderItem)
	Delete(item PieceRequestOrderItem)
	Scan(f func(PieceRequestOrderItem) bool)
}

// pieceOrderLess orders by availability ascending (rarest first), breaking
// ties by index ascending, exactly as spec §4.3's selection policy step 2
// requires.
func pieceOrderLess(l, r *PieceRequestOrderItem) multiless.Computation {
	return multiless.New().Int(l.Availability, r.Availability).Int(l.Index, r.Index)
}

// PieceRequestOrder is the rarest-first ordered set of chunks eligible for
// new (not-yet-in-progress) selection. One exists per torrent.
type PieceRequestOrder struct {
	tree Btree
	// byIndex tracks each index's current item so Update can find and
	// replace it in the tree (the tree is ordered by availability, which
	// changes, so the same index maps to a different tree key over time).
	byIndex map[int]PieceRequestOrderItem
}

// NewPieceRequestOrder returns an empty order backed by tree.
func NewPieceRequestOrder(tree Btree) *PieceRequestOrder {
	return &PieceRequestOrder{tree: tree, byIndex: make(map[int]PieceRequestOrderItem)}
}

// Add inserts index with the given initial availability. It is an error
// (silently ignored) to Add an index already present.
func (o *PieceRequestOrder) Add(index, availability int) {
	if _, ok := o.byIndex[index]; ok {
		return
	}
	item := PieceRequestOrderItem{Index: index, Availability: availability}
	o.tree.Add(item)
	o.byIndex[index] = item
}

// Update changes index's availability, re-keying it in the tree.
func (o *PieceRequestOrder) Update(index, availability int) {
	old, ok := o.byIndex[index]
	if !ok || old.Availability == availability {
		return
	}
	o.tree.Delete(old)
	item := PieceRequestOrderItem{Index: index, Availability: availability}
	o.tree.Add(item)
	o.byIndex[index] = item
}

// Delete removes index from the order entirely (it has started downloading
// or is no longer eligible, e.g. its file priority dropped to zero).
func (o *PieceRequestOrder) Delete(index int) {
	item, ok := o.byIndex[index]
	if !ok {
		return
	}
	o.tree.Delete(item)
	delete(o.byIndex, index)
}

// Len is the number of indices currently in the order.
func (o *PieceRequestOrder) Len() int { return len(o.byIndex) }

// Iter visits items in rarest-first order, stopping early if f returns
// false.
func (o *PieceRequestOrder) Iter(f func(PieceRequestOrderItem) bool) {
	o.tree.Scan(f)
}
