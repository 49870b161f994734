package torrent

import "github.com/RoaringBitmap/roaring"

// PeerPieces tracks which chunk indices a remote peer claims to have, via
// the teacher's own roaring.Bitmap choice for this exact concern
// (peer.go's peerPieces()/newPeerPieces(), webseed-peer.go's peerPieces()) —
// distinct from this module's own Bitfield (anacrolix/missinggo-backed),
// which is reserved for the local, already-verified completion state.
type PeerPieces struct {
	bm *roaring.Bitmap
}

// NewPeerPieces returns an empty set.
func NewPeerPieces() *PeerPieces {
	return &PeerPieces{bm: roaring.New()}
}

func (p *PeerPieces) Contains(i int) bool {
	return p.bm.Contains(uint32(i))
}

func (p *PeerPieces) Add(i int) {
	p.bm.Add(uint32(i))
}

func (p *PeerPieces) Remove(i int) {
	p.bm.Remove(uint32(i))
}

// Iterate calls f for every index the peer claims, ascending, stopping early
// if f returns false.
func (p *PeerPieces) Iterate(f func(i int) bool) {
	for _, v := range p.bm.ToArray() {
		if !f(int(v)) {
			return
		}
	}
}

// UnmarshalBitfield replaces the set from a BEP 3 wire bitfield of length
// bits, rejecting any set padding bit beyond length exactly like Bitfield.
func (p *PeerPieces) UnmarshalBitfield(data []byte, length int) error {
	wantBytes := (length + 7) / 8
	if len(data) != wantBytes {
		return newErr(KindInput, "PeerPieces.UnmarshalBitfield", errLenMismatch(len(data), wantBytes))
	}
	nb := roaring.New()
	for i := 0; i < length; i++ {
		if data[i/8]&(1<<uint(7-i%8)) != 0 {
			nb.Add(uint32(i))
		}
	}
	for i := length; i < wantBytes*8; i++ {
		if data[i/8]&(1<<uint(7-i%8)) != 0 {
			return newErr(KindInput, "PeerPieces.UnmarshalBitfield", errNonZeroPadding(i))
		}
	}
	p.bm = nb
	return nil
}
