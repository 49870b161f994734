package torrent

import (
	"strconv"

	"github.com/anacrolix/missinggo/v2/bitmap"
)

// Bitfield is a packed bit vector of chunk ownership, matching BEP 3's wire
// bitfield: T logical bits, padded to a byte boundary with zero bits.
//
// The in-memory representation is anacrolix/missinggo's bitmap.Bitmap, the
// same sparse-set structure the teacher uses for Peer.sentHaves, rather than
// a raw []byte: popcount, set-range and iteration are all O(set bits) instead
// of O(T), which matters once T is in the hundreds of thousands.
type Bitfield struct {
	bm     bitmap.Bitmap
	length int
}

// NewBitfield returns a zeroed Bitfield of exactly length bits.
func NewBitfield(length int) *Bitfield {
	if length < 0 {
		internalErrorf("negative bitfield length %d", length)
	}
	return &Bitfield{length: length}
}

func (b *Bitfield) Len() int { return b.length }

func (b *Bitfield) Get(i int) bool {
	b.checkIndex(i)
	return b.bm.Contains(i)
}

func (b *Bitfield) Set(i int, v bool) {
	b.checkIndex(i)
	if v {
		b.bm.Set(i, true)
	} else {
		b.bm.Set(i, false)
	}
}

// SetRange sets bits in [begin, end) to v.
func (b *Bitfield) SetRange(begin, end int, v bool) {
	if begin < 0 || end > b.length || begin > end {
		internalErrorf("bad bitfield range [%d,%d) for length %d", begin, end, b.length)
	}
	if v {
		b.bm.AddRange(begin, end)
	} else {
		for i := begin; i < end; i++ {
			b.bm.Set(i, false)
		}
	}
}

// PopCount returns the number of set bits. Always consistent with Get/SetRange:
// this is not cached, it's the live cardinality of the underlying set.
func (b *Bitfield) PopCount() int {
	return b.bm.Len()
}

// Iterate calls f for every set bit index in ascending order, stopping early
// if f returns false.
func (b *Bitfield) Iterate(f func(i int) bool) {
	b.bm.IterTyped(func(i int) bool {
		return f(i)
	})
}

func (b *Bitfield) checkIndex(i int) {
	if i < 0 || i >= b.length {
		internalErrorf("bitfield index %d out of range [0,%d)", i, b.length)
	}
}

// Marshal packs the bitfield into BEP 3 wire form: ceil(length/8) bytes, bit 0
// of byte 0 is chunk index 0, padding bits beyond length are zero.
func (b *Bitfield) Marshal() []byte {
	nbytes := (b.length + 7) / 8
	out := make([]byte, nbytes)
	b.bm.IterTyped(func(i int) bool {
		out[i/8] |= 1 << uint(7-i%8)
		return true
	})
	return out
}

// Unmarshal replaces the bitfield's contents from BEP 3 wire form. It returns
// an input-kind error if any padding bit beyond length is set, since that is
// a malformed bitfield per spec.
func (b *Bitfield) Unmarshal(data []byte) error {
	wantBytes := (b.length + 7) / 8
	if len(data) != wantBytes {
		return newErr(KindInput, "Bitfield.Unmarshal", errLenMismatch(len(data), wantBytes))
	}
	var nb bitmap.Bitmap
	for i := 0; i < b.length; i++ {
		if data[i/8]&(1<<uint(7-i%8)) != 0 {
			nb.Set(i, true)
		}
	}
	// Check padding bits in the final byte are zero.
	for i := b.length; i < wantBytes*8; i++ {
		if data[i/8]&(1<<uint(7-i%8)) != 0 {
			return newErr(KindInput, "Bitfield.Unmarshal", errNonZeroPadding(i))
		}
	}
	b.bm = nb
	return nil
}

// Clone returns an independent copy.
func (b *Bitfield) Clone() *Bitfield {
	nb := NewBitfield(b.length)
	b.Iterate(func(i int) bool {
		nb.bm.Set(i, true)
		return true
	})
	return nb
}

type lenMismatchErr struct{ got, want int }

func errLenMismatch(got, want int) error { return lenMismatchErr{got, want} }

func (e lenMismatchErr) Error() string {
	return "wrong byte length: got " + strconv.Itoa(e.got) + " want " + strconv.Itoa(e.want)
}

type nonZeroPaddingErr struct{ bit int }

func errNonZeroPadding(bit int) error { return nonZeroPaddingErr{bit} }

func (e nonZeroPaddingErr) Error() string {
	return "non-zero padding bit at index " + strconv.Itoa(e.bit)
}
