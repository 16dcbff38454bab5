package gen

import (
	"github.com/fuzzlab/snapcorpus/snap"
)

// arena accumulates the blob under construction. The first HeaderSize bytes
// are reserved for the header, which the generator fills in last. Offsets
// returned by the write methods are blob-relative and become the
// address-independent references stored in the records.
type arena struct {
	buf []byte
}

func newArena() *arena {
	return &arena{buf: make([]byte, snap.HeaderSize)}
}

func (a *arena) size() uint64 {
	return uint64(len(a.buf))
}

// alignTo pads the arena with zeros so the next write starts at a multiple of
// `alignment`, which must be a power of two.
func (a *arena) alignTo(alignment uint64) {
	for a.size()&(alignment-1) != 0 {
		a.buf = append(a.buf, 0)
	}
}

// reserve appends `size` zero bytes at the given alignment and returns the
// offset of the reserved region.
func (a *arena) reserve(size, alignment uint64) uint64 {
	a.alignTo(alignment)
	off := a.size()
	a.buf = append(a.buf, make([]byte, size)...)
	return off
}

// writeBytes appends `data` at the given alignment and returns its offset.
func (a *arena) writeBytes(data []byte, alignment uint64) uint64 {
	off := a.reserve(uint64(len(data)), alignment)
	copy(a.buf[off:], data)
	return off
}

// writeBytesPadded is writeBytes with the reservation rounded up to
// `paddedSize`; the tail beyond len(data) stays zero.
func (a *arena) writeBytesPadded(data []byte, alignment, paddedSize uint64) uint64 {
	off := a.reserve(paddedSize, alignment)
	copy(a.buf[off:], data)
	return off
}

// slice returns the arena region [off, off+size) for in-place record writes.
func (a *arena) slice(off, size uint64) []byte {
	return a.buf[off : off+size]
}
