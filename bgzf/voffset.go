package bgzf

import (
	"fmt"
)

// blockAddressBits is the width of the block-address field packed into the
// high bits of a VOffset.
const blockAddressBits = 48

// maxBlockAddress is the largest representable block address (2^48 - 1).
const maxBlockAddress = 1<<blockAddressBits - 1

// maxInBlockOffset is the largest representable in-block offset (2^16 - 1).
const maxInBlockOffset = 1<<16 - 1

// VOffset is a BGZF virtual file pointer: a 64-bit handle that packs the
// byte offset of a block's header in the compressed stream (the block
// address, 48 bits) together with a byte offset inside that block's
// uncompressed payload (16 bits). Ordering is lexicographic on
// (blockAddress, inBlockOffset); the zero value addresses the start of the
// stream.
//
// VOffset mirrors the role grailbio/bio's encoding/bgzf.Writer.VOffset and
// encoding/bam.ToBGZFOffset/toVOffset play for that repo's bgzf.Offset
// struct, but is validated at construction instead of being an unchecked
// bit-packing of two ints.
type VOffset uint64

// NewVOffset packs a block address and an in-block offset into a VOffset.
// It fails with OutOfRange when addr does not fit in 48 bits or offset does
// not fit in 16 bits.
func NewVOffset(addr int64, offset uint16) (VOffset, error) {
	if addr < 0 || addr > maxBlockAddress {
		return 0, outOfRangeErr(fmt.Sprintf("bgzf: block address %d out of range [0, %d]", addr, maxBlockAddress))
	}
	return VOffset(uint64(addr)<<16 | uint64(offset)), nil
}

// MustVOffset is like NewVOffset but panics on error. It is intended for
// call sites where addr/offset are already known-valid (e.g. derived from
// another VOffset).
func MustVOffset(addr int64, offset uint16) VOffset {
	v, err := NewVOffset(addr, offset)
	if err != nil {
		panic(err)
	}
	return v
}

// BlockAddress returns the byte offset, in the compressed stream, of the
// block this pointer addresses.
func (v VOffset) BlockAddress() int64 { return int64(v >> 16) }

// InBlockOffset returns the byte offset inside the block's uncompressed
// payload that this pointer addresses.
func (v VOffset) InBlockOffset() uint16 { return uint16(v & 0xffff) }

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than
// w, comparing lexicographically on (BlockAddress, InBlockOffset).
func (v VOffset) Compare(w VOffset) int {
	switch {
	case v < w:
		return -1
	case v > w:
		return 1
	default:
		return 0
	}
}

// String renders the pointer as "block+offset", useful in log messages.
func (v VOffset) String() string {
	return fmt.Sprintf("%d+%d", v.BlockAddress(), v.InBlockOffset())
}
