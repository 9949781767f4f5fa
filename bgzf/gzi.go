package bgzf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
)

// GZIEntry is one entry of a .gzi index: a block's compressed (on-disk) byte
// offset paired with the cumulative uncompressed offset at the start of
// that block.
type GZIEntry struct {
	CompressedOffset   uint64
	UncompressedOffset uint64
}

// GZIIndexer is a streaming builder for a .gzi index, notified once per
// block as a Writer emits it. The implicit first entry (0, 0) is never
// stored, matching the on-disk convention.
//
// The binary-search/back-up-one lookup pattern GZIIndex.VirtualOffsetForSeek
// implements is grounded on grailbio/bio/encoding/bam.GIndex.RecordOffset's
// sort.Search usage, generalized from a (RefID, Pos, Seq) key to a single
// cumulative uncompressed-offset key.
type GZIIndexer struct {
	entries  []GZIEntry
	uncumOff uint64
	closed   bool
}

// NewGZIIndexer returns an empty indexer ready to accumulate entries.
func NewGZIIndexer() *GZIIndexer {
	return &GZIIndexer{}
}

// AddBlock records one emitted block: compressedOffset is the block's
// starting byte offset in the compressed stream, uncompressedBlockSize is
// the number of uncompressed bytes the block holds. The first call always
// produces an (implicit) uncompressedOffset of 0.
func (idx *GZIIndexer) AddBlock(compressedOffset uint64, uncompressedBlockSize int) error {
	if idx.closed {
		return errors.E(IllegalState, "bgzf: AddBlock called after indexer was closed")
	}
	if len(idx.entries) > 0 || idx.uncumOff > 0 {
		idx.entries = append(idx.entries, GZIEntry{
			CompressedOffset:   compressedOffset,
			UncompressedOffset: idx.uncumOff,
		})
	}
	idx.uncumOff += uint64(uncompressedBlockSize)
	return nil
}

// Entries returns the accumulated entries so far, excluding the implicit
// (0, 0) first entry.
func (idx *GZIIndexer) Entries() []GZIEntry {
	return idx.entries
}

// Close writes the serialized index to w and marks the indexer closed.
func (idx *GZIIndexer) Close(w io.Writer) error {
	idx.closed = true
	return WriteGZI(w, idx.entries)
}

// WriteGZI serializes entries (excluding the implicit (0,0) first entry,
// which must not be present in entries) to w as: little-endian u64 count,
// then count pairs of little-endian u64 (compressedOffset, uncompressedOffset).
func WriteGZI(w io.Writer, entries []GZIEntry) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(entries)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.E(IoError, err, "bgzf: writing gzi count")
	}
	var buf [16]byte
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[0:8], e.CompressedOffset)
		binary.LittleEndian.PutUint64(buf[8:16], e.UncompressedOffset)
		if _, err := w.Write(buf[:]); err != nil {
			return errors.E(IoError, err, "bgzf: writing gzi entry")
		}
	}
	return nil
}

// BuildGZI scans a complete BGZF stream from the start and reconstructs the
// .gzi entries it would have produced had a GZIIndexer been attached to the
// Writer that created it. This is the batch construction path alongside
// GZIIndexer's incremental one: useful for indexing a bgzf file that was
// written without an indexer attached, or for cross-checking one that was.
func BuildGZI(r io.Reader) ([]GZIEntry, error) {
	idx := NewGZIIndexer()
	var addr uint64
	for {
		dec, err := DecodeBlock(r, false, nil)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(dec.Payload) == 0 {
			// The terminator block (or any other empty block) contributes
			// no uncompressed bytes and is not itself indexed.
			addr += uint64(dec.CompressedLen)
			continue
		}
		if err := idx.AddBlock(addr, len(dec.Payload)); err != nil {
			return nil, err
		}
		addr += uint64(dec.CompressedLen)
	}
	return idx.Entries(), nil
}

// GZIIndex is an immutable, loaded .gzi index supporting seek lookups.
type GZIIndex struct {
	entries []GZIEntry
}

// NewGZIIndex wraps an already-validated, already-sorted entry slice (e.g.
// one produced by GZIIndexer.Entries) as an immutable index, without
// re-reading it from a serialized form.
func NewGZIIndex(entries []GZIEntry) (*GZIIndex, error) {
	if err := validateGZIEntries(entries); err != nil {
		return nil, err
	}
	return &GZIIndex{entries: entries}, nil
}

// LoadGZI reads and validates a serialized .gzi index from r.
func LoadGZI(r io.Reader) (*GZIIndex, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, truncatedErr(err, "bgzf: reading gzi count")
	}
	count := binary.LittleEndian.Uint64(hdr[:])
	if count > math.MaxInt32 {
		return nil, invalidFormatErr(fmt.Sprintf("bgzf: gzi entry count %d exceeds int32 max", count))
	}
	entries := make([]GZIEntry, count)
	var buf [16]byte
	for i := range entries {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, truncatedErr(err, "bgzf: gzi file shorter than declared count")
		}
		entries[i] = GZIEntry{
			CompressedOffset:   binary.LittleEndian.Uint64(buf[0:8]),
			UncompressedOffset: binary.LittleEndian.Uint64(buf[8:16]),
		}
	}
	if err := validateGZIEntries(entries); err != nil {
		return nil, err
	}
	return &GZIIndex{entries: entries}, nil
}

func validateGZIEntries(entries []GZIEntry) error {
	if len(entries) > 0 && entries[0].CompressedOffset == 0 && entries[0].UncompressedOffset == 0 {
		return invalidFormatErr("bgzf: gzi file must not store the implicit (0,0) first entry")
	}
	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		if cur.CompressedOffset <= prev.CompressedOffset || cur.UncompressedOffset <= prev.UncompressedOffset {
			return invalidFormatErr(fmt.Sprintf("bgzf: gzi entries not strictly increasing at index %d", i))
		}
	}
	return nil
}

// Entries returns the ordered entry list, excluding the implicit (0,0)
// first entry.
func (idx *GZIIndex) Entries() []GZIEntry {
	return idx.entries
}

// NumBlocks returns the number of blocks described by the index, including
// the implicit first block.
func (idx *GZIIndex) NumBlocks() int {
	return len(idx.entries) + 1
}

// VirtualOffsetForSeek returns a VOffset addressing the given logical byte
// position in the concatenated uncompressed stream.
//
// It binary-searches entries by UncompressedOffset. On an exact hit it
// returns (entry.CompressedOffset, 0). Otherwise it steps back to the
// entry immediately preceding uncompressedOffset (or the implicit (0,0)
// entry, if uncompressedOffset precedes every stored entry); the in-block
// offset is uncompressedOffset - entry.UncompressedOffset, which must fit
// in 16 bits or OutOfRange is returned.
func (idx *GZIIndex) VirtualOffsetForSeek(uncompressedOffset uint64) (VOffset, error) {
	entries := idx.entries
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].UncompressedOffset >= uncompressedOffset
	})

	var compressed uint64
	var base uint64
	switch {
	case i < len(entries) && entries[i].UncompressedOffset == uncompressedOffset:
		compressed, base = entries[i].CompressedOffset, entries[i].UncompressedOffset
	case i == 0:
		compressed, base = 0, 0
	default:
		compressed, base = entries[i-1].CompressedOffset, entries[i-1].UncompressedOffset
	}

	inBlock := uncompressedOffset - base
	if inBlock > maxInBlockOffset {
		return 0, outOfRangeErr(fmt.Sprintf("bgzf: in-block offset %d out of range", inBlock))
	}
	return NewVOffset(int64(compressed), uint16(inBlock))
}
