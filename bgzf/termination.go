package bgzf

import (
	"bufio"
	"bytes"
	"io"

	"github.com/grailbio/base/errors"
)

// IsValidBGZF peeks at the first headerLen bytes available from r (which
// must support Peek, e.g. a *bufio.Reader) and reports whether they match
// the BGZF magic/FEXTRA shape, without consuming any bytes.
func IsValidBGZF(r *bufio.Reader) (bool, error) {
	hdr, err := r.Peek(headerLen)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, nil
		}
		return false, errors.E(IoError, err, "bgzf: peeking header")
	}
	if hdr[0] != id1 || hdr[1] != id2 || hdr[2] != cmDeflate || hdr[3]&flgExtra == 0 {
		return false, nil
	}
	return hdr[12] == 'B' && hdr[13] == 'C', nil
}

// TerminationState classifies the tail of a finite BGZF source.
type TerminationState int

const (
	// HasTerminatorBlock means the source ends with the standard 28-byte
	// terminator block: a clean, unambiguous EOF.
	HasTerminatorBlock TerminationState = iota
	// HasHealthyLastBlock means the source does not end with a terminator
	// block, but its last bytes do form a well-formed (if non-empty) BGZF
	// block; some writers omit the terminator on intermediate shards (see
	// grailbio/bio/encoding/bgzf.Writer.CloseWithoutTerminator).
	HasHealthyLastBlock
	// Defective means the tail of the source is neither a terminator block
	// nor a well-formed BGZF block.
	Defective
)

// CheckTermination classifies the tail of a finite, seekable BGZF source.
func CheckTermination(src ByteSource) (TerminationState, error) {
	size, err := src.Length()
	if err != nil {
		return Defective, errors.E(IoError, err, "bgzf: getting source length")
	}
	if size < int64(len(Terminator)) {
		return Defective, nil
	}
	tail := make([]byte, len(Terminator))
	if _, err := src.Seek(size-int64(len(Terminator)), io.SeekStart); err != nil {
		return Defective, errors.E(IoError, err, "bgzf: seeking to tail")
	}
	if _, err := io.ReadFull(src, tail); err != nil {
		return Defective, errors.E(IoError, err, "bgzf: reading tail")
	}
	if bytes.Equal(tail, Terminator) {
		return HasTerminatorBlock, nil
	}

	// The terminator is itself a well-formed (empty) block, so if the tail
	// didn't match it byte-for-byte, look for *some* block boundary whose
	// block ends exactly at EOF. A cheap, sufficient check: try decoding
	// from the start and see whether decoding ever lands exactly on a
	// trailing well-formed, non-terminator block. Scanning the whole file
	// is unavoidable without an index, so CheckTermination is intended for
	// finite sources a caller is willing to fully scan (e.g. a just-closed
	// local file).
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return Defective, errors.E(IoError, err, "bgzf: rewinding source")
	}
	br := bufio.NewReader(src)
	var pos int64
	for {
		ok, err := IsValidBGZF(br)
		if err != nil {
			return Defective, err
		}
		if !ok {
			if pos == size {
				return HasHealthyLastBlock, nil
			}
			return Defective, nil
		}
		dec, err := DecodeBlock(br, false, nil)
		if err == io.EOF {
			return Defective, nil
		}
		if err != nil {
			return Defective, nil
		}
		pos += int64(dec.CompressedLen)
		if pos == size {
			return HasHealthyLastBlock, nil
		}
		if pos > size {
			return Defective, nil
		}
	}
}

// AssertNonDefective fails with Truncated when CheckTermination classifies
// src as Defective; it is a no-op otherwise.
func AssertNonDefective(src ByteSource) error {
	state, err := CheckTermination(src)
	if err != nil {
		return err
	}
	if state == Defective {
		return truncatedErr("bgzf: "+src.SourceName()+" does not end with a valid BGZF block")
	}
	return nil
}
