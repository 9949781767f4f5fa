package bgzf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/klauspost/compress/flate"
)

const (
	// id1, id2 are the fixed gzip magic bytes.
	id1 = 0x1f
	id2 = 0x8b

	// cmDeflate is the gzip "compression method" byte for DEFLATE.
	cmDeflate = 0x08

	// flgExtra marks the FEXTRA bit in the gzip flag byte.
	flgExtra = 0x04

	// osUnknown is the gzip OS byte BGZF always writes.
	osUnknown = 0xff

	// headerLen is the length, in bytes, of the fixed BGZF header
	// (18 bytes: the 10-byte gzip header plus the 6-byte "BC" extra
	// subfield and its 2-byte XLEN already folded in).
	headerLen = 18

	// footerLen is the length, in bytes, of the CRC32+ISIZE footer.
	footerLen = 8

	// MaxBlockSize is the largest legal total size (header + payload +
	// footer) of one BGZF block.
	MaxBlockSize = 1 << 16

	// MaxPayloadSize is the largest uncompressed payload this package will
	// hand to Encode in one call. The DEFLATE-level-0 fallback (N + 10
	// bytes for N <= 65535) plus the 26 bytes of header/footer is
	// guaranteed to fit within MaxBlockSize when N <= MaxPayloadSize.
	MaxPayloadSize = 0xff00
)

// bgzfExtraPrefix is the fixed prefix of the gzip Extra field BGZF blocks
// carry: subfield id "BC", subfield length 2 (little-endian u16), leaving
// the BSIZE value itself to be filled in per-block.
var bgzfExtraPrefix = [4]byte{'B', 'C', 0x02, 0x00}

// Terminator is the fixed 28-byte empty BGZF block that marks a clean EOF.
var Terminator = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0x06, 0x00, 0x42, 0x43,
	0x02, 0x00, 0x1b, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// Header is the parsed form of a decoded block's 18-byte header, for
// callers that want to inspect mtime/XFL (most callers do not).
type Header struct {
	MTime uint32
	XFL   byte
}

// EncodeBlock compresses payload (which must be no larger than
// MaxPayloadSize) into one complete BGZF block (header + DEFLATE payload +
// CRC32 + ISIZE footer), appending it to dst, and returns the extended
// slice along with the total number of bytes appended.
//
// It first tries DEFLATE at level. If the result would not fit in
// MaxBlockSize, it retries at flate.NoCompression (stored blocks), which is
// guaranteed to produce len(payload)+10 bytes for len(payload) <=
// MaxPayloadSize, so the retry always fits. This two-deflater strategy
// (grounded on grailbio/bio/encoding/bgzf.Writer.tryCompress, which edits
// the BSIZE field of a freshly compressed member in place) avoids making
// the compressed size, and hence the caller's notion of "how many input
// bytes fit in this block", depend on how compressible the input happens
// to be.
func EncodeBlock(dst []byte, payload []byte, level int) ([]byte, int, error) {
	if len(payload) > MaxPayloadSize {
		return dst, 0, invalidFormatErr(fmt.Sprintf("bgzf: payload of %d bytes exceeds MaxPayloadSize %d", len(payload), MaxPayloadSize))
	}
	body, err := deflate(payload, level)
	if err != nil {
		return dst, 0, err
	}
	if headerLen+len(body)+footerLen > MaxBlockSize {
		// Retry uncompressed; guaranteed to fit (len(payload)+10 <= 0xff0a
		// for payload sizes up to MaxPayloadSize).
		body, err = deflate(payload, flate.NoCompression)
		if err != nil {
			return dst, 0, err
		}
		if headerLen+len(body)+footerLen > MaxBlockSize {
			return dst, 0, invalidFormatErr("bgzf: payload does not fit in a single block even uncompressed")
		}
	}

	total := headerLen + len(body) + footerLen
	start := len(dst)
	dst = append(dst, make([]byte, total)...)
	b := dst[start:]

	b[0], b[1], b[2], b[3] = id1, id2, cmDeflate, flgExtra
	// bytes 4-7: MTIME, zero.
	b[8] = 0 // XFL
	b[9] = osUnknown
	binary.LittleEndian.PutUint16(b[10:12], 6) // XLEN
	copy(b[12:16], bgzfExtraPrefix[:])
	bsize := uint16(total - 1)
	binary.LittleEndian.PutUint16(b[16:18], bsize)

	copy(b[headerLen:], body)

	crc := crc32.ChecksumIEEE(payload)
	binary.LittleEndian.PutUint32(b[headerLen+len(body):], crc)
	binary.LittleEndian.PutUint32(b[headerLen+len(body)+4:], uint32(len(payload)))

	return dst, total, nil
}

func deflate(payload []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, errors.E(err, "bgzf: creating deflate writer")
	}
	if len(payload) > 0 {
		if _, err := fw.Write(payload); err != nil {
			return nil, errors.E(err, "bgzf: deflating block payload")
		}
	}
	if err := fw.Close(); err != nil {
		return nil, errors.E(err, "bgzf: closing deflate writer")
	}
	return buf.Bytes(), nil
}

// DecodedBlock is the result of decoding one BGZF block: its header fields,
// its inflated payload, and the total number of compressed bytes (header +
// payload + footer) it occupied on the wire.
type DecodedBlock struct {
	Header        Header
	Payload       []byte
	CompressedLen int
}

// DecodeBlock reads exactly one BGZF block from r, starting at a block
// boundary, and returns its inflated payload.
//
// If verifyCRC is true, the footer's CRC32 is checked against the inflated
// payload and InvalidFormat is returned on mismatch; checking is off by
// default elsewhere in this package because it roughly doubles decode cost.
//
// reuse, if non-nil and of the exact length needed for the new payload, is
// reused as the destination buffer instead of allocating a new one (this is
// the buffer-donation contract Block Reader relies on for O(1) steady-state
// allocation, grounded on balanur-hts/bgzf/reader.go's buffer/decompressor
// pair).
//
// EOF encountered before any header byte is read is reported as io.EOF (a
// legal, clean termination at the caller's discretion). EOF encountered
// mid-block is reported as Truncated.
func DecodeBlock(r io.Reader, verifyCRC bool, reuse []byte) (DecodedBlock, error) {
	var hdr [headerLen]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if n == 0 && err == io.EOF {
			return DecodedBlock{}, io.EOF
		}
		return DecodedBlock{}, truncatedErr(err, "bgzf: reading block header")
	}
	if hdr[0] != id1 || hdr[1] != id2 || hdr[2] != cmDeflate || hdr[3]&flgExtra == 0 {
		return DecodedBlock{}, invalidFormatErr("bgzf: bad block magic/flags")
	}
	xlen := binary.LittleEndian.Uint16(hdr[10:12])
	if xlen != 6 || hdr[12] != 'B' || hdr[13] != 'C' {
		return DecodedBlock{}, invalidFormatErr("bgzf: missing BC extra subfield")
	}
	bsize := binary.LittleEndian.Uint16(hdr[16:18])
	total := int(bsize) + 1
	if total < headerLen+footerLen || total > MaxBlockSize {
		return DecodedBlock{}, invalidFormatErr(fmt.Sprintf("bgzf: implausible BSIZE %d", bsize))
	}

	rest := make([]byte, total-headerLen)
	if _, err := io.ReadFull(r, rest); err != nil {
		return DecodedBlock{}, truncatedErr(err, "bgzf: reading block body")
	}

	bodyLen := len(rest) - footerLen
	body := rest[:bodyLen]
	footer := rest[bodyLen:]
	wantCRC := binary.LittleEndian.Uint32(footer[0:4])
	isize := binary.LittleEndian.Uint32(footer[4:8])

	var payload []byte
	if len(reuse) == int(isize) {
		payload = reuse
	} else {
		payload = make([]byte, isize)
	}
	if isize > 0 {
		fr := flate.NewReader(bytes.NewReader(body))
		if _, err := io.ReadFull(fr, payload); err != nil {
			return DecodedBlock{}, invalidFormatErr(err, "bgzf: inflating block payload")
		}
		fr.Close()
	}

	if verifyCRC {
		if got := crc32.ChecksumIEEE(payload); got != wantCRC {
			return DecodedBlock{}, invalidFormatErr(fmt.Sprintf("bgzf: CRC mismatch: got %08x want %08x", got, wantCRC))
		}
	}

	return DecodedBlock{
		Header:        Header{MTime: binary.LittleEndian.Uint32(hdr[4:8]), XFL: hdr[8]},
		Payload:       payload,
		CompressedLen: total,
	}, nil
}
