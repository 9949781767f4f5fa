package bgzf

import (
	"bufio"
	"io"

	"github.com/grailbio/base/errors"
)

// countingReader wraps an io.Reader, tracking the number of bytes consumed
// from it so a Reader can recover the block address of the block it is
// currently decoding. Grounded on balanur-hts/bgzf/reader.go's countReader.
type countingReader struct {
	r   *bufio.Reader
	off int64
}

func newCountingReader(r io.Reader) *countingReader {
	return &countingReader{r: bufio.NewReader(r)}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.off += int64(n)
	return n, err
}

func (c *countingReader) reset(r io.Reader, off int64) {
	c.r.Reset(r)
	c.off = off
}

// ReaderOpts configures a Reader.
type ReaderOpts struct {
	// VerifyCRC enables CRC32 verification of each decoded block's
	// payload. Off by default, matching the core specification's
	// "checking is a user toggle, default off" rule.
	VerifyCRC bool
	// Cache, if non-nil, is consulted before decoding a block and
	// populated after decoding one. See the Cache type.
	Cache Cache
}

// Reader streams or randomly seeks into a BGZF block-compressed source,
// presenting its concatenated uncompressed payload as a byte stream.
//
// A Reader is single-threaded; concurrent use requires external
// serialization, per the core specification's concurrency model. For
// overlapping I/O with CPU-bound inflate work, see package bgzf/async.
type Reader struct {
	opts ReaderOpts

	cr       *countingReader
	seekable ByteSource // nil for the stream-only variant
	name     string

	blockAddr     int64 // address of the block currently loaded
	nextBlockAddr int64 // address the next block will start at
	payload       []byte
	pos           int
	atEOF         bool // true once a terminal (possibly empty) block has been consumed

	closed bool
}

// NewReader returns a Reader over r that does not support Seek. name is
// used in error messages.
func NewReader(r io.Reader, name string, opts ReaderOpts) (*Reader, error) {
	br := &Reader{
		opts: opts,
		cr:   newCountingReader(r),
		name: name,
	}
	if err := br.decodeCurrent(); err != nil {
		return nil, err
	}
	return br, nil
}

// NewSeekableReader returns a Reader over src that supports Seek.
func NewSeekableReader(src ByteSource, opts ReaderOpts) (*Reader, error) {
	br := &Reader{
		opts:     opts,
		cr:       newCountingReader(src),
		seekable: src,
		name:     src.SourceName(),
	}
	if err := br.decodeCurrent(); err != nil {
		return nil, err
	}
	return br, nil
}

// decodeCurrent decodes the block starting at r.cr.off into r.payload,
// updating r.blockAddr/r.nextBlockAddr/r.pos accordingly. A clean EOF
// (terminator block, or the underlying source simply ending) is recorded
// via r.atEOF rather than returned as an error.
func (r *Reader) decodeCurrent() error {
	addr := r.cr.off
	if cached, ok := r.cacheGet(addr); ok {
		r.blockAddr = addr
		r.payload = cached.Payload
		r.pos = 0
		r.nextBlockAddr = addr + int64(cached.CompressedLen)
		r.atEOF = len(cached.Payload) == 0 && cached.CompressedLen == len(Terminator)
		// The cache short-circuits the actual read, so the underlying
		// source must be repositioned past the cached block for the next
		// decodeCurrent call to land on the right address.
		if _, err := r.seekable.Seek(r.nextBlockAddr, io.SeekStart); err != nil {
			return errors.E(IoError, err, "bgzf: seeking past cached block")
		}
		r.cr.reset(r.seekable, r.nextBlockAddr)
		return nil
	}

	reuse := r.payload
	if r.opts.Cache != nil && r.seekable != nil {
		// r.payload may be a slice returned by Cache.Get, which must not be
		// mutated, so it is not donated as the decode buffer.
		reuse = nil
	}
	dec, err := DecodeBlock(r.cr, r.opts.VerifyCRC, reuse)
	if err == io.EOF {
		r.blockAddr = addr
		r.nextBlockAddr = addr
		r.payload = nil
		r.pos = 0
		r.atEOF = true
		return nil
	}
	if err != nil {
		return errors.E(err, "bgzf: decoding block in "+r.name)
	}
	r.blockAddr = addr
	r.payload = dec.Payload
	r.pos = 0
	r.nextBlockAddr = addr + int64(dec.CompressedLen)
	r.atEOF = len(dec.Payload) == 0 && dec.CompressedLen == len(Terminator)
	r.cachePut(addr, dec.Payload, dec.CompressedLen)
	return nil
}

// cacheGet consults the configured Cache, if any. Caching is only sound for
// seekable sources: a stream-only Reader never revisits an address, so a
// cache hit there would just mean decoding the same bytes the underlying
// countingReader already consumed, with no way to reposition it.
func (r *Reader) cacheGet(addr int64) (CacheEntry, bool) {
	if r.opts.Cache == nil || r.seekable == nil {
		return CacheEntry{}, false
	}
	return r.opts.Cache.Get(addr)
}

func (r *Reader) cachePut(addr int64, payload []byte, compressedLen int) {
	if r.opts.Cache == nil || r.seekable == nil || len(payload) == 0 {
		return
	}
	r.opts.Cache.Put(addr, CacheEntry{Payload: payload, CompressedLen: compressedLen})
}

// advance moves to the next block once the current one is exhausted. It is
// a no-op if the current block still has unread bytes or the stream has
// already hit a clean EOF.
func (r *Reader) advance() error {
	if r.atEOF || r.pos < len(r.payload) {
		return nil
	}
	return r.decodeCurrent()
}

// ReadByte reads the next uncompressed byte, returning io.EOF once the
// stream is exhausted (the Go idiom for the core specification's
// "read_byte() -> int | -1").
func (r *Reader) ReadByte() (byte, error) {
	if err := r.advance(); err != nil {
		return 0, err
	}
	if r.atEOF {
		return 0, io.EOF
	}
	b := r.payload[r.pos]
	r.pos++
	return b, nil
}

// Read reads up to len(p) bytes into p, stopping at the end of the current
// block (callers that want to read across block boundaries should loop, or
// use io.ReadFull/io.Copy). It returns (0, io.EOF) once the stream is
// exhausted.
func (r *Reader) Read(p []byte) (int, error) {
	if err := r.advance(); err != nil {
		return 0, err
	}
	if r.atEOF {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	n := copy(p, r.payload[r.pos:])
	r.pos += n
	return n, nil
}

// ReadLine returns the next line, with any of "\n", "\r", or "\r\n" as
// terminator (excluded from the result), and ok=true. ok is false once the
// stream is exhausted with no further line content.
func (r *Reader) ReadLine() (line string, ok bool, err error) {
	var buf []byte
	sawAny := false
	for {
		b, rerr := r.ReadByte()
		if rerr == io.EOF {
			if sawAny {
				return string(buf), true, nil
			}
			return "", false, nil
		}
		if rerr != nil {
			return "", false, rerr
		}
		sawAny = true
		switch b {
		case '\n':
			return string(buf), true, nil
		case '\r':
			// Peek for a following '\n' to collapse "\r\n".
			if peekErr := r.advance(); peekErr == nil && !r.atEOF && r.pos < len(r.payload) && r.payload[r.pos] == '\n' {
				r.pos++
			}
			return string(buf), true, nil
		default:
			buf = append(buf, b)
		}
	}
}

// Available returns the number of unread bytes remaining in the current
// block.
func (r *Reader) Available() int {
	if r.atEOF {
		return 0
	}
	return len(r.payload) - r.pos
}

// AtBlockEnd reports whether the cursor sits exactly at the end of the
// current block.
func (r *Reader) AtBlockEnd() bool {
	return r.atEOF || r.pos == len(r.payload)
}

// FilePointer returns the virtual file pointer of the next byte to be read.
// When the cursor sits exactly at the end of a block, it returns the
// pointer to the start of the next block.
func (r *Reader) FilePointer() VOffset {
	if r.AtBlockEnd() && !r.atEOF {
		return MustVOffset(r.nextBlockAddr, 0)
	}
	return MustVOffset(r.blockAddr, uint16(r.pos))
}

// Seek moves the cursor to the given virtual file pointer. It fails with
// IllegalState if the Reader was not constructed with NewSeekableReader,
// and with InvalidPointer if the pointer's in-block offset exceeds the
// target block's uncompressed length (unless it sits at the exact end and
// the underlying source is at EOF there).
func (r *Reader) Seek(vfp VOffset) error {
	if r.seekable == nil {
		return errors.E(IllegalState, "bgzf: Seek called on a non-seekable Reader")
	}
	addr := vfp.BlockAddress()
	off := vfp.InBlockOffset()

	if addr != r.blockAddr || r.payload == nil {
		if _, err := r.seekable.Seek(addr, io.SeekStart); err != nil {
			return errors.E(IoError, err, "bgzf: seeking underlying source")
		}
		r.cr.reset(r.seekable, addr)
		r.atEOF = false
		if err := r.decodeCurrent(); err != nil {
			return err
		}
	}

	if int(off) > len(r.payload) {
		return invalidPointerErr("bgzf: in-block offset exceeds block length")
	}
	r.pos = int(off)
	return nil
}

// Close releases the resources the Reader holds. It is idempotent.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if c, ok := r.seekable.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
