package bgzf

import (
	"io"

	"github.com/grailbio/base/errors"
	"v.io/x/lib/vlog"
)

// DefaultCompressionLevel matches the default chosen by both sambamba and
// biogo for BGZF output.
const DefaultCompressionLevel = 5

// Deflater compresses one BGZF block's payload. Implementations need not be
// safe for concurrent use; a Writer only ever drives one at a time.
type Deflater interface {
	// Deflate compresses payload and appends the resulting complete BGZF
	// block (header, body, footer) to dst, returning the extended slice.
	Deflate(dst []byte, payload []byte) ([]byte, error)
}

// DeflaterFactory builds a Deflater for a given compression level, letting
// callers swap in an alternate DEFLATE implementation (e.g. a
// hardware-accelerated one) without touching Writer itself.
type DeflaterFactory interface {
	MakeDeflater(level int) (Deflater, error)
}

// stdDeflaterFactory is the default DeflaterFactory, backed by
// klauspost/compress/flate via EncodeBlock's two-deflater retry strategy.
type stdDeflaterFactory struct{}

func (stdDeflaterFactory) MakeDeflater(level int) (Deflater, error) {
	return stdDeflater{level: level}, nil
}

type stdDeflater struct{ level int }

func (d stdDeflater) Deflate(dst []byte, payload []byte) ([]byte, error) {
	out, _, err := EncodeBlock(dst, payload, d.level)
	return out, err
}

// WriterOpts configures a Writer.
type WriterOpts struct {
	// CompressionLevel is 0 (stored) through 9 (best), or -1 for the
	// package default (5).
	CompressionLevel int
	// DeflaterFactory, if non-nil, overrides the default
	// klauspost/compress/flate-backed factory.
	DeflaterFactory DeflaterFactory
}

// Writer buffers writes into BGZF blocks and emits them to an underlying
// sink. Directly adapted from grailbio/bio/encoding/bgzf.Writer: the
// original/compressed double-buffer discipline and in-place BSIZE patching
// are the same shape, generalized behind the DeflaterFactory capability and
// extended with an indexer hook and post-close terminator verification.
type Writer struct {
	w        io.Writer
	deflater Deflater
	level    int

	original []byte // buffered, not-yet-emitted uncompressed bytes
	blockBuf []byte // scratch buffer reused by EncodeBlock across calls

	blockAddress int64 // starting file position of the block being buffered
	indexer      *GZIIndexer
	indexSink    io.Writer
	wroteAnyBlock bool

	closed bool
}

// NewWriter returns a Writer emitting to w at the given compression level
// (levels above 9 are clamped to 9; any negative level selects
// DefaultCompressionLevel).
func NewWriter(w io.Writer, opts WriterOpts) (*Writer, error) {
	factory := opts.DeflaterFactory
	if factory == nil {
		factory = stdDeflaterFactory{}
	}
	level := opts.CompressionLevel
	if level < 0 {
		level = DefaultCompressionLevel
	} else if level > 9 {
		level = 9
	}
	deflater, err := factory.MakeDeflater(level)
	if err != nil {
		return nil, errors.E(err, "bgzf: constructing deflater")
	}
	return &Writer{
		w:        w,
		deflater: deflater,
		level:    level,
		original: make([]byte, 0, MaxPayloadSize),
	}, nil
}

// Write buffers buf into pending blocks, emitting complete ones as the
// internal buffer fills. It always consumes all of buf.
func (w *Writer) Write(buf []byte) (int, error) {
	if w.closed {
		return 0, errors.E(IllegalState, "bgzf: Write called on a closed Writer")
	}
	total := len(buf)
	for len(buf) > 0 {
		room := MaxPayloadSize - len(w.original)
		n := len(buf)
		if n > room {
			n = room
		}
		w.original = append(w.original, buf[:n]...)
		buf = buf[n:]
		if len(w.original) >= MaxPayloadSize {
			if err := w.emitBlock(); err != nil {
				return total - len(buf), err
			}
		}
	}
	return total, nil
}

// Flush forcibly emits the current buffered bytes as a (possibly short)
// block, even if not full. Emitting a short block mid-stream means any
// virtual file pointer into it becomes sensitive to exactly when Flush was
// called; prefer relying on the automatic full-block flushing instead.
func (w *Writer) Flush() error {
	if w.closed {
		return errors.E(IllegalState, "bgzf: Flush called on a closed Writer")
	}
	if len(w.original) == 0 {
		return nil
	}
	return w.emitBlock()
}

// emitBlock compresses and writes out exactly the current contents of
// w.original as one block. Callers only invoke it with a non-empty buffer;
// Close writes the terminator block directly rather than through here.
func (w *Writer) emitBlock() error {
	uncompressedSize := len(w.original)
	var err error
	w.blockBuf, err = w.deflater.Deflate(w.blockBuf[:0], w.original)
	if err != nil {
		return errors.E(err, "bgzf: compressing block")
	}
	if len(w.blockBuf) > MaxBlockSize {
		// EncodeBlock's uncompressed fallback guarantees this never
		// happens for a conforming Deflater; a custom DeflaterFactory that
		// violates it has broken an invariant no caller-facing error
		// return can recover from sensibly.
		vlog.Fatalf("bgzf: deflater produced a block of %d bytes, exceeding MaxBlockSize %d", len(w.blockBuf), MaxBlockSize)
	}
	n, err := w.w.Write(w.blockBuf)
	if err != nil {
		return errors.E(IoError, err, "bgzf: writing block")
	}
	if n != len(w.blockBuf) {
		return errors.E(IoError, "bgzf: short write")
	}
	addr := w.blockAddress
	w.blockAddress += int64(len(w.blockBuf))
	w.original = w.original[:0]
	w.wroteAnyBlock = true
	if w.indexer != nil {
		if err := w.indexer.AddBlock(uint64(addr), uncompressedSize); err != nil {
			return err
		}
	}
	return nil
}

// FilePointer returns the virtual file pointer of the next byte to be
// written.
func (w *Writer) FilePointer() VOffset {
	return MustVOffset(w.blockAddress, uint16(len(w.original)))
}

// AddIndexer attaches a GZI indexer that is notified once per emitted
// block; the serialized index is written to indexSink when the Writer is
// closed. It fails with IllegalState if any block has already been
// written, since the indexer would otherwise miss the blocks already
// emitted.
func (w *Writer) AddIndexer(indexer *GZIIndexer, indexSink io.Writer) error {
	if w.wroteAnyBlock {
		return errors.E(IllegalState, "bgzf: AddIndexer called after a block was already written")
	}
	w.indexer = indexer
	w.indexSink = indexSink
	return nil
}

// Close flushes any buffered bytes, emits the terminator block, then — when
// the sink is a ByteSource — verifies that the result ends with a valid
// terminator block before closing the underlying sink (if it is an
// io.Closer) and the indexer (if any).
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if len(w.original) > 0 {
		if err := w.emitBlock(); err != nil {
			return err
		}
	}
	if _, err := w.w.Write(Terminator); err != nil {
		return errors.E(IoError, err, "bgzf: writing terminator block")
	}
	w.blockAddress += int64(len(Terminator))

	var closeErr error
	// Verification reads through src, so it must run before the underlying
	// sink is closed — a post-close Seek/Read on a file-backed sink fails
	// with an I/O error regardless of what was actually written.
	if src, ok := w.w.(ByteSource); ok {
		state, err := CheckTermination(src)
		switch {
		case err != nil:
			closeErr = err
		case state != HasTerminatorBlock:
			closeErr = truncatedErr("bgzf: " + src.SourceName() + " does not end with a BGZF terminator block")
		}
	}
	if c, ok := w.w.(io.Closer); ok {
		if err := c.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	if w.indexer != nil {
		if err := w.indexer.Close(w.indexSink); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	return closeErr
}
