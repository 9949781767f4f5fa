package bgzf

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readAll drains r via Read, looping across block boundaries the way
// io.Copy would.
func readAll(t *testing.T, r *Reader) []byte {
	t.Helper()
	out := []byte{}
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
	}
}

func TestWriterReaderRoundtrip(t *testing.T) {
	for _, length := range []int{0, 1, 100, MaxPayloadSize - 1, MaxPayloadSize, MaxPayloadSize + 1, 3 * MaxPayloadSize} {
		t.Run("", func(t *testing.T) {
			input := make([]byte, length)
			_, err := rand.Read(input)
			require.NoError(t, err)

			var buf bytes.Buffer
			w, err := NewWriter(&buf, WriterOpts{CompressionLevel: -1})
			require.NoError(t, err)
			n, err := w.Write(input)
			require.NoError(t, err)
			assert.Equal(t, length, n)
			require.NoError(t, w.Close())

			r, err := NewReader(bytes.NewReader(buf.Bytes()), "mem", ReaderOpts{VerifyCRC: true})
			require.NoError(t, err)
			got := readAll(t, r)
			assert.Equal(t, input, got)
		})
	}
}

func TestEmptyStreamIsJustTerminator(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, WriterOpts{})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, Terminator, buf.Bytes())

	r, err := NewReader(bytes.NewReader(buf.Bytes()), "mem", ReaderOpts{})
	require.NoError(t, err)
	got := readAll(t, r)
	assert.Empty(t, got)
}

func TestSeekAcrossTwoBlocks(t *testing.T) {
	first := bytes.Repeat([]byte("a"), MaxPayloadSize)
	second := bytes.Repeat([]byte("b"), 100)

	var buf bytes.Buffer
	w, err := NewWriter(&buf, WriterOpts{})
	require.NoError(t, err)
	_, err = w.Write(first)
	require.NoError(t, err)
	fp := w.FilePointer()
	_, err = w.Write(second)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	src := newMemSource("mem", buf.Bytes())
	r, err := NewSeekableReader(src, ReaderOpts{})
	require.NoError(t, err)

	require.NoError(t, r.Seek(fp))
	got := readAll(t, r)
	assert.Equal(t, second, got)

	require.NoError(t, r.Seek(MustVOffset(0, 0)))
	b, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte('a'), b)
}

func TestGZIBuildMatchesIncremental(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, WriterOpts{})
	require.NoError(t, err)
	indexer := NewGZIIndexer()
	var indexBuf bytes.Buffer
	require.NoError(t, w.AddIndexer(indexer, &indexBuf))

	payload := bytes.Repeat([]byte("x"), MaxPayloadSize)
	for i := 0; i < 3; i++ {
		_, err := w.Write(payload)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	incremental := indexer.Entries()

	built, err := BuildGZI(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, incremental, built)

	loaded, err := LoadGZI(&indexBuf)
	require.NoError(t, err)
	assert.Equal(t, incremental, loaded.Entries())
}

func TestAssertNonDefectiveAllowsHealthyLastBlockWithoutTerminator(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, WriterOpts{})
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	// Deliberately do not call Close: a well-formed final block with no
	// terminator is a legal intermediate-shard shape, not Defective.

	state, err := CheckTermination(newMemSource("mem", buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, HasHealthyLastBlock, state)
	assert.NoError(t, AssertNonDefective(newMemSource("mem", buf.Bytes())))
}

func TestAssertNonDefectiveDetectsTruncatedBlock(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, WriterOpts{})
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	truncated := buf.Bytes()[:len(buf.Bytes())-5]
	err = AssertNonDefective(newMemSource("mem", truncated))
	assert.Error(t, err)
}

// closingMemWriter is simultaneously the io.Writer, io.Closer, and
// ByteSource that bgzf.Writer's Close sees for a real file-backed sink, and
// rejects any Read/Seek/Length call once Close has been called (the way a
// closed *os.File does). It exists to catch a Close ordering regression: if
// Writer.Close ever closed the underlying sink before verifying its
// terminator block, the verification read would hit a closed source and
// Close would spuriously fail.
type closingMemWriter struct {
	buf    bytes.Buffer
	reader *bytes.Reader // snapshot taken lazily, once reads begin
	closed bool
}

func (w *closingMemWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *closingMemWriter) Close() error {
	w.closed = true
	return nil
}

func (w *closingMemWriter) ensureReader() {
	if w.reader == nil {
		w.reader = bytes.NewReader(w.buf.Bytes())
	}
}

func (w *closingMemWriter) Read(p []byte) (int, error) {
	if w.closed {
		return 0, errClosingMemWriterClosed
	}
	w.ensureReader()
	return w.reader.Read(p)
}

func (w *closingMemWriter) Seek(offset int64, whence int) (int64, error) {
	if w.closed {
		return 0, errClosingMemWriterClosed
	}
	w.ensureReader()
	return w.reader.Seek(offset, whence)
}

func (w *closingMemWriter) Length() (int64, error) {
	if w.closed {
		return 0, errClosingMemWriterClosed
	}
	return int64(w.buf.Len()), nil
}

func (w *closingMemWriter) SourceName() string { return "closingMemWriter" }

var errClosingMemWriterClosed = io.ErrClosedPipe

func TestCloseVerifiesBeforeClosingSink(t *testing.T) {
	sink := &closingMemWriter{}
	w, err := NewWriter(sink, WriterOpts{})
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)

	// If Close ever closes sink before verifying the terminator block, the
	// verification read happens against an already-closed source and this
	// fails with errClosingMemWriterClosed instead of succeeding.
	require.NoError(t, w.Close())
	assert.True(t, sink.closed)
}

func TestCacheHitAdvancesUnderlyingPosition(t *testing.T) {
	block1 := bytes.Repeat([]byte("1"), 10)
	block2 := bytes.Repeat([]byte("2"), 10)

	var buf bytes.Buffer
	w, err := NewWriter(&buf, WriterOpts{})
	require.NoError(t, err)
	_, err = w.Write(block1)
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	_, err = w.Write(block2)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	cache := NewFIFOCache(4)
	src := newMemSource("mem", buf.Bytes())
	r, err := NewSeekableReader(src, ReaderOpts{Cache: cache})
	require.NoError(t, err)

	got1 := readAll(t, r)
	assert.Equal(t, append(block1, block2...), got1)

	// Seeking back to the start now hits the cache for the first block; the
	// Reader must still land correctly on the second block afterwards.
	require.NoError(t, r.Seek(MustVOffset(0, 0)))
	got2 := readAll(t, r)
	assert.Equal(t, append(block1, block2...), got2)
}
