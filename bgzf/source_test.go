package bgzf

import "bytes"

// memSource is a minimal in-memory ByteSource for tests, grounded on the
// teacher's writer_test.go pattern of driving Writer/Reader through a
// bytes.Buffer without touching a real file.
type memSource struct {
	*bytes.Reader
	name string
	size int64
}

func newMemSource(name string, data []byte) *memSource {
	return &memSource{Reader: bytes.NewReader(data), name: name, size: int64(len(data))}
}

func (m *memSource) Length() (int64, error) { return m.size, nil }

func (m *memSource) SourceName() string { return m.name }
