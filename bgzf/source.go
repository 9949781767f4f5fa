package bgzf

import "io"

// ByteSource is the seekable byte-addressed collaborator the Block Reader
// reads from, and that the Block Writer reads back to verify its output.
// It is an io.ReadSeeker extended with Length and SourceName, so an
// *os.File, a *bytes.Reader, or a caller-supplied indexed HTTP source
// satisfies it only through a wrapper that adds those two methods; bgzfcore treats
// it as an external dependency and does not implement one itself (the core
// specification explicitly leaves "a networking transport" out of scope).
type ByteSource interface {
	io.ReadSeeker
	// Length returns the total size of the source in bytes.
	Length() (int64, error)
	// SourceName returns a human-readable identifier (e.g. a file path or
	// URL) used in error messages.
	SourceName() string
}
