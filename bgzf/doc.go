// Package bgzf implements the BGZF (Blocked GZip Format) block-compressed
// stream used by high-throughput sequencing file formats: a concatenation of
// independent gzip members, each holding at most 64KB of uncompressed
// payload, carrying a "BC" extra-field subfield that records the member's
// total on-disk size so that readers can seek directly to any block
// boundary.
//
// A .bgzf file consists of one or more complete gzip blocks concatenated
// together, terminated by a fixed 28-byte empty block that marks a clean
// EOF. The payload of the file is the concatenation, in order, of each
// block's uncompressed content.
//
// For the wire format, see the SAM/BAM spec:
// https://samtools.github.io/hts-specs/SAMv1.pdf
package bgzf
