// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pileup

import "github.com/grailbio/base/errors"

// edgingVariant records exactly two entries per alignment block: a BEGIN at
// the block's first covered position and a matching END one position past
// its last, clipped to the intersection with the mask when one is active.
type edgingVariant struct{}

// extent reserves one position past AlignmentEnd: the END entry for the
// record's last alignment block lands at that block's RefStart+Length, which
// is AlignmentEnd()+1 for the final block, and the accumulator must already
// have a LocusInfo there before contribute runs.
func (edgingVariant) extent(rec AlignedRecord) int { return rec.AlignmentEnd() + 1 }

func (edgingVariant) startPos(rec AlignedRecord) int { return rec.AlignmentStart() }

func (edgingVariant) contribute(c *core, rec AlignedRecord) {
	if !passesRecordFilters(c.cfg, rec) {
		return
	}
	refIndex := rec.RefIndex()
	for _, b := range rec.AlignmentBlocks() {
		begin, end, ok := clipBlock(c.mask, refIndex, b)
		if !ok {
			continue
		}
		c.addEntry(refIndex, begin, EdgeEntry{
			Record:               rec,
			ReadOffset:           b.ReadStart + (begin - b.RefStart),
			AlignmentBlockLength: b.Length,
			RefPosition:          b.RefStart,
			Endpoint:             Begin,
		})
		c.addEntry(refIndex, end, EdgeEntry{
			Record:               rec,
			ReadOffset:           b.ReadStart + (begin - b.RefStart),
			AlignmentBlockLength: b.Length,
			RefPosition:          b.RefStart,
			Endpoint:             End,
		})
	}
}

// clipBlock returns the BEGIN/END positions for b, clipped to the true
// intersection of b's span with the mask's covered positions when a mask is
// active. A block may straddle a masked interval's boundaries without
// either of its own endpoints being masked (e.g. a block spanning 5-25
// against a mask covering 10-20), so the intersection is found by scanning
// the mask's covered positions within b via NextPosition rather than by
// testing only b's two endpoints. ok is false when the mask is active and
// b does not intersect it at all.
func clipBlock(mask ReferenceMask, refIndex int, b AlignmentBlock) (begin, end int, ok bool) {
	rawBegin := b.RefStart
	rawEnd := b.RefStart + b.Length // one past the last covered position
	if mask == nil {
		return rawBegin, rawEnd, true
	}
	r, pos, found := mask.NextPosition(refIndex, rawBegin)
	if !found || r != refIndex || pos >= rawEnd {
		return 0, 0, false
	}
	begin = pos
	end = pos + 1
	for {
		r, pos, found = mask.NextPosition(refIndex, pos+1)
		if !found || r != refIndex || pos >= rawEnd {
			break
		}
		end = pos + 1
	}
	return begin, end, true
}

// EdgingEngine is the edging Locus Pileup Engine variant.
type EdgingEngine struct {
	c *core
}

// NewEdgingEngine returns an engine over source, optionally masked by mask.
func NewEdgingEngine(source RecordSource, mask ReferenceMask) *EdgingEngine {
	cfg := defaultConfig()
	return &EdgingEngine{c: newCore(source, mask, cfg, edgingVariant{})}
}

// Next returns the next LocusInfo, or io.EOF once exhausted.
func (e *EdgingEngine) Next() (*LocusInfo, error) { return e.c.next() }

// SetEmitUncoveredLoci always fails: per spec, the edging variant rejects
// changing uncovered-loci emission.
func (e *EdgingEngine) SetEmitUncoveredLoci(bool) error {
	return errors.E(UnsupportedOperation, "pileup: SetEmitUncoveredLoci is not supported by the edging engine")
}

// SetIncludeNonPfReads is allowed on the edging variant: unlike quality
// cutoff, per-locus cap, uncovered-loci emission, and indel inclusion, it
// does not interact with the BEGIN/END bookkeeping the spec singles out.
func (e *EdgingEngine) SetIncludeNonPfReads(v bool) error {
	if e.c.started {
		return errors.E(IllegalState, "pileup: SetIncludeNonPfReads called after iteration has started")
	}
	e.c.cfg.includeNonPfReads = v
	return nil
}

// SetMappingQualityScoreCutoff is allowed: it filters whole records before
// they ever reach the BEGIN/END bookkeeping, so it doesn't change the
// edging variant's per-block contract.
func (e *EdgingEngine) SetMappingQualityScoreCutoff(v byte) error {
	if e.c.started {
		return errors.E(IllegalState, "pileup: SetMappingQualityScoreCutoff called after iteration has started")
	}
	e.c.cfg.mappingQualityScoreCutoff = v
	return nil
}

// SetQualityScoreCutoff always fails: the edging variant has no per-base
// quality filtering to apply it to.
func (e *EdgingEngine) SetQualityScoreCutoff(byte) error {
	return errors.E(UnsupportedOperation, "pileup: SetQualityScoreCutoff is not supported by the edging engine")
}

// SetIncludeIndels always fails: edging has no per-base insertion/deletion
// tracking to toggle.
func (e *EdgingEngine) SetIncludeIndels(bool) error {
	return errors.E(UnsupportedOperation, "pileup: SetIncludeIndels is not supported by the edging engine")
}

// SetMaxReadsToAccumulatePerLocus always fails: per spec, the edging variant
// rejects changing the per-locus cap.
func (e *EdgingEngine) SetMaxReadsToAccumulatePerLocus(int) error {
	return errors.E(UnsupportedOperation, "pileup: SetMaxReadsToAccumulatePerLocus is not supported by the edging engine")
}
