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

// perBaseVariant walks each alignment block of each record and records one
// PerBaseEntry per aligned base passing the quality/PF filters. When
// includeIndels is set it also attaches insertion/deletion contributions to
// the LocusInfos bracketing each gap between alignment blocks.
type perBaseVariant struct{}

func (perBaseVariant) extent(rec AlignedRecord) int { return rec.AlignmentEnd() }

// startPos backsteps one position before AlignmentStart when the CIGAR's
// first block starts with a leading insertion, so that insertion's
// preceding-base attribution (bi==0 below) has a locus to land on. Only
// consulted when includeIndels is set and the accumulator is inactive; a
// record arriving while the
// queue is already active past this record's own alignment start has
// already drained anything before it, so the backstep is skipped there
// rather than generalized — an intentional simplification of an open
// question the source left unresolved.
func (perBaseVariant) startPos(rec AlignedRecord) int {
	blocks := rec.AlignmentBlocks()
	if len(blocks) > 0 && blocks[0].ReadStart > 0 && rec.AlignmentStart() > 1 {
		return rec.AlignmentStart() - 1
	}
	return rec.AlignmentStart()
}

func (perBaseVariant) contribute(c *core, rec AlignedRecord) {
	if !passesRecordFilters(c.cfg, rec) {
		return
	}
	quals := rec.Qualities()
	blocks := rec.AlignmentBlocks()
	refIndex := rec.RefIndex()

	for bi, b := range blocks {
		for i := 0; i < b.Length; i++ {
			readOffset := b.ReadStart + i
			if len(quals) > readOffset && quals[readOffset] < c.cfg.qualityScoreCutoff {
				continue
			}
			c.addEntry(refIndex, b.RefStart+i, PerBaseEntry{Record: rec, ReadOffset: readOffset})
		}
		if !c.cfg.includeIndels {
			continue
		}
		if bi == 0 {
			// Open question resolved: a CIGAR starting with an insertion is
			// attributed one base before alignment start only when
			// includeIndels is true, alignment start > 1, and the
			// accumulator already reaches that far back (see startPos
			// above); the queue was extended to cover it before contribute
			// ran, so this just needs to look the locus up.
			if b.ReadStart > 0 && rec.AlignmentStart() > 1 {
				backstepPos := rec.AlignmentStart() - 1
				if backstepPos >= c.queue.headPos {
					li := c.queue.at(refIndex, backstepPos)
					li.Inserted = append(li.Inserted, PerBaseEntry{Record: rec, ReadOffset: b.ReadStart - 1})
				}
			}
			continue
		}
		prev := blocks[bi-1]
		refGap := b.RefStart - (prev.RefStart + prev.Length)
		readGap := b.ReadStart - (prev.ReadStart + prev.Length)
		precedingReadOffset := prev.ReadStart + prev.Length - 1
		if refGap > 0 {
			for pos := prev.RefEnd() + 1; pos < b.RefStart; pos++ {
				li := c.queue.at(refIndex, pos)
				li.Deleted = append(li.Deleted, PerBaseEntry{Record: rec, ReadOffset: precedingReadOffset})
			}
		}
		if readGap > 0 {
			li := c.queue.at(refIndex, prev.RefEnd())
			li.Inserted = append(li.Inserted, PerBaseEntry{Record: rec, ReadOffset: precedingReadOffset + 1})
		}
	}
}

// PerBaseEngine is the per-base Locus Pileup Engine variant.
type PerBaseEngine struct {
	c *core
}

// NewPerBaseEngine returns an engine over source, optionally masked by
// mask (pass nil to disable uncovered-loci emission entirely).
func NewPerBaseEngine(source RecordSource, mask ReferenceMask) *PerBaseEngine {
	cfg := defaultConfig()
	return &PerBaseEngine{c: newCore(source, mask, cfg, perBaseVariant{})}
}

// Next returns the next LocusInfo, or io.EOF once exhausted.
func (e *PerBaseEngine) Next() (*LocusInfo, error) { return e.c.next() }

func (e *PerBaseEngine) requireNotStarted(what string) error {
	if e.c.started {
		return errors.E(IllegalState, "pileup: "+what+" called after iteration has started")
	}
	return nil
}

// SetEmitUncoveredLoci toggles zero-coverage LocusInfo emission.
func (e *PerBaseEngine) SetEmitUncoveredLoci(v bool) error {
	if err := e.requireNotStarted("SetEmitUncoveredLoci"); err != nil {
		return err
	}
	e.c.cfg.emitUncoveredLoci = v
	return nil
}

// SetIncludeIndels toggles insertion/deletion tracking.
func (e *PerBaseEngine) SetIncludeIndels(v bool) error {
	if err := e.requireNotStarted("SetIncludeIndels"); err != nil {
		return err
	}
	e.c.cfg.includeIndels = v
	return nil
}

// SetIncludeNonPfReads toggles inclusion of reads failing the platform QC
// flag.
func (e *PerBaseEngine) SetIncludeNonPfReads(v bool) error {
	if err := e.requireNotStarted("SetIncludeNonPfReads"); err != nil {
		return err
	}
	e.c.cfg.includeNonPfReads = v
	return nil
}

// SetQualityScoreCutoff sets the minimum base quality a base must have to
// be recorded.
func (e *PerBaseEngine) SetQualityScoreCutoff(v byte) error {
	if err := e.requireNotStarted("SetQualityScoreCutoff"); err != nil {
		return err
	}
	e.c.cfg.qualityScoreCutoff = v
	return nil
}

// SetMappingQualityScoreCutoff sets the minimum mapping quality a record
// must have to contribute at all.
func (e *PerBaseEngine) SetMappingQualityScoreCutoff(v byte) error {
	if err := e.requireNotStarted("SetMappingQualityScoreCutoff"); err != nil {
		return err
	}
	e.c.cfg.mappingQualityScoreCutoff = v
	return nil
}

// SetMaxReadsToAccumulatePerLocus caps how many entries a single LocusInfo
// may accumulate; further contributions at that locus are dropped with a
// one-time warning.
func (e *PerBaseEngine) SetMaxReadsToAccumulatePerLocus(v int) error {
	if err := e.requireNotStarted("SetMaxReadsToAccumulatePerLocus"); err != nil {
		return err
	}
	e.c.cfg.maxReadsToAccumulatePerLocus = v
	return nil
}
