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

import (
	"io"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Kind aliases the shared error-kind vocabulary so callers of this package
// don't need to import bgzfcore/bgzf just to classify a pileup error.
type Kind = errors.Kind

const (
	IllegalState = errors.Precondition
	// UnsupportedOperation reuses Precondition: the grailbio/base/errors
	// Kind vocabulary pinned by this module's go.mod has no dedicated
	// "not supported" kind, so this shares IllegalState's kind while
	// remaining a distinct constant for call sites and doc comments to
	// name (a caller rejected by configuration, not by API misuse, is
	// still failing a precondition: "this variant supports this switch").
	UnsupportedOperation = errors.Precondition
)

// config holds the switches enumerated in the component design, shared by
// both variants; EdgingEngine rejects changes to the fields its setters
// mark as per-base-only.
type config struct {
	emitUncoveredLoci            bool
	includeIndels                bool
	includeNonPfReads            bool
	qualityScoreCutoff           byte
	mappingQualityScoreCutoff    byte
	maxReadsToAccumulatePerLocus int
}

func defaultConfig() config {
	return config{
		maxReadsToAccumulatePerLocus: 1 << 30, // effectively unbounded unless set
	}
}

// locusQueue is the accumulator: LocusInfos for a contiguous run of
// positions on one reference, ordered oldest (head) to newest (tail).
// Positions are contiguous so the queue can be a plain slice indexed by
// offset from headPos, avoiding a map.
type locusQueue struct {
	refIndex int
	headPos  int
	entries  []*LocusInfo
	active   bool // false until the first record establishes refIndex/headPos
}

func (q *locusQueue) headLocus() Locus { return Locus{q.refIndex, q.headPos} }

func (q *locusQueue) popFront() *LocusInfo {
	li := q.entries[0]
	q.entries = q.entries[1:]
	q.headPos++
	if len(q.entries) == 0 {
		q.active = false
	}
	return li
}

// extendTo ensures the queue holds an entry for every position from its
// current tail (or refIndex/startPos, if inactive) through stop inclusive.
func (q *locusQueue) extendTo(refIndex, startPos, stop int) {
	if !q.active {
		q.refIndex = refIndex
		q.headPos = startPos
		q.entries = q.entries[:0]
		q.active = true
	}
	tail := q.headPos + len(q.entries)
	for pos := tail; pos <= stop; pos++ {
		q.entries = append(q.entries, &LocusInfo{Locus: Locus{refIndex, pos}})
	}
}

// at returns the LocusInfo for refIndex/pos, which must already be covered
// by the queue (via extendTo).
func (q *locusQueue) at(refIndex, pos int) *LocusInfo {
	return q.entries[pos-q.headPos]
}

// variant is the capability object distinguishing PerBaseEngine from
// EdgingEngine, named directly per the component design's
// Accumulator/EmitPolicy split.
type variant interface {
	// extent returns the last reference position (inclusive) the
	// accumulator must cover to hold every LocusInfo this record
	// contributes to.
	extent(rec AlignedRecord) int
	// startPos returns the first reference position the accumulator must
	// cover for this record, normally rec.AlignmentStart() but
	// one-before-start for the per-base backstep case (only consulted
	// when includeIndels is set and the accumulator is not already active,
	// so it never retroactively reaches behind a position that was already
	// emitted).
	startPos(rec AlignedRecord) int
	// contribute adds rec's entries to the already-extended queue,
	// respecting the per-locus cap.
	contribute(c *core, rec AlignedRecord)
}

// core is the shared engine skeleton: two ordered queues (accumulator,
// complete), driven by one record source and an optional reference mask.
type core struct {
	source RecordSource
	mask   ReferenceMask
	cfg    config
	v      variant

	queue    locusQueue
	complete []*LocusInfo

	cursor        Locus // next locus to consider for uncovered-loci emission
	cursorValid   bool
	sourceDrained bool
	started       bool
	warnCapOnce   sync.Once
}

func newCore(source RecordSource, mask ReferenceMask, cfg config, v variant) *core {
	return &core{source: source, mask: mask, cfg: cfg, v: v}
}

// Next returns the next LocusInfo in strictly increasing (RefIndex, Pos)
// order, or io.EOF once the source and (if enabled) the mask are
// exhausted.
func (c *core) next() (*LocusInfo, error) {
	if !c.started {
		switch c.source.SortOrder() {
		case SortOrderCoordinate:
		case SortOrderUnsorted:
			log.Error.Printf("pileup: record source is declared unsorted; records are assumed to be coordinate-sorted")
		default:
			return nil, errors.E(IllegalState, "pileup: record source is not coordinate-sorted")
		}
	}
	c.started = true
	for {
		if len(c.complete) > 0 {
			li := c.complete[0]
			c.complete = c.complete[1:]
			return li, nil
		}
		if c.sourceDrained {
			return nil, io.EOF
		}
		rec, err := c.source.Next()
		if err == io.EOF {
			c.sourceDrained = true
			c.finalDrain()
			continue
		}
		if err != nil {
			return nil, err
		}
		start := Locus{rec.RefIndex(), rec.AlignmentStart()}
		c.drainBefore(start)
		// startPos is only consulted when includeIndels is set and the queue
		// is currently inactive (just flushed or never started); an
		// already-active queue keeps its existing head regardless of what
		// startPos would return, since extendTo never reaches backward past a
		// position already emitted.
		initPos := rec.AlignmentStart()
		if !c.queue.active && c.cfg.includeIndels {
			initPos = c.v.startPos(rec)
		}
		c.queue.extendTo(rec.RefIndex(), initPos, c.v.extent(rec))
		c.v.contribute(c, rec)
	}
}

// drainBefore moves every accumulator entry whose locus precedes stop into
// complete, interleaving zero-coverage LocusInfos from the mask in the gaps
// when uncovered-loci emission is enabled.
func (c *core) drainBefore(stop Locus) {
	if !c.cursorValid {
		// The very first call: there is nothing in the accumulator yet to
		// drain, but masked positions before the first record's start
		// still need to be emitted, so the cursor starts at the beginning
		// of the locus order rather than jumping straight to stop.
		c.cursor = Locus{}
		c.cursorValid = true
	}
	for c.queue.active && c.queue.headLocus().Less(stop) {
		head := c.queue.headLocus()
		if c.cfg.emitUncoveredLoci {
			c.emitUncoveredBetween(c.cursor, head)
		}
		c.complete = append(c.complete, c.queue.popFront())
		c.cursor = head.Next()
	}
	if c.cfg.emitUncoveredLoci {
		c.emitUncoveredBetween(c.cursor, stop)
	}
	c.cursor = stop
}

// finalDrain flushes any remaining accumulator entries once the source is
// exhausted, then (if enabled) emits zero-coverage loci for the remainder
// of the mask.
func (c *core) finalDrain() {
	for c.queue.active {
		head := c.queue.headLocus()
		if c.cfg.emitUncoveredLoci {
			c.emitUncoveredBetween(c.cursor, head)
		}
		c.complete = append(c.complete, c.queue.popFront())
		c.cursor = head.Next()
	}
	if c.cfg.emitUncoveredLoci && c.mask != nil {
		maxRef := c.mask.MaxSequenceIndex()
		end := Locus{maxRef, c.mask.MaxPosition(maxRef)}.Next()
		if !c.cursorValid {
			c.cursor = Locus{}
			c.cursorValid = true
		}
		c.emitUncoveredBetween(c.cursor, end)
	}
}

// emitUncoveredBetween appends zero-coverage LocusInfos for every masked
// position in [from, to) to complete.
func (c *core) emitUncoveredBetween(from, to Locus) {
	if c.mask == nil {
		return
	}
	cur := from
	for {
		refIndex, pos, ok := c.mask.NextPosition(cur.RefIndex, cur.Pos)
		if !ok {
			return
		}
		next := Locus{refIndex, pos}
		if !next.Less(to) {
			return
		}
		c.complete = append(c.complete, &LocusInfo{Locus: next})
		cur = next.Next()
	}
}

// addEntry appends entry to the LocusInfo at (refIndex, pos), subject to
// the per-locus cap. Once the cap is reached, further entries at that locus
// are dropped and a single warning is logged for the life of the engine.
func (c *core) addEntry(refIndex, pos int, entry RecordOffset) {
	li := c.queue.at(refIndex, pos)
	if len(li.Entries) >= c.cfg.maxReadsToAccumulatePerLocus {
		c.warnCapOnce.Do(func() {
			log.Error.Printf("pileup: maxReadsToAccumulatePerLocus reached at %v; further reads at this locus are dropped", li.Locus)
		})
		return
	}
	li.Entries = append(li.Entries, entry)
}

func passesRecordFilters(cfg config, rec AlignedRecord) bool {
	if !cfg.includeNonPfReads && !rec.PassesFilter() {
		return false
	}
	if rec.MappingQuality() < cfg.mappingQualityScoreCutoff {
		return false
	}
	return true
}
