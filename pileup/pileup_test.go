package pileup

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRecord is a minimal AlignedRecord for tests: no soft-clipping, a
// single configurable set of alignment blocks, uniform quality.
type fakeRecord struct {
	name      string
	refIndex  int
	blocks    []AlignmentBlock
	bases     []byte
	quals     []byte
	mapq      byte
	pf        bool
}

func (r *fakeRecord) RefIndex() int                      { return r.refIndex }
func (r *fakeRecord) AlignmentStart() int                { return r.blocks[0].RefStart }
func (r *fakeRecord) AlignmentEnd() int                   { return r.blocks[len(r.blocks)-1].RefEnd() }
func (r *fakeRecord) AlignmentBlocks() []AlignmentBlock   { return r.blocks }
func (r *fakeRecord) Bases() []byte                       { return r.bases }
func (r *fakeRecord) Qualities() []byte                   { return r.quals }
func (r *fakeRecord) MappingQuality() byte                { return r.mapq }
func (r *fakeRecord) PassesFilter() bool                  { return r.pf }
func (r *fakeRecord) Name() string                        { return r.name }

func simpleRecord(name string, refIndex, start, length int) *fakeRecord {
	bases := make([]byte, length)
	quals := make([]byte, length)
	for i := range bases {
		bases[i] = 'A'
		quals[i] = 40
	}
	return &fakeRecord{
		name:     name,
		refIndex: refIndex,
		blocks:   []AlignmentBlock{{RefStart: start, Length: length, ReadStart: 0}},
		bases:    bases,
		quals:    quals,
		mapq:     60,
		pf:       true,
	}
}

type sliceSource struct {
	records []AlignedRecord
	i       int
}

func (s *sliceSource) SortOrder() SortOrder { return SortOrderCoordinate }

func (s *sliceSource) Next() (AlignedRecord, error) {
	if s.i >= len(s.records) {
		return nil, io.EOF
	}
	r := s.records[s.i]
	s.i++
	return r, nil
}

func drainPerBase(t *testing.T, e *PerBaseEngine) []*LocusInfo {
	t.Helper()
	var out []*LocusInfo
	for {
		li, err := e.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, li)
	}
}

func TestPerBaseSingleRead(t *testing.T) {
	rec := simpleRecord("r1", 0, 100, 5)
	e := NewPerBaseEngine(&sliceSource{records: []AlignedRecord{rec}}, nil)
	loci := drainPerBase(t, e)

	require.Len(t, loci, 5)
	for i, li := range loci {
		assert.Equal(t, Locus{0, 100 + i}, li.Locus)
		require.Len(t, li.Entries, 1)
		entry, ok := li.Entries[0].(PerBaseEntry)
		require.True(t, ok)
		assert.Same(t, rec, entry.Record)
		assert.Equal(t, i, entry.ReadOffset)
	}
}

func TestPerBaseStrictlyIncreasingAcrossRecords(t *testing.T) {
	r1 := simpleRecord("r1", 0, 100, 4)
	r2 := simpleRecord("r2", 0, 102, 3)
	e := NewPerBaseEngine(&sliceSource{records: []AlignedRecord{r1, r2}}, nil)
	loci := drainPerBase(t, e)

	require.Len(t, loci, 5) // positions 100..104
	for i := 1; i < len(loci); i++ {
		assert.True(t, loci[i-1].Locus.Less(loci[i].Locus))
	}
	// Positions 102, 103 overlap both records.
	assert.Len(t, loci[2].Entries, 2)
	assert.Len(t, loci[3].Entries, 2)
}

func TestPerBaseQualityCutoffDropsLowQualityBases(t *testing.T) {
	rec := simpleRecord("r1", 0, 1, 3)
	rec.quals = []byte{10, 50, 10}
	e := NewPerBaseEngine(&sliceSource{records: []AlignedRecord{rec}}, nil)
	require.NoError(t, e.SetQualityScoreCutoff(30))
	loci := drainPerBase(t, e)

	require.Len(t, loci, 3)
	assert.Empty(t, loci[0].Entries)
	assert.Len(t, loci[1].Entries, 1)
	assert.Empty(t, loci[2].Entries)
}

func TestPerBaseNonPfReadExcludedByDefault(t *testing.T) {
	rec := simpleRecord("r1", 0, 1, 2)
	rec.pf = false
	e := NewPerBaseEngine(&sliceSource{records: []AlignedRecord{rec}}, nil)
	loci := drainPerBase(t, e)
	for _, li := range loci {
		assert.Empty(t, li.Entries)
	}

	e2 := NewPerBaseEngine(&sliceSource{records: []AlignedRecord{rec}}, nil)
	require.NoError(t, e2.SetIncludeNonPfReads(true))
	loci2 := drainPerBase(t, e2)
	assert.Len(t, loci2[0].Entries, 1)
}

func TestPerBaseMappingQualityCutoff(t *testing.T) {
	rec := simpleRecord("r1", 0, 1, 2)
	rec.mapq = 5
	e := NewPerBaseEngine(&sliceSource{records: []AlignedRecord{rec}}, nil)
	require.NoError(t, e.SetMappingQualityScoreCutoff(10))
	loci := drainPerBase(t, e)
	for _, li := range loci {
		assert.Empty(t, li.Entries)
	}
}

func TestPerBaseIndelDeletion(t *testing.T) {
	// One record with two alignment blocks separated by a 2-base reference
	// gap (a deletion) and no read gap.
	rec := &fakeRecord{
		name:     "r1",
		refIndex: 0,
		blocks: []AlignmentBlock{
			{RefStart: 10, Length: 3, ReadStart: 0},
			{RefStart: 15, Length: 3, ReadStart: 3},
		},
		bases: []byte("AAAAAA"),
		quals: []byte{40, 40, 40, 40, 40, 40},
		mapq:  60,
		pf:    true,
	}
	e := NewPerBaseEngine(&sliceSource{records: []AlignedRecord{rec}}, nil)
	require.NoError(t, e.SetIncludeIndels(true))
	loci := drainPerBase(t, e)

	byPos := map[int]*LocusInfo{}
	for _, li := range loci {
		byPos[li.Locus.Pos] = li
	}
	// Positions 13, 14 fall in the deletion gap between the two blocks.
	require.Len(t, byPos[13].Deleted, 1)
	require.Len(t, byPos[14].Deleted, 1)
	assert.Equal(t, 2, byPos[13].Deleted[0].ReadOffset) // preceding read offset
}

func TestPerBaseSetAfterIterationStartedFails(t *testing.T) {
	rec := simpleRecord("r1", 0, 1, 1)
	e := NewPerBaseEngine(&sliceSource{records: []AlignedRecord{rec}}, nil)
	_, err := e.Next()
	require.NoError(t, err)
	assert.Error(t, e.SetQualityScoreCutoff(10))
}

func drainEdging(t *testing.T, e *EdgingEngine) []*LocusInfo {
	t.Helper()
	var out []*LocusInfo
	for {
		li, err := e.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, li)
	}
}

func TestEdgingEmitsBeginAndEndPerBlock(t *testing.T) {
	rec := simpleRecord("r1", 0, 100, 5)
	e := NewEdgingEngine(&sliceSource{records: []AlignedRecord{rec}}, nil)
	loci := drainEdging(t, e)

	byPos := map[int]*LocusInfo{}
	for _, li := range loci {
		byPos[li.Locus.Pos] = li
	}
	require.Len(t, byPos[100].Entries, 1)
	begin, ok := byPos[100].Entries[0].(EdgeEntry)
	require.True(t, ok)
	assert.Equal(t, Begin, begin.Endpoint)

	require.Len(t, byPos[105].Entries, 1)
	end, ok := byPos[105].Entries[0].(EdgeEntry)
	require.True(t, ok)
	assert.Equal(t, End, end.Endpoint)
	assert.Equal(t, begin.AlignmentBlockLength, end.AlignmentBlockLength)
	assert.Equal(t, begin.RefPosition, end.RefPosition)
}

func TestEdgingRejectsUnsupportedSwitches(t *testing.T) {
	rec := simpleRecord("r1", 0, 1, 1)
	e := NewEdgingEngine(&sliceSource{records: []AlignedRecord{rec}}, nil)
	assert.Error(t, e.SetQualityScoreCutoff(10))
	assert.Error(t, e.SetIncludeIndels(true))
	assert.Error(t, e.SetMaxReadsToAccumulatePerLocus(1))
	assert.Error(t, e.SetEmitUncoveredLoci(true))
}

func TestPerBaseUncoveredLociInterleaved(t *testing.T) {
	rec := simpleRecord("r1", 0, 5, 2) // covers positions 5, 6
	mask := rangeMask{refIndex: 0, minPos: 1, maxPos: 8}
	e := NewPerBaseEngine(&sliceSource{records: []AlignedRecord{rec}}, mask)
	require.NoError(t, e.SetEmitUncoveredLoci(true))
	loci := drainPerBase(t, e)

	var positions []int
	for _, li := range loci {
		positions = append(positions, li.Locus.Pos)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, positions)
	assert.Empty(t, loci[0].Entries) // position 1: uncovered
	assert.Len(t, loci[4].Entries, 1) // position 5: covered by the read
	assert.Empty(t, loci[7].Entries) // position 8: uncovered
}

func TestEdgingClipsBlockStraddlingMaskBoundary(t *testing.T) {
	// Block spans ref positions 5-24 (RefStart=5, Length=20); the mask
	// covers only 10-20. Neither of the block's own endpoints (5, 24) is
	// masked, so clipBlock must find the intersection by scanning, not by
	// testing only the block's two endpoints.
	rec := simpleRecord("r1", 0, 5, 20)
	mask := rangeMask{refIndex: 0, minPos: 10, maxPos: 20}
	e := NewEdgingEngine(&sliceSource{records: []AlignedRecord{rec}}, mask)
	loci := drainEdging(t, e)

	byPos := map[int]*LocusInfo{}
	for _, li := range loci {
		byPos[li.Locus.Pos] = li
	}
	require.Contains(t, byPos, 10)
	begin, ok := byPos[10].Entries[0].(EdgeEntry)
	require.True(t, ok)
	assert.Equal(t, Begin, begin.Endpoint)

	require.Contains(t, byPos, 21)
	end, ok := byPos[21].Entries[0].(EdgeEntry)
	require.True(t, ok)
	assert.Equal(t, End, end.Endpoint)

	// No BEGIN/END entries were recorded outside the clipped [10, 21) span.
	assert.Empty(t, byPos[5].Entries)
	assert.Empty(t, byPos[24].Entries)
}

func TestEdgingDropsBlockEntirelyOutsideMask(t *testing.T) {
	rec := simpleRecord("r1", 0, 1, 5) // covers 1-5
	mask := rangeMask{refIndex: 0, minPos: 100, maxPos: 200}
	e := NewEdgingEngine(&sliceSource{records: []AlignedRecord{rec}}, mask)
	loci := drainEdging(t, e)
	for _, li := range loci {
		assert.Empty(t, li.Entries)
	}
}

func TestEdgingAllowsMappingQualityAndNonPf(t *testing.T) {
	rec := simpleRecord("r1", 0, 1, 1)
	e := NewEdgingEngine(&sliceSource{records: []AlignedRecord{rec}}, nil)
	assert.NoError(t, e.SetMappingQualityScoreCutoff(10))
	assert.NoError(t, e.SetIncludeNonPfReads(true))
}
