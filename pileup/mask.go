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

// ReferenceMask is the external collaborator that tells the engine which
// reference positions are "of interest" for zero-coverage emission, without
// this package depending on an interval-tree library (an explicit
// non-goal). Its scan-forward shape mirrors interval.BEDUnion's style
// (Next/Get over a sorted union of intervals) without the dependency.
type ReferenceMask interface {
	// NextPosition returns the first masked position at or after
	// (refIndex, pos), and ok=false once no further masked position
	// exists.
	NextPosition(refIndex, pos int) (nextRefIndex, nextPos int, ok bool)
	// Get reports whether (refIndex, pos) is masked.
	Get(refIndex, pos int) bool
	// MaxSequenceIndex returns the highest reference index the mask knows
	// about.
	MaxSequenceIndex() int
	// MaxPosition returns the highest masked position for refIndex.
	MaxPosition(refIndex int) int
}
