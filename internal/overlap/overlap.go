/*
 * Copyright 2026 the ssc-go authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package overlap computes writer/reader hyperslab intersections and the
// resulting per-peer byte offsets (§4.2).
package overlap

import (
	"sort"

	"github.com/scistream/ssc-go/internal/wire"
)

// RankPos is one peer's entry in a RankPosMap: its byte offset and length
// within the owning side's buffer.
type RankPos struct {
	Offset uint64
	Length uint64
}

// RankPosMap maps peer rank to its (offset, length) entry.
type RankPosMap map[int]RankPos

// blocksOverlap applies the intersection test of §4.2 to two blocks already
// known to share a name. GlobalValue blocks always overlap on name match
// alone. LocalValue and LocalArray never participate in cross-rank routing
// at the resolver level, matching the specification's stated policy for the
// source's empty branches (§9 open questions).
func blocksOverlap(a, b wire.Block) bool {
	if a.ShapeID == wire.GlobalValue || b.ShapeID == wire.GlobalValue {
		return a.ShapeID == wire.GlobalValue && b.ShapeID == wire.GlobalValue
	}
	if a.ShapeID != wire.GlobalArray || b.ShapeID != wire.GlobalArray {
		return false
	}
	if len(a.Start) != len(b.Start) || len(a.Count) != len(b.Count) {
		return false
	}
	for i := range a.Start {
		if !(a.Start[i]+a.Count[i] > b.Start[i] && b.Start[i]+b.Count[i] > a.Start[i]) {
			return false
		}
	}
	return true
}

// vecOverlaps reports whether any block in a names-and-intersects any block
// in b.
func vecOverlaps(a, b wire.BlockVec) bool {
	for _, ba := range a {
		for _, bb := range b {
			if ba.Name == bb.Name && blocksOverlap(ba, bb) {
				return true
			}
		}
	}
	return false
}

// CalculateOverlap returns, for every peer rank in pattern whose BlockVec
// overlaps local, an entry in the RankPosMap. The offsets are left zero;
// CalculateOverlap only decides membership. Position assignment is a
// separate step (CalculatePosition) because the source computes it that way
// and because locked-mode idempotence (§8) depends on caching the
// membership decision separately from the offsets.
func CalculateOverlap(pattern wire.BlockVecVec, local wire.BlockVec) RankPosMap {
	out := make(RankPosMap)
	for rank, bv := range pattern {
		if vecOverlaps(bv, local) {
			out[rank] = RankPos{}
		}
	}
	return out
}

// CalculatePosition implements §4.2's writer-side position assignment: for
// every reader rank R overlapping this writer, recompute R's overlap
// against the *full* writer pattern, walk writer ranks in ascending order,
// and accumulate TotalDataSize(pattern[W'])+1 for every writer rank W' up to
// but excluding writerRank that also overlaps R. writerRank's own
// (offset, length) pair is what CalculatePosition returns for each reader.
func CalculatePosition(writerPattern, readerPattern wire.BlockVecVec, writerRank int, allOverlappingReaders RankPosMap) (RankPosMap, error) {
	result := make(RankPosMap, len(allOverlappingReaders))

	readers := make([]int, 0, len(allOverlappingReaders))
	for r := range allOverlappingReaders {
		readers = append(readers, r)
	}
	sort.Ints(readers)

	for _, r := range readers {
		if r >= len(readerPattern) {
			continue
		}
		readerBV := readerPattern[r]
		overlappingWriters := CalculateOverlap(writerPattern, readerBV)

		var offset uint64
		var myLength uint64
		var found bool
		writerRanks := make([]int, 0, len(overlappingWriters))
		for w := range overlappingWriters {
			writerRanks = append(writerRanks, w)
		}
		sort.Ints(writerRanks)

		for _, w := range writerRanks {
			size, err := wire.TotalDataSizeVec(writerPattern[w])
			if err != nil {
				return nil, err
			}
			length := size + 1
			if w == writerRank {
				myLength = length
				found = true
				break
			}
			offset += length
		}
		if found {
			result[r] = RankPos{Offset: offset, Length: myLength}
		}
	}
	return result, nil
}
