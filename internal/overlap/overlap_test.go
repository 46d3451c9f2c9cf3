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

package overlap

import (
	"testing"

	"github.com/scistream/ssc-go/internal/wire"
)

func arrayBlock(name string, start, count []uint64) wire.Block {
	return wire.Block{
		Name:    name,
		ShapeID: wire.GlobalArray,
		Type:    wire.Float32,
		Start:   start,
		Count:   count,
	}
}

// Scenario 1: single writer, single reader, one GlobalArray (spec §8.1).
func TestScenarioSingleWriterSingleReader(t *testing.T) {
	writer := wire.Block{
		Name: "u", ShapeID: wire.GlobalArray, Type: wire.Float32,
		Shape: []uint64{10}, Start: []uint64{0}, Count: []uint64{10},
	}
	writerPattern := wire.BlockVecVec{{writer}}
	readerPattern := wire.BlockVecVec{{arrayBlock("u", []uint64{0}, []uint64{10})}}

	overlaps := CalculateOverlap(readerPattern, writerPattern[0])
	pos, err := CalculatePosition(writerPattern, readerPattern, 0, overlaps)
	if err != nil {
		t.Fatalf("CalculatePosition: %v", err)
	}
	want := RankPosMap{0: {Offset: 0, Length: 41}}
	if pos[0] != want[0] {
		t.Fatalf("got %+v want %+v", pos, want)
	}
}

// Scenario 2: disjoint selections (spec §8.2).
func TestScenarioDisjointSelections(t *testing.T) {
	writerBV := wire.BlockVec{arrayBlock("u", []uint64{0}, []uint64{5})}
	readerBV := wire.BlockVec{arrayBlock("u", []uint64{5}, []uint64{5})}

	overlaps := CalculateOverlap(wire.BlockVecVec{readerBV}, writerBV)
	if len(overlaps) != 0 {
		t.Fatalf("expected no overlap, got %+v", overlaps)
	}
}

// Scenario 3: two writers, overlapping reader (spec §8.3).
func TestScenarioTwoWritersOverlappingReader(t *testing.T) {
	w0 := arrayBlock("u", []uint64{0}, []uint64{50})
	w1 := arrayBlock("u", []uint64{50}, []uint64{50})
	writerPattern := wire.BlockVecVec{{w0}, {w1}}
	readerBV := wire.BlockVec{arrayBlock("u", []uint64{0}, []uint64{100})}
	readerPattern := wire.BlockVecVec{readerBV}

	overlapsForReader := CalculateOverlap(writerPattern, readerBV)
	if len(overlapsForReader) != 2 {
		t.Fatalf("expected both writers to overlap the reader, got %+v", overlapsForReader)
	}

	pos0, err := CalculatePosition(writerPattern, readerPattern, 0, CalculateOverlap(readerPattern, wire.BlockVec{w0}))
	if err != nil {
		t.Fatalf("CalculatePosition w0: %v", err)
	}
	pos1, err := CalculatePosition(writerPattern, readerPattern, 1, CalculateOverlap(readerPattern, wire.BlockVec{w1}))
	if err != nil {
		t.Fatalf("CalculatePosition w1: %v", err)
	}
	if pos0[0] != (RankPos{Offset: 0, Length: 201}) {
		t.Fatalf("writer 0 position: got %+v", pos0[0])
	}
	if pos1[0] != (RankPos{Offset: 201, Length: 201}) {
		t.Fatalf("writer 1 position: got %+v", pos1[0])
	}
}

// Intersection law (spec §8): overlap holds iff every dimension's ranges
// overlap under the strict-inequality test.
func TestIntersectionLaw(t *testing.T) {
	cases := []struct {
		name        string
		wStart, wCt []uint64
		rStart, rCt []uint64
		want        bool
	}{
		{"touching-not-overlapping", []uint64{0}, []uint64{5}, []uint64{5}, []uint64{5}, false},
		{"fully-contained", []uint64{2}, []uint64{4}, []uint64{0}, []uint64{10}, true},
		{"partial-2d", []uint64{0, 0}, []uint64{5, 5}, []uint64{3, 3}, []uint64{5, 5}, true},
		{"disjoint-2d", []uint64{0, 0}, []uint64{5, 5}, []uint64{10, 10}, []uint64{5, 5}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := arrayBlock("v", c.wStart, c.wCt)
			r := arrayBlock("v", c.rStart, c.rCt)
			if got := blocksOverlap(w, r); got != c.want {
				t.Fatalf("blocksOverlap(%+v, %+v) = %v, want %v", w, r, got, c.want)
			}
		})
	}
}

func TestGlobalValueAlwaysOverlapsOnNameMatch(t *testing.T) {
	a := wire.Block{Name: "n", ShapeID: wire.GlobalValue, Type: wire.Int32}
	b := wire.Block{Name: "n", ShapeID: wire.GlobalValue, Type: wire.Int32}
	if !blocksOverlap(a, b) {
		t.Fatalf("two GlobalValue blocks with the same name must overlap")
	}
}

func TestLocalShapesNeverOverlap(t *testing.T) {
	a := wire.Block{Name: "n", ShapeID: wire.LocalArray, Start: []uint64{0}, Count: []uint64{10}}
	b := wire.Block{Name: "n", ShapeID: wire.LocalArray, Start: []uint64{0}, Count: []uint64{10}}
	if blocksOverlap(a, b) {
		t.Fatalf("LocalArray blocks must never be treated as overlapping by the resolver")
	}
}
