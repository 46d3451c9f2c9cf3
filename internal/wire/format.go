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

package wire

import (
	"fmt"
	"strings"
)

// String renders a block the way the original coupler's PrintBlock
// diagnostic did: compact enough for a trace-level log line.
func (b Block) String() string {
	return fmt.Sprintf("Block{rank=%d name=%q shape=%v type=%d shapeId=%s start=%v count=%v bufStart=%d bufCount=%d}",
		b.Rank, b.Name, b.Shape, b.Type, b.ShapeID, b.Start, b.Count, b.BufferStart, b.BufferCount)
}

// String renders every block owned by one rank, one per line.
func (bv BlockVec) String() string {
	var sb strings.Builder
	for i, b := range bv {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(b.String())
	}
	return sb.String()
}

// String renders a full pattern, rank by rank.
func (bvv BlockVecVec) String() string {
	var sb strings.Builder
	for rank, bv := range bvv {
		fmt.Fprintf(&sb, "rank %d:\n", rank)
		for _, b := range bv {
			sb.WriteString("  ")
			sb.WriteString(b.String())
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
