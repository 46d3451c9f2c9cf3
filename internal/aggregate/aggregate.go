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

// Package aggregate gathers per-rank metadata buffers to the root and
// broadcasts the combined pattern back out, the two halves of §4.3's
// Aggregator. Offset 8 (local) / 10 (global) is where the wire codec's
// payload begins; everything before that is the header this package owns.
package aggregate

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/scistream/ssc-go/internal/fabric"
	"github.com/scistream/ssc-go/internal/sscerr"
	"github.com/scistream/ssc-go/internal/transport"
)

const (
	localHeaderLen  = 8
	globalHeaderLen = 10
)

// Metadata is one rank's view of a step's aggregated pattern: whether it is
// the final pattern of the stream (published by an unlocked Close) and
// whether the pattern is locked, plus
// the concatenated per-rank payloads.
type Metadata struct {
	FinalStep bool
	Locked    bool
	Payload   []byte
}

// AggregateMetadata gathers every rank's local buffer (bytes beyond the
// local header, i.e. length pos-8) to root, and assembles the global buffer
// described in §4.3: byte 0 is finalStep, byte 1 is locked, bytes [2,10) are
// wire.Deserialize's pos field (the buffer's total valid length, header
// included), and [10, 10+len) is every rank's payload concatenated in rank
// order. Non-root ranks get a zero Metadata and nil error; the aggregated
// result only exists at root.
//
// variant selects how the payloads travel: TwoSided routes them through
// comm's own collective Gatherv, while the one-sided variants drive Put/Get
// against windows (keyed by peer rank, omitting the caller's own rank) per
// §4.3's chunked-gather pull/push strategies. windows is ignored for
// TwoSided and may be nil.
func AggregateMetadata(ctx context.Context, comm fabric.Comm, root int, local []byte, finalStep, locked bool, chunkSize int, variant transport.Variant, windows map[int]fabric.Window) (Metadata, error) {
	if len(local) < localHeaderLen {
		return Metadata{}, fmt.Errorf("aggregate: local buffer shorter than header: %w", sscerr.ErrMalformedBuffer)
	}
	payload := local[localHeaderLen:]

	var global []byte
	var err error
	switch {
	case !variant.UsesWindow():
		global, err = gatherTwoSided(ctx, comm, root, payload, chunkSize)
	case variant.IsPush():
		global, err = gatherOneSidedPush(ctx, comm, windows, root, payload, chunkSize)
	default:
		global, err = gatherOneSidedPull(ctx, comm, windows, root, payload, chunkSize)
	}
	if err != nil {
		return Metadata{}, err
	}
	if comm.Rank() != root {
		return Metadata{}, nil
	}

	if finalStep {
		global[0] = 1
	}
	if locked {
		global[1] = 1
	}
	// bytes [2,10) carry the same "valid length including header" pos
	// field wire.Deserialize expects at a global buffer's offset 2, not
	// the bare payload length: the cursor it walks starts at offset 10.
	binary.LittleEndian.PutUint64(global[2:10], uint64(len(global)))
	return Metadata{FinalStep: finalStep, Locked: locked, Payload: global[globalHeaderLen:]}, nil
}

// gatherTwoSided is AggregateMetadata's original strategy: one collective
// Gatherv over the communicator, payloads concatenated in rank order.
func gatherTwoSided(ctx context.Context, comm fabric.Comm, root int, payload []byte, chunkSize int) ([]byte, error) {
	gathered, err := comm.Gatherv(ctx, root, payload, chunkSize)
	if err != nil {
		return nil, fmt.Errorf("aggregate: gatherv: %w", err)
	}
	if comm.Rank() != root {
		return nil, nil
	}
	var total uint64
	for _, g := range gathered {
		total += uint64(len(g))
	}
	global := make([]byte, globalHeaderLen+total)
	off := globalHeaderLen
	for _, g := range gathered {
		off += copy(global[off:], g)
	}
	return global, nil
}

// BroadcastMetadata distributes root's aggregated global buffer to every
// rank and decodes the header back into a Metadata on the way out, the
// dual of AggregateMetadata.
func BroadcastMetadata(ctx context.Context, comm fabric.Comm, root int, global []byte) (Metadata, error) {
	if comm.Rank() == root && len(global) < globalHeaderLen {
		return Metadata{}, fmt.Errorf("aggregate: global buffer shorter than header: %w", sscerr.ErrMalformedBuffer)
	}
	data, err := comm.Bcast(ctx, root, global)
	if err != nil {
		return Metadata{}, fmt.Errorf("aggregate: bcast: %w", err)
	}
	if len(data) < globalHeaderLen {
		return Metadata{}, fmt.Errorf("aggregate: broadcast buffer shorter than header: %w", sscerr.ErrMalformedBuffer)
	}
	return Metadata{
		FinalStep: data[0] != 0,
		Locked:    data[1] != 0,
		Payload:   data[globalHeaderLen:],
	}, nil
}

// gatherOneSidedPull mirrors the source's MPI_Gatherv64OneSidedPull: every
// peer exposes its own payload through its window and just fences twice to
// rendezvous with root; root does the one unavoidable collective step
// first (agreeing on every rank's length so it can lay out offsets), then
// actively Gets each peer's bytes out of its window in chunkSize pieces.
func gatherOneSidedPull(ctx context.Context, comm fabric.Comm, windows map[int]fabric.Window, root int, payload []byte, chunkSize int) ([]byte, error) {
	lengths, err := gatherLengths(ctx, comm, root, len(payload))
	if err != nil {
		return nil, err
	}
	if comm.Rank() != root {
		win := windows[root]
		if err := win.Fence(ctx); err != nil {
			return nil, fmt.Errorf("aggregate: one-sided pull open fence: %w", err)
		}
		if err := win.Fence(ctx); err != nil {
			return nil, fmt.Errorf("aggregate: one-sided pull close fence: %w", err)
		}
		return nil, nil
	}

	displs := prefixSum(lengths, globalHeaderLen)
	global := make([]byte, displs[len(displs)-1])
	copy(global[displs[root]:], payload)

	for r, win := range windows {
		if err := win.Fence(ctx); err != nil {
			return nil, fmt.Errorf("aggregate: one-sided pull open fence with rank %d: %w", r, err)
		}
	}
	for r, win := range windows {
		dst := global[displs[r] : displs[r]+lengths[r]]
		if err := getChunked(ctx, win, r, 0, dst, chunkSize); err != nil {
			return nil, fmt.Errorf("aggregate: one-sided pull get from rank %d: %w", r, err)
		}
	}
	for r, win := range windows {
		if err := win.Fence(ctx); err != nil {
			return nil, fmt.Errorf("aggregate: one-sided pull close fence with rank %d: %w", r, err)
		}
	}
	return global, nil
}

// gatherOneSidedPush mirrors the source's MPI_Gatherv64OneSidedPush: root
// broadcasts the displacement table every rank needs before a single peer
// can address its own slice of root's assembled buffer, then every peer
// Puts its payload straight into that window in chunkSize pieces. Root
// reads its own contribution locally and, once every peer has fenced, reads
// the rest back out of the same window.
func gatherOneSidedPush(ctx context.Context, comm fabric.Comm, windows map[int]fabric.Window, root int, payload []byte, chunkSize int) ([]byte, error) {
	lengths, err := gatherLengths(ctx, comm, root, len(payload))
	if err != nil {
		return nil, err
	}

	var displsWire []byte
	if comm.Rank() == root {
		displsWire = encodeDispls(prefixSum(lengths, globalHeaderLen))
	}
	displsWire, err = comm.Bcast(ctx, root, displsWire)
	if err != nil {
		return nil, fmt.Errorf("aggregate: broadcast displacements: %w", err)
	}
	displs := decodeDispls(displsWire)

	if comm.Rank() != root {
		win := windows[root]
		if err := putChunked(ctx, win, root, uint64(displs[comm.Rank()]), payload, chunkSize); err != nil {
			return nil, fmt.Errorf("aggregate: one-sided push put: %w", err)
		}
		if err := win.Fence(ctx); err != nil {
			return nil, fmt.Errorf("aggregate: one-sided push fence: %w", err)
		}
		return nil, nil
	}

	for r, win := range windows {
		if err := win.Fence(ctx); err != nil {
			return nil, fmt.Errorf("aggregate: one-sided push fence with rank %d: %w", r, err)
		}
	}

	global := make([]byte, displs[len(displs)-1])
	copy(global[displs[root]:], payload)
	for r, win := range windows {
		dst := global[displs[r] : displs[r]+lengths[r]]
		if err := getChunked(ctx, win, root, uint64(displs[r]), dst, chunkSize); err != nil {
			return nil, fmt.Errorf("aggregate: one-sided push readback from rank %d: %w", r, err)
		}
	}
	return global, nil
}

// prefixSum turns per-rank lengths into a rank-indexed displacement table
// whose final entry is base plus the grand total, matching the
// specification's clean prefix sum (displs[0]=base instead of a signed
// cursor starting at 1).
func prefixSum(lengths []int, base int) []int {
	displs := make([]int, len(lengths)+1)
	displs[0] = base
	for i, l := range lengths {
		displs[i+1] = displs[i] + l
	}
	return displs
}

func encodeDispls(displs []int) []byte {
	buf := make([]byte, 8*len(displs))
	for i, d := range displs {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(d))
	}
	return buf
}

func decodeDispls(buf []byte) []int {
	displs := make([]int, len(buf)/8)
	for i := range displs {
		displs[i] = int(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return displs
}

// getChunked and putChunked decompose a single Get/Put into chunkSize
// pieces, the mechanism §4.3 requires once a gather's total bytes exceed
// what a 32-bit count can express. chunkSize <= 0 disables chunking.
// getChunked reads len(dst) bytes starting at sourceOffset in the window.
func getChunked(ctx context.Context, win fabric.Window, sourceRank int, sourceOffset uint64, dst []byte, chunkSize int) error {
	if chunkSize <= 0 || chunkSize >= len(dst) {
		return win.Get(ctx, sourceRank, sourceOffset, dst)
	}
	for off := 0; off < len(dst); off += chunkSize {
		end := off + chunkSize
		if end > len(dst) {
			end = len(dst)
		}
		if err := win.Get(ctx, sourceRank, sourceOffset+uint64(off), dst[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func putChunked(ctx context.Context, win fabric.Window, targetRank int, targetOffset uint64, src []byte, chunkSize int) error {
	if chunkSize <= 0 || chunkSize >= len(src) {
		return win.Put(ctx, targetRank, targetOffset, src)
	}
	for off := 0; off < len(src); off += chunkSize {
		end := off + chunkSize
		if end > len(src) {
			end = len(src)
		}
		if err := win.Put(ctx, targetRank, targetOffset+uint64(off), src[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func gatherLengths(ctx context.Context, comm fabric.Comm, root int, localLen int) ([]int, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(localLen))
	gathered, err := comm.Gatherv(ctx, root, buf, 0)
	if err != nil {
		return nil, fmt.Errorf("aggregate: gather lengths: %w", err)
	}
	if comm.Rank() != root {
		return nil, nil
	}
	lengths := make([]int, len(gathered))
	for i, g := range gathered {
		if len(g) != 8 {
			return nil, fmt.Errorf("aggregate: rank %d sent malformed length: %w", i, sscerr.ErrMalformedBuffer)
		}
		lengths[i] = int(binary.LittleEndian.Uint64(g))
	}
	return lengths, nil
}
