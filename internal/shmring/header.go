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

// Package shmring realizes fabric.Window over POSIX shared memory: two ranks
// sharing an edge mmap the same file and synchronize epochs with futexes,
// adapted from the ring-buffer transport's sequence-counter idiom but
// flattened into an addressable region instead of a circular stream, the
// shape one-sided Put/Get needs.
package shmring

import (
	"sync/atomic"
)

const (
	segmentMagic      = "SSCWIN\x00\x00"
	segmentVersion    = uint32(1)
	headerSize        = 128
	minBufferCapacity = 4096
)

// windowHeader is the fixed-size control block living at the front of every
// window segment's mmap, shared by both ranks on the edge. Every field is
// accessed through sync/atomic, the pattern the ring transport's
// SegmentHeader/RingHeader use for cross-process visibility without locks.
type windowHeader struct {
	magic         [8]byte
	version       uint32
	flags         uint32
	bufferLen     uint64
	generation    uint32 // Fence epoch; bumped when both parties have arrived
	fenceArrivals uint32 // parties checked in at the current fence
	postSeq       uint32 // bumped + futex-woken by Post
	startSeq      uint32 // bumped + futex-woken by Start
	completeSeq   uint32 // bumped + futex-woken by Complete
	closed        uint32
	_             [76]byte // pad to headerSize
}

func (h *windowHeader) Generation() uint32      { return atomic.LoadUint32(&h.generation) }
func (h *windowHeader) FenceArrivals() uint32    { return atomic.LoadUint32(&h.fenceArrivals) }
func (h *windowHeader) ResetFenceArrivals()      { atomic.StoreUint32(&h.fenceArrivals, 0) }
func (h *windowHeader) AddFenceArrival() uint32  { return atomic.AddUint32(&h.fenceArrivals, 1) }
func (h *windowHeader) BumpGeneration() uint32   { return atomic.AddUint32(&h.generation, 1) }
func (h *windowHeader) PostSeq() uint32          { return atomic.LoadUint32(&h.postSeq) }
func (h *windowHeader) BumpPostSeq() uint32      { return atomic.AddUint32(&h.postSeq, 1) }
func (h *windowHeader) StartSeq() uint32         { return atomic.LoadUint32(&h.startSeq) }
func (h *windowHeader) BumpStartSeq() uint32     { return atomic.AddUint32(&h.startSeq, 1) }
func (h *windowHeader) CompleteSeq() uint32      { return atomic.LoadUint32(&h.completeSeq) }
func (h *windowHeader) BumpCompleteSeq() uint32  { return atomic.AddUint32(&h.completeSeq, 1) }
func (h *windowHeader) Closed() bool             { return atomic.LoadUint32(&h.closed) != 0 }
func (h *windowHeader) SetClosed(v bool) {
	var n uint32
	if v {
		n = 1
	}
	atomic.StoreUint32(&h.closed, n)
}
func (h *windowHeader) BufferLen() uint64 { return atomic.LoadUint64(&h.bufferLen) }
func (h *windowHeader) SetBufferLen(n uint64) {
	atomic.StoreUint64(&h.bufferLen, n)
}
