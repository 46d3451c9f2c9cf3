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

package shmring

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scistream/ssc-go/internal/fabric"
	"github.com/scistream/ssc-go/internal/sscerr"
)

const pollSlice = 50 * time.Millisecond

// Window is the shmring realization of fabric.Window: exactly two ranks
// share one mmapped segment (the writer and the reader on one overlap
// edge), synchronizing Fence/Post/Start/Complete/WaitEpoch through the
// header's sequence counters and moving bytes with plain slice copies
// instead of a network round trip.
type Window struct {
	seg  *segment
	hdr  *windowHeader
	log  *logrus.Entry

	mu           sync.Mutex
	closed       bool
	lastPostSeen uint32
	lastCompSeen uint32
}

// Factory implements fabric.WindowFactory over shmring windows, carrying
// only a logger: every other piece of window state lives in the segment
// itself, keyed by edgeID.
type Factory struct {
	Log *logrus.Entry
}

// OpenWindow creates the backing segment for edgeID if this is the first
// rank to reach it, or opens the existing one otherwise. buf is copied into
// the segment's buffer on both the creating and the joining side, so the
// side that opens last overwrites what the first side copied in.
func (f Factory) OpenWindow(ctx context.Context, edgeID string, buf []byte) (fabric.Window, error) {
	seg, err := createSegment(edgeID, uint64(len(buf)))
	if err != nil {
		seg, err = openSegment(edgeID, uint64(len(buf)))
		if err != nil {
			return nil, err
		}
	}
	copy(seg.buffer(), buf)
	return &Window{seg: seg, hdr: seg.header(), log: f.Log}, nil
}

func (w *Window) Fence(ctx context.Context) error {
	gen := w.hdr.Generation()
	n := w.hdr.AddFenceArrival()
	if n >= 2 {
		w.hdr.ResetFenceArrivals()
		w.hdr.BumpGeneration()
		futexWake(&w.hdr.generation, 2)
		return nil
	}
	return w.waitUntil(ctx, &w.hdr.generation, gen)
}

func (w *Window) Post(ctx context.Context, group []int) error {
	w.hdr.BumpPostSeq()
	futexWake(&w.hdr.postSeq, len(group)+1)
	return nil
}

func (w *Window) Start(ctx context.Context, group []int) error {
	w.mu.Lock()
	baseline := w.lastPostSeen
	w.mu.Unlock()
	if err := w.waitUntil(ctx, &w.hdr.postSeq, baseline); err != nil {
		return err
	}
	w.mu.Lock()
	w.lastPostSeen = w.hdr.PostSeq()
	w.mu.Unlock()
	return nil
}

func (w *Window) Complete(ctx context.Context) error {
	w.hdr.BumpCompleteSeq()
	futexWake(&w.hdr.completeSeq, 1)
	return nil
}

func (w *Window) WaitEpoch(ctx context.Context) error {
	w.mu.Lock()
	baseline := w.lastCompSeen
	w.mu.Unlock()
	if err := w.waitUntil(ctx, &w.hdr.completeSeq, baseline); err != nil {
		return err
	}
	w.mu.Lock()
	w.lastCompSeen = w.hdr.CompleteSeq()
	w.mu.Unlock()
	return nil
}

// waitUntil blocks until the value at addr differs from baseline, honoring
// ctx by polling in pollSlice-sized futex waits, the same deadline-aware
// loop shape the ring transport's *Context variants use.
func (w *Window) waitUntil(ctx context.Context, addr *uint32, baseline uint32) error {
	for {
		cur := atomic.LoadUint32(addr)
		if cur != baseline {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("shmring: wait on edge: %w", ctx.Err())
		default:
		}
		timeout := pollSlice
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < timeout {
				timeout = remaining
			}
		}
		if timeout <= 0 {
			return fmt.Errorf("shmring: wait on edge: %w", ctx.Err())
		}
		if err := futexWaitTimeout(addr, cur, timeout.Nanoseconds()); err != nil && err != errFutexTimeout {
			return fmt.Errorf("shmring: futex wait: %w (%v)", sscerr.ErrFabricFailure, err)
		}
	}
}

func (w *Window) Put(ctx context.Context, targetRank int, targetOffset uint64, data []byte) error {
	buf := w.seg.buffer()
	if targetOffset+uint64(len(data)) > uint64(len(buf)) {
		return fmt.Errorf("shmring: put at offset %d len %d exceeds window of %d bytes: %w",
			targetOffset, len(data), len(buf), sscerr.ErrMalformedBuffer)
	}
	copy(buf[targetOffset:], data)
	return nil
}

func (w *Window) Get(ctx context.Context, sourceRank int, sourceOffset uint64, buf []byte) error {
	src := w.seg.buffer()
	if sourceOffset+uint64(len(buf)) > uint64(len(src)) {
		return fmt.Errorf("shmring: get at offset %d len %d exceeds window of %d bytes: %w",
			sourceOffset, len(buf), len(src), sscerr.ErrMalformedBuffer)
	}
	copy(buf, src[sourceOffset:sourceOffset+uint64(len(buf))])
	return nil
}

// DiagnoseStall logs both sides' sequence counters, the adapted form of the
// ring transport's DiagnoseDuelingBuffers for a window that has no ring to
// be full or empty, only epochs that have stopped advancing.
func (w *Window) DiagnoseStall() {
	w.log.WithFields(logrus.Fields{
		"generation":  w.hdr.Generation(),
		"post_seq":    w.hdr.PostSeq(),
		"start_seq":   w.hdr.StartSeq(),
		"complete_seq": w.hdr.CompleteSeq(),
	}).Warn("shmring: window epoch has not advanced past soft timeout")
}

func (w *Window) Free() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.hdr.SetClosed(true)
	return w.seg.close()
}
