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

package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/scistream/ssc-go/internal/aggregate"
	"github.com/scistream/ssc-go/internal/fabric"
	"github.com/scistream/ssc-go/internal/overlap"
	"github.com/scistream/ssc-go/internal/sscerr"
	"github.com/scistream/ssc-go/internal/transport"
	"github.com/scistream/ssc-go/internal/wire"
)

// pendingPut holds one declared variable's metadata plus a closure that
// produces its encoded bytes. Sync Put calls the closure immediately;
// deferred Put queues it until PerformPuts, so a caller may still be
// mutating the backing slice's contents (not its length) up to that point.
type pendingPut struct {
	block  wire.Block
	encode func() []byte
}

// Writer drives the writer-side state machine of §4.4: BeginStep/Put*/
// EndStep per step, built on wire, overlap, aggregate, transport and fabric.
type Writer struct {
	deps Deps
	cfg  Config
	log  *logrus.Entry

	mu          sync.Mutex
	closed      bool
	currentStep int
	selfLocked  bool
	locked      bool
	worker      chan error

	attributes   []wire.Attribute
	localPattern wire.BlockVec
	payload      []byte
	deferred     []pendingPut
	lockedIndex  map[string]int

	writerPattern   wire.BlockVecVec
	readerPattern   wire.BlockVecVec
	targets         overlap.RankPosMap
	windowsByTarget map[int]fabric.Window
}

// NewWriter constructs a Writer bound to deps. selfLocked declares this
// side's intent to keep the pattern static across steps; the session is
// only actually locked once the reader also declares it (negotiated at
// step 0).
func NewWriter(cfg Config, deps Deps, selfLocked bool) (*Writer, error) {
	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Writer{
		deps:        deps,
		cfg:         cfg,
		log:         log,
		currentStep: -1,
		selfLocked:  selfLocked,
	}, nil
}

// CurrentStep returns the step index of the most recent BeginStep.
func (w *Writer) CurrentStep() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentStep
}

// DefineAttribute queues an attribute for inclusion in every subsequent
// pattern broadcast; attributes are static for the life of the session.
func (w *Writer) DefineAttribute(attr wire.Attribute) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.attributes = append(w.attributes, attr)
	return nil
}

// BeginStep joins any outstanding background worker, advances currentStep,
// and resets the step's local state (§4.4).
func (w *Writer) BeginStep(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.worker != nil {
		err := <-w.worker
		w.worker = nil
		if err != nil {
			return err
		}
	}
	w.currentStep++
	n := w.currentStep
	if n == 0 || !w.locked {
		w.payload = w.payload[:0]
		w.localPattern = w.localPattern[:0]
	}
	if n > 1 && !w.locked {
		for r, win := range w.windowsByTarget {
			if err := win.Free(); err != nil {
				return fmt.Errorf("engine: free window for rank %d: %w", r, err)
			}
		}
		w.windowsByTarget = nil
	}
	return nil
}

// Put declares or updates one variable for the step currently open between
// BeginStep and EndStep. global selects GlobalValue/GlobalArray shapes
// (routed by the overlap resolver) versus LocalValue/LocalArray (never
// cross-rank routed, §4.2); an empty count marks a scalar Value. When sync
// is false, data's contents (not its length) must remain valid until
// PerformPuts or EndStep commits it.
func Put[T Numeric](w *Writer, name string, global bool, shape, start, count []uint64, data []T, sync bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if len(name) > 255 {
		return fmt.Errorf("engine: variable name %q exceeds 255 bytes: %w", name, sscerr.ErrMalformedBuffer)
	}

	isValue := len(count) == 0
	var shapeID wire.ShapeID
	switch {
	case global && isValue:
		shapeID = wire.GlobalValue
	case global && !isValue:
		shapeID = wire.GlobalArray
	case !global && isValue:
		shapeID = wire.LocalValue
	default:
		shapeID = wire.LocalArray
	}

	var zero T
	blk := wire.Block{
		Rank:    int32(w.deps.GroupComm.Rank()),
		Name:    name,
		ShapeID: shapeID,
		Type:    dataTypeOf(zero),
		Shape:   append([]uint64(nil), shape...),
		Start:   append([]uint64(nil), start...),
		Count:   append([]uint64(nil), count...),
	}
	snapshot := data
	encode := func() []byte { return encodeElems(nil, snapshot) }

	if sync {
		return w.commitPut(blk, encode())
	}
	w.deferred = append(w.deferred, pendingPut{block: blk, encode: encode})
	return nil
}

// PerformPuts commits every deferred Put queued since the last BeginStep or
// PerformPuts call, encoding each one's current contents.
func (w *Writer) PerformPuts() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.performPutsLocked()
}

func (w *Writer) performPutsLocked() error {
	for _, pp := range w.deferred {
		if err := w.commitPut(pp.block, pp.encode()); err != nil {
			return err
		}
	}
	w.deferred = w.deferred[:0]
	return nil
}

// commitPut finalizes one block. Before the pattern locks, this always
// grows the pattern and payload: inline Value shapes carry their bytes in
// the pattern record itself (no payload append, since any rank that
// receives the broadcast pattern already has the value); array shapes
// append to the payload buffer and record the resulting BufferStart/
// BufferCount. Once locked, every subsequent step reuses step 0's
// BufferStart/BufferCount and the window bound to w.payload's backing
// array: growing it here would outrun that window, so a locked Put
// overwrites its declared span in place instead.
func (w *Writer) commitPut(blk wire.Block, encoded []byte) error {
	if w.locked && w.currentStep > 0 {
		idx, ok := w.lockedIndex[blk.Name]
		if !ok {
			return fmt.Errorf("engine: variable %q was not declared before the pattern locked: %w", blk.Name, sscerr.ErrConfiguration)
		}
		existing := w.localPattern[idx]
		if blk.ShapeID == wire.GlobalValue || blk.ShapeID == wire.LocalValue {
			w.localPattern[idx].Value = encoded
			return nil
		}
		if uint64(len(encoded)) != existing.BufferCount {
			return fmt.Errorf("engine: variable %q changed size under a locked pattern: %w", blk.Name, sscerr.ErrConfiguration)
		}
		copy(w.payload[existing.BufferStart:existing.BufferStart+existing.BufferCount], encoded)
		return nil
	}

	switch blk.ShapeID {
	case wire.GlobalValue, wire.LocalValue:
		blk.Value = encoded
	default:
		blk.BufferStart = uint64(len(w.payload))
		blk.BufferCount = uint64(len(encoded))
		w.payload = append(w.payload, encoded...)
	}
	w.localPattern = append(w.localPattern, blk)
	return nil
}

// Flush forces any queued deferred Put to commit now, ahead of EndStep.
func (w *Writer) Flush(ctx context.Context) error {
	return w.PerformPuts()
}

// EndStep executes the writer half of §4.4's EndStep branches.
func (w *Writer) EndStep(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.performPutsLocked(); err != nil {
		return err
	}
	if w.locked && w.currentStep > 0 {
		// The trailing marker occupies a fixed slot inside the window's
		// bound buffer once locked; reset it in place rather than growing
		// payload again.
		w.payload[len(w.payload)-1] = 0
	} else {
		w.payload = append(w.payload, 0) // reserved end-of-stream marker, §4.2's trailing +1
	}

	if w.currentStep == 0 {
		return w.runStepWork(func() error {
			if err := w.negotiatePattern(ctx, false); err != nil {
				return err
			}
			if !w.locked {
				return nil
			}
			wins, err := w.openWindowsForTargets(ctx)
			if err != nil {
				return err
			}
			w.windowsByTarget = wins
			return nil
		})
	}

	if w.locked {
		return transport.WriterEndStep(ctx, w.deps.StreamComm, w.cfg.Mode, w.windowsByTarget, w.targets, w.payload)
	}

	return w.runStepWork(func() error {
		if err := w.negotiatePattern(ctx, false); err != nil {
			return err
		}
		wins, err := w.openWindowsForTargets(ctx)
		if err != nil {
			return err
		}
		if err := transport.WriterEndStep(ctx, w.deps.StreamComm, w.cfg.Mode, wins, w.targets, w.payload); err != nil {
			return err
		}
		// Left open deliberately: flexible mode's window outlives this
		// EndStep and is freed at the start of the next BeginStep (§4.4),
		// since a pull-variant peer may still be mid-Get when this call
		// returns.
		w.windowsByTarget = wins
		return nil
	})
}

// runStepWork runs fn on a background worker when threading is enabled and
// the fabric supports concurrent use, joined by the next BeginStep;
// otherwise it runs fn inline and returns its result directly (§5).
func (w *Writer) runStepWork(fn func() error) error {
	if !w.cfg.Threading || !w.deps.GroupComm.ThreadSafe() {
		return fn()
	}
	done := make(chan error, 1)
	w.worker = done
	go func() { done <- fn() }()
	return nil
}

// negotiatePattern serializes and exchanges this step's pattern (§4.2,
// §4.3): aggregate to the writer group's root, broadcast across the stream,
// receive the reader's broadcast pattern the same way, then resolve overlap
// and position assignment.
func (w *Writer) negotiatePattern(ctx context.Context, finalStep bool) error {
	buf := wire.NewBuffer()
	if err := wire.SerializeVariables(buf, w.localPattern, int32(w.deps.GroupComm.Rank())); err != nil {
		return err
	}
	if err := wire.SerializeAttributes(buf, w.attributes); err != nil {
		return err
	}

	// Pattern negotiation runs over the writer group's own communicator,
	// a separate scope from the stream's writer/reader transport windows,
	// so it always gathers twosided regardless of w.cfg.Mode.
	groupMeta, err := aggregate.AggregateMetadata(ctx, w.deps.GroupComm, w.deps.GroupRoot, buf.Bytes(), finalStep, w.selfLocked, w.cfg.ChunkSize, transport.TwoSided, nil)
	if err != nil {
		return fmt.Errorf("engine: aggregate writer pattern: %w", err)
	}

	// Both sides must issue their two StreamComm broadcasts in the same
	// program order, since a communicator matches collectives by call
	// sequence, not by the root each one names: the writer's pattern is
	// always broadcast first, the reader's second, on both sides.
	var outgoing []byte
	if w.deps.GroupComm.Rank() == w.deps.GroupRoot {
		outgoing = packGlobal(groupMeta)
	}
	selfMeta, err := aggregate.BroadcastMetadata(ctx, w.deps.StreamComm, w.deps.SelfStreamRoot, outgoing)
	if err != nil {
		return fmt.Errorf("engine: broadcast writer pattern: %w", err)
	}
	var writerPattern wire.BlockVecVec
	if _, err := wire.Deserialize(wrapLocal(selfMeta.Payload), false, &writerPattern, nil, false, false); err != nil {
		return fmt.Errorf("engine: decode writer pattern: %w", err)
	}

	peerMeta, err := aggregate.BroadcastMetadata(ctx, w.deps.StreamComm, w.deps.PeerStreamRoot, nil)
	if err != nil {
		return fmt.Errorf("engine: broadcast reader pattern: %w", err)
	}
	var readerPattern wire.BlockVecVec
	if _, err := wire.Deserialize(wrapLocal(peerMeta.Payload), false, &readerPattern, nil, false, false); err != nil {
		return fmt.Errorf("engine: decode reader pattern: %w", err)
	}

	membership := overlap.CalculateOverlap(readerPattern, w.localPattern)
	positions, err := overlap.CalculatePosition(writerPattern, readerPattern, w.deps.GroupComm.Rank(), membership)
	if err != nil {
		return fmt.Errorf("engine: calculate position: %w", err)
	}

	// CalculatePosition's table is keyed by each reader's rank within its
	// own group; ISend/IRecv/Put/Get address StreamComm, so targets is
	// re-keyed to stream ranks before any transport call touches it.
	targets := make(overlap.RankPosMap, len(positions))
	for readerGroupRank, pos := range positions {
		targets[w.deps.PeerToStream(readerGroupRank)] = pos
	}

	w.writerPattern = writerPattern
	w.readerPattern = readerPattern
	w.targets = targets
	w.locked = w.selfLocked && peerMeta.Locked
	if w.locked {
		w.lockedIndex = make(map[string]int, len(w.localPattern))
		for i, b := range w.localPattern {
			w.lockedIndex[b.Name] = i
		}
	}
	return nil
}

func (w *Writer) openWindowsForTargets(ctx context.Context) (map[int]fabric.Window, error) {
	if !w.cfg.Mode.UsesWindow() {
		return nil, nil
	}
	out := make(map[int]fabric.Window, len(w.targets))
	for r := range w.targets {
		id := windowEdgeID(w.deps.EdgeID, w.deps.SelfStreamRank, r)
		win, err := w.deps.Windows.OpenWindow(ctx, id, w.payload)
		if err != nil {
			for _, opened := range out {
				opened.Free()
			}
			return nil, fmt.Errorf("engine: open window for rank %d: %w", r, err)
		}
		out[r] = win
	}
	return out, nil
}

// Close runs DoClose (§4.4): under lock it re-dispatches through the same
// persistent window and target table every other locked step used, with the
// trailing marker byte forced to 1 instead of 0, then frees the windows;
// otherwise it publishes one last pattern broadcast with finalStep set
// (which the reader observes as aggregate.Metadata.FinalStep) and frees
// whatever window the previous flexible-mode EndStep left open, since there
// is no further BeginStep to do that lazily.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if w.worker != nil {
		if err := <-w.worker; err != nil {
			w.worker = nil
			w.closed = true
			return err
		}
		w.worker = nil
	}

	var err error
	if w.locked {
		if len(w.payload) > 0 {
			w.payload[len(w.payload)-1] = 1
		}
		err = transport.WriterEndStep(ctx, w.deps.StreamComm, w.cfg.Mode, w.windowsByTarget, w.targets, w.payload)
		for _, win := range w.windowsByTarget {
			if ferr := win.Free(); ferr != nil && err == nil {
				err = ferr
			}
		}
		w.windowsByTarget = nil
	} else {
		err = w.negotiatePattern(ctx, true)
		for r, win := range w.windowsByTarget {
			if ferr := win.Free(); ferr != nil && err == nil {
				err = fmt.Errorf("engine: free window for rank %d: %w", r, ferr)
			}
		}
		w.windowsByTarget = nil
	}
	w.closed = true
	return err
}
