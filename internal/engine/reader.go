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

// Reader drives the reader-side state machine of §4.4, the documented dual
// of Writer: it serializes its own read selections instead of write
// declarations, and EndStep posts receives or exposes its buffer instead of
// sending.
type Reader struct {
	deps Deps
	cfg  Config
	log  *logrus.Entry

	mu          sync.Mutex
	closed      bool
	endOfStream bool
	currentStep int
	selfLocked  bool
	locked      bool
	worker      chan error

	localPattern wire.BlockVec

	writerPattern   wire.BlockVecVec
	readerPattern   wire.BlockVecVec
	sources         overlap.RankPosMap
	recvBuf         []byte
	windowsBySource map[int]fabric.Window
}

// NewReader constructs a Reader bound to deps. Here deps.GroupComm/GroupRoot
// describe the reader's own sub-communicator, deps.SelfStreamRoot is this
// reader group's broadcaster, and deps.PeerStreamRoot is the writer group's.
func NewReader(cfg Config, deps Deps, selfLocked bool) (*Reader, error) {
	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Reader{
		deps:        deps,
		cfg:         cfg,
		log:         log,
		currentStep: -1,
		selfLocked:  selfLocked,
	}, nil
}

func (r *Reader) CurrentStep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentStep
}

// Select declares one region this reader wants to read for the step
// currently open, the reader's counterpart to Writer's Put: it only ever
// contributes metadata (name/shape/start/count) to this side's pattern,
// since the reader consumes data rather than producing it.
func Select(r *Reader, name string, global bool, shape, start, count []uint64, typ wire.DataType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
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
	r.localPattern = append(r.localPattern, wire.Block{
		Rank:    int32(r.deps.GroupComm.Rank()),
		Name:    name,
		ShapeID: shapeID,
		Type:    typ,
		Shape:   append([]uint64(nil), shape...),
		Start:   append([]uint64(nil), start...),
		Count:   append([]uint64(nil), count...),
	})
	return nil
}

// BeginStep joins any outstanding background worker and advances
// currentStep. It returns sscerr.ErrEndOfStream once the previous EndStep
// observed every source writer's end-of-stream marker set, or received the
// writer's final pattern (FinalStep set).
func (r *Reader) BeginStep(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.worker != nil {
		err := <-r.worker
		r.worker = nil
		if err != nil {
			return err
		}
	}
	if r.endOfStream {
		return sscerr.ErrEndOfStream
	}
	r.currentStep++
	n := r.currentStep
	if n == 0 || !r.locked {
		r.localPattern = r.localPattern[:0]
	}
	if n > 1 && !r.locked {
		for src, win := range r.windowsBySource {
			if err := win.Free(); err != nil {
				return fmt.Errorf("engine: free window for rank %d: %w", src, err)
			}
		}
		r.windowsBySource = nil
	}
	return nil
}

// EndStep executes the reader half of §4.4's EndStep branches: step 0
// negotiates the pattern only; step n>=1 receives this step's payload into
// recvBuf, sized to whatever CalculatePosition assigned.
func (r *Reader) EndStep(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	if r.currentStep == 0 {
		return r.runStepWork(func() error {
			if err := r.negotiatePattern(ctx, false); err != nil {
				return err
			}
			r.allocateRecvBuf()
			if !r.locked {
				return nil
			}
			wins, err := r.openWindowsForSources(ctx)
			if err != nil {
				return err
			}
			r.windowsBySource = wins
			return nil
		})
	}

	if r.locked {
		if err := transport.ReaderWait(ctx, r.deps.StreamComm, r.cfg.Mode, r.windowsBySource, r.sources, r.recvBuf); err != nil {
			return err
		}
		r.checkEndOfStream()
		return nil
	}

	return r.runStepWork(func() error {
		if err := r.negotiatePattern(ctx, false); err != nil {
			return err
		}
		if r.endOfStream {
			// The writer's unlocked Close publishes a final pattern and sends
			// no payload after it.
			return nil
		}
		r.allocateRecvBuf()
		wins, err := r.openWindowsForSources(ctx)
		if err != nil {
			return err
		}
		if err := transport.ReaderWait(ctx, r.deps.StreamComm, r.cfg.Mode, wins, r.sources, r.recvBuf); err != nil {
			return err
		}
		r.windowsBySource = wins
		r.checkEndOfStream()
		return nil
	})
}

// checkEndOfStream scans every source writer's trailing marker byte (the
// last byte of its placed region in recvBuf): once every source's marker is
// set, the next BeginStep reports sscerr.ErrEndOfStream.
func (r *Reader) checkEndOfStream() {
	if len(r.sources) == 0 {
		return
	}
	for _, pos := range r.sources {
		if pos.Length == 0 {
			return
		}
		if r.recvBuf[pos.Offset+pos.Length-1] == 0 {
			return
		}
	}
	r.endOfStream = true
}

func (r *Reader) runStepWork(fn func() error) error {
	if !r.cfg.Threading || !r.deps.GroupComm.ThreadSafe() {
		return fn()
	}
	done := make(chan error, 1)
	r.worker = done
	go func() { done <- fn() }()
	return nil
}

// negotiatePattern is the reader's dual of Writer.negotiatePattern: it
// aggregates and broadcasts its own read selections from SelfStreamRoot,
// receives the writer's broadcast from PeerStreamRoot, and computes the
// reader-side overlap (which source writers feed this rank, and at what
// offset into recvBuf).
func (r *Reader) negotiatePattern(ctx context.Context, finalStep bool) error {
	buf := wire.NewBuffer()
	if err := wire.SerializeVariables(buf, r.localPattern, int32(r.deps.GroupComm.Rank())); err != nil {
		return err
	}

	// Pattern negotiation runs over the reader group's own communicator,
	// a separate scope from the stream's writer/reader transport windows,
	// so it always gathers twosided regardless of r.cfg.Mode.
	groupMeta, err := aggregate.AggregateMetadata(ctx, r.deps.GroupComm, r.deps.GroupRoot, buf.Bytes(), finalStep, r.selfLocked, r.cfg.ChunkSize, transport.TwoSided, nil)
	if err != nil {
		return fmt.Errorf("engine: aggregate reader pattern: %w", err)
	}

	// Both sides must issue their two StreamComm broadcasts in the same
	// program order, since a communicator matches collectives by call
	// sequence, not by the root each one names: the writer's pattern is
	// always broadcast first, the reader's second, on both sides.
	var outgoing []byte
	if r.deps.GroupComm.Rank() == r.deps.GroupRoot {
		outgoing = packGlobal(groupMeta)
	}
	peerMeta, err := aggregate.BroadcastMetadata(ctx, r.deps.StreamComm, r.deps.PeerStreamRoot, nil)
	if err != nil {
		return fmt.Errorf("engine: broadcast writer pattern: %w", err)
	}
	var writerPattern wire.BlockVecVec
	if _, err := wire.Deserialize(wrapLocal(peerMeta.Payload), false, &writerPattern, r.deps.Registry, true, true); err != nil {
		return fmt.Errorf("engine: decode writer pattern: %w", err)
	}

	selfMeta, err := aggregate.BroadcastMetadata(ctx, r.deps.StreamComm, r.deps.SelfStreamRoot, outgoing)
	if err != nil {
		return fmt.Errorf("engine: broadcast reader pattern: %w", err)
	}
	var readerPattern wire.BlockVecVec
	if _, err := wire.Deserialize(wrapLocal(selfMeta.Payload), false, &readerPattern, nil, false, false); err != nil {
		return fmt.Errorf("engine: decode reader pattern: %w", err)
	}

	membership := overlap.CalculateOverlap(writerPattern, r.ownReadSelection())
	positions, err := reversePositions(writerPattern, readerPattern, r.deps.GroupComm.Rank(), membership)
	if err != nil {
		return fmt.Errorf("engine: calculate position: %w", err)
	}

	// positions is keyed by writer group-local rank; re-key to StreamComm
	// ranks before any transport call touches it, same as the writer side.
	sources := make(overlap.RankPosMap, len(positions))
	for writerGroupRank, pos := range positions {
		sources[r.deps.PeerToStream(writerGroupRank)] = pos
	}

	r.writerPattern = writerPattern
	r.readerPattern = readerPattern
	r.sources = sources
	r.locked = r.selfLocked && peerMeta.Locked
	if peerMeta.FinalStep {
		r.endOfStream = true
	}
	return nil
}

// ownReadSelection returns the subset of localPattern belonging to this
// rank; localPattern is already rank-local so this is the whole slice.
func (r *Reader) ownReadSelection() wire.BlockVec {
	return r.localPattern
}

// reversePositions computes, for this reader rank, every source writer's
// (offset, length) entry by calling the same CalculatePosition the writer
// side uses, but for every writer rank that overlaps this reader: since
// CalculatePosition's table is naturally indexed by (reader, writer), this
// reruns it once per overlapping writer rank and keeps this reader's own
// slice of each result.
func reversePositions(writerPattern, readerPattern wire.BlockVecVec, readerRank int, overlappingWriters overlap.RankPosMap) (overlap.RankPosMap, error) {
	out := make(overlap.RankPosMap, len(overlappingWriters))
	selfAsReader := overlap.RankPosMap{readerRank: {}}
	for w := range overlappingWriters {
		positions, err := overlap.CalculatePosition(writerPattern, readerPattern, w, selfAsReader)
		if err != nil {
			return nil, err
		}
		if pos, ok := positions[readerRank]; ok {
			out[w] = pos
		}
	}
	return out, nil
}

func (r *Reader) allocateRecvBuf() {
	var total uint64
	for _, pos := range r.sources {
		end := pos.Offset + pos.Length
		if end > total {
			total = end
		}
	}
	r.recvBuf = make([]byte, total)
}

func (r *Reader) openWindowsForSources(ctx context.Context) (map[int]fabric.Window, error) {
	if !r.cfg.Mode.UsesWindow() {
		return nil, nil
	}
	out := make(map[int]fabric.Window, len(r.sources))
	for w := range r.sources {
		id := windowEdgeID(r.deps.EdgeID, w, r.deps.SelfStreamRank)
		win, err := r.deps.Windows.OpenWindow(ctx, id, r.recvBuf)
		if err != nil {
			for _, opened := range out {
				opened.Free()
			}
			return nil, fmt.Errorf("engine: open window for rank %d: %w", w, err)
		}
		out[w] = win
	}
	return out, nil
}

// Close runs the reader's DoClose: it frees any persistent windows. Readers
// never originate the final pattern broadcast themselves (the writer side
// does, via its own Close), so there is no unlocked-mode publish step here.
func (r *Reader) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if r.worker != nil {
		if err := <-r.worker; err != nil {
			r.worker = nil
			r.closed = true
			return err
		}
		r.worker = nil
	}
	var err error
	for _, win := range r.windowsBySource {
		if ferr := win.Free(); ferr != nil && err == nil {
			err = ferr
		}
	}
	r.windowsBySource = nil
	r.closed = true
	return err
}
