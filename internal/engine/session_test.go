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
	"errors"
	"testing"

	"github.com/scistream/ssc-go/internal/sscerr"
	"github.com/scistream/ssc-go/internal/transport"
	"github.com/scistream/ssc-go/internal/wire"
)

// newSession builds one writer and one reader over a shared in-memory
// fabric: writer at stream rank 0, reader at stream rank 1, each the sole
// member of its own group.
func newSession(t *testing.T, mode transport.Variant, writerSelfLocked, readerSelfLocked bool) (*Writer, *Reader, *fakeNetwork) {
	t.Helper()
	streamNet := newFakeNetwork()
	cfg := Config{Mode: mode, Threading: false, ChunkSize: 4096}

	wDeps := Deps{
		GroupComm:      &fakeComm{rank: 0, size: 1},
		StreamComm:     &fakeComm{net: streamNet, rank: 0, size: 2},
		GroupRoot:      0,
		SelfStreamRank: 0,
		SelfStreamRoot: 0,
		PeerStreamRoot: 1,
		PeerToStream:   constOne,
		EdgeID:         "sess",
	}
	rDeps := Deps{
		GroupComm:      &fakeComm{rank: 0, size: 1},
		StreamComm:     &fakeComm{net: streamNet, rank: 1, size: 2},
		GroupRoot:      0,
		SelfStreamRank: 1,
		SelfStreamRoot: 1,
		PeerStreamRoot: 0,
		PeerToStream:   constZero,
		EdgeID:         "sess",
	}

	w, err := NewWriter(cfg, wDeps, writerSelfLocked)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	r, err := NewReader(cfg, rDeps, readerSelfLocked)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return w, r, streamNet
}

// runPair runs writerStep and readerStep concurrently and waits for both,
// since a step's EndStep blocks on the peer's matching collective call.
func runPair(t *testing.T, writerStep, readerStep func() error) {
	t.Helper()
	wErr := make(chan error, 1)
	rErr := make(chan error, 1)
	go func() { wErr <- writerStep() }()
	go func() { rErr <- readerStep() }()
	if err := <-wErr; err != nil {
		t.Fatalf("writer: %v", err)
	}
	if err := <-rErr; err != nil {
		t.Fatalf("reader: %v", err)
	}
}

// TestLockedFastPathSkipsCollectives covers §8's "locked fast path": once
// both sides declare an identical pattern and agree to lock at step 0,
// step 1 dispatches straight over the cached target table (two-sided
// sends, no window) without re-running the aggregate/broadcast negotiation.
func TestLockedFastPathSkipsCollectives(t *testing.T) {
	ctx := context.Background()
	w, r, net := newSession(t, transport.TwoSided, true, true)

	shape := []uint64{10}

	runPair(t, func() error {
		if err := w.BeginStep(ctx); err != nil {
			return err
		}
		if err := Put(w, "temperature", true, shape, []uint64{0}, shape, []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, true); err != nil {
			return err
		}
		return w.EndStep(ctx)
	}, func() error {
		if err := r.BeginStep(ctx); err != nil {
			return err
		}
		if err := Select(r, "temperature", true, shape, []uint64{0}, shape, wire.UInt32); err != nil {
			return err
		}
		return r.EndStep(ctx)
	})

	if !w.locked || !r.locked {
		t.Fatalf("expected both sides locked after step 0, writer=%v reader=%v", w.locked, r.locked)
	}
	// Each of the two pattern broadcasts (writer's, reader's) is called by
	// both sides of StreamComm, so a full negotiation counts as 4 calls.
	callsAfterStep0 := net.bcastCalls()
	if callsAfterStep0 != 4 {
		t.Fatalf("expected 4 broadcast calls after step 0, got %d", callsAfterStep0)
	}

	runPair(t, func() error {
		if err := w.BeginStep(ctx); err != nil {
			return err
		}
		if err := Put(w, "temperature", true, shape, []uint64{0}, shape, []uint32{11, 12, 13, 14, 15, 16, 17, 18, 19, 20}, true); err != nil {
			return err
		}
		return w.EndStep(ctx)
	}, func() error {
		if err := r.BeginStep(ctx); err != nil {
			return err
		}
		return r.EndStep(ctx)
	})

	if net.bcastCalls() != callsAfterStep0 {
		t.Fatalf("locked step issued collectives: before=%d after=%d", callsAfterStep0, net.bcastCalls())
	}

	got, err := decodeElems[uint32](r.recvBuf[r.sources[0].Offset:], 10)
	if err != nil {
		t.Fatalf("decodeElems: %v", err)
	}
	want := []uint32{11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("element %d: got %d want %d", i, got[i], want[i])
		}
	}
}

// TestFlexibleReshapeRenegotiatesEveryStep covers §8's "flexible reshape":
// with locking never agreed, each step re-aggregates and re-broadcasts, and
// a shrinking/growing count changes the resulting position table.
func TestFlexibleReshapeRenegotiatesEveryStep(t *testing.T) {
	ctx := context.Background()
	w, r, net := newSession(t, transport.TwoSided, false, false)

	runStep := func(count uint64, data []uint32) {
		shape := []uint64{count}
		runPair(t, func() error {
			if err := w.BeginStep(ctx); err != nil {
				return err
			}
			if err := Put(w, "series", true, shape, []uint64{0}, shape, data, true); err != nil {
				return err
			}
			return w.EndStep(ctx)
		}, func() error {
			if err := r.BeginStep(ctx); err != nil {
				return err
			}
			if err := Select(r, "series", true, shape, []uint64{0}, shape, wire.UInt32); err != nil {
				return err
			}
			return r.EndStep(ctx)
		})
	}

	runStep(10, make([]uint32, 10))
	firstCalls := net.bcastCalls()
	firstLen := r.sources[0].Length
	if firstLen != 10*4+1 {
		t.Fatalf("step 0 length: got %d want %d", firstLen, 10*4+1)
	}

	runStep(20, make([]uint32, 20))
	if net.bcastCalls() == firstCalls {
		t.Fatalf("expected step 1 to issue its own collectives, calls stayed at %d", firstCalls)
	}
	secondLen := r.sources[0].Length
	if secondLen != 20*4+1 {
		t.Fatalf("step 1 length: got %d want %d", secondLen, 20*4+1)
	}
	if w.locked || r.locked {
		t.Fatalf("session should never have locked, writer=%v reader=%v", w.locked, r.locked)
	}
}

// TestCloseInLockedModeSignalsEndOfStream covers §8's "close in locked
// mode": Close reuses the persistent window and target table with the
// trailing marker forced to 1, and the reader surfaces
// sscerr.ErrEndOfStream from the BeginStep after it observes that marker.
func TestCloseInLockedModeSignalsEndOfStream(t *testing.T) {
	ctx := context.Background()
	w, r, _ := newSession(t, transport.TwoSided, true, true)

	shape := []uint64{4}

	runPair(t, func() error {
		if err := w.BeginStep(ctx); err != nil {
			return err
		}
		if err := Put(w, "v", true, shape, []uint64{0}, shape, []uint32{1, 2, 3, 4}, true); err != nil {
			return err
		}
		return w.EndStep(ctx)
	}, func() error {
		if err := r.BeginStep(ctx); err != nil {
			return err
		}
		if err := Select(r, "v", true, shape, []uint64{0}, shape, wire.UInt32); err != nil {
			return err
		}
		return r.EndStep(ctx)
	})

	runPair(t, func() error {
		if err := w.BeginStep(ctx); err != nil {
			return err
		}
		if err := Put(w, "v", true, shape, []uint64{0}, shape, []uint32{5, 6, 7, 8}, true); err != nil {
			return err
		}
		return w.EndStep(ctx)
	}, func() error {
		if err := r.BeginStep(ctx); err != nil {
			return err
		}
		return r.EndStep(ctx)
	})

	if r.endOfStream {
		t.Fatalf("reader observed end of stream before Close")
	}

	closeErr := make(chan error, 1)
	readErr := make(chan error, 1)
	go func() { closeErr <- w.Close(ctx) }()
	go func() {
		if err := r.BeginStep(ctx); err != nil {
			readErr <- err
			return
		}
		readErr <- r.EndStep(ctx)
	}()
	if err := <-closeErr; err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-readErr; err != nil {
		t.Fatalf("reader receive of close marker: %v", err)
	}

	if !r.endOfStream {
		t.Fatalf("reader did not observe the close marker")
	}
	if err := r.BeginStep(ctx); !errors.Is(err, sscerr.ErrEndOfStream) {
		t.Fatalf("expected ErrEndOfStream, got %v", err)
	}
}

// TestPutAfterCloseReturnsErrClosed covers the lifecycle guard every public
// entry point shares: once Close has run, further calls fail fast instead
// of touching torn-down state.
func TestPutAfterCloseReturnsErrClosed(t *testing.T) {
	ctx := context.Background()
	w, r, _ := newSession(t, transport.TwoSided, true, true)

	runPair(t, func() error {
		if err := w.BeginStep(ctx); err != nil {
			return err
		}
		shape := []uint64{1}
		if err := Put(w, "v", true, shape, []uint64{0}, shape, []uint32{1}, true); err != nil {
			return err
		}
		return w.EndStep(ctx)
	}, func() error {
		if err := r.BeginStep(ctx); err != nil {
			return err
		}
		shape := []uint64{1}
		if err := Select(r, "v", true, shape, []uint64{0}, shape, wire.UInt32); err != nil {
			return err
		}
		return r.EndStep(ctx)
	})

	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	shape := []uint64{1}
	if err := Put(w, "v", true, shape, []uint64{0}, shape, []uint32{2}, true); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := w.BeginStep(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

// TestLockedPutRejectsSizeChange covers commitPut's locked-mode guard: once
// a variable's encoded size is fixed by the step-0 lock, a later Put that
// changes it is rejected rather than silently corrupting the window's
// bound buffer.
func TestLockedPutRejectsSizeChange(t *testing.T) {
	ctx := context.Background()
	w, r, _ := newSession(t, transport.TwoSided, true, true)

	shape := []uint64{4}
	runPair(t, func() error {
		if err := w.BeginStep(ctx); err != nil {
			return err
		}
		if err := Put(w, "v", true, shape, []uint64{0}, shape, []uint32{1, 2, 3, 4}, true); err != nil {
			return err
		}
		return w.EndStep(ctx)
	}, func() error {
		if err := r.BeginStep(ctx); err != nil {
			return err
		}
		if err := Select(r, "v", true, shape, []uint64{0}, shape, wire.UInt32); err != nil {
			return err
		}
		return r.EndStep(ctx)
	})

	if err := w.BeginStep(ctx); err != nil {
		t.Fatalf("BeginStep: %v", err)
	}
	biggerShape := []uint64{8}
	err := Put(w, "v", true, biggerShape, []uint64{0}, biggerShape, []uint32{1, 2, 3, 4, 5, 6, 7, 8}, true)
	if !errors.Is(err, sscerr.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

// TestLockedPutRejectsUndeclaredName covers the other half of commitPut's
// locked-mode guard: a variable never declared before the pattern locked
// has no lockedIndex slot to overwrite.
func TestLockedPutRejectsUndeclaredName(t *testing.T) {
	ctx := context.Background()
	w, r, _ := newSession(t, transport.TwoSided, true, true)

	shape := []uint64{4}
	runPair(t, func() error {
		if err := w.BeginStep(ctx); err != nil {
			return err
		}
		if err := Put(w, "v", true, shape, []uint64{0}, shape, []uint32{1, 2, 3, 4}, true); err != nil {
			return err
		}
		return w.EndStep(ctx)
	}, func() error {
		if err := r.BeginStep(ctx); err != nil {
			return err
		}
		if err := Select(r, "v", true, shape, []uint64{0}, shape, wire.UInt32); err != nil {
			return err
		}
		return r.EndStep(ctx)
	})

	if err := w.BeginStep(ctx); err != nil {
		t.Fatalf("BeginStep: %v", err)
	}
	err := Put(w, "other", true, shape, []uint64{0}, shape, []uint32{1, 2, 3, 4}, true)
	if !errors.Is(err, sscerr.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}
