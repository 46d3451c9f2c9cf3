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

package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/scistream/ssc-go/internal/fabric"
	"github.com/scistream/ssc-go/internal/overlap"
	"github.com/scistream/ssc-go/internal/sscerr"
)

func TestParseVariantDefaultsToTwoSided(t *testing.T) {
	v, err := ParseVariant("")
	if err != nil || v != TwoSided {
		t.Fatalf("got %v, %v", v, err)
	}
}

func TestParseVariantRejectsUnknown(t *testing.T) {
	_, err := ParseVariant("bogus")
	if !errors.Is(err, sscerr.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestVariantFlags(t *testing.T) {
	if TwoSided.UsesWindow() {
		t.Fatalf("twosided must not use a window")
	}
	if !OneSidedFencePush.UsesWindow() || !OneSidedFencePush.IsPush() {
		t.Fatalf("onesidedfencepush must use a window and be a push variant")
	}
	if !OneSidedFencePull.UsesWindow() || OneSidedFencePull.IsPush() {
		t.Fatalf("onesidedfencepull must use a window and not be a push variant")
	}
}

// inMemoryComm delivers ISend/IRecv synchronously within one process,
// enough to exercise the twosided dispatch path end to end without a fabric.
type inMemoryComm struct {
	inbox map[[2]int]chan []byte
}

func newInMemoryComm() *inMemoryComm {
	return &inMemoryComm{inbox: make(map[[2]int]chan []byte)}
}

func (c *inMemoryComm) chanFor(src, tag int) chan []byte {
	key := [2]int{src, tag}
	ch, ok := c.inbox[key]
	if !ok {
		ch = make(chan []byte, 8)
		c.inbox[key] = ch
	}
	return ch
}

func (c *inMemoryComm) Rank() int { return 0 }
func (c *inMemoryComm) Size() int { return 2 }
func (c *inMemoryComm) Barrier(context.Context) error { return nil }
func (c *inMemoryComm) ThreadSafe() bool { return true }
func (c *inMemoryComm) Gatherv(context.Context, int, []byte, int) ([][]byte, error) { return nil, nil }
func (c *inMemoryComm) Bcast(context.Context, int, []byte) ([]byte, error) { return nil, nil }
func (c *inMemoryComm) AllreduceMax(ctx context.Context, v int) (int, error) { return v, nil }

func (c *inMemoryComm) ISend(ctx context.Context, dest int, tag int, data []byte) (fabric.Request, error) {
	c.chanFor(dest, tag) <- append([]byte(nil), data...)
	return immediateRequest{}, nil
}

func (c *inMemoryComm) IRecv(ctx context.Context, source int, tag int, buf []byte, n *int) (fabric.Request, error) {
	ch := c.chanFor(source, tag)
	return waitRequest{fn: func(ctx context.Context) error {
		select {
		case data := <-ch:
			*n = copy(buf, data)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}, nil
}

type immediateRequest struct{}

func (immediateRequest) Wait(context.Context) error { return nil }

type waitRequest struct{ fn func(context.Context) error }

func (r waitRequest) Wait(ctx context.Context) error { return r.fn(ctx) }

// TestWriterReaderTwoSidedRoundTrip checks that the writer's full local
// payload lands at its assigned Offset inside the reader's buffer: Offset
// is a placement position in the receiver, not a slice bound on the
// sender's own bytes.
func TestWriterReaderTwoSidedRoundTrip(t *testing.T) {
	comm := newInMemoryComm()
	payload := []byte("hello")
	targets := overlap.RankPosMap{1: {Offset: 2, Length: uint64(len(payload))}}

	if err := WriterEndStep(context.Background(), comm, TwoSided, nil, targets, payload); err != nil {
		t.Fatalf("WriterEndStep: %v", err)
	}

	recvBuf := make([]byte, 10)
	sources := overlap.RankPosMap{1: {Offset: 2, Length: uint64(len(payload))}}
	if err := ReaderWait(context.Background(), comm, TwoSided, nil, sources, recvBuf); err != nil {
		t.Fatalf("ReaderWait: %v", err)
	}
	if !bytes.Equal(recvBuf[2:7], payload) {
		t.Fatalf("got %q want %q", recvBuf[2:7], payload)
	}
}
