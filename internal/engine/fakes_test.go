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
	"sync"
	"sync/atomic"

	"github.com/scistream/ssc-go/internal/fabric"
)

// fakeNetwork is the shared rendezvous behind every fakeComm drawn from it:
// one channel per (dest, tag) for point-to-point sends and one per
// broadcast root, letting independently-running writer and reader
// goroutines exchange data the way a real communicator would without a
// fabric. Every test in this package runs exactly one writer rank and one
// reader rank, so Gatherv never needs to do more than wrap its local
// argument as the sole entry. bcastCount lets a test assert that a locked
// fast-path step issued no collectives at all.
type fakeNetwork struct {
	mu         sync.Mutex
	sendCh     map[[2]int]chan []byte
	bcastCh    map[int]chan []byte
	bcastCount int64
}

func (n *fakeNetwork) bcastCalls() int64 { return atomic.LoadInt64(&n.bcastCount) }

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		sendCh:  make(map[[2]int]chan []byte),
		bcastCh: make(map[int]chan []byte),
	}
}

func (n *fakeNetwork) sendChan(dest, tag int) chan []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := [2]int{dest, tag}
	ch, ok := n.sendCh[key]
	if !ok {
		ch = make(chan []byte, 8)
		n.sendCh[key] = ch
	}
	return ch
}

func (n *fakeNetwork) bcastChan(root int) chan []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.bcastCh[root]
	if !ok {
		ch = make(chan []byte, 8)
		n.bcastCh[root] = ch
	}
	return ch
}

// fakeComm is a minimal fabric.Comm over a fakeNetwork.
type fakeComm struct {
	net  *fakeNetwork
	rank int
	size int
}

func (c *fakeComm) Rank() int                                         { return c.rank }
func (c *fakeComm) Size() int                                         { return c.size }
func (c *fakeComm) ThreadSafe() bool                                  { return false }
func (c *fakeComm) Barrier(context.Context) error                     { return nil }
func (c *fakeComm) AllreduceMax(_ context.Context, v int) (int, error) { return v, nil }

func (c *fakeComm) Gatherv(_ context.Context, _ int, local []byte, _ int) ([][]byte, error) {
	return [][]byte{append([]byte(nil), local...)}, nil
}

func (c *fakeComm) Bcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	atomic.AddInt64(&c.net.bcastCount, 1)
	ch := c.net.bcastChan(root)
	if c.rank == root {
		ch <- append([]byte(nil), data...)
		return data, nil
	}
	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeComm) ISend(_ context.Context, dest int, tag int, data []byte) (fabric.Request, error) {
	c.net.sendChan(dest, tag) <- append([]byte(nil), data...)
	return fakeRequest{}, nil
}

func (c *fakeComm) IRecv(ctx context.Context, _ int, tag int, buf []byte, n *int) (fabric.Request, error) {
	ch := c.net.sendChan(c.rank, tag)
	return fakeWaitRequest{fn: func(ctx context.Context) error {
		select {
		case data := <-ch:
			*n = copy(buf, data)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}, nil
}

type fakeRequest struct{}

func (fakeRequest) Wait(context.Context) error { return nil }

type fakeWaitRequest struct{ fn func(context.Context) error }

func (r fakeWaitRequest) Wait(ctx context.Context) error { return r.fn(ctx) }

// constOne and constZero are the PeerToStream translators for a session with
// exactly one writer rank (stream rank 0) and one reader rank (stream rank
// 1): the writer's only peer (reader group rank 0) always lands on stream
// rank 1, the reader's only peer (writer group rank 0) always lands on
// stream rank 0.
func constOne(int) int  { return 1 }
func constZero(int) int { return 0 }
