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

package fabric

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/scistream/ssc-go/internal/sscerr"
)

// NatsComm is the Comm realization this module wires in place of the
// ancestor's MPI communicator: every collective is built on top of one
// persistent per-rank inbox subscription on the core NATS pub/sub layer,
// demultiplexed by the envelope header (envelope.go). There is no cluster
// membership service here — rank and size are fixed at construction, the
// way the source's communicator is fixed once MPI_Init completes.
type NatsComm struct {
	nc   *nats.Conn
	sub  *nats.Subscription
	log  *logrus.Entry
	rank int
	size int
	prefix string

	threadSafe bool

	gatherEpoch    atomic.Uint32
	bcastEpoch     atomic.Uint32
	barrierEpoch   atomic.Uint32
	allreduceEpoch atomic.Uint32

	mu        sync.Mutex
	p2pWait   map[p2pKey]chan []byte
	gatherAcc map[uint32]*fanInAcc
	bcastAcc  map[uint32]*fanInAcc
	barrier   map[uint32]*rendezvous
	allreduce map[uint32]*rendezvous
}

type p2pKey struct {
	src int
	tag int
}

// fanInAcc accumulates chunked fragments from every contributing rank for
// one gather or broadcast epoch.
type fanInAcc struct {
	want     int
	chunks   map[int][][]byte
	totals   map[int]int
	complete map[int]bool
	done     chan struct{}
}

func newFanInAcc(want int) *fanInAcc {
	return &fanInAcc{
		want:     want,
		chunks:   make(map[int][][]byte),
		totals:   make(map[int]int),
		complete: make(map[int]bool),
		done:     make(chan struct{}),
	}
}

func (a *fanInAcc) add(src int, seq, total uint32, payload []byte) {
	if len(a.chunks[src]) <= int(seq) {
		grown := make([][]byte, total)
		copy(grown, a.chunks[src])
		a.chunks[src] = grown
	}
	a.chunks[src][seq] = payload
	a.totals[src] = int(total)
	complete := true
	for _, c := range a.chunks[src] {
		if c == nil {
			complete = false
			break
		}
	}
	if complete && !a.complete[src] {
		a.complete[src] = true
		if len(a.complete) == a.want {
			close(a.done)
		}
	}
}

func (a *fanInAcc) joined(src int) []byte {
	return bytes.Join(a.chunks[src], nil)
}

// rendezvous counts pings arriving at the coordinating rank and carries the
// release payload back out to every waiter once the coordinator publishes it.
type rendezvous struct {
	pings    map[int][]byte
	want     int
	done     chan struct{}
	released chan []byte
}

func newRendezvous(want int) *rendezvous {
	return &rendezvous{
		pings:    make(map[int][]byte),
		want:     want,
		done:     make(chan struct{}),
		released: make(chan []byte, 1),
	}
}

// NewNatsComm wires a Comm over an established NATS connection. prefix scopes
// every subject to one coupling session, so unrelated
// writer and reader communicators sharing a NATS deployment never cross
// streams. threadSafe mirrors the MPI_THREAD_MULTIPLE query of the source:
// NATS's client is safe for concurrent use, so callers normally pass true
// unless the surrounding process has its own reason not to.
func NewNatsComm(nc *nats.Conn, prefix string, rank, size int, threadSafe bool, log *logrus.Entry) (*NatsComm, error) {
	if rank < 0 || size <= 0 || rank >= size {
		return nil, fmt.Errorf("fabric: rank %d out of range for size %d: %w", rank, size, sscerr.ErrConfiguration)
	}
	c := &NatsComm{
		nc:         nc,
		log:        log,
		rank:       rank,
		size:       size,
		prefix:     prefix,
		threadSafe: threadSafe,
		p2pWait:    make(map[p2pKey]chan []byte),
		gatherAcc:  make(map[uint32]*fanInAcc),
		bcastAcc:   make(map[uint32]*fanInAcc),
		barrier:    make(map[uint32]*rendezvous),
		allreduce:  make(map[uint32]*rendezvous),
	}
	sub, err := nc.Subscribe(c.inboxSubject(rank), c.handleInbox)
	if err != nil {
		return nil, fmt.Errorf("fabric: subscribe inbox: %w", sscerr.ErrFabricFailure)
	}
	c.sub = sub
	return c, nil
}

func (c *NatsComm) inboxSubject(rank int) string {
	return fmt.Sprintf("%s.inbox.%d", c.prefix, rank)
}

func (c *NatsComm) publish(rank int, e envelope) error {
	if err := c.nc.Publish(c.inboxSubject(rank), encodeEnvelope(e)); err != nil {
		return fmt.Errorf("fabric: publish to rank %d: %w", rank, sscerr.ErrFabricFailure)
	}
	return nil
}

func (c *NatsComm) handleInbox(msg *nats.Msg) {
	e, err := decodeEnvelope(msg.Data)
	if err != nil {
		c.log.WithError(err).Warn("fabric: dropping malformed inbox message")
		return
	}
	switch e.Kind {
	case kindP2P:
		c.deliverP2P(e)
	case kindGather:
		c.deliverFanIn(c.gatherAcc, e)
	case kindBcast:
		c.deliverFanIn(c.bcastAcc, e)
	case kindBarrierPing:
		c.deliverPing(c.barrier, e)
	case kindBarrierRelease:
		c.deliverRelease(c.barrier, e)
	case kindAllreducePing:
		c.deliverPing(c.allreduce, e)
	case kindAllreduceResult:
		c.deliverRelease(c.allreduce, e)
	default:
		c.log.Warnf("fabric: unknown envelope kind %d", e.Kind)
	}
}

func (c *NatsComm) deliverP2P(e envelope) {
	key := p2pKey{src: int(e.Src), tag: int(e.Tag)}
	c.mu.Lock()
	ch, ok := c.p2pWait[key]
	if !ok {
		ch = make(chan []byte, 1)
		c.p2pWait[key] = ch
	}
	c.mu.Unlock()
	ch <- e.Payload
}

func (c *NatsComm) deliverFanIn(table map[uint32]*fanInAcc, e envelope) {
	c.mu.Lock()
	acc, ok := table[e.Epoch]
	if !ok {
		acc = newFanInAcc(-1) // -1: registered lazily by the waiting call, see awaitFanIn
		table[e.Epoch] = acc
	}
	c.mu.Unlock()
	acc.add(int(e.Src), e.Seq, e.Total, e.Payload)
}

func (c *NatsComm) deliverPing(table map[uint32]*rendezvous, e envelope) {
	c.mu.Lock()
	r, ok := table[e.Epoch]
	if !ok {
		r = newRendezvous(-1)
		table[e.Epoch] = r
	}
	r.pings[int(e.Src)] = e.Payload
	if r.want >= 0 && len(r.pings) == r.want {
		close(r.done)
	}
	c.mu.Unlock()
}

func (c *NatsComm) deliverRelease(table map[uint32]*rendezvous, e envelope) {
	c.mu.Lock()
	r, ok := table[e.Epoch]
	if !ok {
		r = newRendezvous(-1)
		table[e.Epoch] = r
	}
	c.mu.Unlock()
	r.released <- e.Payload
}

func (c *NatsComm) Rank() int { return c.rank }
func (c *NatsComm) Size() int { return c.size }
func (c *NatsComm) ThreadSafe() bool { return c.threadSafe }

type natsRequest struct {
	wait func(ctx context.Context) error
}

func (r natsRequest) Wait(ctx context.Context) error { return r.wait(ctx) }

func (c *NatsComm) ISend(ctx context.Context, dest int, tag int, data []byte) (Request, error) {
	e := envelope{Kind: kindP2P, Src: int32(c.rank), Tag: int32(tag), Seq: 0, Total: 1, Payload: data}
	if err := c.publish(dest, e); err != nil {
		return nil, err
	}
	return natsRequest{wait: func(context.Context) error { return nil }}, nil
}

func (c *NatsComm) IRecv(ctx context.Context, source int, tag int, buf []byte, n *int) (Request, error) {
	key := p2pKey{src: source, tag: tag}
	c.mu.Lock()
	ch, ok := c.p2pWait[key]
	if !ok {
		ch = make(chan []byte, 1)
		c.p2pWait[key] = ch
	}
	c.mu.Unlock()
	return natsRequest{wait: func(ctx context.Context) error {
		select {
		case payload := <-ch:
			copied := copy(buf, payload)
			*n = copied
			c.mu.Lock()
			delete(c.p2pWait, key)
			c.mu.Unlock()
			return nil
		case <-ctx.Done():
			return fmt.Errorf("fabric: irecv from rank %d tag %d: %w", source, tag, ctx.Err())
		}
	}}, nil
}

// awaitFanIn registers want on table[epoch] (creating it if messages have
// already arrived under deliverFanIn's lazy entry) and blocks for completion.
func (c *NatsComm) awaitFanIn(ctx context.Context, table map[uint32]*fanInAcc, epoch uint32, want int) (*fanInAcc, error) {
	c.mu.Lock()
	acc, ok := table[epoch]
	if !ok {
		acc = newFanInAcc(want)
		table[epoch] = acc
	} else if acc.want < 0 {
		acc.want = want
		if len(acc.complete) == want {
			close(acc.done)
		}
	}
	c.mu.Unlock()
	select {
	case <-acc.done:
		c.mu.Lock()
		delete(table, epoch)
		c.mu.Unlock()
		return acc, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("fabric: fan-in epoch %d: %w", epoch, ctx.Err())
	}
}

func (c *NatsComm) Gatherv(ctx context.Context, root int, local []byte, chunkSize int) ([][]byte, error) {
	epoch := c.gatherEpoch.Add(1) - 1
	if c.rank != root {
		chunks := splitChunks(local, chunkSize)
		for seq, chunk := range chunks {
			e := envelope{Kind: kindGather, Epoch: epoch, Src: int32(c.rank), Seq: uint32(seq), Total: uint32(len(chunks)), Payload: chunk}
			if err := c.publish(root, e); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	results := make([][]byte, c.size)
	results[root] = local
	if c.size == 1 {
		return results, nil
	}
	acc, err := c.awaitFanIn(ctx, c.gatherAcc, epoch, c.size-1)
	if err != nil {
		return nil, err
	}
	for src := range acc.totals {
		results[src] = acc.joined(src)
	}
	return results, nil
}

func (c *NatsComm) Bcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	epoch := c.bcastEpoch.Add(1) - 1
	if c.rank == root {
		chunks := splitChunks(data, 1<<20)
		for peer := 0; peer < c.size; peer++ {
			if peer == root {
				continue
			}
			for seq, chunk := range chunks {
				e := envelope{Kind: kindBcast, Epoch: epoch, Src: int32(root), Seq: uint32(seq), Total: uint32(len(chunks)), Payload: chunk}
				if err := c.publish(peer, e); err != nil {
					return nil, err
				}
			}
		}
		return data, nil
	}
	acc, err := c.awaitFanIn(ctx, c.bcastAcc, epoch, 1)
	if err != nil {
		return nil, err
	}
	return acc.joined(root), nil
}

// awaitRendezvous registers want on the coordinator's entry for epoch and
// blocks for it to fill, the shared plumbing behind Barrier and
// AllreduceMax's fan-in-then-fan-out shape.
func (c *NatsComm) awaitRendezvous(ctx context.Context, table map[uint32]*rendezvous, epoch uint32, want int) (*rendezvous, error) {
	c.mu.Lock()
	r, ok := table[epoch]
	if !ok {
		r = newRendezvous(want)
		table[epoch] = r
	} else if r.want < 0 {
		r.want = want
		if len(r.pings) == want {
			close(r.done)
		}
	}
	c.mu.Unlock()
	select {
	case <-r.done:
		return r, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("fabric: rendezvous epoch %d: %w", epoch, ctx.Err())
	}
}

func (c *NatsComm) Barrier(ctx context.Context) error {
	epoch := c.barrierEpoch.Add(1) - 1
	const coordinator = 0
	if c.size == 1 {
		return nil
	}
	if c.rank == coordinator {
		if _, err := c.awaitRendezvous(ctx, c.barrier, epoch, c.size-1); err != nil {
			return err
		}
		c.mu.Lock()
		delete(c.barrier, epoch)
		c.mu.Unlock()
		for peer := 0; peer < c.size; peer++ {
			if peer == coordinator {
				continue
			}
			if err := c.publish(peer, envelope{Kind: kindBarrierRelease, Epoch: epoch, Src: int32(coordinator)}); err != nil {
				return err
			}
		}
		return nil
	}
	if err := c.publish(coordinator, envelope{Kind: kindBarrierPing, Epoch: epoch, Src: int32(c.rank)}); err != nil {
		return err
	}
	c.mu.Lock()
	r, ok := c.barrier[epoch]
	if !ok {
		r = newRendezvous(-1)
		c.barrier[epoch] = r
	}
	c.mu.Unlock()
	select {
	case <-r.released:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("fabric: barrier epoch %d: %w", epoch, ctx.Err())
	}
}

func (c *NatsComm) AllreduceMax(ctx context.Context, v int) (int, error) {
	epoch := c.allreduceEpoch.Add(1) - 1
	const coordinator = 0
	if c.size == 1 {
		return v, nil
	}
	encode := func(n int) []byte { return []byte(fmt.Sprintf("%d", n)) }
	decode := func(b []byte) int {
		var n int
		fmt.Sscanf(string(b), "%d", &n)
		return n
	}
	if c.rank == coordinator {
		r, err := c.awaitRendezvous(ctx, c.allreduce, epoch, c.size-1)
		if err != nil {
			return 0, err
		}
		max := v
		for _, payload := range r.pings {
			if n := decode(payload); n > max {
				max = n
			}
		}
		c.mu.Lock()
		delete(c.allreduce, epoch)
		c.mu.Unlock()
		for peer := 0; peer < c.size; peer++ {
			if peer == coordinator {
				continue
			}
			if err := c.publish(peer, envelope{Kind: kindAllreduceResult, Epoch: epoch, Src: int32(coordinator), Payload: encode(max)}); err != nil {
				return 0, err
			}
		}
		return max, nil
	}
	if err := c.publish(coordinator, envelope{Kind: kindAllreducePing, Epoch: epoch, Src: int32(c.rank), Payload: encode(v)}); err != nil {
		return 0, err
	}
	c.mu.Lock()
	r, ok := c.allreduce[epoch]
	if !ok {
		r = newRendezvous(-1)
		c.allreduce[epoch] = r
	}
	c.mu.Unlock()
	select {
	case payload := <-r.released:
		return decode(payload), nil
	case <-ctx.Done():
		return 0, fmt.Errorf("fabric: allreduce epoch %d: %w", epoch, ctx.Err())
	}
}

// Close tears down the inbox subscription. Outstanding waiters are left to
// time out against their own context, matching the source's policy of
// leaving collective completion to the caller's deadline.
func (c *NatsComm) Close() error {
	if c.sub == nil {
		return nil
	}
	return c.sub.Unsubscribe()
}
