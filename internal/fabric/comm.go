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

// Package fabric defines the messaging-fabric collaborator the step engine
// is built against (§6) — point-to-point send/recv, the collectives the
// aggregator needs, and the RMA window primitives the transport dispatcher
// needs — and supplies one concrete realization of it: a NATS-backed
// control plane (Comm) paired with shared-memory-backed windows (Window,
// in package shmring).
package fabric

import "context"

// Request is a handle to an outstanding non-blocking operation.
type Request interface {
	// Wait blocks until the operation completes or ctx is done.
	Wait(ctx context.Context) error
}

// Comm is the joint communicator a session hands to each rank: point-to-point
// non-blocking send/recv, the collectives the aggregator drives, and group
// membership queries. It corresponds to the "given primitive" of §1 that
// yields a stream communicator, writer/reader sub-communicators and process
// groups — this module treats establishing it as out of scope and only
// depends on the interface below.
type Comm interface {
	// Rank returns this process's position in the communicator.
	Rank() int
	// Size returns the communicator's process count.
	Size() int

	// ISend starts a non-blocking send of data to dest tagged tag.
	ISend(ctx context.Context, dest int, tag int, data []byte) (Request, error)
	// IRecv starts a non-blocking receive from source tagged tag into buf.
	// The Request's Wait reports how many bytes landed via n.
	IRecv(ctx context.Context, source int, tag int, buf []byte, n *int) (Request, error)

	// Gatherv gathers variable-length local buffers from every rank to
	// root, chunking transfers larger than chunkSize bytes to route around
	// the 32-bit count limit of the underlying collective (§4.3). Only the
	// root's returned slice is populated; other ranks get nil.
	Gatherv(ctx context.Context, root int, local []byte, chunkSize int) ([][]byte, error)

	// Bcast broadcasts data from root to every rank in the communicator.
	// On root, data is sent as given. On non-root ranks, the returned slice
	// is freshly allocated and sized to whatever root sent.
	Bcast(ctx context.Context, root int, data []byte) ([]byte, error)

	// Barrier blocks until every rank in the communicator has called it.
	Barrier(ctx context.Context) error

	// AllreduceMax returns the maximum of v across every rank.
	AllreduceMax(ctx context.Context, v int) (int, error)

	// ThreadSafe reports whether the fabric was initialized in a mode safe
	// for the background worker described in §5 to call it concurrently
	// with foreground collectives. The step engine's threading policy is
	// silently disabled when this is false (§4.4).
	ThreadSafe() bool
}
