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

import "context"

// Window is a span of memory published for remote direct access by peers
// (the GLOSSARY's "Window"). Push variants expose the sender's payload
// buffer; pull variants expose the receiver's (§9). A Window is created at
// EndStep of step 0 (locked mode) or every step (flexible mode) and torn
// down at the matching completion boundary or at Close (§3 Lifecycles).
type Window interface {
	// Fence synchronizes all ranks sharing the window: no put/get started
	// before the matching Fence on the peer may straddle it.
	Fence(ctx context.Context) error

	// Post opens the window to access from the ranks in group (target side
	// of a post/start/complete/wait exposure epoch).
	Post(ctx context.Context, group []int) error
	// Start begins an access epoch against the ranks in group (origin side).
	Start(ctx context.Context, group []int) error
	// Complete ends an access epoch started with Start.
	Complete(ctx context.Context) error
	// WaitEpoch blocks until the matching Start/Complete on every peer in
	// the exposure epoch opened by Post has finished.
	WaitEpoch(ctx context.Context) error

	// Put writes data into the window at targetRank starting at
	// targetOffset. Valid only against a window exposing the target's
	// buffer (push variants).
	Put(ctx context.Context, targetRank int, targetOffset uint64, data []byte) error
	// Get reads len(buf) bytes out of sourceRank's exposed window starting
	// at sourceOffset. Readers use it in push and pull variants alike to
	// copy their bytes out of the window.
	Get(ctx context.Context, sourceRank int, sourceOffset uint64, buf []byte) error

	// DiagnoseStall logs both endpoints' sequence state, the adapted form
	// of the ancestor's dueling-buffers diagnostic (§2.3). Nothing in this
	// module calls it when a Fence/Wait blocks; it never aborts or retries
	// a wait.
	DiagnoseStall()

	// Free releases the window. Safe to call once; additional calls are a
	// no-op.
	Free() error
}

// WindowFactory opens a window over buf for the given participant group,
// binding it to a stable identity (session, writer rank, reader rank) so
// both the exposing and accessing sides map onto the same underlying
// resource.
type WindowFactory interface {
	OpenWindow(ctx context.Context, edgeID string, buf []byte) (Window, error)
}
