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

// Package transport selects and drives one of the five RMA/two-sided
// transfer strategies over an already-resolved RankPosMap (§4.4's
// "Transport variants" table).
package transport

import (
	"context"
	"fmt"

	"github.com/scistream/ssc-go/internal/fabric"
	"github.com/scistream/ssc-go/internal/overlap"
	"github.com/scistream/ssc-go/internal/sscerr"
)

// Variant is one of the five static, session-wide transport strategies.
type Variant string

const (
	TwoSided          Variant = "twosided"
	OneSidedFencePush Variant = "onesidedfencepush"
	OneSidedPostPush  Variant = "onesidedpostpush"
	OneSidedFencePull Variant = "onesidedfencepull"
	OneSidedPostPull  Variant = "onesidedpostpull"
)

// ParseVariant validates a configuration string against the five known
// variants, defaulting to TwoSided on an empty string.
func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case "":
		return TwoSided, nil
	case TwoSided, OneSidedFencePush, OneSidedPostPush, OneSidedFencePull, OneSidedPostPull:
		return Variant(s), nil
	default:
		return "", fmt.Errorf("transport: unknown mode %q: %w", s, sscerr.ErrConfiguration)
	}
}

// UsesWindow reports whether v needs a memory window at all (twosided moves
// everything through the communicator).
func (v Variant) UsesWindow() bool { return v != TwoSided }

// IsPush reports whether the writer initiates data movement with Put
// (true) or the reader pulls it with Get (false). Only meaningful when
// UsesWindow is true.
func (v Variant) IsPush() bool {
	return v == OneSidedFencePush || v == OneSidedPostPush
}

const sendTag = 0

func ranksOf(m overlap.RankPosMap) []int {
	out := make([]int, 0, len(m))
	for r := range m {
		out = append(out, r)
	}
	return out
}

// WriterEndStep executes the EndStep-side half of the table in §4.4: for
// twosided it launches and waits on one non-blocking send per target
// reader; for one-sided variants it drives the matching
// fence/post/start/complete sequence against windows, one per target edge,
// pushing payload bytes into the window first when the variant is a push
// variant.
//
// targets[r].Offset is where this writer's contribution belongs inside
// reader r's own buffer, not an offset into payload: CalculatePosition
// assigns each writer rank the full span of its own contiguous local
// payload, so every target always receives payload in full, placed at
// its own Offset.
func WriterEndStep(ctx context.Context, comm fabric.Comm, variant Variant, windows map[int]fabric.Window, targets overlap.RankPosMap, payload []byte) error {
	switch variant {
	case TwoSided:
		reqs := make([]fabric.Request, 0, len(targets))
		for r := range targets {
			req, err := comm.ISend(ctx, r, sendTag, payload)
			if err != nil {
				return fmt.Errorf("transport: isend to rank %d: %w", r, err)
			}
			reqs = append(reqs, req)
		}
		for _, req := range reqs {
			if err := req.Wait(ctx); err != nil {
				return fmt.Errorf("transport: waiting on send: %w", err)
			}
		}
		return nil

	case OneSidedFencePush:
		for r, pos := range targets {
			if err := windows[r].Put(ctx, r, pos.Offset, payload); err != nil {
				return fmt.Errorf("transport: put to rank %d: %w", r, err)
			}
		}
		for r := range targets {
			if err := windows[r].Fence(ctx); err != nil {
				return fmt.Errorf("transport: fence with rank %d: %w", r, err)
			}
		}
		return nil

	case OneSidedPostPush:
		group := ranksOf(targets)
		for r, pos := range targets {
			if err := windows[r].Start(ctx, group); err != nil {
				return fmt.Errorf("transport: start against rank %d: %w", r, err)
			}
			if err := windows[r].Put(ctx, r, pos.Offset, payload); err != nil {
				return fmt.Errorf("transport: put to rank %d: %w", r, err)
			}
		}
		for r := range targets {
			if err := windows[r].Complete(ctx); err != nil {
				return fmt.Errorf("transport: complete with rank %d: %w", r, err)
			}
		}
		return nil

	case OneSidedFencePull:
		for r := range targets {
			if err := windows[r].Fence(ctx); err != nil {
				return fmt.Errorf("transport: fence with rank %d: %w", r, err)
			}
		}
		return nil

	case OneSidedPostPull:
		group := ranksOf(targets)
		for r := range targets {
			if err := windows[r].Post(ctx, group); err != nil {
				return fmt.Errorf("transport: post to rank %d: %w", r, err)
			}
		}
		return nil

	default:
		return fmt.Errorf("transport: unknown variant %q: %w", variant, sscerr.ErrConfiguration)
	}
}

// ReaderWait executes the dual: for twosided it posts one non-blocking
// receive per source writer straight into recvBuf and waits on all of
// them; for one-sided variants it drives the reader's half of the
// fence/post/start/complete sequence and, for every one-sided variant,
// copies each source's bytes out of its window into recvBuf.
func ReaderWait(ctx context.Context, comm fabric.Comm, variant Variant, windows map[int]fabric.Window, sources overlap.RankPosMap, recvBuf []byte) error {
	switch variant {
	case TwoSided:
		reqs := make([]fabric.Request, 0, len(sources))
		for w, pos := range sources {
			n := 0
			req, err := comm.IRecv(ctx, w, sendTag, recvBuf[pos.Offset:pos.Offset+pos.Length], &n)
			if err != nil {
				return fmt.Errorf("transport: irecv from rank %d: %w", w, err)
			}
			reqs = append(reqs, req)
		}
		for _, req := range reqs {
			if err := req.Wait(ctx); err != nil {
				return fmt.Errorf("transport: waiting on receive: %w", err)
			}
		}
		return nil

	case OneSidedFencePush:
		for w := range sources {
			if err := windows[w].Fence(ctx); err != nil {
				return fmt.Errorf("transport: fence with rank %d: %w", w, err)
			}
		}
		if err := copyFromWindows(ctx, windows, sources, recvBuf); err != nil {
			return err
		}
		for w := range sources {
			if err := windows[w].Fence(ctx); err != nil {
				return fmt.Errorf("transport: closing fence with rank %d: %w", w, err)
			}
		}
		return nil

	case OneSidedPostPush:
		group := ranksOf(sources)
		for w := range sources {
			if err := windows[w].Post(ctx, group); err != nil {
				return fmt.Errorf("transport: post to rank %d: %w", w, err)
			}
		}
		if err := copyFromWindows(ctx, windows, sources, recvBuf); err != nil {
			return err
		}
		for w := range sources {
			if err := windows[w].WaitEpoch(ctx); err != nil {
				return fmt.Errorf("transport: wait epoch with rank %d: %w", w, err)
			}
		}
		return nil

	case OneSidedFencePull:
		for w := range sources {
			if err := windows[w].Fence(ctx); err != nil {
				return fmt.Errorf("transport: fence with rank %d: %w", w, err)
			}
		}
		if err := copyFromWindows(ctx, windows, sources, recvBuf); err != nil {
			return err
		}
		for w := range sources {
			if err := windows[w].Fence(ctx); err != nil {
				return fmt.Errorf("transport: closing fence with rank %d: %w", w, err)
			}
		}
		return nil

	case OneSidedPostPull:
		group := ranksOf(sources)
		for w := range sources {
			if err := windows[w].Start(ctx, group); err != nil {
				return fmt.Errorf("transport: start against rank %d: %w", w, err)
			}
		}
		if err := copyFromWindows(ctx, windows, sources, recvBuf); err != nil {
			return err
		}
		for w := range sources {
			if err := windows[w].Complete(ctx); err != nil {
				return fmt.Errorf("transport: complete with rank %d: %w", w, err)
			}
		}
		return nil

	default:
		return fmt.Errorf("transport: unknown variant %q: %w", variant, sscerr.ErrConfiguration)
	}
}

func copyFromWindows(ctx context.Context, windows map[int]fabric.Window, sources overlap.RankPosMap, recvBuf []byte) error {
	for w, pos := range sources {
		if err := windows[w].Get(ctx, w, pos.Offset, recvBuf[pos.Offset:pos.Offset+pos.Length]); err != nil {
			return fmt.Errorf("transport: get from rank %d: %w", w, err)
		}
	}
	return nil
}
