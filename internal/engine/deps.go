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
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/scistream/ssc-go/internal/aggregate"
	"github.com/scistream/ssc-go/internal/fabric"
	"github.com/scistream/ssc-go/internal/wire"
)

// ErrClosed is returned by any Writer/Reader call issued after Close/DoClose
// has run. It is a lifecycle error local to this package, not one of the
// four fatal kinds in sscerr, since it reflects caller misuse rather than a
// codec, fabric, or configuration failure.
var ErrClosed = errors.New("engine: session is closed")

// Deps wires one side (writer or reader) of a coupling session to its
// collaborators. GroupComm is the sub-communicator spanning only this side's
// own ranks (the aggregation root for this side's pattern); StreamComm spans
// every rank on both sides and is what pattern broadcasts travel over.
// Establishing these communicators is the given primitive's job (§1) — this
// package assumes SelfStreamRoot already names the one process that is both
// GroupComm's root and StreamComm's designated broadcaster for this side,
// and PeerStreamRoot names the other side's equivalent rank.
// PeerToStream translates a peer's rank as it appears in a RankPosMap
// (that peer's own group-local rank number) into its rank on StreamComm,
// the addressing space ISend/IRecv/Put/Get actually operate in. Building
// this mapping is part of the given primitive's process-group setup (§1,
// out of scope); this package only consumes it.
type Deps struct {
	GroupComm      fabric.Comm
	StreamComm     fabric.Comm
	GroupRoot      int
	SelfStreamRank int
	SelfStreamRoot int
	PeerStreamRoot int
	PeerToStream   func(groupLocalRank int) int
	Windows        fabric.WindowFactory
	EdgeID         string
	Registry       wire.HostRegistry
	Log            *logrus.Entry
}

func windowEdgeID(sessionID string, writerRank, readerRank int) string {
	return fmt.Sprintf("%s.w%d.r%d", sessionID, writerRank, readerRank)
}

// packGlobal reconstructs the header-and-flags-prefixed global buffer
// aggregate.BroadcastMetadata expects on its root caller, from the Metadata
// aggregate.AggregateMetadata already produced. AggregateMetadata's own
// Payload field has the header stripped off (§4.3), so any caller that
// needs to feed the result back into a second collective has to rebuild it.
func packGlobal(m aggregate.Metadata) []byte {
	const globalHeaderLen = 10
	buf := make([]byte, globalHeaderLen+len(m.Payload))
	if m.FinalStep {
		buf[0] = 1
	}
	if m.Locked {
		buf[1] = 1
	}
	binary.LittleEndian.PutUint64(buf[2:10], uint64(len(buf)))
	copy(buf[globalHeaderLen:], m.Payload)
	return buf
}

// wrapLocal re-presents a header-stripped metadata payload (as returned by
// aggregate.BroadcastMetadata) as a local-style buffer wire.Deserialize can
// walk: an 8-byte pos header followed by the same bytes, unchanged.
func wrapLocal(payload []byte) []byte {
	const localHeaderLen = 8
	buf := make([]byte, localHeaderLen+len(payload))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(buf)))
	copy(buf[localHeaderLen:], payload)
	return buf
}
