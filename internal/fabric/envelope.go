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
	"encoding/binary"
	"fmt"

	"github.com/scistream/ssc-go/internal/sscerr"
)

type envelopeKind uint8

const (
	kindP2P envelopeKind = iota
	kindGather
	kindBcast
	kindBarrierPing
	kindBarrierRelease
	kindAllreducePing
	kindAllreduceResult
)

// envelope is the header every inbox message on the NATS control plane
// carries ahead of its payload, letting one persistent per-rank
// subscription demultiplex point-to-point sends, gathers, broadcasts,
// barriers and allreduces, chunked where the payload exceeds chunkSize.
type envelope struct {
	Kind    envelopeKind
	Epoch   uint32
	Src     int32
	Tag     int32
	Seq     uint32
	Total   uint32
	Payload []byte
}

const envelopeHeaderLen = 1 + 4 + 4 + 4 + 4 + 4

func encodeEnvelope(e envelope) []byte {
	buf := make([]byte, envelopeHeaderLen+len(e.Payload))
	buf[0] = byte(e.Kind)
	binary.LittleEndian.PutUint32(buf[1:5], e.Epoch)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(e.Src))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(e.Tag))
	binary.LittleEndian.PutUint32(buf[13:17], e.Seq)
	binary.LittleEndian.PutUint32(buf[17:21], e.Total)
	copy(buf[envelopeHeaderLen:], e.Payload)
	return buf
}

func decodeEnvelope(data []byte) (envelope, error) {
	if len(data) < envelopeHeaderLen {
		return envelope{}, fmt.Errorf("fabric: envelope shorter than header: %w", sscerr.ErrMalformedBuffer)
	}
	return envelope{
		Kind:    envelopeKind(data[0]),
		Epoch:   binary.LittleEndian.Uint32(data[1:5]),
		Src:     int32(binary.LittleEndian.Uint32(data[5:9])),
		Tag:     int32(binary.LittleEndian.Uint32(data[9:13])),
		Seq:     binary.LittleEndian.Uint32(data[13:17]),
		Total:   binary.LittleEndian.Uint32(data[17:21]),
		Payload: append([]byte(nil), data[envelopeHeaderLen:]...),
	}, nil
}

// splitChunks partitions data into pieces of at most chunkSize bytes, the
// mechanism §4.3's chunked gather and this module's chunked broadcast rely
// on to route around the 32-bit count limit of the underlying collective.
// An empty input still yields exactly one (empty) chunk so zero-length
// transfers round-trip.
func splitChunks(data []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 {
		chunkSize = len(data)
		if chunkSize == 0 {
			chunkSize = 1
		}
	}
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}
