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
	"errors"
	"testing"

	"github.com/scistream/ssc-go/internal/sscerr"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	want := envelope{Kind: kindGather, Epoch: 7, Src: 3, Tag: 9, Seq: 1, Total: 4, Payload: []byte("chunk")}
	got, err := decodeEnvelope(encodeEnvelope(want))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != want.Kind || got.Epoch != want.Epoch || got.Src != want.Src ||
		got.Tag != want.Tag || got.Seq != want.Seq || got.Total != want.Total ||
		!bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestEnvelopeEmptyPayload(t *testing.T) {
	got, err := decodeEnvelope(encodeEnvelope(envelope{Kind: kindP2P}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %v", got.Payload)
	}
}

func TestEnvelopeTruncatedIsMalformed(t *testing.T) {
	_, err := decodeEnvelope([]byte{1, 2, 3})
	if !errors.Is(err, sscerr.ErrMalformedBuffer) {
		t.Fatalf("expected ErrMalformedBuffer, got %v", err)
	}
}

func TestSplitChunksExactMultiple(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 12)
	chunks := splitChunks(data, 4)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if !bytes.Equal(bytes.Join(chunks, nil), data) {
		t.Fatalf("chunks do not reassemble to original data")
	}
}

func TestSplitChunksRemainder(t *testing.T) {
	data := bytes.Repeat([]byte{0xCD}, 10)
	chunks := splitChunks(data, 4)
	if len(chunks) != 3 || len(chunks[2]) != 2 {
		t.Fatalf("expected final short chunk of length 2, got %d chunks, last len %d", len(chunks), len(chunks[len(chunks)-1]))
	}
}

func TestSplitChunksEmptyInput(t *testing.T) {
	chunks := splitChunks(nil, 4)
	if len(chunks) != 1 || len(chunks[0]) != 0 {
		t.Fatalf("expected a single empty chunk, got %+v", chunks)
	}
}

func TestSplitChunksNonPositiveSize(t *testing.T) {
	data := []byte("whole")
	chunks := splitChunks(data, 0)
	if len(chunks) != 1 || !bytes.Equal(chunks[0], data) {
		t.Fatalf("expected the whole input as one chunk, got %+v", chunks)
	}
}
