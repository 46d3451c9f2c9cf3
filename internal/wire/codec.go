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

package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/scistream/ssc-go/internal/sscerr"
)

// HostRegistry is the narrow slice of the embedding I/O framework's
// variable/attribute database that the codec touches on deserialization: it
// registers newly seen variables and attributes and reports host element
// ordering so shape/start can be reversed for column-major hosts.
type HostRegistry interface {
	RowMajor() bool
	HasVariable(name string) bool
	DefineVariable(name string, typ DataType, shape, start, count []uint64) error
	HasAttribute(name string) bool
	DefineAttribute(attr Attribute) error
}

// Buffer is a growable pattern buffer. The first 8 bytes are always the pos
// header (§3): the number of valid bytes, including the header itself.
// Global buffers additionally reserve two leading flag bytes ahead of pos;
// those are prepended by the aggregator, not by Buffer itself.
type Buffer struct {
	data []byte
	pos  uint64
}

// NewBuffer returns an empty local buffer: an 8-byte pos slot, no records.
func NewBuffer() *Buffer {
	b := &Buffer{data: make([]byte, 264)}
	b.pos = 8
	return b
}

// Pos returns the current valid length, header included.
func (b *Buffer) Pos() uint64 { return b.pos }

// Bytes returns the valid prefix of the buffer with an up-to-date header.
func (b *Buffer) Bytes() []byte {
	b.writeHeader()
	return b.data[:b.pos]
}

func (b *Buffer) writeHeader() {
	binary.LittleEndian.PutUint64(b.data[0:8], b.pos)
}

// ensure grows the backing array, at least doubling it, until there is room
// for need more bytes while keeping at least headroom bytes of slack beyond
// that — the geometric growth the serializer contract in §4.1 describes.
func (b *Buffer) ensure(headroom, need int) {
	want := need
	if headroom > want {
		want = headroom
	}
	for len(b.data)-int(b.pos) < want {
		newCap := (len(b.data) + headroom) * 2
		nd := make([]byte, newCap)
		copy(nd, b.data[:b.pos])
		b.data = nd
	}
}

func (b *Buffer) putU8(v uint8) {
	b.data[b.pos] = v
	b.pos++
}

func (b *Buffer) putI32(v int32) {
	binary.LittleEndian.PutUint32(b.data[b.pos:], uint32(v))
	b.pos += 4
}

func (b *Buffer) putU64(v uint64) {
	binary.LittleEndian.PutUint64(b.data[b.pos:], v)
	b.pos += 8
}

func (b *Buffer) putBytes(p []byte) {
	copy(b.data[b.pos:], p)
	b.pos += uint64(len(p))
}

// SerializeVariables appends bv's blocks to buf in order, rewriting the pos
// header after each record. Blocks are written with rank as the owning-rank
// field so a later Deserialize on a gathered buffer can route each block
// back to output[rank].
func SerializeVariables(buf *Buffer, bv BlockVec, rank int32) error {
	for _, blk := range bv {
		if len(blk.Name) > 255 {
			return fmt.Errorf("wire: variable name %q exceeds 255 bytes: %w", blk.Name, sscerr.ErrMalformedBuffer)
		}
		if len(blk.Shape) > 255 {
			return fmt.Errorf("wire: variable %q has more than 255 dimensions: %w", blk.Name, sscerr.ErrMalformedBuffer)
		}
		if len(blk.Value) > 255 {
			return fmt.Errorf("wire: variable %q inline value exceeds 255 bytes: %w", blk.Name, sscerr.ErrMalformedBuffer)
		}
		ndims := len(blk.Shape)
		recSize := 1 + 4 + 1 + len(blk.Name) + 1 + 1 + 8*3*ndims + 8 + 8 + 1 + len(blk.Value)
		buf.ensure(256, recSize)

		buf.putU8(uint8(blk.ShapeID))
		buf.putI32(rank)
		buf.putU8(uint8(len(blk.Name)))
		buf.putBytes([]byte(blk.Name))
		buf.putU8(uint8(blk.Type))
		buf.putU8(uint8(ndims))
		for _, v := range blk.Shape {
			buf.putU64(v)
		}
		for _, v := range blk.Start {
			buf.putU64(v)
		}
		for _, v := range blk.Count {
			buf.putU64(v)
		}
		buf.putU64(blk.BufferStart)
		buf.putU64(blk.BufferCount)
		buf.putU8(uint8(len(blk.Value)))
		buf.putBytes(blk.Value)
		buf.writeHeader()
	}
	return nil
}

// SerializeAttributes appends the given attributes to buf, each prefixed
// with the reserved marker byte 66.
func SerializeAttributes(buf *Buffer, attrs []Attribute) error {
	for _, a := range attrs {
		if len(a.Name) > 255 {
			return fmt.Errorf("wire: attribute name %q exceeds 255 bytes: %w", a.Name, sscerr.ErrMalformedBuffer)
		}
		recSize := 1 + 1 + 1 + len(a.Name) + 8 + len(a.Payload)
		buf.ensure(1024, recSize)

		buf.putU8(attributeMarker)
		buf.putU8(uint8(a.Type))
		buf.putU8(uint8(len(a.Name)))
		buf.putBytes([]byte(a.Name))
		buf.putU64(uint64(len(a.Payload)))
		buf.putBytes(a.Payload)
		buf.writeHeader()
	}
	return nil
}

// reader is a bounds-checked cursor over a decode window.
type reader struct {
	data  []byte
	off   uint64
	limit uint64 // exclusive; bytes at or past limit belong to the next record or beyond pos
}

func (r *reader) need(n uint64) error {
	if r.off+n > r.limit || r.off+n > uint64(len(r.data)) {
		return sscerr.ErrMalformedBuffer
	}
	return nil
}

func (r *reader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.off]
	r.off++
	return v, nil
}

func (r *reader) i32() (int32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := int32(binary.LittleEndian.Uint32(r.data[r.off:]))
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) bytes(n uint64) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.data[r.off : r.off+n]
	r.off += n
	return v, nil
}

func decodeVariable(shapeID uint8, r *reader) (Block, error) {
	rank, err := r.i32()
	if err != nil {
		return Block{}, err
	}
	nameLen, err := r.u8()
	if err != nil {
		return Block{}, err
	}
	nameBytes, err := r.bytes(uint64(nameLen))
	if err != nil {
		return Block{}, err
	}
	typeTag, err := r.u8()
	if err != nil {
		return Block{}, err
	}
	typ := DataType(typeTag)
	if typ != String {
		if _, err := GetTypeSize(typ); err != nil {
			return Block{}, err
		}
	}
	ndims, err := r.u8()
	if err != nil {
		return Block{}, err
	}
	shape := make([]uint64, ndims)
	for i := range shape {
		if shape[i], err = r.u64(); err != nil {
			return Block{}, err
		}
	}
	start := make([]uint64, ndims)
	for i := range start {
		if start[i], err = r.u64(); err != nil {
			return Block{}, err
		}
	}
	count := make([]uint64, ndims)
	for i := range count {
		if count[i], err = r.u64(); err != nil {
			return Block{}, err
		}
	}
	bufferStart, err := r.u64()
	if err != nil {
		return Block{}, err
	}
	bufferCount, err := r.u64()
	if err != nil {
		return Block{}, err
	}
	valueLen, err := r.u8()
	if err != nil {
		return Block{}, err
	}
	value, err := r.bytes(uint64(valueLen))
	if err != nil {
		return Block{}, err
	}
	return Block{
		Rank:        rank,
		Name:        string(nameBytes),
		ShapeID:     ShapeID(shapeID),
		Type:        typ,
		Shape:       shape,
		Start:       start,
		Count:       count,
		BufferStart: bufferStart,
		BufferCount: bufferCount,
		Value:       append([]byte(nil), value...),
	}, nil
}

func decodeAttribute(r *reader) (Attribute, error) {
	typeTag, err := r.u8()
	if err != nil {
		return Attribute{}, err
	}
	typ := DataType(typeTag)
	if typ != String {
		if _, err := GetTypeSize(typ); err != nil {
			return Attribute{}, err
		}
	}
	nameLen, err := r.u8()
	if err != nil {
		return Attribute{}, err
	}
	nameBytes, err := r.bytes(uint64(nameLen))
	if err != nil {
		return Attribute{}, err
	}
	payloadSize, err := r.u64()
	if err != nil {
		return Attribute{}, err
	}
	payload, err := r.bytes(payloadSize)
	if err != nil {
		return Attribute{}, err
	}
	return Attribute{
		Name:    string(nameBytes),
		Type:    typ,
		Payload: append([]byte(nil), payload...),
	}, nil
}

func reverseU64(in []uint64) []uint64 {
	out := make([]uint64, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

// Deserialize reads records out of data until the cursor reaches the
// buffer's declared pos, appending variable blocks to out[rank] and
// returning every attribute encountered. isGlobal selects whether the pos
// field sits at offset 2 (a global, aggregated buffer, past the two flag
// bytes) or offset 0 (a local, pre-aggregation buffer).
//
// When regVars is true, a variable never seen by reg is defined against the
// host framework, reversing shape and start if the host is column-major.
// When regAttrs is true, an attribute never seen by reg is defined the same
// way.
func Deserialize(data []byte, isGlobal bool, out *BlockVecVec, reg HostRegistry, regVars, regAttrs bool) ([]Attribute, error) {
	headerLen := uint64(8)
	posOff := uint64(0)
	if isGlobal {
		headerLen = 10
		posOff = 2
	}
	if uint64(len(data)) < headerLen {
		return nil, fmt.Errorf("wire: buffer shorter than header: %w", sscerr.ErrMalformedBuffer)
	}
	pos := binary.LittleEndian.Uint64(data[posOff : posOff+8])
	if pos > uint64(len(data)) {
		return nil, fmt.Errorf("wire: pos %d exceeds buffer length %d: %w", pos, len(data), sscerr.ErrMalformedBuffer)
	}

	var attrs []Attribute
	cursor := headerLen
	for cursor < pos {
		r := &reader{data: data, off: cursor, limit: pos}
		marker, err := r.u8()
		if err != nil {
			return attrs, err
		}
		if marker == attributeMarker {
			attr, err := decodeAttribute(r)
			if err != nil {
				return attrs, err
			}
			attrs = append(attrs, attr)
			if regAttrs && reg != nil && !reg.HasAttribute(attr.Name) {
				if err := reg.DefineAttribute(attr); err != nil {
					return attrs, err
				}
			}
		} else {
			blk, err := decodeVariable(marker, r)
			if err != nil {
				return attrs, err
			}
			for int(blk.Rank) >= len(*out) {
				*out = append(*out, nil)
			}
			(*out)[blk.Rank] = append((*out)[blk.Rank], blk)
			if regVars && reg != nil && !reg.HasVariable(blk.Name) {
				shape, start := blk.Shape, blk.Start
				if !reg.RowMajor() {
					shape = reverseU64(shape)
					start = reverseU64(start)
				}
				if err := reg.DefineVariable(blk.Name, blk.Type, shape, start, blk.Count); err != nil {
					return attrs, err
				}
			}
		}
		cursor = r.off
	}
	if cursor != pos {
		return attrs, fmt.Errorf("wire: cursor %d overran pos %d: %w", cursor, pos, sscerr.ErrMalformedBuffer)
	}
	return attrs, nil
}
