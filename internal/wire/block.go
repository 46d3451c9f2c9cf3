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

// Package wire implements the block model and binary codec that let ranks
// publish and recover variable/attribute declarations across the fabric.
package wire

import (
	"fmt"

	"github.com/scistream/ssc-go/internal/sscerr"
)

// ShapeID classifies how a block's dimensions should be interpreted.
type ShapeID uint8

const (
	GlobalValue ShapeID = iota
	GlobalArray
	LocalValue
	LocalArray
)

func (s ShapeID) String() string {
	switch s {
	case GlobalValue:
		return "GlobalValue"
	case GlobalArray:
		return "GlobalArray"
	case LocalValue:
		return "LocalValue"
	case LocalArray:
		return "LocalArray"
	default:
		return fmt.Sprintf("ShapeID(%d)", uint8(s))
	}
}

// DataType is the closed set of element types the codec understands, plus
// String for variable-length text payloads.
type DataType uint8

const (
	Int8 DataType = iota
	Int16
	Int32
	Int64
	UInt8
	UInt16
	UInt32
	UInt64
	Float32
	Float64
	String
)

// attributeMarker is the leading byte that distinguishes an attribute record
// from a variable record during deserialization; it can never collide with a
// ShapeID because ShapeID's range is 0..3.
const attributeMarker = 66

// typeSizes holds sizeof(T) for every fixed-width numeric type. String has no
// entry: its size is data-dependent and callers must use bufferCount instead.
var typeSizes = map[DataType]uint64{
	Int8: 1, UInt8: 1,
	Int16: 2, UInt16: 2,
	Int32: 4, UInt32: 4, Float32: 4,
	Int64: 8, UInt64: 8, Float64: 8,
}

// GetTypeSize returns the byte width of a fixed-width type. Calling it on
// String is a programming error since String has no fixed width.
func GetTypeSize(t DataType) (uint64, error) {
	sz, ok := typeSizes[t]
	if !ok {
		return 0, fmt.Errorf("wire: type %d: %w", t, sscerr.ErrUnknownType)
	}
	return sz, nil
}

// Block is the atomic declaration unit: one rank's description of one
// variable for one step.
type Block struct {
	Rank        int32
	Name        string
	ShapeID     ShapeID
	Type        DataType
	Shape       []uint64
	Start       []uint64
	Count       []uint64
	BufferStart uint64
	BufferCount uint64
	Value       []byte
}

// BlockVec is the ordered sequence of blocks declared by one rank.
type BlockVec []Block

// BlockVecVec is a pattern: the sequence of BlockVecs indexed by rank.
type BlockVecVec []BlockVec

// TotalDataSize returns the number of payload bytes a block contributes,
// following §4.2: count-dimensions product times element size for arrays,
// the element size alone for scalars, and BufferCount (not a dimension
// product) for String blocks regardless of any declared shape.
func TotalDataSize(b Block) (uint64, error) {
	if b.Type == String {
		return b.BufferCount, nil
	}
	sz, err := GetTypeSize(b.Type)
	if err != nil {
		return 0, err
	}
	if len(b.Count) == 0 {
		return sz, nil
	}
	total := sz
	for _, c := range b.Count {
		total *= c
	}
	return total, nil
}

// TotalDataSizeVec sums TotalDataSize over every block in bv.
func TotalDataSizeVec(bv BlockVec) (uint64, error) {
	var total uint64
	for _, b := range bv {
		sz, err := TotalDataSize(b)
		if err != nil {
			return 0, err
		}
		total += sz
	}
	return total, nil
}

// Attribute is a name/type/payload triple. Numeric attributes carry either a
// single scalar (payload length == sizeof(T)) or a flat array
// (payload length == k*sizeof(T)); String attributes carry raw UTF-8 bytes.
type Attribute struct {
	Name    string
	Type    DataType
	Payload []byte
}

// IsArray reports whether the attribute's payload holds more than one
// element of its numeric type. Always false for String.
func (a Attribute) IsArray() bool {
	if a.Type == String {
		return false
	}
	sz, err := GetTypeSize(a.Type)
	if err != nil || sz == 0 {
		return false
	}
	return uint64(len(a.Payload)) > sz
}
