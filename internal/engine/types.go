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
	"fmt"
	"math"

	"github.com/scistream/ssc-go/internal/sscerr"
	"github.com/scistream/ssc-go/internal/wire"
)

// Numeric is the closed set of element types Put and Get accept, mirroring
// wire.DataType's fixed-width tags. Go forbids type parameters on methods,
// so Put/Get are package-level generic functions taking the engine as their
// first argument rather than Writer/Reader methods (§6's Put<T>).
type Numeric interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// dataTypeOf maps a Numeric instantiation to its wire.DataType tag.
func dataTypeOf[T Numeric](zero T) wire.DataType {
	switch any(zero).(type) {
	case int8:
		return wire.Int8
	case int16:
		return wire.Int16
	case int32:
		return wire.Int32
	case int64:
		return wire.Int64
	case uint8:
		return wire.UInt8
	case uint16:
		return wire.UInt16
	case uint32:
		return wire.UInt32
	case uint64:
		return wire.UInt64
	case float32:
		return wire.Float32
	case float64:
		return wire.Float64
	default:
		// Named types over one of the above underlying kinds: resolve by
		// size and signedness isn't recoverable from any(), so this branch
		// is unreachable for the Numeric constraint's instantiations.
		return wire.Float64
	}
}

// encodeElems appends data's raw little-endian bytes to dst.
func encodeElems[T Numeric](dst []byte, data []T) []byte {
	var zero T
	switch any(zero).(type) {
	case int8, uint8:
		for _, v := range data {
			dst = append(dst, byte(anyToUint64(v)))
		}
	case int16, uint16:
		var buf [2]byte
		for _, v := range data {
			binary.LittleEndian.PutUint16(buf[:], uint16(anyToUint64(v)))
			dst = append(dst, buf[:]...)
		}
	case int32, uint32, float32:
		var buf [4]byte
		for _, v := range data {
			binary.LittleEndian.PutUint32(buf[:], uint32(anyToUint64(v)))
			dst = append(dst, buf[:]...)
		}
	default:
		var buf [8]byte
		for _, v := range data {
			binary.LittleEndian.PutUint64(buf[:], anyToUint64(v))
			dst = append(dst, buf[:]...)
		}
	}
	return dst
}

// anyToUint64 reinterprets v's bits as a uint64, preserving float bit
// patterns rather than truncating them, so encodeElems/decodeElems can share
// one fixed-width path for every Numeric instantiation.
func anyToUint64[T Numeric](v T) uint64 {
	switch x := any(v).(type) {
	case int8:
		return uint64(uint8(x))
	case int16:
		return uint64(uint16(x))
	case int32:
		return uint64(uint32(x))
	case int64:
		return uint64(x)
	case uint8:
		return uint64(x)
	case uint16:
		return uint64(x)
	case uint32:
		return uint64(x)
	case uint64:
		return x
	case float32:
		return uint64(math.Float32bits(x))
	case float64:
		return math.Float64bits(x)
	default:
		return 0
	}
}

// decodeElems reads n elements of T out of src's leading bytes.
func decodeElems[T Numeric](src []byte, n uint64) ([]T, error) {
	var zero T
	sz, err := wire.GetTypeSize(dataTypeOf(zero))
	if err != nil {
		return nil, err
	}
	if uint64(len(src)) < n*sz {
		return nil, fmt.Errorf("engine: payload shorter than declared element count: %w", sscerr.ErrMalformedBuffer)
	}
	out := make([]T, n)
	for i := range out {
		off := uint64(i) * sz
		var bits uint64
		switch sz {
		case 1:
			bits = uint64(src[off])
		case 2:
			bits = uint64(binary.LittleEndian.Uint16(src[off:]))
		case 4:
			bits = uint64(binary.LittleEndian.Uint32(src[off:]))
		default:
			bits = binary.LittleEndian.Uint64(src[off:])
		}
		out[i] = uint64ToAny[T](bits)
	}
	return out, nil
}

func uint64ToAny[T Numeric](bits uint64) T {
	var zero T
	switch any(zero).(type) {
	case int8:
		return any(int8(bits)).(T)
	case int16:
		return any(int16(bits)).(T)
	case int32:
		return any(int32(bits)).(T)
	case int64:
		return any(int64(bits)).(T)
	case uint8:
		return any(uint8(bits)).(T)
	case uint16:
		return any(uint16(bits)).(T)
	case uint32:
		return any(uint32(bits)).(T)
	case uint64:
		return any(bits).(T)
	case float32:
		return any(math.Float32frombits(uint32(bits))).(T)
	case float64:
		return any(math.Float64frombits(bits)).(T)
	default:
		return zero
	}
}
