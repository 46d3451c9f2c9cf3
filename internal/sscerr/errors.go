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

// Package sscerr holds the sentinel error kinds shared by every layer of the
// staging coupler so callers can errors.Is against a stable value regardless
// of which package actually detected the failure.
package sscerr

import "errors"

var (
	// ErrUnknownType is returned when a wire tag names a type outside the
	// closed set the codec understands, either while decoding a block or
	// while registering a variable/attribute with the host framework.
	ErrUnknownType = errors.New("ssc: unknown type tag")

	// ErrMalformedBuffer is returned when a decode cursor would advance past
	// the buffer's declared pos, or a length prefix does not fit the
	// remaining bytes.
	ErrMalformedBuffer = errors.New("ssc: malformed buffer")

	// ErrFabricFailure wraps any failure returned by the messaging fabric
	// collaborator: a collective, a window operation, or a point-to-point
	// send/receive.
	ErrFabricFailure = errors.New("ssc: fabric failure")

	// ErrConfiguration is returned by NewConfig when an option describes an
	// invalid session, such as an unrecognized transport mode string.
	ErrConfiguration = errors.New("ssc: invalid configuration")

	// ErrEndOfStream is returned by Reader.BeginStep once the writer has
	// published its final step. It is an expected termination condition,
	// not one of the four fatal kinds above.
	ErrEndOfStream = errors.New("ssc: end of stream")
)
