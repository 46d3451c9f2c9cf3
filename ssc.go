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

// Package ssc is the public entry point to the staging coupler: a writer
// process declares variables and Puts data per step, a reader process
// selects variables and receives whatever overlaps its selection, and the
// two sides never talk to each other except through the fabric and window
// collaborators wired in through Deps.
package ssc

import (
	"github.com/scistream/ssc-go/internal/engine"
	"github.com/scistream/ssc-go/internal/fabric"
	"github.com/scistream/ssc-go/internal/shmring"
	"github.com/scistream/ssc-go/internal/sscerr"
	"github.com/scistream/ssc-go/internal/transport"
	"github.com/scistream/ssc-go/internal/wire"
)

// Writer and Reader are the two step-engine state machines a caller drives
// through BeginStep/Put|Select/EndStep/Close (§4.4).
type (
	Writer = engine.Writer
	Reader = engine.Reader
)

// Deps wires one side of a session to its collaborators: the communicators
// spanning its own group and the full stream, and the window factory
// backing one-sided transport variants. See engine.Deps for field docs.
type Deps = engine.Deps

// Config and Option configure a session's transport variant, threading
// policy, and fabric endpoint.
type (
	Config = engine.Config
	Option = engine.Option
)

var (
	NewWriter = engine.NewWriter
	NewReader = engine.NewReader
	NewConfig = engine.NewConfig

	WithMode           = engine.WithMode
	WithVerbose        = engine.WithVerbose
	WithThreading      = engine.WithThreading
	WithOpenTimeout    = engine.WithOpenTimeout
	WithChunkSize      = engine.WithChunkSize
	WithFabricEndpoint = engine.WithFabricEndpoint
)

// Numeric is the closed set of element types Put/Get accept.
type Numeric = engine.Numeric

// Put declares (and, if sync is true, immediately encodes into the step's
// payload) one region of a variable for the step currently open on w. The
// payload is sent at EndStep.
func Put[T Numeric](w *Writer, name string, global bool, shape, start, count []uint64, data []T, sync bool) error {
	return engine.Put(w, name, global, shape, start, count, data, sync)
}

// Select declares one region a reader wants to read for the step currently
// open on r.
func Select(r *Reader, name string, global bool, shape, start, count []uint64, typ wire.DataType) error {
	return engine.Select(r, name, global, shape, start, count, typ)
}

// DataType names an element's wire-level type tag, used by Select.
type DataType = wire.DataType

const (
	Int8    = wire.Int8
	Int16   = wire.Int16
	Int32   = wire.Int32
	Int64   = wire.Int64
	UInt8   = wire.UInt8
	UInt16  = wire.UInt16
	UInt32  = wire.UInt32
	UInt64  = wire.UInt64
	Float32 = wire.Float32
	Float64 = wire.Float64
)

// Variant selects one of the five static transport strategies a session
// runs with for its whole lifetime.
type Variant = transport.Variant

const (
	TwoSided          = transport.TwoSided
	OneSidedFencePush = transport.OneSidedFencePush
	OneSidedPostPush  = transport.OneSidedPostPush
	OneSidedFencePull = transport.OneSidedFencePull
	OneSidedPostPull  = transport.OneSidedPostPull
)

// Comm and WindowFactory are the collaborator interfaces a caller supplies
// through Deps. NewNatsComm builds the NATS-backed Comm this module ships;
// ShmWindowFactory is the shared-memory-backed WindowFactory.
type (
	Comm          = fabric.Comm
	WindowFactory = fabric.WindowFactory
)

var NewNatsComm = fabric.NewNatsComm

// ShmWindowFactory opens fabric.Windows backed by mmapped shared-memory
// segments, one per writer/reader edge.
type ShmWindowFactory = shmring.Factory

// The sentinel errors every layer of the coupler returns, matched with
// errors.Is regardless of which internal package detected the failure.
var (
	ErrUnknownType     = sscerr.ErrUnknownType
	ErrMalformedBuffer = sscerr.ErrMalformedBuffer
	ErrFabricFailure   = sscerr.ErrFabricFailure
	ErrConfiguration   = sscerr.ErrConfiguration
	ErrEndOfStream     = sscerr.ErrEndOfStream
	ErrClosed          = engine.ErrClosed
)
