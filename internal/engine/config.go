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

// Package engine drives the writer and reader step state machines (§4.4):
// BeginStep/PerformPuts/EndStep on the writer side, the dual on the reader
// side, built on wire, overlap, aggregate, transport and fabric.
package engine

import (
	"fmt"
	"time"

	"github.com/scistream/ssc-go/internal/sscerr"
	"github.com/scistream/ssc-go/internal/transport"
)

const defaultChunkSize = 4 << 20 // 4 MiB, per §6's ChunkSize default

// Config holds a session's tunables, all optional with the defaults §6
// names.
type Config struct {
	Mode            transport.Variant
	Verbose         int
	Threading       bool
	OpenTimeout     time.Duration
	ChunkSize       int
	FabricEndpoint  string
}

// Option mutates a Config under construction; NewConfig applies invalid
// values as ErrConfiguration rather than panicking.
type Option func(*Config) error

func WithMode(mode string) Option {
	return func(c *Config) error {
		v, err := transport.ParseVariant(mode)
		if err != nil {
			return err
		}
		c.Mode = v
		return nil
	}
}

func WithVerbose(level int) Option {
	return func(c *Config) error {
		if level < 0 || level > 20 {
			return fmt.Errorf("engine: verbose level %d out of range [0,20]: %w", level, sscerr.ErrConfiguration)
		}
		c.Verbose = level
		return nil
	}
}

func WithThreading(enabled bool) Option {
	return func(c *Config) error { c.Threading = enabled; return nil }
}

func WithOpenTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d < 0 {
			return fmt.Errorf("engine: negative open timeout: %w", sscerr.ErrConfiguration)
		}
		c.OpenTimeout = d
		return nil
	}
}

func WithChunkSize(bytes int) Option {
	return func(c *Config) error {
		if bytes <= 0 {
			return fmt.Errorf("engine: chunk size must be positive, got %d: %w", bytes, sscerr.ErrConfiguration)
		}
		c.ChunkSize = bytes
		return nil
	}
}

func WithFabricEndpoint(url string) Option {
	return func(c *Config) error {
		if url == "" {
			return fmt.Errorf("engine: empty fabric endpoint: %w", sscerr.ErrConfiguration)
		}
		c.FabricEndpoint = url
		return nil
	}
}

// NewConfig applies opts over the §6 defaults.
func NewConfig(opts ...Option) (Config, error) {
	c := Config{
		Mode:           transport.TwoSided,
		Threading:      true,
		ChunkSize:      defaultChunkSize,
		FabricEndpoint: "nats://127.0.0.1:4222",
	}
	for _, opt := range opts {
		if err := opt(&c); err != nil {
			return Config{}, err
		}
	}
	return c, nil
}
