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

// ssc-probe is a small diagnostic CLI for exercising the pieces of a
// coupling session outside of a running writer/reader pair: window
// capacity, computed rank addressing, and captured wire buffers.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/scistream/ssc-go/internal/shmring"
	"github.com/scistream/ssc-go/internal/wire"
)

func main() {
	log := logrus.New()

	app := &cli.App{
		Name:  "ssc-probe",
		Usage: "diagnose a coupling session's transport, addressing, and wire buffers",
		Commands: []*cli.Command{
			capacityCommand(log),
			topologyCommand(log),
			decodeCommand(log),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Error("ssc-probe failed")
		os.Exit(1)
	}
}

// capacityCommand opens a shmring window sized to --window-bytes and drives
// a fixed list of increasing Put/Get sizes against it, reporting which fit,
// the direct successor of the ancestor's ring capacity probe run against a
// live window.
func capacityCommand(log *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:  "capacity",
		Usage: "probe how many bytes fit in a shared-memory window of a given size",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "edge", Value: "ssc-probe-capacity", Usage: "window edge identifier"},
			&cli.Uint64Flag{Name: "window-bytes", Value: 65536, Usage: "size of the window's backing buffer"},
		},
		Action: func(c *cli.Context) error {
			ctx := context.Background()
			edgeID := c.String("edge")
			windowBytes := c.Uint64("window-bytes")

			factory := shmring.Factory{Log: logrus.NewEntry(log)}
			win, err := factory.OpenWindow(ctx, edgeID, make([]byte, windowBytes))
			if err != nil {
				return fmt.Errorf("open window: %w", err)
			}
			defer win.Free()

			fmt.Printf("window %q: %d bytes\n", edgeID, windowBytes)

			sizes := []uint64{10, 20, 30, 40, 50, 100, 200, 500, 1000, 5000, 10000, 32768, 65000, 65536}
			for _, size := range sizes {
				data := make([]byte, size)
				for i := range data {
					data[i] = byte(i % 256)
				}
				if err := win.Put(ctx, 0, 0, data); err != nil {
					fmt.Printf("put %6d bytes: FAIL (%v)\n", size, err)
					continue
				}
				readBack := make([]byte, size)
				if err := win.Get(ctx, 0, 0, readBack); err != nil {
					fmt.Printf("get %6d bytes: FAIL (%v)\n", size, err)
					continue
				}
				fmt.Printf("put/get %6d bytes: OK\n", size)
			}
			return nil
		},
	}
}

// topologyCommand resolves and prints the addressing a Deps value would
// compute for a given stream layout, so an operator can sanity-check
// PeerToStream wiring before starting a real session.
func topologyCommand(log *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:  "topology",
		Usage: "print the stream-rank addressing for a writer/reader group layout",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "writer-group-size", Value: 1, Usage: "number of writer ranks"},
			&cli.IntFlag{Name: "reader-group-size", Value: 1, Usage: "number of reader ranks"},
		},
		Action: func(c *cli.Context) error {
			writers := c.Int("writer-group-size")
			readers := c.Int("reader-group-size")
			if writers <= 0 || readers <= 0 {
				return fmt.Errorf("group sizes must be positive")
			}

			// Writer ranks occupy StreamComm ranks [0, writers); reader ranks
			// occupy [writers, writers+readers), the same convention the
			// stream communicator's own setup (§1, out of scope here) is
			// expected to establish.
			writerToStream := func(groupLocalRank int) int { return groupLocalRank }
			readerToStream := func(groupLocalRank int) int { return writers + groupLocalRank }

			fmt.Printf("writer group root: stream rank %d\n", writerToStream(0))
			fmt.Printf("reader group root: stream rank %d\n", readerToStream(0))
			for wr := 0; wr < writers; wr++ {
				fmt.Printf("writer group rank %d -> stream rank %d\n", wr, writerToStream(wr))
			}
			for rr := 0; rr < readers; rr++ {
				fmt.Printf("reader group rank %d -> stream rank %d\n", rr, readerToStream(rr))
			}
			return nil
		},
	}
}

// decodeCommand reads a captured wire buffer off disk and pretty-prints the
// decoded pattern, exercising wire.Deserialize the way a session's
// negotiatePattern does but standalone, for inspecting a buffer dumped from
// a failing run.
func decodeCommand(log *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:      "decode",
		Usage:     "decode a captured local-format wire buffer and print its blocks",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("usage: ssc-probe decode <path>")
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}

			var pattern wire.BlockVecVec
			if _, err := wire.Deserialize(data, false, &pattern, nil, false, false); err != nil {
				return fmt.Errorf("decode %s: %w", path, err)
			}

			for rank, blocks := range pattern {
				fmt.Printf("rank %d: %d block(s)\n", rank, len(blocks))
				for _, blk := range blocks {
					fmt.Printf("  %-24s shape=%v type=%v start=%v count=%v\n",
						blk.Name, blk.ShapeID, blk.Type, blk.Start, blk.Count)
				}
			}
			return nil
		},
	}
}
