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

package shmring

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/scistream/ssc-go/internal/sscerr"
)

// segment is one mmapped window: a fixed windowHeader followed by the
// exposed buffer region, sized to fit the larger of the two edges' payloads
// (the joining side grows the existing file in place when its buffer is
// larger; the file is never shrunk).
type segment struct {
	file *os.File
	mem  []byte
	path string
}

func segmentPath(edgeID string) string {
	name := "ssc_win_" + edgeID
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", name)
	}
	return filepath.Join(os.TempDir(), name)
}

// createSegment lays out a fresh window segment sized for bufLen bytes of
// payload plus the header, the creating side of the edge (mirrors the ring
// transport's CreateSegment/OpenSegment split).
func createSegment(edgeID string, bufLen uint64) (*segment, error) {
	if bufLen < minBufferCapacity {
		bufLen = minBufferCapacity
	}
	path := segmentPath(edgeID)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shmring: create segment file %s: %w (%v)", path, sscerr.ErrFabricFailure, err)
	}
	total := int64(headerSize) + int64(bufLen)
	if err := file.Truncate(total); err != nil {
		file.Close()
		return nil, fmt.Errorf("shmring: truncate segment file %s: %w (%v)", path, sscerr.ErrFabricFailure, err)
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shmring: mmap segment %s: %w (%v)", path, sscerr.ErrFabricFailure, err)
	}
	s := &segment{file: file, mem: mem, path: path}
	hdr := s.header()
	copy(hdr.magic[:], segmentMagic)
	hdr.version = segmentVersion
	hdr.SetBufferLen(bufLen)
	return s, nil
}

// openSegment maps an existing window segment, the joining side of the edge.
func openSegment(edgeID string, bufLen uint64) (*segment, error) {
	if bufLen < minBufferCapacity {
		bufLen = minBufferCapacity
	}
	path := segmentPath(edgeID)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shmring: open segment file %s: %w (%v)", path, sscerr.ErrFabricFailure, err)
	}
	total := int64(headerSize) + int64(bufLen)
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shmring: stat segment file %s: %w (%v)", path, sscerr.ErrFabricFailure, err)
	}
	if info.Size() < total {
		if err := file.Truncate(total); err != nil {
			file.Close()
			return nil, fmt.Errorf("shmring: grow segment file %s: %w (%v)", path, sscerr.ErrFabricFailure, err)
		}
	} else {
		total = info.Size()
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shmring: mmap segment %s: %w (%v)", path, sscerr.ErrFabricFailure, err)
	}
	return &segment{file: file, mem: mem, path: path}, nil
}

func (s *segment) header() *windowHeader {
	return (*windowHeader)(unsafe.Pointer(&s.mem[0]))
}

func (s *segment) buffer() []byte {
	return s.mem[headerSize:]
}

func (s *segment) close() error {
	if s.mem != nil {
		if err := unix.Munmap(s.mem); err != nil {
			s.file.Close()
			return fmt.Errorf("shmring: munmap %s: %w (%v)", s.path, sscerr.ErrFabricFailure, err)
		}
		s.mem = nil
	}
	return s.file.Close()
}
