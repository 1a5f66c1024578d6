// Copyright 2024 The Kitten Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package physmem provides the machine's physical memory: a flat, byte
// addressable store indexed by physical address. Page table pages and user
// data both live here, so a physical address handed out by the allocator can
// be read and written like real RAM.
//
// Memory is backed by a memfd, or by a regular file when one is configured.
// The backing is sparse, so memory that was never written costs nothing.
package physmem

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
	"kitten.dev/kitten/pkg/errors/lwkerr"
)

// Opts configures New.
type Opts struct {
	// Size is the size of the physical address space in bytes. It must be a
	// multiple of the page size.
	Size uint64

	// Path, if set, names a file that backs memory instead of a memfd. The
	// file is locked for the lifetime of the Memory so that two nodes cannot
	// share it.
	Path string
}

// Memory is the simulated physical memory of a node.
//
// Memory is safe for concurrent use; callers are responsible for not
// racing on the same bytes, as with real memory.
type Memory struct {
	file    *os.File
	lock    *flock.Flock
	mapping []byte
	size    uint64

	// manualZero is set once punching holes in the backing file has failed,
	// after which Zero clears bytes by hand.
	manualZero atomic.Bool
}

// New creates physical memory as described by opts.
func New(opts Opts) (*Memory, error) {
	if opts.Size == 0 || opts.Size%uint64(os.Getpagesize()) != 0 {
		return nil, fmt.Errorf("physical memory size %#x is not a positive multiple of the page size", opts.Size)
	}
	m := &Memory{size: opts.Size}
	if opts.Path == "" {
		fd, err := unix.MemfdCreate("kitten-physmem", unix.MFD_CLOEXEC)
		if err != nil {
			return nil, fmt.Errorf("memfd_create failed: %w", err)
		}
		m.file = os.NewFile(uintptr(fd), "kitten-physmem")
	} else {
		m.lock = flock.New(opts.Path)
		locked, err := m.lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("locking memory file %q: %w", opts.Path, err)
		}
		if !locked {
			return nil, fmt.Errorf("memory file %q is in use by another node", opts.Path)
		}
		f, err := os.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			m.lock.Unlock()
			return nil, fmt.Errorf("opening memory file: %w", err)
		}
		m.file = f
	}
	if err := m.file.Truncate(int64(opts.Size)); err != nil {
		m.Close()
		return nil, fmt.Errorf("sizing physical memory to %#x: %w", opts.Size, err)
	}
	mapping, err := unix.Mmap(int(m.file.Fd()), 0, int(opts.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("mapping physical memory: %w", err)
	}
	m.mapping = mapping
	return m, nil
}

// Size returns the size of the physical address space.
func (m *Memory) Size() uint64 {
	return m.size
}

func (m *Memory) check(paddr, length uint64) error {
	if end := paddr + length; end < paddr || end > m.size {
		return fmt.Errorf("physical range [%#x, %#x) beyond end of memory %#x: %w", paddr, paddr+length, m.size, lwkerr.ErrOutOfRange)
	}
	return nil
}

// ReadAt implements io.ReaderAt.ReadAt for physical address off.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, lwkerr.ErrOutOfRange
	}
	if err := m.check(uint64(off), uint64(len(p))); err != nil {
		return 0, err
	}
	return copy(p, m.mapping[off:]), nil
}

// WriteAt implements io.WriterAt.WriteAt for physical address off.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, lwkerr.ErrOutOfRange
	}
	if err := m.check(uint64(off), uint64(len(p))); err != nil {
		return 0, err
	}
	return copy(m.mapping[off:], p), nil
}

// Zero overwrites [paddr, paddr+length) with zeroes.
//
// Whole pages are released back to the host by punching a hole in the
// backing file, which reads back as zeroes; partial pages are cleared in
// place.
func (m *Memory) Zero(paddr, length uint64) error {
	if err := m.check(paddr, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	if !m.manualZero.Load() {
		err := unix.Fallocate(int(m.file.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, int64(paddr), int64(length))
		if err == nil {
			return nil
		}
		m.manualZero.Store(true)
	}
	clear(m.mapping[paddr : paddr+length])
	return nil
}

// Close releases the memory and, if file backed, the lock on the file.
func (m *Memory) Close() error {
	var err error
	if m.mapping != nil {
		err = unix.Munmap(m.mapping)
		m.mapping = nil
	}
	if m.file != nil {
		if cerr := m.file.Close(); err == nil {
			err = cerr
		}
		m.file = nil
	}
	if m.lock != nil {
		if uerr := m.lock.Unlock(); err == nil {
			err = uerr
		}
		m.lock = nil
	}
	return err
}
