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

package aspace

import (
	"fmt"
	"io"
	"sort"

	"kitten.dev/kitten/pkg/bitmap"
	"kitten.dev/kitten/pkg/cleanup"
	"kitten.dev/kitten/pkg/errors/lwkerr"
	"kitten.dev/kitten/pkg/hostarch"
	"kitten.dev/kitten/pkg/pmem"
	"kitten.dev/kitten/pkg/ring0/pagetables"
	"kitten.dev/kitten/pkg/sync"
)

// PhysicalMemory is the memory that physical addresses refer to.
type PhysicalMemory interface {
	io.ReaderAt
	io.WriterAt
}

// PhysicalRegions reports the state of physical memory. It is implemented
// by *pmem.Allocator.
type PhysicalRegions interface {
	Covered(f pmem.Filter) bool
}

// DefaultDirectMapSize is the size of the kernel's direct map of physical
// memory when Opts.DirectMapSize is zero.
const DefaultDirectMapSize = hostarch.SuperPageSize

// Opts configures a Registry.
type Opts struct {
	// TableAllocator allocates page tables for every address space. It
	// must be shared by all of them for SMARTMAP to work.
	TableAllocator pagetables.Allocator

	// Regions is consulted by Bind.
	Regions PhysicalRegions

	// Memory is accessed by CopyIn and CopyOut.
	Memory PhysicalMemory

	// NumCPUs is the number of present CPUs.
	NumCPUs uint32

	// PageSizes are the page sizes regions may use. If empty, every size
	// the MMU supports is allowed.
	PageSizes []uintptr

	// DirectMapSize is the size of the kernel's direct map at
	// hostarch.PageOffset. It is rounded up to 1GB.
	DirectMapSize uint64

	// CheckInvariants makes every mutation verify the invariants of the
	// address space it changed, panicking on failure.
	CheckInvariants bool
}

// Registry owns the set of live address spaces.
type Registry struct {
	opts    Opts
	present bitmap.Bitmap

	// kernel is the kernel's address space. Its upper half is shared by
	// every other address space.
	kernel *AddressSpace

	// mu protects ids and spaces.
	mu     sync.RWMutex
	ids    bitmap.Bitmap
	spaces map[ID]*AddressSpace
}

// NewRegistry returns a registry holding only the kernel's address space,
// with the kernel direct map installed.
func NewRegistry(opts Opts) (*Registry, error) {
	if opts.NumCPUs == 0 {
		return nil, fmt.Errorf("no CPUs present: %w", lwkerr.ErrInvalidArgument)
	}
	for _, size := range opts.PageSizes {
		if !hostarch.PageSizeValid(size) {
			return nil, fmt.Errorf("page size %#x: %w", size, lwkerr.ErrMisaligned)
		}
	}
	if opts.DirectMapSize == 0 {
		opts.DirectMapSize = DefaultDirectMapSize
	}
	directMap, ok := hostarch.Addr(opts.DirectMapSize).RoundUp(hostarch.SuperPageSize)
	if !ok || uint64(directMap) > uint64(^hostarch.Addr(0)-hostarch.PageOffset) {
		return nil, fmt.Errorf("direct map size %#x: %w", opts.DirectMapSize, lwkerr.ErrOutOfRange)
	}

	pt, err := pagetables.New(opts.TableAllocator)
	if err != nil {
		return nil, err
	}
	kopts := pagetables.MapOpts{AccessType: hostarch.ReadWrite, Global: true}
	if err := pt.Map(hostarch.PageOffset, uintptr(directMap), kopts, 0, hostarch.SuperPageSize); err != nil {
		pt.Release()
		return nil, err
	}

	r := &Registry{
		opts:    opts,
		present: bitmap.NewFull(opts.NumCPUs),
		kernel:  newAddressSpace(KernelID, "kernel", pt, opts.NumCPUs),
		ids:     bitmap.New(uint32(MaxID) + 1),
		spaces:  make(map[ID]*AddressSpace),
	}
	r.ids.Add(uint32(KernelID))
	r.spaces[KernelID] = r.kernel
	return r, nil
}

// NumCPUs returns the number of present CPUs.
func (r *Registry) NumCPUs() uint32 {
	return r.opts.NumCPUs
}

// pageSizeSupported returns true if regions may use size.
func (r *Registry) pageSizeSupported(size uintptr) bool {
	if !hostarch.PageSizeValid(size) {
		return false
	}
	if len(r.opts.PageSizes) == 0 {
		return true
	}
	for _, s := range r.opts.PageSizes {
		if s == size {
			return true
		}
	}
	return false
}

// Create creates an address space. If req is AnyID the lowest free user id
// is used, otherwise req itself. The new address space shares the kernel's
// upper half, may run on every present CPU and forwards no system calls.
func (r *Registry) Create(req ID, name string) (ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := req
	if req == AnyID {
		free, err := r.ids.FirstZero(uint32(KernelID) + 1)
		if err != nil {
			return 0, lwkerr.ErrOutOfIDs
		}
		id = ID(free)
	} else if req == KernelID || req > MaxID {
		return 0, fmt.Errorf("creating address space %v: %w", req, lwkerr.ErrInvalidID)
	} else if r.ids.Contains(uint32(req)) {
		return 0, fmt.Errorf("creating address space %v: %w", req, lwkerr.ErrAlreadyExists)
	}

	r.ids.Add(uint32(id))
	cu := cleanup.Make(func() { r.ids.Remove(uint32(id)) })
	defer cu.Clean()

	pt, err := pagetables.NewWithUpper(r.opts.TableAllocator, r.kernel.pageTables, pagetables.UpperBottom)
	if err != nil {
		return 0, fmt.Errorf("creating address space %v: %w", id, err)
	}
	r.spaces[id] = newAddressSpace(id, name, pt, r.opts.NumCPUs)
	cu.Release()
	return id, nil
}

// Destroy destroys an address space, unbinding all of its regions and
// releasing its page tables. Bound physical memory is not freed.
//
// Destroy fails with ErrBusy while tasks run in the address space or while
// it takes part in SMARTMAP.
func (r *Registry) Destroy(id ID) error {
	if id == KernelID {
		return fmt.Errorf("destroying the kernel address space: %w", lwkerr.ErrInvalidID)
	}
	as, err := r.lookupAndLock(id)
	if err != nil {
		return err
	}
	if as.tasks != 0 || len(as.imports) != 0 || len(as.exports) != 0 {
		defer as.mu.Unlock()
		return fmt.Errorf("destroying address space %v with %d tasks, %d imports and %d exports: %w",
			id, as.tasks, len(as.imports), len(as.exports), lwkerr.ErrBusy)
	}
	as.regions.Ascend(func(rg *Region) bool {
		as.unbindLocked(rg, rg.AddrRange)
		return true
	})
	as.regions.Clear(false)
	as.pageTables.Release()
	as.pageTables = nil
	as.dead = true
	as.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.spaces, id)
	r.ids.Remove(uint32(id))
	return nil
}

// lookup returns the live address space id.
func (r *Registry) lookup(id ID) (*AddressSpace, error) {
	r.mu.RLock()
	as, ok := r.spaces[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("address space %v: %w", id, lwkerr.ErrInvalidID)
	}
	return as, nil
}

// lookupAndLock returns the address space id, locked.
func (r *Registry) lookupAndLock(id ID) (*AddressSpace, error) {
	as, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	as.mu.Lock()
	if as.dead {
		as.mu.Unlock()
		return nil, fmt.Errorf("address space %v: %w", id, lwkerr.ErrInvalidID)
	}
	return as, nil
}

// lookupAndLockPair returns the address spaces a and b, locked in ascending
// id order, and a function unlocking them. If a == b only one lock is taken.
func (r *Registry) lookupAndLockPair(a, b ID) (*AddressSpace, *AddressSpace, func(), error) {
	asA, err := r.lookup(a)
	if err != nil {
		return nil, nil, nil, err
	}
	asB, err := r.lookup(b)
	if err != nil {
		return nil, nil, nil, err
	}
	first, second := asA, asB
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	if second != first {
		second.mu.Lock()
	}
	unlock := func() {
		if second != first {
			second.mu.Unlock()
		}
		first.mu.Unlock()
	}
	if asA.dead || asB.dead {
		unlock()
		return nil, nil, nil, fmt.Errorf("address spaces %v and %v: %w", a, b, lwkerr.ErrInvalidID)
	}
	return asA, asB, unlock, nil
}

// IDs returns the ids of the live address spaces, including the kernel's,
// in ascending order.
func (r *Registry) IDs() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ID, 0, len(r.spaces))
	for id := range r.spaces {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Name returns the name of an address space.
func (r *Registry) Name(id ID) (string, error) {
	as, err := r.lookupAndLock(id)
	if err != nil {
		return "", err
	}
	defer as.mu.Unlock()
	return as.name, nil
}

// GetRank returns the rank of an address space, or ErrUnset.
func (r *Registry) GetRank(id ID) (int, error) {
	as, err := r.lookupAndLock(id)
	if err != nil {
		return 0, err
	}
	defer as.mu.Unlock()
	if !as.rankSet {
		return 0, lwkerr.ErrUnset
	}
	return as.rank, nil
}

// SetRank sets the rank of an address space. The rank can be set only once.
func (r *Registry) SetRank(id ID, rank int) error {
	as, err := r.lookupAndLock(id)
	if err != nil {
		return err
	}
	defer as.mu.Unlock()
	if as.rankSet {
		return fmt.Errorf("rank of address space %v is already %d: %w", id, as.rank, lwkerr.ErrAlreadySet)
	}
	as.rank, as.rankSet = rank, true
	return nil
}

// CPUMask returns a copy of the CPUs an address space may run on.
func (r *Registry) CPUMask(id ID) (bitmap.Bitmap, error) {
	as, err := r.lookupAndLock(id)
	if err != nil {
		return bitmap.Bitmap{}, err
	}
	defer as.mu.Unlock()
	return as.cpuMask.Clone(), nil
}

// UpdateCPUMask replaces the CPU mask of an address space. mask must be
// non-empty and only name present CPUs.
func (r *Registry) UpdateCPUMask(id ID, mask bitmap.Bitmap) error {
	if mask.IsEmpty() {
		return fmt.Errorf("empty CPU mask: %w", lwkerr.ErrInvalidArgument)
	}
	if !mask.IsSubsetOf(&r.present) {
		return fmt.Errorf("CPU mask %v is not a subset of present CPUs %v: %w", &mask, &r.present, lwkerr.ErrInvalidArgument)
	}
	m := bitmap.New(r.opts.NumCPUs)
	for _, cpu := range mask.ToSlice() {
		m.Add(cpu)
	}
	as, err := r.lookupAndLock(id)
	if err != nil {
		return err
	}
	defer as.mu.Unlock()
	as.cpuMask = m
	return nil
}

// IOForwardMask returns a copy of the system calls an address space
// forwards to the I/O proxy.
func (r *Registry) IOForwardMask(id ID) (bitmap.Bitmap, error) {
	as, err := r.lookupAndLock(id)
	if err != nil {
		return bitmap.Bitmap{}, err
	}
	defer as.mu.Unlock()
	return as.ioForwardMask.Clone(), nil
}

// UpdateIOForwardMask replaces the I/O forwarding mask of an address space.
// Only system calls below SyscallMaskBits may be named.
func (r *Registry) UpdateIOForwardMask(id ID, mask bitmap.Bitmap) error {
	if _, err := mask.FirstOne(SyscallMaskBits); err == nil {
		return fmt.Errorf("forwarding mask %v names system calls past %d: %w", &mask, SyscallMaskBits, lwkerr.ErrInvalidArgument)
	}
	m := bitmap.New(SyscallMaskBits)
	for _, sysno := range mask.ToSlice() {
		m.Add(sysno)
	}
	as, err := r.lookupAndLock(id)
	if err != nil {
		return err
	}
	defer as.mu.Unlock()
	as.ioForwardMask = m
	return nil
}

// ShouldForward returns true if system call sysno made in address space id
// should be forwarded.
func (r *Registry) ShouldForward(id ID, sysno uint32) (bool, error) {
	as, err := r.lookupAndLock(id)
	if err != nil {
		return false, err
	}
	defer as.mu.Unlock()
	return sysno < SyscallMaskBits && as.ioForwardMask.Contains(sysno), nil
}

// Acquire records a task running in an address space.
func (r *Registry) Acquire(id ID) error {
	as, err := r.lookupAndLock(id)
	if err != nil {
		return err
	}
	defer as.mu.Unlock()
	as.tasks++
	return nil
}

// Release drops a task recorded by Acquire.
func (r *Registry) Release(id ID) error {
	as, err := r.lookupAndLock(id)
	if err != nil {
		return err
	}
	defer as.mu.Unlock()
	if as.tasks == 0 {
		return fmt.Errorf("address space %v has no tasks: %w", id, lwkerr.ErrInvalidArgument)
	}
	as.tasks--
	return nil
}

// RootPhysical returns the physical address of the root page table of an
// address space, the value loaded on a context switch.
func (r *Registry) RootPhysical(id ID) (uintptr, error) {
	as, err := r.lookupAndLock(id)
	if err != nil {
		return 0, err
	}
	defer as.mu.Unlock()
	return as.pageTables.RootPhysical(), nil
}
