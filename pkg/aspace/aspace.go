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

// Package aspace implements address spaces for the lightweight kernel: the
// registry of live address spaces, the virtual regions of each, the binding
// of physical memory into them and SMARTMAP aliasing between them.
//
// Lock order:
//
//	Registry.mu
//	  AddressSpace.mu, in ascending id order when two are held
//	    pmem.Allocator.mu
//	      page table allocator locks
//
// Nothing in this package blocks or logs.
package aspace

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/btree"
	"kitten.dev/kitten/pkg/bitmap"
	"kitten.dev/kitten/pkg/hostarch"
	"kitten.dev/kitten/pkg/ring0/pagetables"
	"kitten.dev/kitten/pkg/sync"
)

// ID identifies an address space.
type ID uint16

const (
	// KernelID is the kernel's own address space. It cannot be destroyed or
	// take part in SMARTMAP.
	KernelID ID = 0

	// MaxID is the largest user address space id. Every SMARTMAP window of
	// a user id lies in the lower half of the address space.
	MaxID ID = pagetables.LowerSlots - 1

	// AnyID asks Create for the lowest free id.
	AnyID ID = math.MaxUint16

	// NameLen is the maximum length of an address space name.
	NameLen = 16

	// SyscallMaskBits is the size of the I/O forwarding mask.
	SyscallMaskBits = 512
)

// String implements fmt.Stringer.String.
func (id ID) String() string {
	switch id {
	case KernelID:
		return "kernel"
	case AnyID:
		return "any"
	}
	return fmt.Sprintf("%d", uint16(id))
}

const (
	// WindowSize is the size of a SMARTMAP window, which is also the size of
	// the user range.
	WindowSize = pagetables.RootSlotSize

	// UserStart is the lowest user address. The zero page is never mapped.
	UserStart hostarch.Addr = hostarch.PageSize

	// UserEnd is the end of the user range.
	UserEnd hostarch.Addr = WindowSize
)

// Window returns the address at which the address space id appears in any
// address space that SMARTMAPs it.
func Window(id ID) hostarch.Addr {
	return hostarch.Addr(id) << 39
}

// Flags are region flags.
type Flags uint32

// Region flags.
const (
	VMRead Flags = 1 << iota
	VMWrite
	VMExec
	VMNoCache
	VMWriteThru
	VMUser
	VMGlobal
	VMShared
	VMAnon
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{VMNoCache, "nocache"},
	{VMWriteThru, "writethru"},
	{VMUser, "user"},
	{VMGlobal, "global"},
	{VMShared, "shared"},
	{VMAnon, "anon"},
}

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	var sb strings.Builder
	sb.WriteString(f.accessType().String())
	for _, n := range flagNames {
		if f&n.flag != 0 {
			sb.WriteByte(' ')
			sb.WriteString(n.name)
		}
	}
	return sb.String()
}

func (f Flags) accessType() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    f&VMRead != 0,
		Write:   f&VMWrite != 0,
		Execute: f&VMExec != 0,
	}
}

// mapOpts returns the translation options for f. Present entries are always
// readable.
func (f Flags) mapOpts() pagetables.MapOpts {
	opts := pagetables.MapOpts{
		AccessType: hostarch.AccessType{
			Read:    true,
			Write:   f&VMWrite != 0,
			Execute: f&VMExec != 0,
		},
		Global: f&VMGlobal != 0,
		User:   f&VMUser != 0,
	}
	switch {
	case f&VMNoCache != 0:
		opts.MemoryType = hostarch.MemoryTypeUncached
	case f&VMWriteThru != 0:
		opts.MemoryType = hostarch.MemoryTypeWriteThrough
	}
	return opts
}

// Binding maps part of a region to physical memory.
type Binding struct {
	// Range is the bound virtual range.
	Range hostarch.AddrRange

	// Physical is the physical address of Range.Start.
	Physical uint64
}

// physicalFor returns the physical address of addr, which must be in b.
func (b Binding) physicalFor(addr hostarch.Addr) uint64 {
	return b.Physical + uint64(addr-b.Range.Start)
}

// String implements fmt.Stringer.String.
func (b Binding) String() string {
	return fmt.Sprintf("%v -> %#x", b.Range, b.Physical)
}

// Region is a virtual address range of an address space.
type Region struct {
	hostarch.AddrRange

	// Flags are the region's flags.
	Flags Flags

	// PageSize is the largest page size used to back the region.
	PageSize uintptr

	// Name is a display name.
	Name string

	// Backing holds the bound parts of the region, in address order. They
	// never overlap and adjacent bindings are never physically contiguous.
	// A region with no bindings is reserved but unbacked.
	Backing []Binding
}

// String implements fmt.Stringer.String.
func (r *Region) String() string {
	return fmt.Sprintf("%v %v %#x %q backed by %v", r.AddrRange, r.Flags, r.PageSize, r.Name, r.Backing)
}

func regionLess(a, b *Region) bool {
	return a.Start < b.Start
}

func regionKey(addr hostarch.Addr) *Region {
	return &Region{AddrRange: hostarch.AddrRange{Start: addr}}
}

// AddressSpace is a virtual memory context.
type AddressSpace struct {
	id ID

	// mu protects every field below, and the page tables. When two address
	// spaces are locked, the lower id is locked first.
	mu sync.Mutex

	// dead is set once the address space has been destroyed. Lookups that
	// raced with Destroy check it after locking.
	dead bool

	name    string
	rank    int
	rankSet bool

	cpuMask       bitmap.Bitmap
	ioForwardMask bitmap.Bitmap

	// regions never overlap.
	regions *btree.BTreeG[*Region]

	pageTables *pagetables.PageTables

	// imports are the SMARTMAP relations whose windows are installed here,
	// by the id of the address space shown. exports are the relations
	// showing this address space elsewhere, by the id of the importer.
	imports map[ID]*alias
	exports map[ID]*alias

	// tasks is the number of tasks running in the address space.
	tasks int
}

// ID returns the address space id.
func (as *AddressSpace) ID() ID {
	return as.id
}

func newAddressSpace(id ID, name string, pt *pagetables.PageTables, cpus uint32) *AddressSpace {
	if len(name) > NameLen {
		name = name[:NameLen]
	}
	return &AddressSpace{
		id:            id,
		name:          name,
		cpuMask:       bitmap.NewFull(cpus),
		ioForwardMask: bitmap.New(SyscallMaskBits),
		regions:       btree.NewG[*Region](8, regionLess),
		pageTables:    pt,
		imports:       make(map[ID]*alias),
		exports:       make(map[ID]*alias),
	}
}
