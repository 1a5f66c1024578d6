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

package pagetables

import (
	"sync/atomic"

	"kitten.dev/kitten/pkg/hostarch"
)

// Opts are the x86-64 PTE flags.
const (
	present        = 1 << 0
	writable       = 1 << 1
	user           = 1 << 2
	writeThrough   = 1 << 3
	cacheDisable   = 1 << 4
	accessed       = 1 << 5
	dirty          = 1 << 6
	super          = 1 << 7
	global         = 1 << 8
	executeDisable = 1 << 63

	addressMask = 0x000ffffffffff000
	optionMask  = executeDisable | 0xfff
)

// MapOpts are x86 options.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// Global indicates the page is globally accessible.
	Global bool

	// User indicates the page is a user page.
	User bool

	// MemoryType is the memory type.
	MemoryType hostarch.MemoryType
}

// PTE is a page table entry.
//
// Entries are read and written atomically: tables reachable through a
// SMARTMAP alias are read by one address space while their owner changes
// them.
type PTE uint64

// PTEs is a collection of entries.
type PTEs [entriesPerPage]PTE

func (p *PTE) load() uint64 {
	return atomic.LoadUint64((*uint64)(p))
}

func (p *PTE) store(v uint64) {
	atomic.StoreUint64((*uint64)(p), v)
}

// Clear clears this PTE.
func (p *PTE) Clear() {
	p.store(0)
}

// Valid returns true iff this entry is valid.
func (p *PTE) Valid() bool {
	return p.load()&present != 0
}

// Opts returns the PTE options.
//
// These are all options except Valid and Super.
func (p *PTE) Opts() MapOpts {
	v := p.load()
	opts := MapOpts{
		AccessType: hostarch.AccessType{
			Read:    v&present != 0,
			Write:   v&writable != 0,
			Execute: v&executeDisable == 0,
		},
		Global: v&global != 0,
		User:   v&user != 0,
	}
	switch {
	case v&cacheDisable != 0:
		opts.MemoryType = hostarch.MemoryTypeUncached
	case v&writeThrough != 0:
		opts.MemoryType = hostarch.MemoryTypeWriteThrough
	}
	return opts
}

// SetSuper sets this page as a super page.
//
// The page must not be valid or a panic will result.
func (p *PTE) SetSuper() {
	if p.Valid() {
		// This is not allowed.
		panic("SetSuper called on valid page!")
	}
	p.store(super)
}

// IsSuper returns true iff this page is a super page.
func (p *PTE) IsSuper() bool {
	return p.load()&super != 0
}

// Set sets this PTE value.
//
// This does not change the super page property.
func (p *PTE) Set(addr uintptr, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	v := (uint64(addr) &^ optionMask) | present | accessed
	if opts.User {
		v |= user
	}
	if opts.Global {
		v |= global
	}
	if !opts.AccessType.Execute {
		v |= executeDisable
	}
	if opts.AccessType.Write {
		v |= writable | dirty
	}
	switch opts.MemoryType {
	case hostarch.MemoryTypeWriteThrough:
		v |= writeThrough
	case hostarch.MemoryTypeUncached:
		v |= cacheDisable | writeThrough
	}
	if p.IsSuper() {
		v |= super
	}
	p.store(v)
}

// setPageTable sets this PTE value and forces the write bit and super bit to
// be cleared. This is used explicitly for breaking super pages.
func (p *PTE) setPageTable(pt *PageTables, ptes *PTEs) {
	addr := pt.Allocator.PhysicalFor(ptes)
	if uint64(addr)&^optionMask != uint64(addr) {
		// This should never happen.
		panic("unaligned physical address!")
	}
	p.store(uint64(addr) | present | user | writable | accessed | dirty)
}

// Address extracts the address. This should only be used if Valid returns
// true.
func (p *PTE) Address() uintptr {
	return uintptr(p.load() & addressMask)
}
