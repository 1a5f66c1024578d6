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

// Package pagetables provides a generic implementation of x86-64 four level
// page tables, including the root-slot aliasing used by SMARTMAP.
package pagetables

import (
	"fmt"

	"kitten.dev/kitten/pkg/hostarch"
)

// Address constants.
//
// The lower half is [0, lowerTop]; the upper, kernel, half starts at
// upperBottom.
const (
	lowerTop    = 0x00007fffffffffff
	upperBottom = 0xffff800000000000

	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteMask = 0x1ff << pteShift
	pmdMask = 0x1ff << pmdShift
	pudMask = 0x1ff << pudShift
	pgdMask = 0x1ff << pgdShift

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift
	pgdSize = 1 << pgdShift

	entriesPerPage = 512

	// upperSlot is the first root slot of the upper half.
	upperSlot = entriesPerPage / 2
)

// Sizes exported for callers that reason about root slots.
const (
	// RootSlotSize is the span of one root (PGD) entry.
	RootSlotSize = pgdSize

	// LowerSlots is the number of root slots in the lower half.
	LowerSlots = upperSlot

	// UpperBottom is the first address of the upper half.
	UpperBottom = upperBottom
)

// PageTables is a set of page tables.
//
// PageTables is not safe for concurrent mutation; callers serialize changes.
// Tables pinned by an alias may be read concurrently through the alias.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	root         *PTEs
	rootPhysical uintptr

	// upperSharedPageTables represents a read-only shared upper
	// of PageTable. If it is not nil, the upperStart should be set.
	upperSharedPageTables *PageTables
	upperStart            uintptr

	// pins counts, per table, the aliases in other page tables that refer
	// to it. A pinned table is never freed, even when empty.
	pins map[*PTEs]int

	// aliases are the aliases installed in root, indexed by root slot.
	aliases map[uint16]*Alias
}

// New returns new PageTables.
func New(a Allocator) (*PageTables, error) {
	p := &PageTables{Allocator: a}
	root, err := a.NewPTEs()
	if err != nil {
		return nil, err
	}
	p.root = root
	p.rootPhysical = a.PhysicalFor(root)
	return p, nil
}

// NewWithUpper returns new PageTables whose upper half, every address at or
// above upperStart, is shared with upperSharedPageTables. upperStart must be
// root slot aligned, and the shared half must be populated before any
// PageTables are created from it.
func NewWithUpper(a Allocator, upperSharedPageTables *PageTables, upperStart uintptr) (*PageTables, error) {
	if upperStart != 0 && upperStart < upperBottom {
		panic("upperStart should be in the upper half")
	}
	if upperStart&(pgdSize-1) != 0 {
		panic("upperStart should be pgd size aligned")
	}
	p, err := New(a)
	if err != nil {
		return nil, err
	}
	p.upperSharedPageTables = upperSharedPageTables
	p.upperStart = upperStart
	for i := (upperStart & pgdMask) >> pgdShift; i < entriesPerPage; i++ {
		p.root[i].store(upperSharedPageTables.root[i].load())
	}
	return p, nil
}

// RootPhysical returns the physical address of the root table, the value a
// context switch loads into CR3.
func (p *PageTables) RootPhysical() uintptr {
	return p.rootPhysical
}

// checkLeafSize panics on sizes the hardware cannot map.
func checkLeafSize(size uintptr) {
	if !hostarch.PageSizeValid(size) {
		panic(fmt.Sprintf("invalid page size %#x", size))
	}
}

// Map installs a mapping with the given physical address, using pages no
// larger than pageSize. Smaller pages are used where an existing table or
// alignment forces it.
//
// Preconditions:
//   - addr, length and physical must be aligned to pageSize.
//   - The range must not lie in the shared upper half.
func (p *PageTables) Map(addr hostarch.Addr, length uintptr, opts MapOpts, physical, pageSize uintptr) error {
	checkLeafSize(pageSize)
	if p.readOnlyShared(addr, length) {
		panic("Map should not be called in the shared upper range")
	}
	if !opts.AccessType.Any() {
		return p.Unmap(addr, length)
	}
	w := Walker{
		pageTables: p,
		visitor: &mapVisitor{
			target:   uintptr(addr),
			physical: physical,
			opts:     opts,
			pageSize: pageSize,
		},
	}
	w.iterateRange(uintptr(addr), uintptr(addr)+length)
	return w.err
}

// Unmap unmaps the given range. It fails only if a larger page must be
// split and no table can be allocated for it.
//
// Precondition: range must be page aligned and not in the shared upper
// range.
func (p *PageTables) Unmap(addr hostarch.Addr, length uintptr) error {
	if p.readOnlyShared(addr, length) {
		panic("Unmap should not be called in the shared upper range")
	}
	w := Walker{
		pageTables: p,
		visitor:    &unmapVisitor{},
	}
	w.iterateRange(uintptr(addr), uintptr(addr)+length)
	return w.err
}

// Lookup returns the physical address and options of the translation for
// addr, and the size of the page containing it. ok is false if addr is not
// mapped.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical, size uintptr, opts MapOpts, ok bool) {
	v := lookupVisitor{target: uintptr(addr)}
	w := Walker{
		pageTables: p,
		visitor:    &v,
	}
	w.iterateRange(uintptr(addr)&^(pteSize-1), uintptr(addr)&^(pteSize-1)+pteSize)
	if !v.found {
		return 0, 0, MapOpts{}, false
	}
	return v.physical, v.size, v.opts, true
}

// IsEmpty checks if the given range has no translations.
func (p *PageTables) IsEmpty(addr hostarch.Addr, length uintptr) bool {
	v := emptyVisitor{}
	w := Walker{
		pageTables: p,
		visitor:    &v,
	}
	w.iterateRange(uintptr(addr), uintptr(addr)+length)
	return v.count == 0
}

// reclaim frees tables in [start, end) that hold no entries and are not
// pinned.
func (p *PageTables) reclaim(start, end uintptr) {
	w := Walker{
		pageTables: p,
		visitor:    &emptyVisitor{},
	}
	w.iterateRange(start, end)
}

// readOnlyShared returns true if the range touches the shared upper half.
func (p *PageTables) readOnlyShared(addr hostarch.Addr, length uintptr) bool {
	return p.upperSharedPageTables != nil && uintptr(addr)+length > p.upperStart
}

func (p *PageTables) pin(ptes *PTEs) {
	if p.pins == nil {
		p.pins = make(map[*PTEs]int)
	}
	p.pins[ptes]++
}

func (p *PageTables) unpin(ptes *PTEs) {
	n, ok := p.pins[ptes]
	if !ok {
		panic("unpin of a table that is not pinned")
	}
	if n == 1 {
		delete(p.pins, ptes)
		return
	}
	p.pins[ptes] = n - 1
}

func (p *PageTables) pinned(ptes *PTEs) bool {
	return p.pins[ptes] != 0
}

// Pinned returns the number of tables pinned by aliases in other page
// tables.
func (p *PageTables) Pinned() int {
	return len(p.pins)
}

// Release frees every table of the lower half, and the root itself. The
// shared upper half is left alone.
//
// Preconditions: no aliases may be installed in p, and no aliases in other
// page tables may refer to p.
func (p *PageTables) Release() {
	if len(p.aliases) != 0 || len(p.pins) != 0 {
		panic(fmt.Sprintf("Release with %d aliases installed and %d tables pinned", len(p.aliases), len(p.pins)))
	}
	last := uintptr(entriesPerPage)
	if p.upperSharedPageTables != nil {
		last = (p.upperStart & pgdMask) >> pgdShift
	}
	for i := uintptr(0); i < last; i++ {
		if e := &p.root[i]; e.Valid() {
			p.freeTables(p.Allocator.LookupPTEs(e.Address()), 3)
			e.Clear()
		}
	}
	p.Allocator.FreePTEs(p.root)
	p.root = nil
	p.rootPhysical = 0
}

// freeTables frees ptes and every table below it. level is the number of
// levels ptes sits above the leaf tables, counting from 1.
func (p *PageTables) freeTables(ptes *PTEs, level int) {
	if ptes == nil {
		return
	}
	if level > 1 {
		for i := range ptes {
			if e := &ptes[i]; e.Valid() && !e.IsSuper() {
				p.freeTables(p.Allocator.LookupPTEs(e.Address()), level-1)
			}
		}
	}
	p.Allocator.FreePTEs(ptes)
}
