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

// Package pmem manages the node's physical memory as a partition of typed,
// non-overlapping regions.
//
// Every installed byte belongs to exactly one Region at all times. Regions
// are split when an operation covers part of one and merged again with
// neighbours of identical attributes, so the partition never holds two
// adjacent regions that could be merged.
package pmem

import (
	"fmt"

	"github.com/google/btree"
	"kitten.dev/kitten/pkg/auth"
	"kitten.dev/kitten/pkg/errors/lwkerr"
	"kitten.dev/kitten/pkg/hostarch"
	"kitten.dev/kitten/pkg/sync"
)

// Zeroer clears physical memory.
type Zeroer interface {
	Zero(paddr, length uint64) error
}

// Allocator owns the physical memory partition.
type Allocator struct {
	// mem is used by Zero.
	mem Zeroer

	// mu protects the fields below. It is the single global lock over the
	// partition; no region may change state without holding it.
	mu sync.Mutex

	// regions is the partition, ordered by start address.
	regions *btree.BTreeG[Region]

	// installed is the number of bytes added by Add.
	installed uint64
}

func regionLess(a, b Region) bool {
	return a.Start < b.Start
}

func key(addr uint64) Region {
	return Region{Range: Range{Start: addr}}
}

// NewAllocator returns an allocator with no installed memory.
func NewAllocator(mem Zeroer) *Allocator {
	return &Allocator{
		mem:     mem,
		regions: btree.NewG[Region](16, regionLess),
	}
}

func checkRange(r Range) error {
	if !r.WellFormed() {
		return fmt.Errorf("empty physical range %v: %w", r, lwkerr.ErrInvalidArgument)
	}
	if r.Start%hostarch.PageSize != 0 || r.End%hostarch.PageSize != 0 {
		return fmt.Errorf("physical range %v: %w", r, lwkerr.ErrMisaligned)
	}
	return nil
}

// Add installs memory described by r. It is used at boot to describe the
// machine's memory map.
func (a *Allocator) Add(r Region) error {
	if err := checkRange(r.Range); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.overlappingLocked(r.Range)) != 0 {
		return fmt.Errorf("installing %v: %w", r.Range, lwkerr.ErrAlreadyExists)
	}
	a.regions.ReplaceOrInsert(r)
	a.installed += r.Length()
	a.mergeLocked(r.Range)
	a.assertInvariantsLocked()
	return nil
}

// Alloc allocates size bytes, rounded up to the page size, from the lowest
// addressed free region matching every set field of c. The start of the
// allocation is aligned to align, which must be a power of two; alignments
// below the page size are raised to it. If c.Range is set, the allocation
// lies within it.
//
// If c.Kind is not set, only User memory is considered. Unprivileged callers
// may only allocate User memory.
//
// Allocated memory is not zeroed.
func (a *Allocator) Alloc(caller auth.Caller, size, align uint64, c Filter) (Region, error) {
	if size == 0 || c.Allocated.ValueOr(false) {
		return Region{}, lwkerr.ErrInvalidConstraint
	}
	if align < hostarch.PageSize {
		align = hostarch.PageSize
	}
	if !hostarch.IsPowerOfTwo(uintptr(align)) {
		return Region{}, fmt.Errorf("alignment %#x: %w", align, lwkerr.ErrMisaligned)
	}
	size = (size + hostarch.PageSize - 1) &^ (hostarch.PageSize - 1)
	if size == 0 {
		return Region{}, lwkerr.ErrInvalidConstraint
	}
	kind := c.Kind.ValueOr(User)
	if !caller.Privileged() && kind != User {
		return Region{}, lwkerr.ErrForbidden
	}
	c.Kind = Some(kind)
	c.Allocated = Some(false)
	bounds := c.bounds()

	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		found  Region
		ok     bool
		target Range
	)
	a.ascendOverlappingLocked(bounds, func(r *Region) bool {
		if !c.matchesAttrs(r) {
			return true
		}
		cand := r.Range.Intersect(bounds)
		start := (cand.Start + align - 1) &^ (align - 1)
		if start < cand.Start {
			return true
		}
		if end := start + size; end > start && end <= cand.End {
			found, ok, target = *r, true, Range{start, end}
			return false
		}
		return true
	})
	if !ok {
		return Region{}, lwkerr.ErrNoSpace
	}
	a.applyLocked(&Patch{Range: target, Allocated: Some(true)})

	found.Range = target
	found.Allocated = true
	return found, nil
}

// Query returns the first region overlapping f.Range, when set, that
// matches every other set field of f. The result is clipped to f.Range.
func (a *Allocator) Query(f Filter) (Region, error) {
	bounds := f.bounds()
	a.mu.Lock()
	defer a.mu.Unlock()
	var (
		found Region
		ok    bool
	)
	a.ascendOverlappingLocked(bounds, func(r *Region) bool {
		if f.matchesAttrs(r) {
			found, ok = *r, true
			found.Range = r.Range.Intersect(bounds)
			return false
		}
		return true
	})
	if !ok {
		return Region{}, lwkerr.ErrNotFound
	}
	return found, nil
}

// Covered returns true if every byte of f.Range is installed and belongs to
// a region matching every other set field of f. f.Range must be set.
func (a *Allocator) Covered(f Filter) bool {
	r, ok := f.Range.Get()
	if !ok || !r.WellFormed() {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	regs, ok := a.coveredLocked(r)
	if !ok {
		return false
	}
	for i := range regs {
		if !f.matchesAttrs(&regs[i]) {
			return false
		}
	}
	return true
}

// Update overwrites the set fields of p on the memory in p.Range, which
// must be entirely installed. Regions are split at the boundaries of
// p.Range and merged afterwards.
//
// Unprivileged callers may only touch User memory, and may not relabel
// memory as anything else.
func (a *Allocator) Update(caller auth.Caller, p Patch) error {
	if !p.Range.WellFormed() {
		return fmt.Errorf("empty physical range %v: %w", p.Range, lwkerr.ErrInvalidArgument)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.guardLocked(caller, p.Range); err != nil {
		return err
	}
	if k, ok := p.Kind.Get(); ok && k != User && !caller.Privileged() {
		return lwkerr.ErrForbidden
	}
	if err := checkRange(p.Range); err != nil {
		return err
	}
	if _, ok := a.coveredLocked(p.Range); !ok {
		return fmt.Errorf("updating %v: %w", p.Range, lwkerr.ErrNotFound)
	}
	a.applyLocked(&p)
	return nil
}

// Free returns the allocated memory in r to the free pool and clears its
// name. Every byte of r must be allocated.
func (a *Allocator) Free(caller auth.Caller, r Range) error {
	if !r.WellFormed() {
		return fmt.Errorf("empty physical range %v: %w", r, lwkerr.ErrInvalidArgument)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.guardLocked(caller, r); err != nil {
		return err
	}
	if err := checkRange(r); err != nil {
		return err
	}
	regs, ok := a.coveredLocked(r)
	if !ok {
		return fmt.Errorf("freeing %v: %w", r, lwkerr.ErrNotFound)
	}
	for i := range regs {
		if !regs[i].Allocated {
			return fmt.Errorf("freeing %v: %v is not allocated: %w", r, regs[i].Range, lwkerr.ErrNotFound)
		}
	}
	a.applyLocked(&Patch{Range: r, Allocated: Some(false), Name: Some("")})
	return nil
}

// Zero overwrites the memory in r with zeroes. Every byte of r must be
// installed. Allocation never zeroes memory, so callers handing memory to a
// new owner must call Zero.
func (a *Allocator) Zero(caller auth.Caller, r Range) error {
	if !r.WellFormed() {
		return fmt.Errorf("empty physical range %v: %w", r, lwkerr.ErrInvalidArgument)
	}
	a.mu.Lock()
	if err := a.guardLocked(caller, r); err != nil {
		a.mu.Unlock()
		return err
	}
	_, ok := a.coveredLocked(r)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("zeroing %v: %w", r, lwkerr.ErrNotFound)
	}
	return a.mem.Zero(r.Start, r.Length())
}

// Regions returns a copy of the partition in address order.
func (a *Allocator) Regions() []Region {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Region, 0, a.regions.Len())
	a.regions.Ascend(func(r Region) bool {
		out = append(out, r)
		return true
	})
	return out
}

// guardLocked enforces that unprivileged callers only touch User memory.
//
// Preconditions: a.mu must be locked.
func (a *Allocator) guardLocked(caller auth.Caller, r Range) error {
	if caller.Privileged() {
		return nil
	}
	for _, reg := range a.overlappingLocked(r) {
		if reg.Kind != User {
			return fmt.Errorf("%v touches %v memory %v: %w", caller, reg.Kind, reg.Range, lwkerr.ErrForbidden)
		}
	}
	return nil
}

// ascendOverlappingLocked calls fn for each region overlapping r in address
// order, until fn returns false.
//
// Preconditions: a.mu must be locked.
func (a *Allocator) ascendOverlappingLocked(r Range, fn func(*Region) bool) {
	more := true
	a.regions.DescendLessOrEqual(key(r.Start), func(reg Region) bool {
		if reg.End > r.Start {
			more = fn(&reg)
		}
		return false
	})
	if !more || r.Start == ^uint64(0) {
		return
	}
	a.regions.AscendGreaterOrEqual(key(r.Start+1), func(reg Region) bool {
		if reg.Start >= r.End {
			return false
		}
		return fn(&reg)
	})
}

// overlappingLocked returns the regions overlapping r in address order.
//
// Preconditions: a.mu must be locked.
func (a *Allocator) overlappingLocked(r Range) []Region {
	var out []Region
	a.ascendOverlappingLocked(r, func(reg *Region) bool {
		out = append(out, *reg)
		return true
	})
	return out
}

// coveredLocked returns the regions overlapping r, and whether they cover
// every byte of r without gaps.
//
// Preconditions: a.mu must be locked.
func (a *Allocator) coveredLocked(r Range) ([]Region, bool) {
	regs := a.overlappingLocked(r)
	if len(regs) == 0 || regs[0].Start > r.Start || regs[len(regs)-1].End < r.End {
		return regs, false
	}
	for i := 1; i < len(regs); i++ {
		if regs[i].Start != regs[i-1].End {
			return regs, false
		}
	}
	return regs, true
}

// splitLocked splits the region strictly containing addr, if any, into two
// regions at addr.
//
// Preconditions: a.mu must be locked.
func (a *Allocator) splitLocked(addr uint64) {
	var (
		reg Region
		ok  bool
	)
	a.regions.DescendLessOrEqual(key(addr), func(r Region) bool {
		reg, ok = r, r.Start < addr && addr < r.End
		return false
	})
	if !ok {
		return
	}
	head, tail := reg, reg
	head.End = addr
	tail.Start = addr
	a.regions.ReplaceOrInsert(head)
	a.regions.ReplaceOrInsert(tail)
}

// applyLocked applies p to the installed memory in p.Range.
//
// Preconditions:
//   - a.mu must be locked.
//   - p.Range must be covered.
func (a *Allocator) applyLocked(p *Patch) {
	a.splitLocked(p.Range.Start)
	a.splitLocked(p.Range.End)
	for _, reg := range a.overlappingLocked(p.Range) {
		p.apply(&reg)
		a.regions.ReplaceOrInsert(reg)
	}
	a.mergeLocked(p.Range)
	a.assertInvariantsLocked()
}

// mergeLocked merges mergeable neighbours among the regions overlapping r
// and the regions immediately before and after it.
//
// Preconditions: a.mu must be locked.
func (a *Allocator) mergeLocked(r Range) {
	widened := r
	if widened.Start > 0 {
		widened.Start--
	}
	if widened.End < ^uint64(0) {
		widened.End++
	}
	regs := a.overlappingLocked(widened)
	for i := 1; i < len(regs); i++ {
		prev, cur := &regs[i-1], &regs[i]
		if prev.End != cur.Start || !prev.sameAttrs(cur) {
			continue
		}
		a.regions.Delete(*cur)
		cur.Start = prev.Start
		a.regions.ReplaceOrInsert(*cur)
	}
}
