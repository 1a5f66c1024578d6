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

	"github.com/mohae/deepcopy"
	"kitten.dev/kitten/pkg/errors/lwkerr"
	"kitten.dev/kitten/pkg/hostarch"
)

// userRange is the range regions may occupy.
var userRange = hostarch.AddrRange{Start: UserStart, End: UserEnd}

// ascendOverlappingLocked calls fn for each region overlapping ar in
// address order, until fn returns false.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) ascendOverlappingLocked(ar hostarch.AddrRange, fn func(*Region) bool) {
	more := true
	as.regions.DescendLessOrEqual(regionKey(ar.Start), func(rg *Region) bool {
		if rg.End > ar.Start {
			more = fn(rg)
		}
		return false
	})
	if !more {
		return
	}
	as.regions.AscendGreaterOrEqual(regionKey(ar.Start+1), func(rg *Region) bool {
		if rg.Start >= ar.End {
			return false
		}
		return fn(rg)
	})
}

// findRegionLocked returns the region containing ar, or nil.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) findRegionLocked(ar hostarch.AddrRange) *Region {
	var found *Region
	as.regions.DescendLessOrEqual(regionKey(ar.Start), func(rg *Region) bool {
		if rg.IsSupersetOf(ar) && rg.Contains(ar.Start) {
			found = rg
		}
		return false
	})
	return found
}

// copyRegion returns a copy of rg sharing no memory with it.
func copyRegion(rg *Region) Region {
	return deepcopy.Copy(*rg).(Region)
}

// AddRegion adds the region [start, start+extent) to an address space. start
// and extent must be multiples of pageSize, which must be a supported page
// size. The region must lie in the user range and overlap no other region.
// It is not backed until Bind.
func (r *Registry) AddRegion(id ID, start hostarch.Addr, extent uintptr, flags Flags, pageSize uintptr, name string) error {
	if !r.pageSizeSupported(pageSize) {
		return fmt.Errorf("page size %#x: %w", pageSize, lwkerr.ErrMisaligned)
	}
	if !start.IsAligned(pageSize) || extent%pageSize != 0 {
		return fmt.Errorf("region %v+%#x with page size %#x: %w", start, extent, pageSize, lwkerr.ErrMisaligned)
	}
	if extent == 0 {
		return fmt.Errorf("empty region at %v: %w", start, lwkerr.ErrInvalidArgument)
	}
	ar, ok := start.ToRange(extent)
	if !ok || !userRange.IsSupersetOf(ar) {
		return fmt.Errorf("region %v+%#x is outside %v: %w", start, extent, userRange, lwkerr.ErrOutOfRange)
	}

	as, err := r.lookupAndLock(id)
	if err != nil {
		return err
	}
	defer as.mu.Unlock()
	var overlap *Region
	as.ascendOverlappingLocked(ar, func(rg *Region) bool {
		overlap = rg
		return false
	})
	if overlap != nil {
		return fmt.Errorf("region %v overlaps %v: %w", ar, overlap.AddrRange, lwkerr.ErrOverlap)
	}
	as.regions.ReplaceOrInsert(&Region{
		AddrRange: ar,
		Flags:     flags,
		PageSize:  pageSize,
		Name:      name,
	})
	r.afterMutationLocked(as)
	return nil
}

// DelRegion removes [start, start+extent) from the region containing it,
// unbinding it first. The rest of the region, up to one piece on each side,
// is kept with the same flags, page size and name.
func (r *Registry) DelRegion(id ID, start hostarch.Addr, extent uintptr) error {
	if extent == 0 {
		return fmt.Errorf("empty range at %v: %w", start, lwkerr.ErrInvalidArgument)
	}
	ar, ok := start.ToRange(extent)
	if !ok {
		return fmt.Errorf("range %v+%#x: %w", start, extent, lwkerr.ErrNotFound)
	}

	as, err := r.lookupAndLock(id)
	if err != nil {
		return err
	}
	defer as.mu.Unlock()
	rg := as.findRegionLocked(ar)
	if rg == nil {
		return fmt.Errorf("no region contains %v: %w", ar, lwkerr.ErrNotFound)
	}
	if !ar.IsAligned(rg.PageSize) {
		return fmt.Errorf("range %v in region %v with page size %#x: %w", ar, rg.AddrRange, rg.PageSize, lwkerr.ErrMisaligned)
	}

	as.unbindLocked(rg, ar)
	as.regions.Delete(rg)
	if rg.Start < ar.Start {
		head := *rg
		head.End = ar.Start
		head.Backing = bindingsIn(rg.Backing, head.AddrRange)
		as.regions.ReplaceOrInsert(&head)
	}
	if ar.End < rg.End {
		tail := *rg
		tail.Start = ar.End
		tail.Backing = bindingsIn(rg.Backing, tail.AddrRange)
		as.regions.ReplaceOrInsert(&tail)
	}
	r.afterMutationLocked(as)
	return nil
}

// bindingsIn returns the bindings of bs that lie in ar, in a new slice. No
// binding may cross the bounds of ar.
func bindingsIn(bs []Binding, ar hostarch.AddrRange) []Binding {
	var out []Binding
	for _, b := range bs {
		if ar.IsSupersetOf(b.Range) {
			out = append(out, b)
		}
	}
	return out
}

// FindHole returns the lowest address at or above hint, aligned to
// alignment, where extent bytes fit in the user range without overlapping a
// region. alignment must be a power of two no smaller than the page size.
// Nothing is reserved.
func (r *Registry) FindHole(id ID, hint hostarch.Addr, extent, alignment uintptr) (hostarch.Addr, error) {
	if alignment < hostarch.PageSize || !hostarch.IsPowerOfTwo(alignment) {
		return 0, fmt.Errorf("alignment %#x: %w", alignment, lwkerr.ErrMisaligned)
	}
	if extent == 0 {
		return 0, fmt.Errorf("empty hole: %w", lwkerr.ErrInvalidArgument)
	}
	length, ok := hostarch.Addr(extent).PageRoundUp()
	if !ok {
		return 0, lwkerr.ErrNoSpace
	}

	as, err := r.lookupAndLock(id)
	if err != nil {
		return 0, err
	}
	defer as.mu.Unlock()

	if hint < UserStart {
		hint = UserStart
	}
	start, ok := hint.RoundUp(alignment)
	for ok {
		end, fits := start.AddLength(uintptr(length))
		if !fits || end > UserEnd {
			break
		}
		ar := hostarch.AddrRange{Start: start, End: end}
		var blocker *Region
		as.ascendOverlappingLocked(ar, func(rg *Region) bool {
			blocker = rg
			return false
		})
		if blocker == nil {
			return start, nil
		}
		start, ok = blocker.End.RoundUp(alignment)
	}
	return 0, fmt.Errorf("no hole of %#x bytes at or above %v: %w", extent, hint, lwkerr.ErrNoSpace)
}

// LookupMapping returns a copy of the region containing addr.
func (r *Registry) LookupMapping(id ID, addr hostarch.Addr) (Region, error) {
	as, err := r.lookupAndLock(id)
	if err != nil {
		return Region{}, err
	}
	defer as.mu.Unlock()
	rg := as.findRegionLocked(hostarch.AddrRange{Start: addr, End: addr + 1})
	if rg == nil {
		return Region{}, fmt.Errorf("no region contains %v: %w", addr, lwkerr.ErrNotFound)
	}
	return copyRegion(rg), nil
}

// Regions returns copies of the regions of an address space in address
// order.
func (r *Registry) Regions(id ID) ([]Region, error) {
	as, err := r.lookupAndLock(id)
	if err != nil {
		return nil, err
	}
	defer as.mu.Unlock()
	return as.regionsLocked(), nil
}

// regionsLocked returns copies of the regions in address order.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) regionsLocked() []Region {
	out := make([]Region, 0, as.regions.Len())
	as.regions.Ascend(func(rg *Region) bool {
		out = append(out, copyRegion(rg))
		return true
	})
	return out
}
