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

	"kitten.dev/kitten/pkg/errors/lwkerr"
	"kitten.dev/kitten/pkg/hostarch"
)

// afterMutationLocked verifies the invariants of as if the registry was
// asked to.
//
// Preconditions: as.mu must be locked.
func (r *Registry) afterMutationLocked(as *AddressSpace) {
	if !r.opts.CheckInvariants {
		return
	}
	if err := as.checkInvariantsLocked(); err != nil {
		panic(fmt.Sprintf("address space %v: %v", as.id, err))
	}
}

// checkInvariantsLocked verifies that regions are well formed, lie in the
// user range and never overlap; that bindings lie in their regions and are
// translated as recorded; and that SMARTMAP relations name this address
// space.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) checkInvariantsLocked() error {
	var (
		prev *Region
		err  error
	)
	as.regions.Ascend(func(rg *Region) bool {
		if err = checkRegion(rg); err != nil {
			return false
		}
		if prev != nil && prev.End > rg.Start {
			err = fmt.Errorf("region %v overlaps %v", rg.AddrRange, prev.AddrRange)
			return false
		}
		for _, b := range rg.Backing {
			if err = as.checkBinding(b); err != nil {
				return false
			}
		}
		prev = rg
		return true
	})
	if err != nil {
		return err
	}
	for dst, a := range as.imports {
		if a.src != as.id || a.dst != dst || a.pt.Slot() != uint16(dst) {
			return fmt.Errorf("import of %v records %v in %v at slot %d", dst, a.dst, a.src, a.pt.Slot())
		}
	}
	for src, a := range as.exports {
		if a.dst != as.id || a.src != src {
			return fmt.Errorf("export to %v records %v in %v", src, a.dst, a.src)
		}
	}
	return nil
}

func checkRegion(rg *Region) error {
	switch {
	case rg.Length() == 0 || !rg.WellFormed():
		return fmt.Errorf("region %v is empty", rg.AddrRange)
	case !userRange.IsSupersetOf(rg.AddrRange):
		return fmt.Errorf("region %v is outside %v", rg.AddrRange, userRange)
	case !hostarch.PageSizeValid(rg.PageSize) || !rg.IsAligned(rg.PageSize):
		return fmt.Errorf("region %v is not aligned to its page size %#x", rg.AddrRange, rg.PageSize)
	}
	for i, b := range rg.Backing {
		if !rg.IsSupersetOf(b.Range) || b.Range.Length() == 0 || !b.Range.IsAligned(rg.PageSize) {
			return fmt.Errorf("binding %v does not fit region %v", b, rg.AddrRange)
		}
		if i > 0 && rg.Backing[i-1].Range.End > b.Range.Start {
			return fmt.Errorf("binding %v overlaps %v", b, rg.Backing[i-1])
		}
	}
	return nil
}

// checkBinding verifies the first and last pages of b translate as
// recorded.
func (as *AddressSpace) checkBinding(b Binding) error {
	for _, addr := range []hostarch.Addr{b.Range.Start, b.Range.End - hostarch.PageSize} {
		physical, _, _, ok := as.pageTables.Lookup(addr)
		if !ok || uint64(physical) != b.physicalFor(addr) {
			return fmt.Errorf("binding %v: %v translates to %#x (mapped %t)", b, addr, physical, ok)
		}
	}
	return nil
}

// CheckInvariants verifies every live address space, and that every
// SMARTMAP relation is recorded on both sides.
func (r *Registry) CheckInvariants() error {
	type pair struct{ src, dst ID }
	var pairs []pair
	for _, id := range r.IDs() {
		as, err := r.lookupAndLock(id)
		if err != nil {
			continue
		}
		err = as.checkInvariantsLocked()
		for dst := range as.imports {
			pairs = append(pairs, pair{id, dst})
		}
		as.mu.Unlock()
		if err != nil {
			return fmt.Errorf("address space %v: %w", id, err)
		}
	}
	for _, p := range pairs {
		src, dst, unlock, err := r.lookupAndLockPair(p.src, p.dst)
		if err != nil {
			continue
		}
		a, ok := src.imports[p.dst]
		ok = ok && dst.exports[p.src] == a
		unlock()
		if !ok && a != nil {
			return fmt.Errorf("SMARTMAP of %v in %v is not recorded by %v: %w", p.dst, p.src, p.dst, lwkerr.ErrNotFound)
		}
	}
	return nil
}
