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

	"kitten.dev/kitten/pkg/auth"
	"kitten.dev/kitten/pkg/errors/lwkerr"
	"kitten.dev/kitten/pkg/hostarch"
	"kitten.dev/kitten/pkg/pmem"
)

// Bind backs [vaddr, vaddr+extent) with the physical memory starting at
// phys.Start. The range must lie in one region and be unbacked. vaddr,
// phys.Start and extent must be aligned to the region's page size, and
// extent may not exceed phys.
//
// The physical memory must be allocated. Unprivileged callers may only bind
// User memory.
func (r *Registry) Bind(caller auth.Caller, id ID, phys pmem.Range, vaddr hostarch.Addr, extent uintptr) error {
	if extent == 0 || !phys.WellFormed() {
		return fmt.Errorf("binding %v+%#x to %v: %w", vaddr, extent, phys, lwkerr.ErrInvalidArgument)
	}
	ar, ok := vaddr.ToRange(extent)
	if !ok {
		return fmt.Errorf("binding %v+%#x: %w", vaddr, extent, lwkerr.ErrOutOfRange)
	}

	as, err := r.lookupAndLock(id)
	if err != nil {
		return err
	}
	defer as.mu.Unlock()
	rg := as.findRegionLocked(ar)
	if rg == nil {
		return fmt.Errorf("no region contains %v: %w", ar, lwkerr.ErrOutOfRange)
	}
	if !ar.IsAligned(rg.PageSize) || phys.Start%uint64(rg.PageSize) != 0 {
		return fmt.Errorf("binding %v to %v with page size %#x: %w", ar, phys, rg.PageSize, lwkerr.ErrMisaligned)
	}
	if uint64(extent) > phys.Length() {
		return fmt.Errorf("binding %#x bytes to %v: %w", extent, phys, lwkerr.ErrOutOfRange)
	}
	for _, b := range rg.Backing {
		if b.Range.Overlaps(ar) {
			return fmt.Errorf("binding %v: %v is already bound: %w", ar, b, lwkerr.ErrOverlap)
		}
	}

	pr := pmem.Range{Start: phys.Start, End: phys.Start + uint64(extent)}
	if !r.opts.Regions.Covered(pmem.Filter{Range: pmem.Some(pr), Allocated: pmem.Some(true)}) {
		return fmt.Errorf("binding %v: %v is not allocated: %w", ar, pr, lwkerr.ErrNotFound)
	}
	if !caller.Privileged() && !r.opts.Regions.Covered(pmem.Filter{Range: pmem.Some(pr), Kind: pmem.Some(pmem.User)}) {
		return fmt.Errorf("%v binding %v: %v is not user memory: %w", caller, ar, pr, lwkerr.ErrForbidden)
	}

	if err := as.pageTables.Map(vaddr, extent, rg.Flags.mapOpts(), uintptr(phys.Start), rg.PageSize); err != nil {
		// Tear down whatever was installed before the failure.
		if uerr := as.pageTables.Unmap(vaddr, extent); uerr != nil {
			panic(fmt.Sprintf("unmapping %v after failed bind: %v", ar, uerr))
		}
		return fmt.Errorf("binding %v: %w", ar, err)
	}
	rg.Backing = insertBinding(rg.Backing, Binding{Range: ar, Physical: phys.Start})
	r.afterMutationLocked(as)
	return nil
}

// insertBinding inserts b into the ordered bindings bs, merging it with
// neighbours that continue it both virtually and physically.
func insertBinding(bs []Binding, b Binding) []Binding {
	i := 0
	for i < len(bs) && bs[i].Range.Start < b.Range.Start {
		i++
	}
	bs = append(bs, Binding{})
	copy(bs[i+1:], bs[i:])
	bs[i] = b
	if i+1 < len(bs) && contiguous(bs[i], bs[i+1]) {
		bs[i].Range.End = bs[i+1].Range.End
		bs = append(bs[:i+1], bs[i+2:]...)
	}
	if i > 0 && contiguous(bs[i-1], bs[i]) {
		bs[i-1].Range.End = bs[i].Range.End
		bs = append(bs[:i], bs[i+1:]...)
	}
	return bs
}

// contiguous returns true if b directly continues a.
func contiguous(a, b Binding) bool {
	return a.Range.End == b.Range.Start && a.physicalFor(a.Range.End) == b.Physical
}

// Unbind removes the translations of [vaddr, vaddr+extent) and the bindings
// behind them. Every byte of the range must lie in a region, and the part
// in each region must be aligned to its page size. Unbacked parts are
// ignored. The regions themselves are kept.
func (r *Registry) Unbind(id ID, vaddr hostarch.Addr, extent uintptr) error {
	if extent == 0 {
		return fmt.Errorf("unbinding empty range at %v: %w", vaddr, lwkerr.ErrInvalidArgument)
	}
	ar, ok := vaddr.ToRange(extent)
	if !ok {
		return fmt.Errorf("unbinding %v+%#x: %w", vaddr, extent, lwkerr.ErrNotFound)
	}

	as, err := r.lookupAndLock(id)
	if err != nil {
		return err
	}
	defer as.mu.Unlock()
	var regs []*Region
	as.ascendOverlappingLocked(ar, func(rg *Region) bool {
		regs = append(regs, rg)
		return true
	})
	if len(regs) == 0 || regs[0].Start > ar.Start || regs[len(regs)-1].End < ar.End {
		return fmt.Errorf("unbinding %v: %w", ar, lwkerr.ErrNotFound)
	}
	for i, rg := range regs {
		if i > 0 && regs[i-1].End != rg.Start {
			return fmt.Errorf("unbinding %v: hole at %v: %w", ar, regs[i-1].End, lwkerr.ErrNotFound)
		}
		if cut := rg.Intersect(ar); !cut.IsAligned(rg.PageSize) {
			return fmt.Errorf("unbinding %v in region %v with page size %#x: %w", cut, rg.AddrRange, rg.PageSize, lwkerr.ErrMisaligned)
		}
	}
	for _, rg := range regs {
		as.unbindLocked(rg, rg.Intersect(ar))
	}
	r.afterMutationLocked(as)
	return nil
}

// unbindLocked removes the translations and bindings of rg in ar.
//
// Preconditions:
//   - as.mu must be locked.
//   - ar must be aligned to rg.PageSize.
func (as *AddressSpace) unbindLocked(rg *Region, ar hostarch.AddrRange) {
	var kept []Binding
	for _, b := range rg.Backing {
		cut := b.Range.Intersect(ar)
		if cut.Length() == 0 {
			kept = append(kept, b)
			continue
		}
		// Leaves are never larger than the region's page size, so
		// nothing needs to be split.
		if err := as.pageTables.Unmap(cut.Start, cut.Length()); err != nil {
			panic(fmt.Sprintf("unmapping %v: %v", cut, err))
		}
		if b.Range.Start < cut.Start {
			kept = append(kept, Binding{
				Range:    hostarch.AddrRange{Start: b.Range.Start, End: cut.Start},
				Physical: b.Physical,
			})
		}
		if cut.End < b.Range.End {
			kept = append(kept, Binding{
				Range:    hostarch.AddrRange{Start: cut.End, End: b.Range.End},
				Physical: b.physicalFor(cut.End),
			})
		}
	}
	rg.Backing = kept
}

// VirtToPhys translates addr in an address space. It works for any mapped
// address, including the kernel half and SMARTMAP windows.
func (r *Registry) VirtToPhys(id ID, addr hostarch.Addr) (uint64, error) {
	as, err := r.lookupAndLock(id)
	if err != nil {
		return 0, err
	}
	defer as.mu.Unlock()
	physical, _, _, ok := as.pageTables.Lookup(addr)
	if !ok {
		return 0, fmt.Errorf("address %v in address space %v: %w", addr, id, lwkerr.ErrUnmapped)
	}
	return uint64(physical), nil
}

// CopyIn copies len(dst) bytes from addr in an address space to dst. It
// returns the number of bytes copied, which is short only on error.
func (r *Registry) CopyIn(id ID, addr hostarch.Addr, dst []byte) (int, error) {
	as, err := r.lookupAndLock(id)
	if err != nil {
		return 0, err
	}
	defer as.mu.Unlock()
	return as.copyLocked(r.opts.Memory, addr, dst, false)
}

// CopyOut copies src to addr in an address space. Every page written must
// be writable. It returns the number of bytes copied, which is short only
// on error.
func (r *Registry) CopyOut(id ID, addr hostarch.Addr, src []byte) (int, error) {
	as, err := r.lookupAndLock(id)
	if err != nil {
		return 0, err
	}
	defer as.mu.Unlock()
	return as.copyLocked(r.opts.Memory, addr, src, true)
}

// copyLocked copies between buf and the memory at addr, one page at a time.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) copyLocked(mem PhysicalMemory, addr hostarch.Addr, buf []byte, write bool) (int, error) {
	done := 0
	for done < len(buf) {
		cur := addr + hostarch.Addr(done)
		physical, size, opts, ok := as.pageTables.Lookup(cur)
		if !ok {
			return done, fmt.Errorf("copying at %v: %w", cur, lwkerr.ErrUnmapped)
		}
		if write && !opts.AccessType.Write {
			return done, fmt.Errorf("copying to read-only page at %v: %w", cur, lwkerr.ErrForbidden)
		}
		n := int(size - uintptr(cur)&(size-1))
		if rem := len(buf) - done; n > rem {
			n = rem
		}
		var err error
		if write {
			_, err = mem.WriteAt(buf[done:done+n], int64(physical))
		} else {
			_, err = mem.ReadAt(buf[done:done+n], int64(physical))
		}
		if err != nil {
			return done, err
		}
		done += n
	}
	return done, nil
}
