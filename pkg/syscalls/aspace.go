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

package syscalls

import (
	"fmt"
	"io"

	"kitten.dev/kitten/pkg/aspace"
	"kitten.dev/kitten/pkg/bitmap"
	"kitten.dev/kitten/pkg/errors/lwkerr"
	"kitten.dev/kitten/pkg/hostarch"
	"kitten.dev/kitten/pkg/pmem"
)

// AspaceGetMyID returns the caller's address space.
func (s *Shim) AspaceGetMyID(ctx Context) (aspace.ID, error) {
	var id aspace.ID
	err := s.invoke(ctx, SysAspaceGetMyID, func() error {
		id = ctx.Aspace
		return nil
	})
	return id, err
}

// AspaceCreate creates an address space. req may be aspace.AnyID.
func (s *Shim) AspaceCreate(ctx Context, req aspace.ID, name string) (aspace.ID, error) {
	var id aspace.ID
	err := s.invoke(ctx, SysAspaceCreate, func() error {
		if req != aspace.AnyID {
			if err := checkID(req, false); err != nil {
				return err
			}
		}
		var err error
		id, err = s.reg.Create(req, name)
		return err
	})
	return id, err
}

// AspaceDestroy destroys an address space.
func (s *Shim) AspaceDestroy(ctx Context, id aspace.ID) error {
	return s.invoke(ctx, SysAspaceDestroy, func() error {
		if err := checkID(id, false); err != nil {
			return err
		}
		return s.reg.Destroy(id)
	})
}

// AspaceFindHole returns the lowest free user address at or above hint
// aligned to alignment with room for extent bytes.
func (s *Shim) AspaceFindHole(ctx Context, id aspace.ID, hint hostarch.Addr, extent, alignment uintptr) (hostarch.Addr, error) {
	var addr hostarch.Addr
	err := s.invoke(ctx, SysAspaceFindHole, func() error {
		if err := checkID(id, false); err != nil {
			return err
		}
		var err error
		addr, err = s.reg.FindHole(id, hint, extent, alignment)
		return err
	})
	return addr, err
}

// AspaceAddRegion adds a virtual region.
func (s *Shim) AspaceAddRegion(ctx Context, id aspace.ID, start hostarch.Addr, extent uintptr, flags aspace.Flags, pageSize uintptr, name string) error {
	return s.invoke(ctx, SysAspaceAddRegion, func() error {
		if err := checkID(id, false); err != nil {
			return err
		}
		return s.reg.AddRegion(id, start, extent, flags, pageSize, name)
	})
}

// AspaceDelRegion removes the virtual regions in [start, start+extent).
func (s *Shim) AspaceDelRegion(ctx Context, id aspace.ID, start hostarch.Addr, extent uintptr) error {
	return s.invoke(ctx, SysAspaceDelRegion, func() error {
		if err := checkID(id, false); err != nil {
			return err
		}
		return s.reg.DelRegion(id, start, extent)
	})
}

// AspaceMapPmem binds the physical memory at paddr to [start, start+extent).
func (s *Shim) AspaceMapPmem(ctx Context, id aspace.ID, paddr uint64, start hostarch.Addr, extent uintptr) error {
	return s.invoke(ctx, SysAspaceMapPmem, func() error {
		if err := checkID(id, false); err != nil {
			return err
		}
		end := paddr + uint64(extent)
		if end < paddr {
			return fmt.Errorf("physical range %#x+%#x wraps: %w", paddr, extent, lwkerr.ErrOutOfRange)
		}
		return s.reg.Bind(ctx.Caller, id, pmem.Range{Start: paddr, End: end}, start, extent)
	})
}

// AspaceUnmapPmem unbinds [start, start+extent). The physical memory stays
// allocated.
func (s *Shim) AspaceUnmapPmem(ctx Context, id aspace.ID, start hostarch.Addr, extent uintptr) error {
	return s.invoke(ctx, SysAspaceUnmapPmem, func() error {
		if err := checkID(id, false); err != nil {
			return err
		}
		return s.reg.Unbind(id, start, extent)
	})
}

// AspaceVirtToPhys translates addr in id. The kernel's address space may be
// queried.
func (s *Shim) AspaceVirtToPhys(ctx Context, id aspace.ID, addr hostarch.Addr) (uint64, error) {
	var paddr uint64
	err := s.invoke(ctx, SysAspaceVirtToPhys, func() error {
		if err := checkID(id, true); err != nil {
			return err
		}
		var err error
		paddr, err = s.reg.VirtToPhys(id, addr)
		return err
	})
	return paddr, err
}

// AspaceSmartmap makes dst's [start, start+extent) visible in src at
// aspace.Window(dst)+start.
func (s *Shim) AspaceSmartmap(ctx Context, src, dst aspace.ID, start hostarch.Addr, extent uintptr) error {
	return s.invoke(ctx, SysAspaceSmartmap, func() error {
		if err := checkID(src, false); err != nil {
			return err
		}
		if err := checkID(dst, false); err != nil {
			return err
		}
		return s.reg.Smartmap(src, dst, start, extent)
	})
}

// AspaceUnsmartmap removes dst's window from src.
func (s *Shim) AspaceUnsmartmap(ctx Context, src, dst aspace.ID) error {
	return s.invoke(ctx, SysAspaceUnsmartmap, func() error {
		if err := checkID(src, false); err != nil {
			return err
		}
		if err := checkID(dst, false); err != nil {
			return err
		}
		return s.reg.Unsmartmap(src, dst)
	})
}

// AspaceDumpToConsole writes a description of id to the console.
func (s *Shim) AspaceDumpToConsole(ctx Context, id aspace.ID) error {
	return s.invoke(ctx, SysAspaceDumpToConsole, func() error {
		if err := checkID(id, true); err != nil {
			return err
		}
		snap, err := s.reg.Snapshot(id)
		if err != nil {
			return err
		}
		return Dump(s.console, snap)
	})
}

// AspaceUpdateUserCPUMask replaces the CPUs tasks of id may run on.
func (s *Shim) AspaceUpdateUserCPUMask(ctx Context, id aspace.ID, mask bitmap.Bitmap) error {
	return s.invoke(ctx, SysAspaceUpdateUserCPUMask, func() error {
		if err := checkID(id, false); err != nil {
			return err
		}
		return s.reg.UpdateCPUMask(id, mask)
	})
}

// AspaceGetRank returns id's rank.
func (s *Shim) AspaceGetRank(ctx Context, id aspace.ID) (int, error) {
	var rank int
	err := s.invoke(ctx, SysAspaceGetRank, func() error {
		if err := checkID(id, false); err != nil {
			return err
		}
		var err error
		rank, err = s.reg.GetRank(id)
		return err
	})
	return rank, err
}

// AspaceSetRank sets id's rank. A rank can be set once.
func (s *Shim) AspaceSetRank(ctx Context, id aspace.ID, rank int) error {
	return s.invoke(ctx, SysAspaceSetRank, func() error {
		if err := checkID(id, false); err != nil {
			return err
		}
		return s.reg.SetRank(id, rank)
	})
}

// AspaceUpdateUserHIOSyscallMask replaces the set of syscalls forwarded for
// tasks of id.
func (s *Shim) AspaceUpdateUserHIOSyscallMask(ctx Context, id aspace.ID, mask bitmap.Bitmap) error {
	return s.invoke(ctx, SysAspaceUpdateUserHIOSyscallMask, func() error {
		if err := checkID(id, false); err != nil {
			return err
		}
		return s.reg.UpdateIOForwardMask(id, mask)
	})
}

// Dump writes snap in the console format.
func Dump(w io.Writer, snap aspace.Snapshot) error {
	rank := "unset"
	if snap.Rank != nil {
		rank = fmt.Sprint(*snap.Rank)
	}
	if _, err := fmt.Fprintf(w, "ASPACE %v %q: rank=%s cpus=%s tasks=%d root=%#x\n",
		snap.ID, snap.Name, rank, snap.CPUs, snap.Tasks, snap.RootPhysical); err != nil {
		return err
	}
	if snap.IOForward != "" {
		if _, err := fmt.Fprintf(w, "  forwarded syscalls: %s\n", snap.IOForward); err != nil {
			return err
		}
	}
	for _, id := range snap.Imports {
		if _, err := fmt.Fprintf(w, "  smartmap window %v at %v\n", id, aspace.Window(id)); err != nil {
			return err
		}
	}
	if len(snap.Exports) > 0 {
		if _, err := fmt.Fprintf(w, "  exported to %v\n", snap.Exports); err != nil {
			return err
		}
	}
	for i := range snap.Regions {
		rg := &snap.Regions[i]
		if _, err := fmt.Fprintf(w, "  [%#016x, %#016x) %-20s %7s %s\n",
			uint64(rg.Start), uint64(rg.End), rg.Flags, pageSizeName(rg.PageSize), rg.Name); err != nil {
			return err
		}
		for _, b := range rg.Backing {
			if _, err := fmt.Fprintf(w, "      %v\n", b); err != nil {
				return err
			}
		}
	}
	return nil
}

func pageSizeName(size uintptr) string {
	switch {
	case size >= hostarch.SuperPageSize && size%hostarch.SuperPageSize == 0:
		return fmt.Sprintf("%dG", size>>30)
	case size >= hostarch.HugePageSize && size%hostarch.HugePageSize == 0:
		return fmt.Sprintf("%dM", size>>20)
	default:
		return fmt.Sprintf("%dK", size>>10)
	}
}
