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
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"kitten.dev/kitten/pkg/errors/lwkerr"
	"kitten.dev/kitten/pkg/hostarch"
)

func TestAddRegion(t *testing.T) {
	n := newTestNode(t)
	id := n.create(t, AnyID, "job")
	n.addRegion(t, id, 0x400000, 0x10000, rw, hostarch.PageSize)

	for _, test := range []struct {
		name     string
		start    hostarch.Addr
		extent   uintptr
		pageSize uintptr
		want     error
	}{
		{"adjacent below", 0x3f0000, 0x10000, hostarch.PageSize, nil},
		{"adjacent above", 0x410000, 0x1000, hostarch.PageSize, nil},
		{"huge", 0x40000000, hostarch.HugePageSize, hostarch.HugePageSize, nil},
		{"overlap", 0x40f000, 0x2000, hostarch.PageSize, lwkerr.ErrOverlap},
		{"inside", 0x404000, 0x1000, hostarch.PageSize, lwkerr.ErrOverlap},
		{"covering", 0x200000, 0x400000, hostarch.PageSize, lwkerr.ErrOverlap},
		{"bad page size", 0x800000, 0x2000, 0x2000, lwkerr.ErrMisaligned},
		{"misaligned start", 0x800800, 0x1000, hostarch.PageSize, lwkerr.ErrMisaligned},
		{"misaligned extent", 0x800000, 0x1800, hostarch.PageSize, lwkerr.ErrMisaligned},
		{"huge misaligned", 0x801000, hostarch.HugePageSize, hostarch.HugePageSize, lwkerr.ErrMisaligned},
		{"empty", 0x800000, 0, hostarch.PageSize, lwkerr.ErrInvalidArgument},
		{"zero page", 0, 0x1000, hostarch.PageSize, lwkerr.ErrOutOfRange},
		{"past user range", UserEnd - 0x1000, 0x2000, hostarch.PageSize, lwkerr.ErrOutOfRange},
		{"in a window", Window(3), 0x1000, hostarch.PageSize, lwkerr.ErrOutOfRange},
		{"wraps", ^hostarch.Addr(0) &^ 0xfff, 0x2000, hostarch.PageSize, lwkerr.ErrOutOfRange},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := n.reg.AddRegion(id, test.start, test.extent, rw, test.pageSize, test.name)
			if !errors.Is(err, test.want) {
				t.Errorf("AddRegion(%v, %#x, %#x): got %v, want %v", test.start, test.extent, test.pageSize, err, test.want)
			}
		})
	}
	if err := n.reg.AddRegion(99, 0x400000, 0x1000, rw, hostarch.PageSize, "x"); !errors.Is(err, lwkerr.ErrInvalidID) {
		t.Errorf("AddRegion on unknown id: got %v, want %v", err, lwkerr.ErrInvalidID)
	}
	n.checkInvariants(t)
}

func TestAddRegionRestrictedPageSizes(t *testing.T) {
	n := newTestNode(t)
	n.reg.opts.PageSizes = []uintptr{hostarch.PageSize}
	id := n.create(t, AnyID, "job")
	if err := n.reg.AddRegion(id, 0x400000, hostarch.HugePageSize, rw, hostarch.HugePageSize, "h"); !errors.Is(err, lwkerr.ErrMisaligned) {
		t.Errorf("AddRegion with unsupported size: got %v, want %v", err, lwkerr.ErrMisaligned)
	}
}

func regionRanges(t *testing.T, n *testNode, id ID) []hostarch.AddrRange {
	t.Helper()
	regs, err := n.reg.Regions(id)
	if err != nil {
		t.Fatalf("Regions: %v", err)
	}
	var out []hostarch.AddrRange
	for _, rg := range regs {
		out = append(out, rg.AddrRange)
	}
	return out
}

func TestDelRegion(t *testing.T) {
	for _, test := range []struct {
		name   string
		start  hostarch.Addr
		extent uintptr
		want   []hostarch.AddrRange
	}{
		{"whole", 0x400000, 0x10000, nil},
		{"head", 0x400000, 0x4000, []hostarch.AddrRange{{Start: 0x404000, End: 0x410000}}},
		{"tail", 0x40c000, 0x4000, []hostarch.AddrRange{{Start: 0x400000, End: 0x40c000}}},
		{"middle", 0x404000, 0x4000, []hostarch.AddrRange{{Start: 0x400000, End: 0x404000}, {Start: 0x408000, End: 0x410000}}},
	} {
		t.Run(test.name, func(t *testing.T) {
			n := newTestNode(t)
			id := n.create(t, AnyID, "job")
			n.addRegion(t, id, 0x400000, 0x10000, rw|VMShared, hostarch.PageSize)
			if err := n.reg.DelRegion(id, test.start, test.extent); err != nil {
				t.Fatalf("DelRegion: %v", err)
			}
			if diff := cmp.Diff(test.want, regionRanges(t, n, id)); diff != "" {
				t.Errorf("regions (-want +got):\n%s", diff)
			}
			regs, _ := n.reg.Regions(id)
			for _, rg := range regs {
				if rg.Flags != rw|VMShared || rg.Name != "test" || rg.PageSize != hostarch.PageSize {
					t.Errorf("region %v lost its attributes: %v", rg.AddrRange, &rg)
				}
			}
		})
	}
}

func TestDelRegionErrors(t *testing.T) {
	n := newTestNode(t)
	id := n.create(t, AnyID, "job")
	n.addRegion(t, id, 0x400000, 0x10000, rw, hostarch.PageSize)
	n.addRegion(t, id, 0x410000, 0x10000, rw, hostarch.PageSize)
	n.addRegion(t, id, 0x40000000, 2*hostarch.HugePageSize, rw, hostarch.HugePageSize)

	for _, test := range []struct {
		name   string
		start  hostarch.Addr
		extent uintptr
		want   error
	}{
		{"unknown", 0x800000, 0x1000, lwkerr.ErrNotFound},
		{"spans two regions", 0x40f000, 0x2000, lwkerr.ErrNotFound},
		{"runs past region", 0x41f000, 0x2000, lwkerr.ErrNotFound},
		{"misaligned for huge pages", 0x40000000, 0x1000, lwkerr.ErrMisaligned},
		{"empty", 0x400000, 0, lwkerr.ErrInvalidArgument},
	} {
		t.Run(test.name, func(t *testing.T) {
			if err := n.reg.DelRegion(id, test.start, test.extent); !errors.Is(err, test.want) {
				t.Errorf("DelRegion(%v, %#x): got %v, want %v", test.start, test.extent, err, test.want)
			}
		})
	}
}

func TestDelRegionUnbindsPart(t *testing.T) {
	n := newTestNode(t)
	id := n.create(t, AnyID, "job")
	phys := n.heap(t, id, 0x400000, 0x4000, hostarch.PageSize)

	if err := n.reg.DelRegion(id, 0x401000, 0x1000); err != nil {
		t.Fatalf("DelRegion: %v", err)
	}
	for _, test := range []struct {
		addr hostarch.Addr
		want uint64
		ok   bool
	}{
		{0x400000, phys.Start, true},
		{0x401000, 0, false},
		{0x402000, phys.Start + 0x2000, true},
		{0x403fff, phys.Start + 0x3fff, true},
	} {
		got, err := n.reg.VirtToPhys(id, test.addr)
		if test.ok != (err == nil) || got != test.want {
			t.Errorf("VirtToPhys(%v): got (%#x, %v), want %#x (mapped %t)", test.addr, got, err, test.want, test.ok)
		}
	}
	regs, _ := n.reg.Regions(id)
	want := [][]Binding{
		{{Range: hostarch.AddrRange{Start: 0x400000, End: 0x401000}, Physical: phys.Start}},
		{{Range: hostarch.AddrRange{Start: 0x402000, End: 0x404000}, Physical: phys.Start + 0x2000}},
	}
	var got [][]Binding
	for _, rg := range regs {
		got = append(got, rg.Backing)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("backing (-want +got):\n%s", diff)
	}
}

func TestFindHole(t *testing.T) {
	n := newTestNode(t)
	id := n.create(t, AnyID, "job")
	n.addRegion(t, id, 0x1000, 0x1000, rw, hostarch.PageSize)
	n.addRegion(t, id, 0x400000, 0x10000, rw, hostarch.PageSize)
	n.addRegion(t, id, 0x412000, 0x1000, rw, hostarch.PageSize)
	n.addRegion(t, id, UserEnd-0x1000, 0x1000, rw, hostarch.PageSize)

	for _, test := range []struct {
		name      string
		hint      hostarch.Addr
		extent    uintptr
		alignment uintptr
		want      hostarch.Addr
		wantErr   error
	}{
		{"zero hint starts at user start", 0, 0x1000, hostarch.PageSize, 0x2000, nil},
		{"exact fit", 0x400000, 0x2000, hostarch.PageSize, 0x410000, nil},
		{"too big for the gap", 0x400000, 0x3000, hostarch.PageSize, 0x413000, nil},
		{"aligned", 0x400000, 0x1000, hostarch.HugePageSize, 0x600000, nil},
		{"rounded extent", 0x400000, 0x1800, hostarch.PageSize, 0x410000, nil},
		{"hint in a gap", 0x300000, 0x1000, hostarch.PageSize, 0x300000, nil},
		{"unaligned hint", 0x300800, 0x1000, hostarch.PageSize, 0x301000, nil},
		{"last page taken", UserEnd - 0x2000, 0x2000, hostarch.PageSize, 0, lwkerr.ErrNoSpace},
		{"past user range", UserEnd, 0x1000, hostarch.PageSize, 0, lwkerr.ErrNoSpace},
		{"too large", 0, WindowSize, hostarch.PageSize, 0, lwkerr.ErrNoSpace},
		{"alignment not a power of two", 0, 0x1000, 0x3000, 0, lwkerr.ErrMisaligned},
		{"alignment below page size", 0, 0x1000, 0x800, 0, lwkerr.ErrMisaligned},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := n.reg.FindHole(id, test.hint, test.extent, test.alignment)
			if !errors.Is(err, test.wantErr) || got != test.want {
				t.Errorf("FindHole(%v, %#x, %#x): got (%v, %v), want (%v, %v)", test.hint, test.extent, test.alignment, got, err, test.want, test.wantErr)
			}
		})
	}

	// FindHole reserves nothing.
	a, _ := n.reg.FindHole(id, 0, 0x1000, hostarch.PageSize)
	b, _ := n.reg.FindHole(id, 0, 0x1000, hostarch.PageSize)
	if a != b {
		t.Errorf("FindHole is not deterministic: %v then %v", a, b)
	}
}

func TestLookupMapping(t *testing.T) {
	n := newTestNode(t)
	id := n.create(t, AnyID, "job")
	n.addRegion(t, id, 0x400000, 0x2000, rw, hostarch.PageSize)
	rg, err := n.reg.LookupMapping(id, 0x401fff)
	if err != nil {
		t.Fatalf("LookupMapping: %v", err)
	}
	if want := (hostarch.AddrRange{Start: 0x400000, End: 0x402000}); rg.AddrRange != want {
		t.Errorf("LookupMapping: got %v, want %v", rg.AddrRange, want)
	}
	for _, addr := range []hostarch.Addr{0x3fffff, 0x402000, 0} {
		if _, err := n.reg.LookupMapping(id, addr); !errors.Is(err, lwkerr.ErrNotFound) {
			t.Errorf("LookupMapping(%v): got %v, want %v", addr, err, lwkerr.ErrNotFound)
		}
	}
}

// TestRandomizedRegions checks that regions never overlap, and that every
// byte the model says is tracked is found by LookupMapping, across random
// sequences of adds and deletes.
func TestRandomizedRegions(t *testing.T) {
	const (
		pages = 256
		base  = hostarch.Addr(0x400000)
	)
	n := newTestNode(t)
	id := n.create(t, AnyID, "job")
	rng := rand.New(rand.NewSource(1))
	var model [pages]bool

	for i := 0; i < 2000; i++ {
		first := rng.Intn(pages)
		count := 1 + rng.Intn(16)
		if first+count > pages {
			count = pages - first
		}
		start := base + hostarch.Addr(first*hostarch.PageSize)
		extent := uintptr(count * hostarch.PageSize)
		if rng.Intn(2) == 0 {
			free := true
			for p := first; p < first+count; p++ {
				free = free && !model[p]
			}
			err := n.reg.AddRegion(id, start, extent, rw, hostarch.PageSize, "r")
			if free != (err == nil) {
				t.Fatalf("AddRegion(%v, %#x): got %v, model free %t", start, extent, err, free)
			}
			if err == nil {
				for p := first; p < first+count; p++ {
					model[p] = true
				}
			}
		} else {
			if err := n.reg.DelRegion(id, start, extent); err == nil {
				for p := first; p < first+count; p++ {
					if !model[p] {
						t.Fatalf("DelRegion(%v, %#x) removed untracked page %d", start, extent, p)
					}
					model[p] = false
				}
			}
		}
	}
	for p := 0; p < pages; p++ {
		_, err := n.reg.LookupMapping(id, base+hostarch.Addr(p*hostarch.PageSize))
		if model[p] != (err == nil) {
			t.Errorf("page %d: LookupMapping got %v, model tracked %t", p, err, model[p])
		}
	}
	n.checkInvariants(t)
}
