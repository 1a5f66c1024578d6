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
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"kitten.dev/kitten/pkg/bitmap"
	"kitten.dev/kitten/pkg/errors/lwkerr"
	"kitten.dev/kitten/pkg/hostarch"
	"kitten.dev/kitten/pkg/pmem"
)

func TestCreate(t *testing.T) {
	n := newTestNode(t)
	n.create(t, 2, "two")

	for _, test := range []struct {
		name    string
		req     ID
		want    ID
		wantErr error
	}{
		{name: "lowest free", req: AnyID, want: 1},
		{name: "next free skips taken", req: AnyID, want: 3},
		{name: "explicit", req: 7, want: 7},
		{name: "max", req: MaxID, want: MaxID},
		{name: "taken", req: 2, wantErr: lwkerr.ErrAlreadyExists},
		{name: "kernel", req: KernelID, wantErr: lwkerr.ErrInvalidID},
		{name: "past max", req: MaxID + 1, wantErr: lwkerr.ErrInvalidID},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := n.reg.Create(test.req, test.name)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("Create(%v): got err %v, want %v", test.req, err, test.wantErr)
			}
			if err == nil && got != test.want {
				t.Errorf("Create(%v): got %v, want %v", test.req, got, test.want)
			}
		})
	}
	if diff := cmp.Diff([]ID{KernelID, 1, 2, 3, 7, MaxID}, n.reg.IDs()); diff != "" {
		t.Errorf("IDs (-want +got):\n%s", diff)
	}
}

func TestCreateTruncatesName(t *testing.T) {
	n := newTestNode(t)
	id := n.create(t, AnyID, "a-name-that-is-far-too-long")
	got, err := n.reg.Name(id)
	if err != nil {
		t.Fatalf("Name: %v", err)
	}
	if want := "a-name-that-is-f"; got != want {
		t.Errorf("Name: got %q, want %q", got, want)
	}
}

func TestCreateOutOfIDs(t *testing.T) {
	n := newTestNode(t)
	for i := ID(1); i <= MaxID; i++ {
		n.create(t, AnyID, "job")
	}
	if _, err := n.reg.Create(AnyID, "one too many"); !errors.Is(err, lwkerr.ErrOutOfIDs) {
		t.Errorf("Create: got %v, want %v", err, lwkerr.ErrOutOfIDs)
	}
	if got := lwkerr.ToErrno(lwkerr.ErrOutOfIDs); got != unix.ENOSPC {
		t.Errorf("ToErrno(ErrOutOfIDs): got %v, want %v", got, unix.ENOSPC)
	}
}

func TestCreateNoTables(t *testing.T) {
	// The kernel root and direct map take both pages.
	n := newTestNodeWithTables(t, 2)
	if _, err := n.reg.Create(AnyID, "job"); !errors.Is(err, lwkerr.ErrNoSpace) {
		t.Fatalf("Create: got %v, want %v", err, lwkerr.ErrNoSpace)
	}
	if diff := cmp.Diff([]ID{KernelID}, n.reg.IDs()); diff != "" {
		t.Errorf("IDs (-want +got):\n%s", diff)
	}
	// The id was handed back.
	if _, err := n.reg.Create(1, "job"); !errors.Is(err, lwkerr.ErrNoSpace) {
		t.Errorf("Create(1): got %v, want %v", err, lwkerr.ErrNoSpace)
	}
}

func TestDestroy(t *testing.T) {
	n := newTestNode(t)
	baseline := n.tables.Tables()
	a := n.create(t, AnyID, "a")
	b := n.create(t, AnyID, "b")
	n.heap(t, a, 0x400000, 16*kb, hostarch.PageSize)

	for _, test := range []struct {
		name string
		id   ID
		want error
	}{
		{"kernel", KernelID, lwkerr.ErrInvalidID},
		{"unknown", 42, lwkerr.ErrInvalidID},
		{"any", AnyID, lwkerr.ErrInvalidID},
	} {
		t.Run(test.name, func(t *testing.T) {
			if err := n.reg.Destroy(test.id); !errors.Is(err, test.want) {
				t.Errorf("Destroy(%v): got %v, want %v", test.id, err, test.want)
			}
		})
	}

	t.Run("tasks", func(t *testing.T) {
		if err := n.reg.Acquire(a); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if err := n.reg.Destroy(a); !errors.Is(err, lwkerr.ErrBusy) {
			t.Errorf("Destroy: got %v, want %v", err, lwkerr.ErrBusy)
		}
		if err := n.reg.Release(a); err != nil {
			t.Fatalf("Release: %v", err)
		}
		if err := n.reg.Release(a); !errors.Is(err, lwkerr.ErrInvalidArgument) {
			t.Errorf("second Release: got %v, want %v", err, lwkerr.ErrInvalidArgument)
		}
	})

	t.Run("smartmap", func(t *testing.T) {
		if err := n.reg.Smartmap(b, a, 0, WindowSize); err != nil {
			t.Fatalf("Smartmap: %v", err)
		}
		for _, id := range []ID{a, b} {
			if err := n.reg.Destroy(id); !errors.Is(err, lwkerr.ErrBusy) {
				t.Errorf("Destroy(%v): got %v, want %v", id, err, lwkerr.ErrBusy)
			}
		}
		if err := n.reg.Unsmartmap(b, a); err != nil {
			t.Fatalf("Unsmartmap: %v", err)
		}
	})

	for _, id := range []ID{a, b} {
		if err := n.reg.Destroy(id); err != nil {
			t.Fatalf("Destroy(%v): %v", id, err)
		}
		if _, err := n.reg.VirtToPhys(id, 0x400000); !errors.Is(err, lwkerr.ErrInvalidID) {
			t.Errorf("VirtToPhys after Destroy: got %v, want %v", err, lwkerr.ErrInvalidID)
		}
	}
	if got := n.tables.Tables(); got != baseline {
		t.Errorf("tables after Destroy: got %d, want %d", got, baseline)
	}
	// Physical memory is not reclaimed by Destroy.
	if got := n.pmem.Stats().ByKind[pmem.User].Allocated; got != 16*kb {
		t.Errorf("allocated user memory after Destroy: got %#x, want %#x", got, 16*kb)
	}
	// Ids are reused.
	if id := n.create(t, AnyID, "again"); id != a {
		t.Errorf("Create after Destroy: got %v, want %v", id, a)
	}
}

func TestRank(t *testing.T) {
	n := newTestNode(t)
	id := n.create(t, AnyID, "job")
	if _, err := n.reg.GetRank(id); !errors.Is(err, lwkerr.ErrUnset) {
		t.Errorf("GetRank: got %v, want %v", err, lwkerr.ErrUnset)
	}
	if err := n.reg.SetRank(id, 0); err != nil {
		t.Fatalf("SetRank: %v", err)
	}
	if err := n.reg.SetRank(id, 3); !errors.Is(err, lwkerr.ErrAlreadySet) {
		t.Errorf("second SetRank: got %v, want %v", err, lwkerr.ErrAlreadySet)
	}
	if got, err := n.reg.GetRank(id); err != nil || got != 0 {
		t.Errorf("GetRank: got (%d, %v), want (0, nil)", got, err)
	}
}

func mustParseList(t *testing.T, list string, size uint32) bitmap.Bitmap {
	t.Helper()
	b, err := bitmap.ParseList(list, size)
	if err != nil {
		t.Fatalf("ParseList(%q): %v", list, err)
	}
	return b
}

func TestCPUMask(t *testing.T) {
	n := newTestNode(t)
	id := n.create(t, AnyID, "job")
	m, err := n.reg.CPUMask(id)
	if err != nil {
		t.Fatalf("CPUMask: %v", err)
	}
	if got := m.String(); got != "0-3" {
		t.Errorf("default CPUMask: got %q, want %q", got, "0-3")
	}

	for _, test := range []struct {
		name string
		mask bitmap.Bitmap
		want error
	}{
		{"subset", mustParseList(t, "1,3", 4), nil},
		{"larger bitmap", mustParseList(t, "2", 64), nil},
		{"empty", bitmap.New(4), lwkerr.ErrInvalidArgument},
		{"absent CPU", mustParseList(t, "0,5", 8), lwkerr.ErrInvalidArgument},
	} {
		t.Run(test.name, func(t *testing.T) {
			if err := n.reg.UpdateCPUMask(id, test.mask); !errors.Is(err, test.want) {
				t.Fatalf("UpdateCPUMask(%v): got %v, want %v", &test.mask, err, test.want)
			}
			if test.want != nil {
				return
			}
			got, _ := n.reg.CPUMask(id)
			if got.String() != test.mask.String() || got.Size() != 4 {
				t.Errorf("CPUMask: got %v of %d, want %v of 4", &got, got.Size(), &test.mask)
			}
		})
	}
}

func TestIOForwardMask(t *testing.T) {
	n := newTestNode(t)
	id := n.create(t, AnyID, "job")
	if fwd, err := n.reg.ShouldForward(id, 0); err != nil || fwd {
		t.Errorf("ShouldForward by default: got (%t, %v), want (false, nil)", fwd, err)
	}
	if err := n.reg.UpdateIOForwardMask(id, mustParseList(t, "0-2,257", SyscallMaskBits)); err != nil {
		t.Fatalf("UpdateIOForwardMask: %v", err)
	}
	for sysno, want := range map[uint32]bool{0: true, 2: true, 3: false, 257: true, 511: false, 9999: false} {
		if got, err := n.reg.ShouldForward(id, sysno); err != nil || got != want {
			t.Errorf("ShouldForward(%d): got (%t, %v), want %t", sysno, got, err, want)
		}
	}
	// Masks are replaced, never merged.
	if err := n.reg.UpdateIOForwardMask(id, mustParseList(t, "5", 8)); err != nil {
		t.Fatalf("UpdateIOForwardMask: %v", err)
	}
	m, _ := n.reg.IOForwardMask(id)
	if got := m.String(); got != "5" {
		t.Errorf("IOForwardMask: got %q, want %q", got, "5")
	}
	if err := n.reg.UpdateIOForwardMask(id, mustParseList(t, "600", 1024)); !errors.Is(err, lwkerr.ErrInvalidArgument) {
		t.Errorf("UpdateIOForwardMask(600): got %v, want %v", err, lwkerr.ErrInvalidArgument)
	}
}

func TestRootPhysical(t *testing.T) {
	n := newTestNode(t)
	a := n.create(t, AnyID, "a")
	b := n.create(t, AnyID, "b")
	pa, err := n.reg.RootPhysical(a)
	if err != nil {
		t.Fatalf("RootPhysical: %v", err)
	}
	pb, _ := n.reg.RootPhysical(b)
	if pa == pb || pa < tableBase || pa%hostarch.PageSize != 0 {
		t.Errorf("RootPhysical: got %#x and %#x, want distinct table pages", pa, pb)
	}
}

func TestKernelDirectMap(t *testing.T) {
	n := newTestNode(t)
	id := n.create(t, AnyID, "job")
	for _, as := range []ID{KernelID, id} {
		got, err := n.reg.VirtToPhys(as, hostarch.PageOffset+0x1234)
		if err != nil || got != 0x1234 {
			t.Errorf("VirtToPhys(%v, direct map): got (%#x, %v), want 0x1234", as, got, err)
		}
	}
	if _, err := n.reg.VirtToPhys(id, hostarch.PageOffset+DefaultDirectMapSize); !errors.Is(err, lwkerr.ErrUnmapped) {
		t.Errorf("VirtToPhys past the direct map: got %v, want %v", err, lwkerr.ErrUnmapped)
	}
}

func TestSnapshot(t *testing.T) {
	n := newTestNode(t)
	id := n.create(t, 3, "job")
	phys := n.heap(t, id, 0x400000, 8*kb, hostarch.PageSize)
	if err := n.reg.SetRank(id, 7); err != nil {
		t.Fatalf("SetRank: %v", err)
	}
	if err := n.reg.Smartmap(id, id, 0, WindowSize); err != nil {
		t.Fatalf("Smartmap: %v", err)
	}
	s, err := n.reg.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	root, _ := n.reg.RootPhysical(id)
	rank := 7
	want := Snapshot{
		ID:           3,
		Name:         "job",
		Rank:         &rank,
		CPUs:         "0-3",
		RootPhysical: uint64(root),
		Imports:      []ID{3},
		Exports:      []ID{3},
		Regions: []Region{{
			AddrRange: hostarch.AddrRange{Start: 0x400000, End: 0x402000},
			Flags:     rw,
			PageSize:  hostarch.PageSize,
			Name:      "test",
			Backing: []Binding{{
				Range:    hostarch.AddrRange{Start: 0x400000, End: 0x402000},
				Physical: phys.Start,
			}},
		}},
	}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("Snapshot (-want +got):\n%s", diff)
	}

	// The snapshot shares nothing with the address space.
	s.Regions[0].Backing[0].Physical = 0
	again, _ := n.reg.Snapshot(id)
	if again.Regions[0].Backing[0].Physical != phys.Start {
		t.Errorf("Snapshot aliases the address space's bindings")
	}
}

func TestShutdown(t *testing.T) {
	n := newTestNode(t)
	id := n.create(t, AnyID, "job")
	if err := n.reg.Shutdown(); !errors.Is(err, lwkerr.ErrBusy) {
		t.Errorf("Shutdown: got %v, want %v", err, lwkerr.ErrBusy)
	}
	if err := n.reg.Destroy(id); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := n.reg.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := n.tables.Tables(); got != 0 {
		t.Errorf("tables after Shutdown: got %d, want 0", got)
	}
}
