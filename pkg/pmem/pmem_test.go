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

package pmem

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"kitten.dev/kitten/pkg/auth"
	"kitten.dev/kitten/pkg/errors/lwkerr"
)

const (
	kb = 1 << 10
	mb = 1 << 20
)

type zeroCall struct {
	paddr, length uint64
}

type fakeZeroer struct {
	calls []zeroCall
}

func (z *fakeZeroer) Zero(paddr, length uint64) error {
	z.calls = append(z.calls, zeroCall{paddr, length})
	return nil
}

var (
	user     = auth.NewUser("test")
	regionOp = cmp.AllowUnexported(Opt[int]{})
)

// newTestAllocator installs:
//
//	[0, 1M)     boot, allocated, "bootmem"
//	[1M, 4M)    kernel, free
//	[4M, 16M)   user, free, locality 0
//	[16M, 32M)  user, free, locality 1
func newTestAllocator(t *testing.T) (*Allocator, *fakeZeroer) {
	t.Helper()
	z := &fakeZeroer{}
	a := NewAllocator(z)
	for _, r := range []Region{
		{Range: Range{0, 1 * mb}, Kind: Boot, Allocated: true, Name: "bootmem"},
		{Range: Range{1 * mb, 4 * mb}, Kind: Kernel},
		{Range: Range{4 * mb, 16 * mb}, Kind: User, Locality: Some(0)},
		{Range: Range{16 * mb, 32 * mb}, Kind: User, Locality: Some(1)},
	} {
		if err := a.Add(r); err != nil {
			t.Fatalf("Add(%v): %v", r, err)
		}
	}
	return a, z
}

func TestAddOverlap(t *testing.T) {
	a, _ := newTestAllocator(t)
	for _, r := range []Range{
		{31 * mb, 33 * mb},
		{0, 4 * kb},
	} {
		if err := a.Add(Region{Range: r, Kind: User}); !errors.Is(err, lwkerr.ErrAlreadyExists) {
			t.Errorf("Add(%v): got %v, want %v", r, err, lwkerr.ErrAlreadyExists)
		}
	}
	if err := a.Add(Region{Range: Range{64 * mb, 64*mb + 100}}); !errors.Is(err, lwkerr.ErrMisaligned) {
		t.Errorf("Add unaligned: got %v, want %v", err, lwkerr.ErrMisaligned)
	}
	// Adjacent memory with the same attributes is merged.
	if err := a.Add(Region{Range: Range{32 * mb, 40 * mb}, Kind: User, Locality: Some(1)}); err != nil {
		t.Fatalf("Add adjacent: %v", err)
	}
	r, err := a.Query(Filter{Range: Some(Range{20 * mb, 20*mb + 1})})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got, err := a.Query(Filter{Locality: Some(1)}); err != nil || got.Range != (Range{16 * mb, 40 * mb}) {
		t.Errorf("merged region: got (%v, %v), want [16M, 40M)", got, err)
	}
	if r.Range != (Range{20 * mb, 20*mb + 1}) {
		t.Errorf("Query should clip to filter range, got %v", r.Range)
	}
}

func TestAlloc(t *testing.T) {
	for _, test := range []struct {
		name   string
		caller auth.Caller
		size   uint64
		align  uint64
		c      Filter
		want   Range
		kind   Kind
		err    error
	}{
		{
			name:   "lowest user memory",
			caller: user,
			size:   4 * kb,
			want:   Range{4 * mb, 4*mb + 4*kb},
			kind:   User,
		},
		{
			name:   "size rounded up",
			caller: user,
			size:   1,
			want:   Range{4 * mb, 4*mb + 4*kb},
			kind:   User,
		},
		{
			name:   "aligned",
			caller: user,
			size:   2 * mb,
			align:  8 * mb,
			want:   Range{8 * mb, 10 * mb},
			kind:   User,
		},
		{
			name:   "locality",
			caller: user,
			size:   mb,
			c:      Filter{Locality: Some(1)},
			want:   Range{16 * mb, 17 * mb},
			kind:   User,
		},
		{
			name:   "within range",
			caller: user,
			size:   mb,
			c:      Filter{Range: Some(Range{6*mb + 4*kb, 12 * mb})},
			want:   Range{6*mb + 4*kb, 7*mb + 4*kb},
			kind:   User,
		},
		{
			name:   "kernel memory",
			caller: auth.Kernel,
			size:   8 * kb,
			c:      Filter{Kind: Some(Kernel)},
			want:   Range{1 * mb, 1*mb + 8*kb},
			kind:   Kernel,
		},
		{
			name:   "kernel memory unprivileged",
			caller: user,
			size:   8 * kb,
			c:      Filter{Kind: Some(Kernel)},
			err:    lwkerr.ErrForbidden,
		},
		{
			name:   "no single region large enough",
			caller: user,
			size:   17 * mb,
			err:    lwkerr.ErrNoSpace,
		},
		{
			name:   "boot memory is never free",
			caller: auth.Kernel,
			size:   4 * kb,
			c:      Filter{Kind: Some(Boot)},
			err:    lwkerr.ErrNoSpace,
		},
		{
			name:   "zero size",
			caller: user,
			err:    lwkerr.ErrInvalidConstraint,
		},
		{
			name:   "allocated constraint",
			caller: user,
			size:   4 * kb,
			c:      Filter{Allocated: Some(true)},
			err:    lwkerr.ErrInvalidConstraint,
		},
		{
			name:   "bad alignment",
			caller: user,
			size:   4 * kb,
			align:  12 * kb,
			err:    lwkerr.ErrMisaligned,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			a, _ := newTestAllocator(t)
			got, err := a.Alloc(test.caller, test.size, test.align, test.c)
			if test.err != nil {
				if !errors.Is(err, test.err) {
					t.Fatalf("Alloc(%#x, %#x, %+v): got (%v, %v), want %v", test.size, test.align, test.c, got, err, test.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Alloc(%#x, %#x, %+v): %v", test.size, test.align, test.c, err)
			}
			if got.Range != test.want || got.Kind != test.kind || !got.Allocated {
				t.Errorf("Alloc(%#x, %#x, %+v): got %v, want %v %v allocated", test.size, test.align, test.c, got, test.want, test.kind)
			}
			if !a.Covered(Filter{Range: Some(test.want), Allocated: Some(true), Kind: Some(test.kind)}) {
				t.Errorf("allocated range %v not recorded as allocated", test.want)
			}
			if err := a.CheckInvariants(); err != nil {
				t.Errorf("CheckInvariants: %v", err)
			}
		})
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a, _ := newTestAllocator(t)
	before := a.Regions()
	r, err := a.Alloc(user, 3*mb, 2*mb, Filter{Locality: Some(0)})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(a.Regions()) == len(before) {
		t.Fatalf("Alloc did not split the free region: %v", a.Regions())
	}
	if err := a.Free(user, r.Range); err != nil {
		t.Fatalf("Free(%v): %v", r.Range, err)
	}
	if diff := cmp.Diff(before, a.Regions(), regionOp); diff != "" {
		t.Errorf("partition changed after alloc/free (-before +after):\n%s", diff)
	}
}

func TestFree(t *testing.T) {
	a, _ := newTestAllocator(t)
	r, err := a.Alloc(user, 64*kb, 0, Filter{})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	for _, test := range []struct {
		name   string
		caller auth.Caller
		r      Range
		err    error
	}{
		{"partially free", user, Range{r.Start, r.End + 4*kb}, lwkerr.ErrNotFound},
		{"not installed", auth.Kernel, Range{64 * mb, 65 * mb}, lwkerr.ErrNotFound},
		{"boot memory", user, Range{0, 4 * kb}, lwkerr.ErrForbidden},
		{"empty", user, Range{r.Start, r.Start}, lwkerr.ErrInvalidArgument},
	} {
		if err := a.Free(test.caller, test.r); !errors.Is(err, test.err) {
			t.Errorf("%s: Free(%v): got %v, want %v", test.name, test.r, err, test.err)
		}
	}

	// Freeing the middle of an allocation leaves two allocated pieces.
	mid := Range{r.Start + 16*kb, r.Start + 32*kb}
	if err := a.Free(user, mid); err != nil {
		t.Fatalf("Free(%v): %v", mid, err)
	}
	for _, want := range []Region{
		{Range: Range{r.Start, mid.Start}, Kind: User, Locality: Some(0), Allocated: true},
		{Range: mid, Kind: User, Locality: Some(0)},
		{Range: Range{mid.End, r.End}, Kind: User, Locality: Some(0), Allocated: true},
	} {
		got, err := a.Query(Filter{Range: Some(Range{want.Start, want.Start + 1})})
		if err != nil {
			t.Fatalf("Query(%#x): %v", want.Start, err)
		}
		got.Range = want.Range
		if diff := cmp.Diff(want, got, regionOp); diff != "" {
			t.Errorf("region at %#x (-want +got):\n%s", want.Start, diff)
		}
	}
	if err := a.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants: %v", err)
	}
}

func TestUpdatePrivilegeGuard(t *testing.T) {
	kernelRange := Range{1 * mb, 2 * mb}
	for _, p := range []Patch{
		{Range: kernelRange, Allocated: Some(true)},
		{Range: kernelRange, Kind: Some(User)},
		{Range: kernelRange, Name: Some("mine")},
		{Range: kernelRange},
		{Range: Range{3 * mb, 5 * mb}, Allocated: Some(true)},
		{Range: Range{3*mb + 1, 3*mb + 2}},
		{Range: Range{4 * mb, 5 * mb}, Kind: Some(Kernel)},
		{Range: Range{4 * mb, 5 * mb}, Kind: Some(Boot)},
	} {
		a, _ := newTestAllocator(t)
		before := a.Regions()
		if err := a.Update(user, p); !errors.Is(err, lwkerr.ErrForbidden) {
			t.Errorf("Update(%+v): got %v, want %v", p, err, lwkerr.ErrForbidden)
		}
		if diff := cmp.Diff(before, a.Regions(), regionOp); diff != "" {
			t.Errorf("Update(%+v) changed the partition (-before +after):\n%s", p, diff)
		}
	}
}

func TestUpdateSplitMerge(t *testing.T) {
	a, _ := newTestAllocator(t)
	p := Patch{Range: Range{6 * mb, 7 * mb}, Allocated: Some(true), Name: Some("heap")}
	if err := a.Update(user, p); err != nil {
		t.Fatalf("Update(%+v): %v", p, err)
	}
	want := []Region{
		{Range: Range{0, 1 * mb}, Kind: Boot, Allocated: true, Name: "bootmem"},
		{Range: Range{1 * mb, 4 * mb}, Kind: Kernel},
		{Range: Range{4 * mb, 6 * mb}, Kind: User, Locality: Some(0)},
		{Range: Range{6 * mb, 7 * mb}, Kind: User, Locality: Some(0), Allocated: true, Name: "heap"},
		{Range: Range{7 * mb, 16 * mb}, Kind: User, Locality: Some(0)},
		{Range: Range{16 * mb, 32 * mb}, Kind: User, Locality: Some(1)},
	}
	if diff := cmp.Diff(want, a.Regions(), regionOp); diff != "" {
		t.Errorf("after update (-want +got):\n%s", diff)
	}

	// Undo, which must merge everything back.
	p = Patch{Range: Range{6 * mb, 7 * mb}, Allocated: Some(false), Name: Some("")}
	if err := a.Update(user, p); err != nil {
		t.Fatalf("Update(%+v): %v", p, err)
	}
	want = append(want[:2], Region{Range: Range{4 * mb, 16 * mb}, Kind: User, Locality: Some(0)}, want[5])
	if diff := cmp.Diff(want, a.Regions(), regionOp); diff != "" {
		t.Errorf("after undo (-want +got):\n%s", diff)
	}

	// Relabelling locality across the boundary merges the two user regions.
	p = Patch{Range: Range{16 * mb, 32 * mb}, Locality: Some(0)}
	if err := a.Update(auth.Kernel, p); err != nil {
		t.Fatalf("Update(%+v): %v", p, err)
	}
	if got, err := a.Query(Filter{Kind: Some(User)}); err != nil || got.Range != (Range{4 * mb, 32 * mb}) {
		t.Errorf("Query(user): got (%v, %v), want [4M, 32M)", got, err)
	}
}

func TestUpdateNotFound(t *testing.T) {
	a, _ := newTestAllocator(t)
	for _, r := range []Range{
		{30 * mb, 34 * mb},
		{64 * mb, 65 * mb},
	} {
		if err := a.Update(auth.Kernel, Patch{Range: r, Allocated: Some(true)}); !errors.Is(err, lwkerr.ErrNotFound) {
			t.Errorf("Update(%v): got %v, want %v", r, err, lwkerr.ErrNotFound)
		}
	}
}

func TestQuery(t *testing.T) {
	a, _ := newTestAllocator(t)
	for _, test := range []struct {
		name string
		f    Filter
		want Range
		err  error
	}{
		{"first region", Filter{}, Range{0, 1 * mb}, nil},
		{"first free", Filter{Allocated: Some(false)}, Range{1 * mb, 4 * mb}, nil},
		{"by name", Filter{Name: Some("bootmem")}, Range{0, 1 * mb}, nil},
		{"clipped", Filter{Range: Some(Range{2 * mb, 5 * mb}), Kind: Some(User)}, Range{4 * mb, 5 * mb}, nil},
		{"locality unset never matches set filter", Filter{Kind: Some(Kernel), Locality: Some(0)}, Range{}, lwkerr.ErrNotFound},
		{"no match", Filter{Name: Some("missing")}, Range{}, lwkerr.ErrNotFound},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := a.Query(test.f)
			if !errors.Is(err, test.err) {
				t.Fatalf("Query(%+v): got error %v, want %v", test.f, err, test.err)
			}
			if err == nil && got.Range != test.want {
				t.Errorf("Query(%+v): got %v, want %v", test.f, got.Range, test.want)
			}
		})
	}
}

func TestZero(t *testing.T) {
	a, z := newTestAllocator(t)
	if err := a.Zero(user, Range{4 * mb, 5 * mb}); err != nil {
		t.Fatalf("Zero: %v", err)
	}
	if err := a.Zero(user, Range{1 * mb, 2 * mb}); !errors.Is(err, lwkerr.ErrForbidden) {
		t.Errorf("Zero(kernel memory): got %v, want %v", err, lwkerr.ErrForbidden)
	}
	if err := a.Zero(auth.Kernel, Range{31 * mb, 33 * mb}); !errors.Is(err, lwkerr.ErrNotFound) {
		t.Errorf("Zero(beyond memory): got %v, want %v", err, lwkerr.ErrNotFound)
	}
	if diff := cmp.Diff([]zeroCall{{4 * mb, mb}}, z.calls, cmp.AllowUnexported(zeroCall{})); diff != "" {
		t.Errorf("Zero calls (-want +got):\n%s", diff)
	}
}

func TestStats(t *testing.T) {
	a, _ := newTestAllocator(t)
	if _, err := a.Alloc(user, mb, 0, Filter{}); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	s := a.Stats()
	if s.Installed != 32*mb {
		t.Errorf("Installed: got %#x, want %#x", s.Installed, 32*mb)
	}
	if got := s.ByKind[User]; got.Allocated != mb || got.Free != 27*mb {
		t.Errorf("user stats: got %+v", got)
	}
	if got := s.ByKind[Boot]; got.Allocated != mb {
		t.Errorf("boot stats: got %+v", got)
	}
}

// TestRandomizedPartition checks that alloc and free never break the
// partition, and that freeing everything restores the boot layout.
func TestRandomizedPartition(t *testing.T) {
	a, _ := newTestAllocator(t)
	before := a.Regions()
	rng := rand.New(rand.NewSource(1))
	var live []Range
	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			j := rng.Intn(len(live))
			if err := a.Free(user, live[j]); err != nil {
				t.Fatalf("step %d: Free(%v): %v", i, live[j], err)
			}
			live = append(live[:j], live[j+1:]...)
		} else {
			size := uint64(rng.Intn(64)+1) * 4 * kb
			align := uint64(4*kb) << rng.Intn(6)
			r, err := a.Alloc(user, size, align, Filter{})
			if errors.Is(err, lwkerr.ErrNoSpace) {
				continue
			}
			if err != nil {
				t.Fatalf("step %d: Alloc(%#x, %#x): %v", i, size, align, err)
			}
			if r.Start%align != 0 || r.Length() != size {
				t.Fatalf("step %d: Alloc(%#x, %#x) = %v", i, size, align, r)
			}
			live = append(live, r.Range)
		}
		if err := a.CheckInvariants(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	for _, r := range live {
		if err := a.Free(user, r); err != nil {
			t.Fatalf("Free(%v): %v", r, err)
		}
	}
	if diff := cmp.Diff(before, a.Regions(), regionOp); diff != "" {
		t.Errorf("partition not restored (-before +after):\n%s", diff)
	}
}
