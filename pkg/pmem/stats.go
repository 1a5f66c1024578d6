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
	"fmt"
	"io"
	"text/tabwriter"

	"kitten.dev/kitten/pkg/hostarch"
)

// KindStats counts the bytes of one kind.
type KindStats struct {
	Free      uint64
	Allocated uint64
}

// Stats summarizes the partition.
type Stats struct {
	// Installed is the number of bytes of installed memory.
	Installed uint64

	// Regions is the number of regions in the partition.
	Regions int

	// ByKind is indexed by Kind.
	ByKind [numKinds]KindStats
}

// Stats returns a summary of the partition.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Stats{Installed: a.installed, Regions: a.regions.Len()}
	a.regions.Ascend(func(r Region) bool {
		if r.Allocated {
			s.ByKind[r.Kind].Allocated += r.Length()
		} else {
			s.ByKind[r.Kind].Free += r.Length()
		}
		return true
	})
	return s
}

// Dump writes the partition to w, one region per line.
func (a *Allocator) Dump(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tEND\tSIZE\tKIND\tLOCALITY\tSTATE\tNAME")
	for _, r := range a.Regions() {
		state := "free"
		if r.Allocated {
			state = "allocated"
		}
		fmt.Fprintf(tw, "%#x\t%#x\t%d\t%v\t%v\t%s\t%s\n", r.Start, r.End, r.Length(), r.Kind, r.Locality, state, r.Name)
	}
	return tw.Flush()
}

// CheckInvariants verifies that the regions partition installed memory:
// each is well formed and page aligned, none overlap, no two adjacent
// regions are mergeable, and together they cover exactly the installed
// bytes.
func (a *Allocator) CheckInvariants() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checkInvariantsLocked()
}

// Preconditions: a.mu must be locked.
func (a *Allocator) checkInvariantsLocked() error {
	var (
		err     error
		total   uint64
		prev    Region
		hasPrev bool
	)
	a.regions.Ascend(func(r Region) bool {
		switch {
		case !r.WellFormed():
			err = fmt.Errorf("region %v is empty", r)
		case r.Start%hostarch.PageSize != 0 || r.End%hostarch.PageSize != 0:
			err = fmt.Errorf("region %v is not page aligned", r)
		case hasPrev && prev.End > r.Start:
			err = fmt.Errorf("region %v overlaps %v", r, prev)
		case hasPrev && prev.End == r.Start && prev.sameAttrs(&r):
			err = fmt.Errorf("region %v should have been merged with %v", r, prev)
		}
		if err != nil {
			return false
		}
		total += r.Length()
		prev, hasPrev = r, true
		return true
	})
	if err == nil && total != a.installed {
		err = fmt.Errorf("regions cover %#x bytes, want %#x installed", total, a.installed)
	}
	return err
}

// assertInvariantsLocked panics if the partition is corrupt. The bookkeeping
// cannot be trusted past that point.
//
// Preconditions: a.mu must be locked.
func (a *Allocator) assertInvariantsLocked() {
	if err := a.checkInvariantsLocked(); err != nil {
		panic(fmt.Sprintf("physical memory partition corrupt: %v", err))
	}
}
