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
	"strings"
)

// Kind is the provenance, or owner class, of a physical region.
type Kind uint8

const (
	// Boot is memory holding boot-time data such as the initial task image.
	Boot Kind = iota

	// Kernel is memory reserved for the kernel, including page tables.
	Kernel

	// User is memory available to user address spaces.
	User

	numKinds
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case Boot:
		return "boot"
	case Kernel:
		return "kernel"
	case User:
		return "user"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind parses the output of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k := Kind(0); k < numKinds; k++ {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown physical memory kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Range is a half-open range of physical addresses [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Length returns the length of the range.
func (r Range) Length() uint64 {
	return r.End - r.Start
}

// WellFormed returns true if the range is non-empty and does not wrap.
func (r Range) WellFormed() bool {
	return r.Start < r.End
}

// Overlaps returns true if r and r2 overlap.
func (r Range) Overlaps(r2 Range) bool {
	return r.Start < r2.End && r2.Start < r.End
}

// Contains returns true if r contains addr.
func (r Range) Contains(addr uint64) bool {
	return r.Start <= addr && addr < r.End
}

// IsSupersetOf returns true if r2 lies within r.
func (r Range) IsSupersetOf(r2 Range) bool {
	return r.Start <= r2.Start && r2.End <= r.End
}

// Intersect returns the intersection of r and r2, which is empty if they
// do not overlap.
func (r Range) Intersect(r2 Range) Range {
	if r.Start < r2.Start {
		r.Start = r2.Start
	}
	if r.End > r2.End {
		r.End = r2.End
	}
	if r.End < r.Start {
		r.End = r.Start
	}
	return r
}

// String implements fmt.Stringer.String.
func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}

// Opt is an optional value. The zero Opt is unset, which is distinct from a
// set zero value.
type Opt[T comparable] struct {
	val T
	set bool
}

// Some returns a set Opt holding v.
func Some[T comparable](v T) Opt[T] {
	return Opt[T]{val: v, set: true}
}

// Get returns the value and whether it is set.
func (o Opt[T]) Get() (T, bool) {
	return o.val, o.set
}

// IsSet returns true if o holds a value.
func (o Opt[T]) IsSet() bool {
	return o.set
}

// ValueOr returns the value if set, else def.
func (o Opt[T]) ValueOr(def T) T {
	if o.set {
		return o.val
	}
	return def
}

// matches returns true if o is unset or holds v.
func (o Opt[T]) matches(v T) bool {
	return !o.set || o.val == v
}

// String implements fmt.Stringer.String.
func (o Opt[T]) String() string {
	if !o.set {
		return "-"
	}
	return fmt.Sprint(o.val)
}

// Region is a typed slice of physical memory, the unit of physical memory
// allocation.
type Region struct {
	Range

	// Kind is the owner class.
	Kind Kind

	// Locality is the NUMA locality group, if known.
	Locality Opt[int]

	// Allocated is true if the region is in use.
	Allocated bool

	// Name is an optional label.
	Name string
}

// sameAttrs returns true if r and o differ only in their ranges, in which
// case adjacent regions must be merged.
func (r *Region) sameAttrs(o *Region) bool {
	return r.Kind == o.Kind && r.Locality == o.Locality && r.Allocated == o.Allocated && r.Name == o.Name
}

// String implements fmt.Stringer.String.
func (r Region) String() string {
	state := "free"
	if r.Allocated {
		state = "allocated"
	}
	s := fmt.Sprintf("%v %v %s locality=%v", r.Range, r.Kind, state, r.Locality)
	if r.Name != "" {
		s += fmt.Sprintf(" name=%q", r.Name)
	}
	return s
}

// Filter selects regions. Only set fields are matched; a region matches if
// it overlaps Range (when set) and equals every other set field.
type Filter struct {
	Range     Opt[Range]
	Kind      Opt[Kind]
	Locality  Opt[int]
	Allocated Opt[bool]
	Name      Opt[string]
}

// matchesAttrs matches every set field except Range.
func (f *Filter) matchesAttrs(r *Region) bool {
	return f.Kind.matches(r.Kind) &&
		f.Locality.matches(r.Locality.val) && (!f.Locality.set || r.Locality.set) &&
		f.Allocated.matches(r.Allocated) &&
		f.Name.matches(r.Name)
}

// bounds returns the range the filter applies to.
func (f *Filter) bounds() Range {
	if r, ok := f.Range.Get(); ok {
		return r
	}
	return Range{0, ^uint64(0)}
}

// Patch changes the attributes of the memory in Range. Only set fields are
// written.
type Patch struct {
	Range     Range
	Kind      Opt[Kind]
	Locality  Opt[int]
	Allocated Opt[bool]
	Name      Opt[string]
}

func (p *Patch) apply(r *Region) {
	if k, ok := p.Kind.Get(); ok {
		r.Kind = k
	}
	if p.Locality.set {
		r.Locality = p.Locality
	}
	if a, ok := p.Allocated.Get(); ok {
		r.Allocated = a
	}
	if n, ok := p.Name.Get(); ok {
		r.Name = n
	}
}
