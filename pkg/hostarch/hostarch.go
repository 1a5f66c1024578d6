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

// Package hostarch describes the x86-64 memory architecture seen by the
// kernel: address types, page sizes and access permissions.
package hostarch

import (
	"fmt"
	"math/bits"
)

const (
	// PageShift is the binary log of the base page size.
	PageShift = 12

	// PageSize is the base page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the 2MB page size.
	HugePageShift = 21

	// HugePageSize is the 2MB page size.
	HugePageSize = 1 << HugePageShift

	// SuperPageShift is the binary log of the 1GB page size.
	SuperPageShift = 30

	// SuperPageSize is the 1GB page size.
	SuperPageSize = 1 << SuperPageShift

	// PageOffset is the start of the kernel's direct map of physical memory.
	PageOffset = 0xffff880000000000
)

// Addr represents an address in an unspecified address space.
type Addr uintptr

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}

// RoundDown returns the address rounded down to the nearest multiple of
// align, which must be a power of two.
func (v Addr) RoundDown(align uintptr) Addr {
	return v &^ Addr(align-1)
}

// RoundUp returns the address rounded up to the nearest multiple of align,
// which must be a power of two. ok is false if rounding overflows.
func (v Addr) RoundUp(align uintptr) (addr Addr, ok bool) {
	addr = Addr(uintptr(v) + align - 1).RoundDown(align)
	ok = addr >= v
	return
}

// PageRoundDown returns the address rounded down to the nearest page
// boundary.
func (v Addr) PageRoundDown() Addr {
	return v.RoundDown(PageSize)
}

// PageRoundUp returns the address rounded up to the nearest page boundary.
func (v Addr) PageRoundUp() (Addr, bool) {
	return v.RoundUp(PageSize)
}

// HugeRoundDown returns the address rounded down to the nearest 2MB
// boundary.
func (v Addr) HugeRoundDown() Addr {
	return v.RoundDown(HugePageSize)
}

// HugeRoundUp returns the address rounded up to the nearest 2MB boundary.
func (v Addr) HugeRoundUp() (Addr, bool) {
	return v.RoundUp(HugePageSize)
}

// IsAligned returns true if v is a multiple of align.
func (v Addr) IsAligned(align uintptr) bool {
	return uintptr(v)&(align-1) == 0
}

// IsPageAligned returns true if v is page aligned.
func (v Addr) IsPageAligned() bool {
	return v.IsAligned(PageSize)
}

// AddLength adds the given length to start and returns the result. ok is
// true iff adding the length did not overflow the range of Addr.
func (v Addr) AddLength(length uintptr) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uintptr) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// IsPowerOfTwo returns true if x is a non-zero power of two.
func IsPowerOfTwo(x uintptr) bool {
	return x != 0 && bits.OnesCount64(uint64(x)) == 1
}

// PageSizeValid returns true if size is one of the translation sizes the MMU
// supports.
func PageSizeValid(size uintptr) bool {
	switch size {
	case PageSize, HugePageSize, SuperPageSize:
		return true
	}
	return false
}
