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

// Package bitmap provides fixed-size bit sets, used for CPU masks, syscall
// forwarding masks and id allocation.
package bitmap

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// Bitmap is a set of integers in [0, Size()).
//
// The zero value is an empty bitmap of size zero.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// size is the number of valid bits.
	size uint32

	// bitBlock holds the bits. Each word holds 64 entries; bits at or beyond
	// size are always clear.
	bitBlock []uint64
}

// New creates a new empty Bitmap holding size bits.
func New(size uint32) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// NewFull creates a new Bitmap holding size bits, all of them set.
func NewFull(size uint32) Bitmap {
	b := New(size)
	b.AddRange(0, size)
	return b
}

// Size returns the number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// IsEmpty returns true if no bit is set.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// GetNumOnes returns the number of set bits.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// Contains returns true if bit i is set. Out of range bits are never set.
func (b *Bitmap) Contains(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// Add sets bit i. It panics if i is out of range.
func (b *Bitmap) Add(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range for bitmap of size %d", i, b.size))
	}
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask == 0 {
		b.bitBlock[blockNum] |= mask
		b.numOnes++
	}
}

// Remove clears bit i. Out of range bits are ignored.
func (b *Bitmap) Remove(i uint32) {
	if i >= b.size {
		return
	}
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask != 0 {
		b.bitBlock[blockNum] &^= mask
		b.numOnes--
	}
}

// AddRange sets the bits in [begin, end).
func (b *Bitmap) AddRange(begin, end uint32) {
	for i := begin; i < end; i++ {
		b.Add(i)
	}
}

// FirstZero returns the first unset bit in [start, Size()).
func (b *Bitmap) FirstZero(start uint32) (uint32, error) {
	for i := start / 64; int(i) < len(b.bitBlock); i++ {
		w := b.bitBlock[i]
		if i == start/64 {
			w |= (uint64(1) << (start % 64)) - 1
		}
		if w != ^uint64(0) {
			bit := i*64 + uint32(bits.TrailingZeros64(^w))
			if bit >= b.size {
				break
			}
			return bit, nil
		}
	}
	return b.size, fmt.Errorf("bitmap has no unset bits at or after %d", start)
}

// FirstOne returns the first set bit in [start, Size()).
func (b *Bitmap) FirstOne(start uint32) (uint32, error) {
	for i := start / 64; int(i) < len(b.bitBlock); i++ {
		w := b.bitBlock[i]
		if i == start/64 {
			w &= ^uint64(0) << (start % 64)
		}
		if w != 0 {
			return i*64 + uint32(bits.TrailingZeros64(w)), nil
		}
	}
	return b.size, fmt.Errorf("bitmap has no set bits at or after %d", start)
}

// IsSubsetOf returns true if every bit set in b is also set in other.
func (b *Bitmap) IsSubsetOf(other *Bitmap) bool {
	for i, w := range b.bitBlock {
		var o uint64
		if i < len(other.bitBlock) {
			o = other.bitBlock[i]
		}
		if w&^o != 0 {
			return false
		}
	}
	return true
}

// Equal returns true if b and other have the same size and bits.
func (b *Bitmap) Equal(other *Bitmap) bool {
	if b.size != other.size || b.numOnes != other.numOnes {
		return false
	}
	for i := range b.bitBlock {
		if b.bitBlock[i] != other.bitBlock[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of b.
func (b *Bitmap) Clone() Bitmap {
	c := Bitmap{numOnes: b.numOnes, size: b.size, bitBlock: make([]uint64, len(b.bitBlock))}
	copy(c.bitBlock, b.bitBlock)
	return c
}

// ToSlice returns the set bits in ascending order. For example, a bitmap of
// [0, 1, 0, 1] returns [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	s := make([]uint32, 0, b.numOnes)
	for i, w := range b.bitBlock {
		for w != 0 {
			j := w & -w
			s = append(s, uint32(i*64+bits.OnesCount64(j-1)))
			w ^= j
		}
	}
	return s
}

// String formats b as a Linux style list, for example "0-3,8,10-11".
func (b *Bitmap) String() string {
	var sb strings.Builder
	s := b.ToSlice()
	for i := 0; i < len(s); {
		j := i
		for j+1 < len(s) && s[j+1] == s[j]+1 {
			j++
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		if i == j {
			fmt.Fprintf(&sb, "%d", s[i])
		} else {
			fmt.Fprintf(&sb, "%d-%d", s[i], s[j])
		}
		i = j + 1
	}
	return sb.String()
}

// ParseList parses a Linux style list such as "0-3,8" into a bitmap of the
// given size.
func ParseList(list string, size uint32) (Bitmap, error) {
	b := New(size)
	list = strings.TrimSpace(list)
	if list == "" {
		return b, nil
	}
	for _, part := range strings.Split(list, ",") {
		lo, hi, isRange := strings.Cut(strings.TrimSpace(part), "-")
		first, err := strconv.ParseUint(lo, 10, 32)
		if err != nil {
			return Bitmap{}, fmt.Errorf("invalid list element %q: %w", part, err)
		}
		last := first
		if isRange {
			if last, err = strconv.ParseUint(hi, 10, 32); err != nil {
				return Bitmap{}, fmt.Errorf("invalid list element %q: %w", part, err)
			}
		}
		if first > last || last >= uint64(size) {
			return Bitmap{}, fmt.Errorf("list element %q out of range [0, %d)", part, size)
		}
		b.AddRange(uint32(first), uint32(last)+1)
	}
	return b, nil
}
