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

package hostarch

import "fmt"

// MemoryType specifies CPU memory access behavior for a mapping. It is
// encoded in the PWT and PCD bits of a page table entry, using the power-on
// PAT layout.
type MemoryType uint8

const (
	// MemoryTypeWriteBack is the default, cacheable type. It must be the zero
	// value for MemoryType.
	MemoryTypeWriteBack MemoryType = iota

	// MemoryTypeWriteThrough caches reads but writes through to memory (PWT).
	MemoryTypeWriteThrough

	// MemoryTypeUncached disables caching (PCD).
	MemoryTypeUncached
)

var memoryTypeNames = [...]string{
	MemoryTypeWriteBack:    "WB",
	MemoryTypeWriteThrough: "WT",
	MemoryTypeUncached:     "UC",
}

// String implements fmt.Stringer.String. It returns the type's PAT
// abbreviation.
func (mt MemoryType) String() string {
	if int(mt) < len(memoryTypeNames) {
		return memoryTypeNames[mt]
	}
	return fmt.Sprintf("MemoryType(%d)", uint8(mt))
}
