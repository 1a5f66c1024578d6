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

package pagetables

// mapVisitor is used for map.
type mapVisitor struct {
	target   uintptr // Input.
	physical uintptr // Input.
	opts     MapOpts // Input.
	pageSize uintptr // Input.
}

// visit is called for each leaf entry in range.
func (v *mapVisitor) visit(start uintptr, pte *PTE, align uintptr) bool {
	p := v.physical + (start - v.target)
	if p&align != 0 {
		// We will install entries at a smaller granulaity if we don't
		// install a valid entry here, however we must zap any existing
		// entry to ensure this happens.
		pte.Clear()
		return true
	}
	pte.Set(p, v.opts)
	return true
}

func (*mapVisitor) requiresAlloc() bool { return true }

func (*mapVisitor) requiresSplit() bool { return true }

func (v *mapVisitor) maxPageSize() uintptr { return v.pageSize }

// unmapVisitor is used for unmap.
type unmapVisitor struct {
	count int
}

func (*unmapVisitor) requiresAlloc() bool { return false }

func (*unmapVisitor) requiresSplit() bool { return true }

func (*unmapVisitor) maxPageSize() uintptr { return pudSize }

// visit unmaps the given entry.
func (v *unmapVisitor) visit(start uintptr, pte *PTE, align uintptr) bool {
	pte.Clear()
	v.count++
	return true
}

// lookupVisitor is used for lookup.
type lookupVisitor struct {
	target   uintptr // Input.
	physical uintptr // Output.
	size     uintptr // Output.
	opts     MapOpts // Output.
	found    bool    // Output.
}

// visit records the translation of the target address.
func (v *lookupVisitor) visit(start uintptr, pte *PTE, align uintptr) bool {
	if !pte.Valid() {
		return true
	}
	v.physical = pte.Address() + (v.target - start)
	v.size = align + 1
	v.opts = pte.Opts()
	v.found = true
	return false
}

func (*lookupVisitor) requiresAlloc() bool { return false }

func (*lookupVisitor) requiresSplit() bool { return false }

func (*lookupVisitor) maxPageSize() uintptr { return pudSize }

// emptyVisitor counts valid leaves without changing anything. Walking with
// it frees tables that no longer hold entries.
type emptyVisitor struct {
	count int
}

// visit counts the entry.
func (v *emptyVisitor) visit(start uintptr, pte *PTE, align uintptr) bool {
	v.count++
	return true
}

func (*emptyVisitor) requiresAlloc() bool { return false }

func (*emptyVisitor) requiresSplit() bool { return false }

func (*emptyVisitor) maxPageSize() uintptr { return pudSize }
