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

// visitor is called by the Walker for each leaf entry in range.
type visitor interface {
	// visit is called for each leaf entry. align is the page size of the
	// entry minus one. It returns false to stop the walk.
	visit(start uintptr, pte *PTE, align uintptr) bool

	// requiresAlloc returns true if missing tables should be allocated.
	requiresAlloc() bool

	// requiresSplit returns true if super pages that the range covers only
	// partially must be broken up.
	requiresSplit() bool

	// maxPageSize is the largest leaf that may be installed.
	maxPageSize() uintptr
}

// Walker walks page tables.
type Walker struct {
	// pageTables are the tables to walk.
	pageTables *PageTables

	// visitor is the visitor.
	visitor visitor

	// err is set if a table allocation failed, which stops the walk.
	err error
}

// addrEnd returns the next boundary of size after addr, or end if that comes
// earlier. size is a power of two.
func addrEnd(addr, end, size uintptr) uintptr {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// next returns the next address quantized by the given size.
func next(start uintptr, size uintptr) uintptr {
	start &= ^(size - 1)
	start += size
	return start
}

// newPTEs allocates a table, recording any failure.
func (w *Walker) newPTEs() *PTEs {
	ptes, err := w.pageTables.Allocator.NewPTEs()
	if err != nil {
		w.err = err
		return nil
	}
	return ptes
}

// release frees an empty table unless an alias refers to it.
func (w *Walker) release(entry *PTE, ptes *PTEs) bool {
	if w.pageTables.pinned(ptes) {
		return false
	}
	entry.Clear()
	w.pageTables.Allocator.FreePTEs(ptes)
	return true
}

// walkPTEs iterates over the PTEs in the given range and calls the visitor
// for each one.
//
// Returns:
//   - ok: whether the walk was successful.
//   - clearEntries: number of clear entries.
func (w *Walker) walkPTEs(entries *PTEs, start, end uintptr) (bool, uint16) {
	var clearEntries uint16
	for start < end {
		pteIndex := uint16((start & pteMask) >> pteShift)
		entry := &entries[pteIndex]
		if !entry.Valid() && !w.visitor.requiresAlloc() {
			clearEntries++
			start += pteSize
			continue
		}

		// At this point, we are guaranteed that start%pteSize == 0.
		if !w.visitor.visit(start&^(pteSize-1), entry, pteSize-1) {
			return false, clearEntries
		}
		if !entry.Valid() && !w.visitor.requiresAlloc() {
			clearEntries++
		}

		start += pteSize
	}
	return true, clearEntries
}

// walkPMDs iterates over the PMD entries in the given range.
//
// Returns:
//   - ok: whether the walk was successful.
//   - clearEntries: number of clear entries.
func (w *Walker) walkPMDs(pmdEntries *PTEs, start, end uintptr) (bool, uint16) {
	var clearEntries uint16
	for start < end {
		var pteEntries *PTEs
		nextBoundary := addrEnd(start, end, pmdSize)
		pmdIndex := uint16((start & pmdMask) >> pmdShift)
		pmdEntry := &pmdEntries[pmdIndex]
		if !pmdEntry.Valid() {
			if !w.visitor.requiresAlloc() {
				// Skip over this entry.
				clearEntries++
				start = nextBoundary
				continue
			}

			// This level has 2-MB huge pages. If this region is
			// contained in a single PMD entry and the visitor
			// allows it, skip allocating a new page.
			if start&(pmdSize-1) == 0 && end-start >= pmdSize && w.visitor.maxPageSize() >= pmdSize {
				pmdEntry.SetSuper()
				if !w.visitor.visit(start&^(pmdSize-1), pmdEntry, pmdSize-1) {
					return false, clearEntries
				}
				if pmdEntry.Valid() {
					start = nextBoundary
					continue
				}
			}

			// Allocate a new pte table.
			if pteEntries = w.newPTEs(); pteEntries == nil {
				return false, clearEntries
			}
			pmdEntry.setPageTable(w.pageTables, pteEntries)

		} else if pmdEntry.IsSuper() {
			// Does this page need to be split?
			if w.visitor.requiresSplit() && (start&(pmdSize-1) != 0 || end < next(start, pmdSize)) {
				// Install the relevant entries.
				if pteEntries = w.newPTEs(); pteEntries == nil {
					return false, clearEntries
				}
				for index := uint16(0); index < entriesPerPage; index++ {
					pteEntries[index].Set(
						pmdEntry.Address()+(pteSize*uintptr(index)),
						pmdEntry.Opts())
				}
				pmdEntry.setPageTable(w.pageTables, pteEntries)
			} else {
				// A huge page to be checked directly.
				if !w.visitor.visit(start&^(pmdSize-1), pmdEntry, pmdSize-1) {
					return false, clearEntries
				}

				// Might have been cleared.
				if !pmdEntry.Valid() {
					clearEntries++
				}

				// Note that the huge page was changed.
				start = nextBoundary
				continue
			}
		} else {
			pteEntries = w.pageTables.Allocator.LookupPTEs(pmdEntry.Address())
			if pteEntries == nil {
				// The table was freed under an alias.
				start = nextBoundary
				continue
			}
		}

		// Map the next level, since this is valid.
		ok, clearPTEntries := w.walkPTEs(pteEntries, start, nextBoundary)
		if !ok {
			return false, clearEntries
		}

		// Check if we no longer need this page.
		if clearPTEntries == entriesPerPage && w.release(pmdEntry, pteEntries) {
			clearEntries++
		}

		start = nextBoundary
	}
	return true, clearEntries
}

// walkPUDs iterates over the PUD entries in the given range.
//
// Returns:
//   - ok: whether the walk was successful.
//   - clearEntries: number of clear entries.
func (w *Walker) walkPUDs(pudEntries *PTEs, start, end uintptr) (bool, uint16) {
	var clearEntries uint16
	for start < end {
		var pmdEntries *PTEs
		nextBoundary := addrEnd(start, end, pudSize)
		pudIndex := uint16((start & pudMask) >> pudShift)
		pudEntry := &pudEntries[pudIndex]
		if !pudEntry.Valid() {
			if !w.visitor.requiresAlloc() {
				// Skip over this entry.
				clearEntries++
				start = nextBoundary
				continue
			}

			// This level has 1-GB super pages. Is this entire
			// region at least as large as a single PUD entry? If
			// so, and the visitor allows it, we can skip allocating
			// a new page for the pmd.
			if start&(pudSize-1) == 0 && end-start >= pudSize && w.visitor.maxPageSize() >= pudSize {
				pudEntry.SetSuper()
				if !w.visitor.visit(start&^(pudSize-1), pudEntry, pudSize-1) {
					return false, clearEntries
				}
				if pudEntry.Valid() {
					// Skip over this entry.
					start = nextBoundary
					continue
				}
			}

			// Allocate a new pmd.
			if pmdEntries = w.newPTEs(); pmdEntries == nil {
				return false, clearEntries
			}
			pudEntry.setPageTable(w.pageTables, pmdEntries)

		} else if pudEntry.IsSuper() {
			// Does this page need to be split?
			if w.visitor.requiresSplit() && (start&(pudSize-1) != 0 || end < next(start, pudSize)) {
				// Install the relevant entries.
				if pmdEntries = w.newPTEs(); pmdEntries == nil {
					return false, clearEntries
				}
				splitSuper(pudEntry, pmdEntries)
				pudEntry.setPageTable(w.pageTables, pmdEntries)
			} else {
				// A super page to be checked directly.
				if !w.visitor.visit(start&^(pudSize-1), pudEntry, pudSize-1) {
					return false, clearEntries
				}

				// Might have been cleared.
				if !pudEntry.Valid() {
					clearEntries++
				}

				// Note that the super page was changed.
				start = nextBoundary
				continue
			}
		} else {
			pmdEntries = w.pageTables.Allocator.LookupPTEs(pudEntry.Address())
			if pmdEntries == nil {
				start = nextBoundary
				continue
			}
		}

		// Map the next level, since this is valid.
		ok, clearPMDEntries := w.walkPMDs(pmdEntries, start, nextBoundary)
		if !ok {
			return false, clearEntries
		}

		// Check if we no longer need this page.
		if clearPMDEntries == entriesPerPage && w.release(pudEntry, pmdEntries) {
			clearEntries++
		}

		start = nextBoundary
	}
	return true, clearEntries
}

// splitSuper fills pmdEntries with the 2MB pages equivalent to the 1GB page
// in pudEntry.
func splitSuper(pudEntry *PTE, pmdEntries *PTEs) {
	for index := uint16(0); index < entriesPerPage; index++ {
		pmdEntries[index].SetSuper()
		pmdEntries[index].Set(
			pudEntry.Address()+(pmdSize*uintptr(index)),
			pudEntry.Opts())
	}
}

// iterateRange iterates over all appropriate levels of page tables for the
// given range.
func (w *Walker) iterateRange(start, end uintptr) bool {
	// Start at very top level of page tables and walk down.
	for start < end {
		var pudEntries *PTEs
		nextBoundary := addrEnd(start, end, pgdSize)
		pgdIndex := uint16((start & pgdMask) >> pgdShift)
		pgdEntry := &w.pageTables.root[pgdIndex]
		if !pgdEntry.Valid() {
			if !w.visitor.requiresAlloc() {
				// Skip over this entry.
				start = nextBoundary
				continue
			}

			// Allocate a new pgd.
			if pudEntries = w.newPTEs(); pudEntries == nil {
				return false
			}
			pgdEntry.setPageTable(w.pageTables, pudEntries)
		} else {
			pudEntries = w.pageTables.Allocator.LookupPTEs(pgdEntry.Address())
			if pudEntries == nil {
				start = nextBoundary
				continue
			}
		}

		// Map the next level.
		ok, clearPUDEntries := w.walkPUDs(pudEntries, start, nextBoundary)
		if !ok {
			return false
		}

		// Check if we no longer need this page table. Aliased slots
		// belong to another address space.
		if clearPUDEntries == entriesPerPage {
			if _, aliased := w.pageTables.aliases[pgdIndex]; !aliased {
				w.release(pgdEntry, pudEntries)
			}
		}

		// Advance to the next PGD entry's range for the next loop.
		start = nextBoundary
	}
	return true
}
