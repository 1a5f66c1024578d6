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

import (
	"fmt"

	"kitten.dev/kitten/pkg/errors/lwkerr"
	"kitten.dev/kitten/pkg/sync"
)

// Allocator is used to allocate and map PTEs.
//
// Note that allocators may be called concurrently.
type Allocator interface {
	// NewPTEs returns a new set of PTEs.
	NewPTEs() (*PTEs, error)

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) uintptr

	// LookupPTEs looks up PTEs by physical address. It returns nil if no
	// table lives at that address.
	LookupPTEs(physical uintptr) *PTEs

	// FreePTEs frees a set of PTEs.
	FreePTEs(ptes *PTEs)
}

// PageSource provides the physical pages that hold page tables.
type PageSource interface {
	// AllocPage returns the physical address of a free, page aligned page.
	AllocPage() (uintptr, error)

	// FreePage returns a page obtained from AllocPage.
	FreePage(physical uintptr)
}

// PoolAllocator is an Allocator that keeps table contents in Go memory and
// draws table physical addresses from a PageSource.
//
// A single PoolAllocator must be shared by every PageTables that may alias
// another's tables, so that physical addresses resolve to the same tables.
type PoolAllocator struct {
	source PageSource

	mu         sync.Mutex
	byPhysical map[uintptr]*PTEs
	byTable    map[*PTEs]uintptr
}

// NewPoolAllocator returns an allocator drawing pages from source.
func NewPoolAllocator(source PageSource) *PoolAllocator {
	return &PoolAllocator{
		source:     source,
		byPhysical: make(map[uintptr]*PTEs),
		byTable:    make(map[*PTEs]uintptr),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *PoolAllocator) NewPTEs() (*PTEs, error) {
	physical, err := a.source.AllocPage()
	if err != nil {
		return nil, err
	}
	ptes := new(PTEs)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byPhysical[physical]; ok {
		panic(fmt.Sprintf("page table page %#x allocated twice", physical))
	}
	a.byPhysical[physical] = ptes
	a.byTable[ptes] = physical
	return ptes, nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *PoolAllocator) PhysicalFor(ptes *PTEs) uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	physical, ok := a.byTable[ptes]
	if !ok {
		panic("PhysicalFor called on a table not owned by this allocator")
	}
	return physical
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *PoolAllocator) LookupPTEs(physical uintptr) *PTEs {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.byPhysical[physical]
}

// FreePTEs implements Allocator.FreePTEs.
func (a *PoolAllocator) FreePTEs(ptes *PTEs) {
	a.mu.Lock()
	physical, ok := a.byTable[ptes]
	if !ok {
		a.mu.Unlock()
		panic("FreePTEs called on a table not owned by this allocator")
	}
	delete(a.byTable, ptes)
	delete(a.byPhysical, physical)
	a.mu.Unlock()
	a.source.FreePage(physical)
}

// Tables returns the number of live tables.
func (a *PoolAllocator) Tables() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byTable)
}

// LinearSource hands out pages from a fixed physical range, reusing freed
// pages first.
type LinearSource struct {
	mu   sync.Mutex
	next uintptr
	end  uintptr
	free []uintptr
}

// NewLinearSource returns a source for the pages in [start, end).
func NewLinearSource(start, end uintptr) *LinearSource {
	return &LinearSource{next: start, end: end}
}

// AllocPage implements PageSource.AllocPage.
func (s *LinearSource) AllocPage() (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.free); n > 0 {
		p := s.free[n-1]
		s.free = s.free[:n-1]
		return p, nil
	}
	if s.next+pteSize > s.end || s.next+pteSize < s.next {
		return 0, lwkerr.ErrNoSpace
	}
	p := s.next
	s.next += pteSize
	return p, nil
}

// FreePage implements PageSource.FreePage.
func (s *LinearSource) FreePage(physical uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free = append(s.free, physical)
}
