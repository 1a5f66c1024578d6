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

	"kitten.dev/kitten/pkg/cleanup"
)

// Alias is a view of part of another PageTables' first root slot,
// installed in one root slot of its owner. Loads and stores through the
// owner's slot reach the target's memory with no copy and no fault.
type Alias struct {
	owner  *PageTables
	target *PageTables
	slot   uint16

	// private is the owner's PUD table for a narrowed alias, or nil when
	// the whole slot is shared.
	private *PTEs

	// pinned are the target tables the alias refers to.
	pinned []*PTEs
}

// Slot returns the owner root slot holding the alias.
func (a *Alias) Slot() uint16 {
	return a.slot
}

// InstallAlias makes the owner's root slot refer to target's addresses in
// [start, end), which must lie within target's first root slot and be
// aligned to 1GB. The alias of [start, end) appears at slot*RootSlotSize +
// start in p. Target addresses outside [start, end) are not reachable
// through the alias.
//
// The whole slot is shared when [start, end) covers it. Otherwise p gets a
// private PUD table whose entries are copies of target's, and target's
// covered entries are made into PMD tables, splitting 1GB pages, so the
// copies stay in sync with target.
//
// Every table is allocated before anything is written: on error nothing has
// changed.
//
// Preconditions:
//   - p and target share an Allocator.
//   - slot must be a lower half slot other than 0, and must be empty.
//   - Both p and target must be locked against mutation.
func (p *PageTables) InstallAlias(slot uint16, target *PageTables, start, end uintptr) (*Alias, error) {
	if slot == 0 || slot >= LowerSlots {
		panic(fmt.Sprintf("alias slot %d out of range", slot))
	}
	if start >= end || end > pgdSize || start&(pudSize-1) != 0 || end&(pudSize-1) != 0 {
		panic(fmt.Sprintf("alias range [%#x, %#x) is invalid", start, end))
	}
	if p.root[slot].Valid() {
		panic(fmt.Sprintf("alias slot %d is in use", slot))
	}

	a := &Alias{
		owner:  p,
		target: target,
		slot:   slot,
	}

	var cu cleanup.Cleanup
	defer cu.Clean()
	alloc := func() (*PTEs, error) {
		ptes, err := p.Allocator.NewPTEs()
		if err != nil {
			return nil, err
		}
		cu.Add(func() { p.Allocator.FreePTEs(ptes) })
		return ptes, nil
	}

	rootEntry := &target.root[0]
	var (
		pud    *PTEs
		newPUD bool
		err    error
	)
	if rootEntry.Valid() {
		pud = target.Allocator.LookupPTEs(rootEntry.Address())
	} else {
		if pud, err = alloc(); err != nil {
			return nil, err
		}
		newPUD = true
	}

	full := start == 0 && end == pgdSize
	type pending struct {
		index uint16
		table *PTEs
		fresh bool
	}
	var tables []pending
	if !full {
		if a.private, err = alloc(); err != nil {
			return nil, err
		}
		for index := uint16(start >> pudShift); index < uint16(end>>pudShift); index++ {
			entry := &pud[index]
			switch {
			case entry.Valid() && !entry.IsSuper():
				tables = append(tables, pending{index: index, table: target.Allocator.LookupPTEs(entry.Address())})
			case entry.Valid():
				pmd, err := alloc()
				if err != nil {
					return nil, err
				}
				splitSuper(entry, pmd)
				tables = append(tables, pending{index: index, table: pmd, fresh: true})
			default:
				pmd, err := alloc()
				if err != nil {
					return nil, err
				}
				tables = append(tables, pending{index: index, table: pmd, fresh: true})
			}
		}
	}

	// Nothing below can fail.
	cu.Release()
	if newPUD {
		rootEntry.setPageTable(target, pud)
	}
	if full {
		target.pin(pud)
		a.pinned = append(a.pinned, pud)
		p.root[slot].setPageTable(p, pud)
	} else {
		for _, t := range tables {
			if t.fresh {
				pud[t.index].setPageTable(target, t.table)
			}
			target.pin(t.table)
			a.pinned = append(a.pinned, t.table)
			a.private[t.index].store(pud[t.index].load())
		}
		p.root[slot].setPageTable(p, a.private)
	}
	if p.aliases == nil {
		p.aliases = make(map[uint16]*Alias)
	}
	p.aliases[slot] = a
	return a, nil
}

// Remove uninstalls the alias. Target tables that were kept only for the
// alias are freed.
//
// Preconditions: both the owner and target must be locked against mutation.
func (a *Alias) Remove() {
	p := a.owner
	if p.aliases[a.slot] != a {
		panic(fmt.Sprintf("alias in slot %d already removed", a.slot))
	}
	p.root[a.slot].Clear()
	delete(p.aliases, a.slot)
	if a.private != nil {
		p.Allocator.FreePTEs(a.private)
		a.private = nil
	}
	for _, t := range a.pinned {
		a.target.unpin(t)
	}
	a.pinned = nil
	// The alias may have held the last references to the target's PUD.
	a.target.reclaim(0, pgdSize)
}
