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

package aspace

import (
	"fmt"
	"sort"

	"kitten.dev/kitten/pkg/errors/lwkerr"
)

// Snapshot is a copy of the state of an address space, for diagnostics.
type Snapshot struct {
	ID           ID       `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Rank         *int     `json:"rank,omitempty" yaml:"rank,omitempty"`
	CPUs         string   `json:"cpus" yaml:"cpus"`
	IOForward    string   `json:"ioForward" yaml:"ioForward"`
	Tasks        int      `json:"tasks" yaml:"tasks"`
	RootPhysical uint64   `json:"rootPhysical" yaml:"rootPhysical"`
	Imports      []ID     `json:"imports,omitempty" yaml:"imports,omitempty"`
	Exports      []ID     `json:"exports,omitempty" yaml:"exports,omitempty"`
	Regions      []Region `json:"regions,omitempty" yaml:"regions,omitempty"`
}

// Snapshot returns a copy of the state of an address space.
func (r *Registry) Snapshot(id ID) (Snapshot, error) {
	as, err := r.lookupAndLock(id)
	if err != nil {
		return Snapshot{}, err
	}
	defer as.mu.Unlock()
	s := Snapshot{
		ID:           as.id,
		Name:         as.name,
		CPUs:         as.cpuMask.String(),
		IOForward:    as.ioForwardMask.String(),
		Tasks:        as.tasks,
		RootPhysical: uint64(as.pageTables.RootPhysical()),
		Imports:      sortedIDs(as.imports),
		Exports:      sortedIDs(as.exports),
		Regions:      as.regionsLocked(),
	}
	if as.rankSet {
		rank := as.rank
		s.Rank = &rank
	}
	return s, nil
}

func sortedIDs(m map[ID]*alias) []ID {
	if len(m) == 0 {
		return nil
	}
	ids := make([]ID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Shutdown releases the kernel's address space. Every other address space
// must have been destroyed.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.spaces) == 0 {
		return nil
	}
	if len(r.spaces) != 1 {
		return fmt.Errorf("shutting down with %d user address spaces: %w", len(r.spaces)-1, lwkerr.ErrBusy)
	}
	as := r.kernel
	as.mu.Lock()
	defer as.mu.Unlock()
	as.pageTables.Release()
	as.pageTables = nil
	as.dead = true
	delete(r.spaces, KernelID)
	return nil
}
