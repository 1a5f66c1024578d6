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

// Package boot assembles a simulated node from its configuration: physical
// memory, the physical memory allocator, page tables and the address space
// registry, fronted by the syscall shim.
package boot

import (
	"fmt"
	"io"
	"os"

	"kitten.dev/kitten/lwkctl/config"
	"kitten.dev/kitten/pkg/aspace"
	"kitten.dev/kitten/pkg/auth"
	"kitten.dev/kitten/pkg/cleanup"
	"kitten.dev/kitten/pkg/hostarch"
	"kitten.dev/kitten/pkg/log"
	"kitten.dev/kitten/pkg/physmem"
	"kitten.dev/kitten/pkg/pmem"
	"kitten.dev/kitten/pkg/ring0/pagetables"
	"kitten.dev/kitten/pkg/syscalls"
)

// Node is a booted node.
type Node struct {
	Config    *config.Config
	Memory    *physmem.Memory
	Allocator *pmem.Allocator
	Tables    *pagetables.PoolAllocator
	Registry  *aspace.Registry
	Shim      *syscalls.Shim
}

// Opts are options for Boot that do not come from the configuration.
type Opts struct {
	// Console receives aspace_dump_to_console output. Defaults to stdout.
	Console io.Writer

	// Logger receives syscall failures. Defaults to the global logger.
	Logger log.Logger
}

// Boot brings up a node described by conf. On error everything acquired so
// far is released.
func Boot(conf *config.Config, opts Opts) (*Node, error) {
	cu := cleanup.Cleanup{}
	defer cu.Clean()

	mem, err := physmem.New(physmem.Opts{Size: conf.MemorySize(), Path: conf.MemoryFile})
	if err != nil {
		return nil, fmt.Errorf("creating physical memory: %w", err)
	}
	cu.Add(func() { mem.Close() })

	alloc := pmem.NewAllocator(mem)
	for i := range conf.Banks {
		r := conf.Banks[i].Region()
		if err := alloc.Add(r); err != nil {
			return nil, fmt.Errorf("installing bank %v: %w", r.Range, err)
		}
	}
	if _, err := alloc.Query(pmem.Filter{Kind: pmem.Some(pmem.Kernel), Allocated: pmem.Some(false)}); err != nil {
		log.Warningf("No free kernel memory: page table allocations will fail")
	}

	tables := pagetables.NewPoolAllocator(&tableSource{alloc: alloc})
	reg, err := aspace.NewRegistry(aspace.Opts{
		TableAllocator:  tables,
		Regions:         alloc,
		Memory:          mem,
		NumCPUs:         uint32(conf.CPUs),
		PageSizes:       conf.PageSizeList(),
		DirectMapSize:   uint64(conf.DirectMapSize),
		CheckInvariants: conf.CheckInvariants,
	})
	if err != nil {
		return nil, fmt.Errorf("creating address space registry: %w", err)
	}
	cu.Add(func() { reg.Shutdown() })

	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	shim := syscalls.New(syscalls.Opts{
		Registry:  reg,
		Allocator: alloc,
		Console:   console,
		Logger:    opts.Logger,
	})

	cu.Release()
	log.Infof("Node %q booted: %v installed, %d page table pages", conf.Name, config.Size(alloc.Stats().Installed), tables.Tables())
	return &Node{
		Config:    conf,
		Memory:    mem,
		Allocator: alloc,
		Tables:    tables,
		Registry:  reg,
		Shim:      shim,
	}, nil
}

// Shutdown destroys every address space, releases the kernel's page tables
// and closes physical memory. Physical memory held by destroyed address
// spaces is not freed: it disappears with the node.
func (n *Node) Shutdown() error {
	for _, id := range n.Registry.IDs() {
		if id == aspace.KernelID {
			continue
		}
		// Aliases pin their targets, so drop them all first.
		snap, err := n.Registry.Snapshot(id)
		if err != nil {
			continue
		}
		for _, dst := range snap.Imports {
			if err := n.Registry.Unsmartmap(id, dst); err != nil {
				log.Warningf("Removing SMARTMAP %v -> %v: %v", id, dst, err)
			}
		}
	}
	for _, id := range n.Registry.IDs() {
		if id == aspace.KernelID {
			continue
		}
		if err := n.Registry.Destroy(id); err != nil {
			return fmt.Errorf("destroying address space %v: %w", id, err)
		}
	}
	if err := n.Registry.Shutdown(); err != nil {
		return err
	}
	if tables := n.Tables.Tables(); tables != 0 {
		log.Warningf("%d page table pages leaked at shutdown", tables)
	}
	return n.Memory.Close()
}

// CheckInvariants checks both the physical memory partition and every
// address space.
func (n *Node) CheckInvariants() error {
	if err := n.Allocator.CheckInvariants(); err != nil {
		return fmt.Errorf("physical memory: %w", err)
	}
	if err := n.Registry.CheckInvariants(); err != nil {
		return fmt.Errorf("address spaces: %w", err)
	}
	return nil
}

// tableSource draws page table pages from the node's kernel memory.
type tableSource struct {
	alloc *pmem.Allocator
}

// AllocPage implements pagetables.PageSource.AllocPage.
func (s *tableSource) AllocPage() (uintptr, error) {
	r, err := s.alloc.Alloc(auth.Kernel, hostarch.PageSize, hostarch.PageSize, pmem.Filter{Kind: pmem.Some(pmem.Kernel)})
	if err != nil {
		return 0, err
	}
	return uintptr(r.Start), nil
}

// FreePage implements pagetables.PageSource.FreePage.
func (s *tableSource) FreePage(physical uintptr) {
	r := pmem.Range{Start: uint64(physical), End: uint64(physical) + hostarch.PageSize}
	if err := s.alloc.Free(auth.Kernel, r); err != nil {
		panic(fmt.Sprintf("freeing page table page %v: %v", r, err))
	}
}
