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

package cmd

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/google/subcommands"
	"kitten.dev/kitten/lwkctl/boot"
	"kitten.dev/kitten/lwkctl/config"
	"kitten.dev/kitten/pkg/aspace"
	"kitten.dev/kitten/pkg/auth"
	"kitten.dev/kitten/pkg/hostarch"
	"kitten.dev/kitten/pkg/log"
	"kitten.dev/kitten/pkg/pmem"
	"kitten.dev/kitten/pkg/syscalls"
)

// heapBase is where each rank's heap is placed.
const heapBase hostarch.Addr = 1 << 30

// Smartmap implements subcommands.Command for the "smartmap" command.
type Smartmap struct {
	output
	ranks int
	size  config.Size
	dump  bool
}

// Name implements subcommands.Command.Name.
func (*Smartmap) Name() string {
	return "smartmap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Smartmap) Synopsis() string {
	return "run a job whose ranks read each other's heaps through SMARTMAP"
}

// Usage implements subcommands.Command.Usage.
func (*Smartmap) Usage() string {
	return `smartmap [-ranks=N] [-size=2M] [-dump] - launches N ranks, each with its own heap, SMARTMAPs every
rank into every other and has each rank read a message from every other rank's heap
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Smartmap) SetFlags(f *flag.FlagSet) {
	s.size = hostarch.HugePageSize
	f.IntVar(&s.ranks, "ranks", 4, "number of ranks in the job.")
	f.Var(&s.size, "size", "heap size of each rank.")
	f.BoolVar(&s.dump, "dump", false, "dump every address space to the console before teardown.")
}

// Execute implements subcommands.Command.Execute.
func (s *Smartmap) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.ranks < 1 || s.ranks > int(aspace.MaxID) || s.size == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	w := s.writer()
	n, err := bootNode(args, w)
	if err != nil {
		return failure("booting node: %v", err)
	}
	defer shutdown(n)

	if err := runSmartmapJob(w, n, s.ranks, uint64(s.size), s.dump); err != nil {
		return failure("%v", err)
	}
	return subcommands.ExitSuccess
}

// rank is one process of a job.
type rank struct {
	index int
	id    aspace.ID
	ctx   syscalls.Context
	heap  pmem.Region
}

func (r *rank) message() []byte {
	return []byte(fmt.Sprintf("hello from rank %d", r.index))
}

// launchRank creates an address space with a heap of size bytes at
// heapBase and writes the rank's message at the start of it.
func launchRank(n *boot.Node, launcher syscalls.Context, index int, size uint64) (*rank, error) {
	shim := n.Shim
	id, err := shim.AspaceCreate(launcher, aspace.AnyID, fmt.Sprintf("rank%d", index))
	if err != nil {
		return nil, fmt.Errorf("creating address space for rank %d: %w", index, err)
	}
	if err := shim.AspaceSetRank(launcher, id, index); err != nil {
		return nil, fmt.Errorf("setting rank of %v: %w", id, err)
	}

	pageSize := uintptr(hostarch.PageSize)
	if size%hostarch.HugePageSize == 0 {
		pageSize = hostarch.HugePageSize
	}
	heap, err := shim.PmemAlloc(launcher, size, uint64(pageSize), pmem.Filter{})
	if err != nil {
		return nil, fmt.Errorf("allocating heap for rank %d: %w", index, err)
	}
	if err := shim.PmemUpdate(launcher, pmem.Patch{Range: heap.Range, Name: pmem.Some(fmt.Sprintf("rank%d heap", index))}); err != nil {
		return nil, err
	}
	if err := shim.PmemZero(launcher, heap.Range); err != nil {
		return nil, err
	}
	flags := aspace.VMRead | aspace.VMWrite | aspace.VMUser
	if err := shim.AspaceAddRegion(launcher, id, heapBase, uintptr(size), flags, pageSize, "heap"); err != nil {
		return nil, fmt.Errorf("adding heap region to %v: %w", id, err)
	}
	if err := shim.AspaceMapPmem(launcher, id, heap.Start, heapBase, uintptr(size)); err != nil {
		return nil, fmt.Errorf("mapping heap of %v: %w", id, err)
	}

	r := &rank{
		index: index,
		id:    id,
		ctx:   syscalls.Context{Caller: auth.NewUser(fmt.Sprintf("rank%d", index)), Aspace: id},
		heap:  heap,
	}
	if _, err := n.Registry.CopyOut(id, heapBase, r.message()); err != nil {
		return nil, fmt.Errorf("writing message of %v: %w", id, err)
	}
	return r, nil
}

func runSmartmapJob(w io.Writer, n *boot.Node, nranks int, size uint64, dump bool) error {
	launcher := syscalls.Context{Caller: auth.NewPrivileged("launcher"), Aspace: aspace.KernelID}
	before := n.Tables.Tables()

	ranks := make([]*rank, 0, nranks)
	for i := 0; i < nranks; i++ {
		r, err := launchRank(n, launcher, i, size)
		if err != nil {
			return err
		}
		ranks = append(ranks, r)
	}
	for _, src := range ranks {
		for _, dst := range ranks {
			if err := n.Shim.AspaceSmartmap(launcher, src.id, dst.id, 0, aspace.WindowSize); err != nil {
				return fmt.Errorf("SMARTMAP %v -> %v: %w", src.id, dst.id, err)
			}
		}
	}
	log.Infof("Job of %d ranks SMARTMAPped, %d page table pages added", nranks, n.Tables.Tables()-before)

	for _, r := range ranks {
		for _, peer := range ranks {
			if peer == r {
				continue
			}
			want := peer.message()
			got := make([]byte, len(want))
			addr := aspace.Window(peer.id) + heapBase
			if _, err := n.Registry.CopyIn(r.id, addr, got); err != nil {
				return fmt.Errorf("rank %d reading %v: %w", r.index, addr, err)
			}
			if !bytes.Equal(got, want) {
				return fmt.Errorf("rank %d read %q at %v, want %q", r.index, got, addr, want)
			}
			phys, err := n.Shim.AspaceVirtToPhys(r.ctx, r.id, addr)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "rank %d (aspace %v) read %q at %v (phys %#x)\n", r.index, r.id, got, addr, phys)
		}
	}

	if dump {
		for _, r := range ranks {
			if err := n.Shim.AspaceDumpToConsole(r.ctx, r.id); err != nil {
				return err
			}
		}
	}

	for _, src := range ranks {
		for _, dst := range ranks {
			if err := n.Shim.AspaceUnsmartmap(launcher, src.id, dst.id); err != nil {
				return fmt.Errorf("removing SMARTMAP %v -> %v: %w", src.id, dst.id, err)
			}
		}
	}
	for _, r := range ranks {
		if err := n.Shim.AspaceDestroy(launcher, r.id); err != nil {
			return fmt.Errorf("destroying %v: %w", r.id, err)
		}
		if err := n.Shim.PmemUpdate(launcher, pmem.Patch{Range: r.heap.Range, Allocated: pmem.Some(false), Name: pmem.Some("")}); err != nil {
			return fmt.Errorf("freeing heap of %v: %w", r.id, err)
		}
	}
	if after := n.Tables.Tables(); after != before {
		return fmt.Errorf("%d page table pages leaked", after-before)
	}
	return n.CheckInvariants()
}
