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
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
	"kitten.dev/kitten/lwkctl/boot"
	"kitten.dev/kitten/pkg/aspace"
	"kitten.dev/kitten/pkg/auth"
	"kitten.dev/kitten/pkg/hostarch"
	"kitten.dev/kitten/pkg/log"
	"kitten.dev/kitten/pkg/pmem"
	"kitten.dev/kitten/pkg/syscalls"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	output
	workers int
	ops     int
	seed    int64
	report  string
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run random concurrent memory operations and check the node's invariants"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [-workers=N] [-ops=N] [-seed=N] [-report=file] - runs N workers, each in its own address space, doing random
allocations, mappings and SMARTMAPs, then tears everything down and checks the node
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 8, "number of concurrent workers.")
	f.IntVar(&s.ops, "ops", 1000, "operations per worker.")
	f.Int64Var(&s.seed, "seed", 0, "random seed. Zero picks one from the clock.")
	f.StringVar(&s.report, "report", "", "file to write the YAML report to. Empty means stdout.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.workers < 1 || s.workers > int(aspace.MaxID) || s.ops < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if s.seed == 0 {
		s.seed = time.Now().UnixNano()
	}
	n, err := bootNode(args, io.Discard)
	if err != nil {
		return failure("booting node: %v", err)
	}
	defer shutdown(n)

	report, err := runStress(ctx, n, s.workers, s.ops, s.seed)
	if err != nil {
		return failure("stress run with seed %d: %v", s.seed, err)
	}
	if err := s.writeReport(report); err != nil {
		return failure("writing report: %v", err)
	}
	return subcommands.ExitSuccess
}

func (s *Stress) writeReport(report *StressReport) error {
	w := s.writer()
	if s.report != "" {
		f, err := os.Create(s.report)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(report); err != nil {
		return err
	}
	return enc.Close()
}

// StressReport summarizes a stress run.
type StressReport struct {
	Seed     int64            `yaml:"seed"`
	Workers  int              `yaml:"workers"`
	Ops      int              `yaml:"ops"`
	Duration time.Duration    `yaml:"duration"`
	Mapped   uint64           `yaml:"mappedBytes"`
	Syscalls []syscalls.Stats `yaml:"syscalls"`
}

// mapping is memory a worker has bound in its address space.
type mapping struct {
	start hostarch.Addr
	size  uint64
	phys  uint64
}

// worker does random operations in its own address space.
type worker struct {
	n      *boot.Node
	rand   *rand.Rand
	ctx    syscalls.Context
	admin  syscalls.Context
	peers  []aspace.ID
	maps   []mapping
	smaps  map[aspace.ID]bool
	mapped uint64
}

func runStress(ctx context.Context, n *boot.Node, workers, ops int, seed int64) (*StressReport, error) {
	start := time.Now()
	tables := n.Tables.Tables()
	admin := syscalls.Context{Caller: auth.NewPrivileged("stress"), Aspace: aspace.KernelID}

	ws := make([]*worker, workers)
	var ids []aspace.ID
	for i := range ws {
		id, err := n.Shim.AspaceCreate(admin, aspace.AnyID, fmt.Sprintf("worker%d", i))
		if err != nil {
			return nil, fmt.Errorf("creating worker %d: %w", i, err)
		}
		ids = append(ids, id)
		ws[i] = &worker{
			n:     n,
			rand:  rand.New(rand.NewSource(seed + int64(i))),
			ctx:   syscalls.Context{Caller: auth.NewUser(fmt.Sprintf("worker%d", i)), Aspace: id},
			admin: syscalls.Context{Caller: admin.Caller, Aspace: id},
			smaps: make(map[aspace.ID]bool),
		}
	}
	for _, w := range ws {
		w.peers = ids
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range ws {
		g.Go(func() error {
			for i := 0; i < ops; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := w.step(); err != nil {
					return fmt.Errorf("%v op %d: %w", w.ctx.Aspace, i, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Windows pin their targets, so every worker drops its windows before
	// any address space is destroyed.
	report := &StressReport{Seed: seed, Workers: workers, Ops: ops}
	g = new(errgroup.Group)
	for _, w := range ws {
		report.Mapped += w.mapped
		g.Go(w.unsmartmapAll)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	g = new(errgroup.Group)
	for _, w := range ws {
		g.Go(w.teardown)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if got := n.Tables.Tables(); got != tables {
		return nil, fmt.Errorf("%d page table pages before the run, %d after", tables, got)
	}
	if got := n.Allocator.Stats().ByKind[pmem.User].Allocated; got != 0 {
		return nil, fmt.Errorf("%#x bytes of user memory leaked", got)
	}
	if err := n.CheckInvariants(); err != nil {
		return nil, err
	}
	report.Duration = time.Since(start)
	report.Syscalls = n.Shim.Stats()
	log.Infof("Stress run with seed %d done in %v", seed, report.Duration)
	return report, nil
}

// expected returns true if err is a failure a random workload runs into on
// a healthy node.
func expected(err error) bool {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case unix.ENOMEM, unix.EEXIST, unix.ENOTUNIQ, unix.ENOENT:
		return true
	}
	return false
}

func (w *worker) step() error {
	switch op := w.rand.Intn(10); {
	case op < 3:
		return w.mapRandom()
	case op < 5:
		return w.unmapRandom()
	case op < 7:
		return w.touch()
	case op < 8:
		return w.smartmap()
	case op < 9:
		return w.unsmartmap()
	default:
		return w.peek()
	}
}

func (w *worker) mapRandom() error {
	shim := w.n.Shim
	pageSize := uintptr(hostarch.PageSize)
	size := uint64(1+w.rand.Intn(16)) * hostarch.PageSize
	if w.rand.Intn(8) == 0 {
		pageSize = hostarch.HugePageSize
		size = hostarch.HugePageSize
	}
	region, err := shim.PmemAlloc(w.admin, size, uint64(pageSize), pmem.Filter{})
	if err != nil {
		if expected(err) {
			return nil
		}
		return fmt.Errorf("allocating %#x bytes: %w", size, err)
	}
	start, err := shim.AspaceFindHole(w.ctx, w.ctx.Aspace, 0, uintptr(size), pageSize)
	if err == nil {
		err = shim.AspaceAddRegion(w.admin, w.ctx.Aspace, start, uintptr(size), aspace.VMRead|aspace.VMWrite|aspace.VMUser, pageSize, "stress")
		if err == nil {
			if err = shim.AspaceMapPmem(w.admin, w.ctx.Aspace, region.Start, start, uintptr(size)); err != nil {
				if derr := shim.AspaceDelRegion(w.admin, w.ctx.Aspace, start, uintptr(size)); derr != nil {
					return fmt.Errorf("deleting region %v after a failed mapping: %w", start, derr)
				}
			}
		}
	}
	if err != nil {
		if ferr := w.free(region.Range); ferr != nil {
			return ferr
		}
		if expected(err) {
			return nil
		}
		return fmt.Errorf("mapping %v: %w", region.Range, err)
	}
	w.maps = append(w.maps, mapping{start: start, size: size, phys: region.Start})
	w.mapped += size
	return nil
}

func (w *worker) free(r pmem.Range) error {
	if err := w.n.Shim.PmemUpdate(w.admin, pmem.Patch{Range: r, Allocated: pmem.Some(false), Name: pmem.Some("")}); err != nil {
		return fmt.Errorf("freeing %v: %w", r, err)
	}
	return nil
}

func (w *worker) unmap(i int) error {
	m := w.maps[i]
	w.maps[i] = w.maps[len(w.maps)-1]
	w.maps = w.maps[:len(w.maps)-1]
	shim := w.n.Shim
	if err := shim.AspaceUnmapPmem(w.admin, w.ctx.Aspace, m.start, uintptr(m.size)); err != nil {
		return fmt.Errorf("unbinding %v: %w", m.start, err)
	}
	if err := shim.AspaceDelRegion(w.admin, w.ctx.Aspace, m.start, uintptr(m.size)); err != nil {
		return fmt.Errorf("deleting region %v: %w", m.start, err)
	}
	return w.free(pmem.Range{Start: m.phys, End: m.phys + m.size})
}

func (w *worker) unmapRandom() error {
	if len(w.maps) == 0 {
		return nil
	}
	return w.unmap(w.rand.Intn(len(w.maps)))
}

// touch writes a word to a random page of a random mapping and reads it
// back, checking the translation on the way.
func (w *worker) touch() error {
	if len(w.maps) == 0 {
		return nil
	}
	m := w.maps[w.rand.Intn(len(w.maps))]
	off := uint64(w.rand.Intn(int(m.size/hostarch.PageSize))) * hostarch.PageSize
	addr := m.start + hostarch.Addr(off)

	phys, err := w.n.Shim.AspaceVirtToPhys(w.ctx, w.ctx.Aspace, addr)
	if err != nil {
		return fmt.Errorf("translating %v: %w", addr, err)
	}
	if phys != m.phys+off {
		return fmt.Errorf("%v translates to %#x, want %#x", addr, phys, m.phys+off)
	}

	want := w.rand.Uint64()
	buf := binary.LittleEndian.AppendUint64(nil, want)
	if _, err := w.n.Registry.CopyOut(w.ctx.Aspace, addr, buf); err != nil {
		return fmt.Errorf("writing %v: %w", addr, err)
	}
	if _, err := w.n.Registry.CopyIn(w.ctx.Aspace, addr, buf); err != nil {
		return fmt.Errorf("reading %v: %w", addr, err)
	}
	if got := binary.LittleEndian.Uint64(buf); got != want {
		return fmt.Errorf("read %#x at %v, wrote %#x", got, addr, want)
	}
	return nil
}

func (w *worker) smartmap() error {
	dst := w.peers[w.rand.Intn(len(w.peers))]
	if w.smaps[dst] {
		return nil
	}
	if err := w.n.Shim.AspaceSmartmap(w.admin, w.ctx.Aspace, dst, 0, aspace.WindowSize); err != nil {
		if expected(err) {
			return nil
		}
		return fmt.Errorf("SMARTMAP of %v: %w", dst, err)
	}
	w.smaps[dst] = true
	return nil
}

func (w *worker) unsmartmap() error {
	for dst := range w.smaps {
		if err := w.n.Shim.AspaceUnsmartmap(w.admin, w.ctx.Aspace, dst); err != nil {
			return fmt.Errorf("removing SMARTMAP of %v: %w", dst, err)
		}
		delete(w.smaps, dst)
		return nil
	}
	return nil
}

// peek translates an address in a peer's window. Peers change their
// mappings concurrently, so an unmapped address is not a failure.
func (w *worker) peek() error {
	for dst := range w.smaps {
		addr := aspace.Window(dst) + aspace.UserStart + hostarch.Addr(w.rand.Intn(1<<20))&^(hostarch.PageSize-1)
		if _, err := w.n.Shim.AspaceVirtToPhys(w.ctx, w.ctx.Aspace, addr); err != nil && !errors.Is(err, unix.EFAULT) {
			return fmt.Errorf("translating %v in the window of %v: %w", addr, dst, err)
		}
		return nil
	}
	return nil
}

func (w *worker) unsmartmapAll() error {
	for len(w.smaps) != 0 {
		if err := w.unsmartmap(); err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) teardown() error {
	for len(w.maps) != 0 {
		if err := w.unmap(len(w.maps) - 1); err != nil {
			return err
		}
	}
	if err := w.n.Shim.AspaceDestroy(w.admin, w.ctx.Aspace); err != nil {
		return fmt.Errorf("destroying %v: %w", w.ctx.Aspace, err)
	}
	return nil
}
