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

// Package syscalls is the interface from user space to the memory core.
//
// Every entry point runs through Shim.invoke, which performs the checks the
// core assumes were already made: the caller's privilege is checked once
// against the entry's table row, and address space ids are range checked.
// Core errors are translated to errnos, and failures are logged. The core
// itself never logs.
package syscalls

import (
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"kitten.dev/kitten/pkg/aspace"
	"kitten.dev/kitten/pkg/auth"
	"kitten.dev/kitten/pkg/errors/lwkerr"
	"kitten.dev/kitten/pkg/log"
	"kitten.dev/kitten/pkg/pmem"
)

// Sysno is a system call number.
type Sysno uintptr

// System call numbers of the memory core.
const (
	SysPmemAdd                        Sysno = 500
	SysPmemUpdate                     Sysno = 502
	SysPmemQuery                      Sysno = 503
	SysPmemAlloc                      Sysno = 504
	SysPmemZero                       Sysno = 505
	SysAspaceGetMyID                  Sysno = 506
	SysAspaceCreate                   Sysno = 507
	SysAspaceDestroy                  Sysno = 508
	SysAspaceFindHole                 Sysno = 509
	SysAspaceAddRegion                Sysno = 510
	SysAspaceDelRegion                Sysno = 511
	SysAspaceMapPmem                  Sysno = 512
	SysAspaceUnmapPmem                Sysno = 513
	SysAspaceVirtToPhys               Sysno = 514
	SysAspaceSmartmap                 Sysno = 515
	SysAspaceUnsmartmap               Sysno = 516
	SysAspaceDumpToConsole            Sysno = 517
	SysAspaceUpdateUserCPUMask        Sysno = 529
	SysAspaceGetRank                  Sysno = 532
	SysAspaceSetRank                  Sysno = 533
	SysAspaceUpdateUserHIOSyscallMask Sysno = 534
)

// Privilege is the privilege an entry point requires.
type Privilege int

const (
	// Unprivileged entry points may be called by anyone. The core still
	// restricts what unprivileged callers may touch.
	Unprivileged Privilege = iota

	// Privileged entry points fail with EPERM for unprivileged callers.
	Privileged
)

// String implements fmt.Stringer.String.
func (p Privilege) String() string {
	if p == Privileged {
		return "privileged"
	}
	return "unprivileged"
}

// Syscall describes an entry point.
type Syscall struct {
	// Name is the entry point's name, used in logs and metrics.
	Name string

	// Privilege is the required privilege.
	Privilege Privilege
}

// Table describes every entry point, by number.
var Table = map[Sysno]Syscall{
	SysPmemAdd:                        {"pmem_add", Privileged},
	SysPmemUpdate:                     {"pmem_update", Unprivileged},
	SysPmemQuery:                      {"pmem_query", Unprivileged},
	SysPmemAlloc:                      {"pmem_alloc", Unprivileged},
	SysPmemZero:                       {"pmem_zero", Unprivileged},
	SysAspaceGetMyID:                  {"aspace_get_myid", Unprivileged},
	SysAspaceCreate:                   {"aspace_create", Privileged},
	SysAspaceDestroy:                  {"aspace_destroy", Privileged},
	SysAspaceFindHole:                 {"aspace_find_hole", Unprivileged},
	SysAspaceAddRegion:                {"aspace_add_region", Privileged},
	SysAspaceDelRegion:                {"aspace_del_region", Privileged},
	SysAspaceMapPmem:                  {"aspace_map_pmem", Privileged},
	SysAspaceUnmapPmem:                {"aspace_unmap_pmem", Privileged},
	SysAspaceVirtToPhys:               {"aspace_virt_to_phys", Unprivileged},
	SysAspaceSmartmap:                 {"aspace_smartmap", Privileged},
	SysAspaceUnsmartmap:               {"aspace_unsmartmap", Privileged},
	SysAspaceDumpToConsole:            {"aspace_dump2console", Unprivileged},
	SysAspaceUpdateUserCPUMask:        {"aspace_update_user_cpumask", Privileged},
	SysAspaceGetRank:                  {"aspace_get_rank", Unprivileged},
	SysAspaceSetRank:                  {"aspace_set_rank", Privileged},
	SysAspaceUpdateUserHIOSyscallMask: {"aspace_update_user_hio_syscall_mask", Privileged},
}

// Context is the calling task's view: who is calling, and from which address
// space.
type Context struct {
	Caller auth.Caller
	Aspace aspace.ID
}

// Opts configures a Shim.
type Opts struct {
	Registry  *aspace.Registry
	Allocator *pmem.Allocator

	// Console receives aspace_dump2console output. Nil discards it.
	Console io.Writer

	// Logger receives failed calls. Nil means the global logger.
	Logger log.Logger

	// LogEvery limits failure logging to one message per period. Zero
	// disables the limit.
	LogEvery time.Duration
}

// Stats counts calls to one entry point.
type Stats struct {
	Name   string `json:"name" yaml:"name"`
	Calls  uint64 `json:"calls" yaml:"calls"`
	Errors uint64 `json:"errors" yaml:"errors"`
}

type counters struct {
	calls  atomic.Uint64
	errors atomic.Uint64
}

// Shim is the system call layer of the memory core. It is safe for
// concurrent use.
type Shim struct {
	reg     *aspace.Registry
	pmem    *pmem.Allocator
	console io.Writer
	log     log.Logger

	// counters is read-only after New.
	counters map[Sysno]*counters
}

// New returns a Shim over the given core.
func New(opts Opts) *Shim {
	logger := opts.Logger
	if logger == nil {
		logger = log.Log()
	}
	if opts.LogEvery > 0 {
		logger = log.RateLimitedLogger(logger, opts.LogEvery)
	}
	console := opts.Console
	if console == nil {
		console = io.Discard
	}
	s := &Shim{
		reg:      opts.Registry,
		pmem:     opts.Allocator,
		console:  console,
		log:      logger,
		counters: make(map[Sysno]*counters, len(Table)),
	}
	for no := range Table {
		s.counters[no] = &counters{}
	}
	return s
}

// invoke runs fn as entry point no on behalf of ctx, and returns the errno
// of its failure, or nil.
func (s *Shim) invoke(ctx Context, no Sysno, fn func() error) error {
	sc, ok := Table[no]
	if !ok {
		panic(fmt.Sprintf("invoking unknown syscall %d", no))
	}
	c := s.counters[no]
	c.calls.Add(1)

	var err error
	if sc.Privilege == Privileged && !ctx.Caller.Privileged() {
		err = fmt.Errorf("%s requires privilege: %w", sc.Name, lwkerr.ErrForbidden)
	} else {
		err = fn()
	}
	if err == nil {
		return nil
	}
	c.errors.Add(1)
	errno := lwkerr.ToErrno(err)
	if errno == unix.EPERM {
		s.log.Warningf("%s by %v in aspace %v: %v", sc.Name, ctx.Caller, ctx.Aspace, err)
	} else {
		s.log.Debugf("%s by %v in aspace %v: %v (%v)", sc.Name, ctx.Caller, ctx.Aspace, err, errno)
	}
	return errno
}

// checkID validates an address space id argument. The kernel's id is
// accepted only if kernelOK.
func checkID(id aspace.ID, kernelOK bool) error {
	switch {
	case id > aspace.MaxID:
		return fmt.Errorf("id %d: %w", id, lwkerr.ErrInvalidID)
	case id == aspace.KernelID && !kernelOK:
		return fmt.Errorf("id %d is the kernel's: %w", id, lwkerr.ErrInvalidID)
	}
	return nil
}

// Stats returns the call counts of every entry point, ordered by number.
func (s *Shim) Stats() []Stats {
	nos := make([]Sysno, 0, len(s.counters))
	for no := range s.counters {
		nos = append(nos, no)
	}
	sort.Slice(nos, func(i, j int) bool { return nos[i] < nos[j] })
	stats := make([]Stats, 0, len(nos))
	for _, no := range nos {
		c := s.counters[no]
		stats = append(stats, Stats{
			Name:   Table[no].Name,
			Calls:  c.calls.Load(),
			Errors: c.errors.Load(),
		})
	}
	return stats
}
