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

// Package auth carries the identity and privilege of the caller of a memory
// core operation. Privilege is decided once, at the syscall boundary, and
// the resulting Caller is passed down; the core never re-derives it.
package auth

import (
	"fmt"
	"os"

	"github.com/moby/sys/capability"
)

// Caller is an already-authorized caller context.
type Caller struct {
	name       string
	privileged bool
}

// Kernel is the caller used by the kernel itself, for example during boot
// or when allocating page table pages.
var Kernel = Caller{name: "kernel", privileged: true}

// NewUser returns an unprivileged caller.
func NewUser(name string) Caller {
	return Caller{name: name}
}

// NewPrivileged returns a privileged user caller, such as a job launcher.
func NewPrivileged(name string) Caller {
	return Caller{name: name, privileged: true}
}

// Privileged returns true if the caller may manage address spaces and
// non-user physical memory.
func (c Caller) Privileged() bool {
	return c.privileged
}

// Name returns the caller's display name.
func (c Caller) Name() string {
	return c.name
}

// String implements fmt.Stringer.String.
func (c Caller) String() string {
	if c.privileged {
		return c.name + " (privileged)"
	}
	return c.name
}

// FromHost derives a caller from the capabilities of the host process: it
// is privileged iff CAP_SYS_ADMIN is in its effective set.
func FromHost() (Caller, error) {
	caps, err := capability.NewPid2(os.Getpid())
	if err != nil {
		return Caller{}, fmt.Errorf("reading capabilities: %w", err)
	}
	if err := caps.Load(); err != nil {
		return Caller{}, fmt.Errorf("loading capabilities: %w", err)
	}
	return Caller{
		name:       fmt.Sprintf("pid %d", os.Getpid()),
		privileged: caps.Get(capability.EFFECTIVE, capability.CAP_SYS_ADMIN),
	}, nil
}
