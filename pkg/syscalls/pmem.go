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

package syscalls

import (
	"kitten.dev/kitten/pkg/pmem"
)

// PmemAdd adds memory to the partition.
func (s *Shim) PmemAdd(ctx Context, r pmem.Region) error {
	return s.invoke(ctx, SysPmemAdd, func() error {
		return s.pmem.Add(r)
	})
}

// PmemUpdate changes the attributes of partition memory.
func (s *Shim) PmemUpdate(ctx Context, p pmem.Patch) error {
	return s.invoke(ctx, SysPmemUpdate, func() error {
		return s.pmem.Update(ctx.Caller, p)
	})
}

// PmemQuery returns the lowest region matching f.
func (s *Shim) PmemQuery(ctx Context, f pmem.Filter) (pmem.Region, error) {
	var r pmem.Region
	err := s.invoke(ctx, SysPmemQuery, func() error {
		var err error
		r, err = s.pmem.Query(f)
		return err
	})
	return r, err
}

// PmemAlloc allocates size bytes aligned to align from free memory matching
// f.
func (s *Shim) PmemAlloc(ctx Context, size, align uint64, f pmem.Filter) (pmem.Region, error) {
	var r pmem.Region
	err := s.invoke(ctx, SysPmemAlloc, func() error {
		var err error
		r, err = s.pmem.Alloc(ctx.Caller, size, align, f)
		return err
	})
	return r, err
}

// PmemZero zeroes partition memory.
func (s *Shim) PmemZero(ctx Context, r pmem.Range) error {
	return s.invoke(ctx, SysPmemZero, func() error {
		return s.pmem.Zero(ctx.Caller, r)
	})
}
