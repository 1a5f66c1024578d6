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

	"kitten.dev/kitten/pkg/errors/lwkerr"
	"kitten.dev/kitten/pkg/hostarch"
	"kitten.dev/kitten/pkg/ring0/pagetables"
)

// alias is a SMARTMAP relation. It is reachable from both address spaces,
// and is only read or changed with both of them locked.
type alias struct {
	src, dst ID

	// ar is the part of dst's user range shown in src's window of dst.
	ar hostarch.AddrRange

	pt *pagetables.Alias
}

func checkSmartmapID(id ID) error {
	if id == KernelID || id > MaxID {
		return fmt.Errorf("SMARTMAP of address space %v: %w", id, lwkerr.ErrInvalidID)
	}
	return nil
}

// Smartmap makes the addresses [start, start+extent) of dst visible in src at
// Window(dst)+start. start and extent must be multiples of 1GB and
// start+extent may not exceed WindowSize. Loads and stores through the
// window reach dst's memory directly; mappings dst adds or removes in the
// range later are visible too.
//
// src and dst may be equal. Neither may be the kernel.
func (r *Registry) Smartmap(src, dst ID, start hostarch.Addr, extent uintptr) error {
	if err := checkSmartmapID(src); err != nil {
		return err
	}
	if err := checkSmartmapID(dst); err != nil {
		return err
	}
	if extent == 0 || !start.IsAligned(hostarch.SuperPageSize) || extent%hostarch.SuperPageSize != 0 {
		return fmt.Errorf("SMARTMAP of %v+%#x: %w", start, extent, lwkerr.ErrMisaligned)
	}
	ar, ok := start.ToRange(extent)
	if !ok || ar.End > WindowSize {
		return fmt.Errorf("SMARTMAP of %v+%#x: %w", start, extent, lwkerr.ErrOutOfRange)
	}

	srcAS, dstAS, unlock, err := r.lookupAndLockPair(src, dst)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := srcAS.imports[dst]; ok {
		return fmt.Errorf("address space %v is already SMARTMAPped in %v: %w", dst, src, lwkerr.ErrOverlap)
	}
	pt, err := srcAS.pageTables.InstallAlias(uint16(dst), dstAS.pageTables, uintptr(ar.Start), uintptr(ar.End))
	if err != nil {
		return fmt.Errorf("SMARTMAP of %v in %v: %w", dst, src, err)
	}
	a := &alias{src: src, dst: dst, ar: ar, pt: pt}
	srcAS.imports[dst] = a
	dstAS.exports[src] = a
	r.afterMutationLocked(srcAS)
	if dstAS != srcAS {
		r.afterMutationLocked(dstAS)
	}
	return nil
}

// Unsmartmap removes the window of dst from src.
func (r *Registry) Unsmartmap(src, dst ID) error {
	if err := checkSmartmapID(src); err != nil {
		return err
	}
	if err := checkSmartmapID(dst); err != nil {
		return err
	}
	srcAS, dstAS, unlock, err := r.lookupAndLockPair(src, dst)
	if err != nil {
		return err
	}
	defer unlock()
	a, ok := srcAS.imports[dst]
	if !ok {
		return fmt.Errorf("address space %v is not SMARTMAPped in %v: %w", dst, src, lwkerr.ErrNotFound)
	}
	a.pt.Remove()
	delete(srcAS.imports, dst)
	delete(dstAS.exports, src)
	r.afterMutationLocked(srcAS)
	if dstAS != srcAS {
		r.afterMutationLocked(dstAS)
	}
	return nil
}

// Imports returns the ids of the address spaces SMARTMAPped in id.
func (r *Registry) Imports(id ID) ([]ID, error) {
	as, err := r.lookupAndLock(id)
	if err != nil {
		return nil, err
	}
	defer as.mu.Unlock()
	return sortedIDs(as.imports), nil
}

// Exports returns the ids of the address spaces that SMARTMAP id.
func (r *Registry) Exports(id ID) ([]ID, error) {
	as, err := r.lookupAndLock(id)
	if err != nil {
		return nil, err
	}
	defer as.mu.Unlock()
	return sortedIDs(as.exports), nil
}
