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

// Package lwkerr contains the failure kinds returned by the memory core,
// exported as error pointers so callers compare them by identity. Each one
// carries the errno the syscall layer reports it as.
package lwkerr

import (
	stderrors "errors"

	"golang.org/x/sys/unix"
	"kitten.dev/kitten/pkg/errors"
)

// Address space registry and region tracker errors.
var (
	// ErrInvalidID is returned for ids out of range, or for the kernel's id
	// where it is not allowed.
	ErrInvalidID = errors.New(unix.EINVAL, "invalid address space id")

	// ErrInvalidArgument is returned for malformed requests, such as empty
	// ranges.
	ErrInvalidArgument = errors.New(unix.EINVAL, "invalid argument")

	// ErrNotFound is returned when no region, physical region or address
	// space matches.
	ErrNotFound = errors.New(unix.ENOENT, "not found")

	// ErrOverlap is returned when an interval collides with an existing one.
	ErrOverlap = errors.New(unix.ENOTUNIQ, "range overlaps an existing region")

	// ErrAlreadyExists is returned when an id or boot region collides.
	ErrAlreadyExists = errors.New(unix.EEXIST, "already exists")

	// ErrMisaligned is returned when a page size or alignment constraint is
	// violated.
	ErrMisaligned = errors.New(unix.EINVAL, "misaligned address or length")

	// ErrNoSpace is returned when a search finds no fit.
	ErrNoSpace = errors.New(unix.ENOMEM, "no space")

	// ErrOutOfIDs is returned when every user address space id is taken.
	ErrOutOfIDs = errors.New(unix.ENOSPC, "out of address space ids")

	// ErrForbidden is returned when an unprivileged caller touches memory it
	// does not own.
	ErrForbidden = errors.New(unix.EPERM, "operation not permitted")

	// ErrBusy is returned by destroy when relations or tasks remain.
	ErrBusy = errors.New(unix.EBUSY, "address space is busy")

	// ErrUnset is returned when reading a rank that was never set.
	ErrUnset = errors.New(unix.ENODATA, "value is not set")

	// ErrAlreadySet is returned when setting a rank twice.
	ErrAlreadySet = errors.New(unix.EALREADY, "value is already set")

	// ErrUnmapped is returned when an address has no translation.
	ErrUnmapped = errors.New(unix.EFAULT, "address is not mapped")

	// ErrOutOfRange is returned when a range falls outside its container.
	ErrOutOfRange = errors.New(unix.ERANGE, "range out of bounds")
)

// Physical region allocator errors.
var (
	// ErrInvalidConstraint is returned by alloc for unsatisfiable
	// constraints.
	ErrInvalidConstraint = errors.New(unix.EINVAL, "invalid allocation constraint")
)

// ToErrno translates err to the errno reported to user space. Errors that do
// not carry an errno are reported as EINVAL.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e.Errno()
	}
	var errno unix.Errno
	if stderrors.As(err, &errno) {
		return errno
	}
	return unix.EINVAL
}

// Equals returns true if err is, or wraps, e.
func Equals(e *errors.Error, err error) bool {
	return stderrors.Is(err, e)
}
