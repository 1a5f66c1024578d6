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

package lwkerr

import (
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestToErrno(t *testing.T) {
	for _, test := range []struct {
		name string
		err  error
		want unix.Errno
	}{
		{"nil", nil, 0},
		{"forbidden", ErrForbidden, unix.EPERM},
		{"wrapped", fmt.Errorf("bind: %w", ErrOverlap), unix.ENOTUNIQ},
		{"unix", unix.EBADF, unix.EBADF},
		{"opaque", fmt.Errorf("something else"), unix.EINVAL},
		{"unmapped", ErrUnmapped, unix.EFAULT},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := ToErrno(test.err); got != test.want {
				t.Errorf("ToErrno(%v): got %v, want %v", test.err, got, test.want)
			}
		})
	}
}

func TestEqualsDistinguishesKinds(t *testing.T) {
	// Same errno, different kinds.
	if Equals(ErrMisaligned, ErrInvalidID) {
		t.Errorf("ErrMisaligned should not equal ErrInvalidID")
	}
	if !Equals(ErrMisaligned, fmt.Errorf("add: %w", ErrMisaligned)) {
		t.Errorf("wrapped ErrMisaligned should equal ErrMisaligned")
	}
}
