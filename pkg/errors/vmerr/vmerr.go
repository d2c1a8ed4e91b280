// Copyright 2023 The gVisor Authors.
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

// Package vmerr contains the errors returned by the page table tree, the
// address-space operations and their collaborators. They are exported as
// *errors.Error pointers so that callers can compare them directly, and each
// one carries the errno a system call layer should report.
package vmerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"

	"github.com/guanwei-wu/Operating-Systems/pkg/errors"
)

// Resource exhaustion. Recoverable; partial work is rolled back where the
// operation says so.
var (
	ErrOutOfMemory = errors.New(unix.ENOMEM, "out of memory")
	ErrOutOfNodes  = errors.New(unix.ENOMEM, "out of page table nodes")
	ErrNoSpace     = errors.New(unix.ENOSPC, "no space left on swap device")
)

// Bad input from the caller.
var (
	ErrAddressOutOfRange = errors.New(unix.EFAULT, "address out of range")
	ErrInvalidRange      = errors.New(unix.EINVAL, "invalid range")
	ErrInvalidAdvice     = errors.New(unix.EINVAL, "invalid advice")
)

// ErrAccessViolation is returned when a faulting access is illegitimate. The
// caller is expected to terminate the faulting context.
var ErrAccessViolation = errors.New(unix.EFAULT, "access violation")

// ErrUnresolved is returned by lookups that would have to create page table
// nodes to reach the leaf.
var ErrUnresolved = errors.New(unix.ENOENT, "unresolved translation")

// ErrNotResident is returned when an operation needs the page contents in a
// frame but the page is swapped out.
var ErrNotResident = errors.New(unix.EAGAIN, "page not resident")

// Equals compares e to err. A nil e only matches a nil err.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	if e == nil {
		return false
	}
	return goerrors.Is(err, e)
}

// ToErrno returns the errno to report for err. Errors that are not part of
// the taxonomy map to EIO.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno()
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}
