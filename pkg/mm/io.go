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

package mm

import (
	"bytes"
	"context"
	"fmt"

	"github.com/guanwei-wu/Operating-Systems/pkg/errors/vmerr"
	"github.com/guanwei-wu/Operating-Systems/pkg/hostarch"
)

// LoadInitcode maps one zeroed user page at address 0, copies code into it
// and sets the logical size to one page. It is used for the first process
// image; code must fit in a page.
func (as *AddressSpace) LoadInitcode(ctx context.Context, code []byte) error {
	if len(code) >= hostarch.PageSize {
		panic(fmt.Sprintf("initcode of %d bytes does not fit in a page", len(code)))
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if err := as.mapRangeLocked(0, hostarch.PageSize, AnonymousFrames(as.opts.Frames), userOpts); err != nil {
		return err
	}
	pte, err := as.pt.Walk(0, false)
	if err != nil {
		panic(fmt.Sprintf("initcode page vanished: %v", err))
	}
	copy(as.opts.Frames.Data(pte.Frame()), code)
	as.size = hostarch.PageSize
	return nil
}

// ClearUser makes the page at va inaccessible from user mode. It is used for
// the guard page below the user stack. The page must be mapped.
func (as *AddressSpace) ClearUser(va hostarch.Addr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, err := as.pt.Walk(va, false)
	if err != nil || pte.Unmapped() {
		panic(fmt.Sprintf("ClearUser of unmapped page %v", va))
	}
	opts := pte.Opts()
	opts.User = false
	pte.SetOpts(opts)
}

// forEachPageLocked calls fn with the bytes of each resident user page covering
// [addr, addr+length), clipped to the range. It stops at the first page that
// is not present with vmerr.ErrAccessViolation.
func (as *AddressSpace) forEachPageLocked(addr hostarch.Addr, length uint64, fn func(b []byte) bool) error {
	for length > 0 {
		page := addr.RoundDown()
		fr, ok := as.pt.Translate(page)
		if !ok {
			return vmerr.ErrAccessViolation
		}
		off := addr.PageOffset()
		n := min(uint64(hostarch.PageSize)-off, length)
		if !fn(as.opts.Frames.Data(fr)[off : off+n]) {
			return nil
		}
		length -= n
		addr = page + hostarch.PageSize
	}
	return nil
}

// CopyOut copies src to user address dst. Every page touched must be resident
// and user-accessible; otherwise vmerr.ErrAccessViolation is returned and a
// prefix of src may have been copied.
func (as *AddressSpace) CopyOut(ctx context.Context, dst hostarch.Addr, src []byte) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.forEachPageLocked(dst, uint64(len(src)), func(b []byte) bool {
		src = src[copy(b, src):]
		return true
	})
}

// CopyIn copies len(dst) bytes from user address src into dst, under the same
// conditions as CopyOut.
func (as *AddressSpace) CopyIn(ctx context.Context, dst []byte, src hostarch.Addr) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.forEachPageLocked(src, uint64(len(dst)), func(b []byte) bool {
		dst = dst[copy(dst, b):]
		return true
	})
}

// CopyInString copies a NUL-terminated string of at most maxLen bytes,
// terminator included, from user address src. vmerr.ErrInvalidRange is
// returned if no terminator is found within maxLen bytes.
func (as *AddressSpace) CopyInString(ctx context.Context, src hostarch.Addr, maxLen int) (string, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if maxLen <= 0 {
		return "", vmerr.ErrInvalidRange
	}
	var (
		buf   []byte
		found bool
	)
	err := as.forEachPageLocked(src, uint64(maxLen), func(b []byte) bool {
		if i := bytes.IndexByte(b, 0); i >= 0 {
			buf = append(buf, b[:i]...)
			found = true
			return false
		}
		buf = append(buf, b...)
		return true
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", vmerr.ErrInvalidRange
	}
	return string(buf), nil
}
