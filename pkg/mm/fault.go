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
	"context"

	"github.com/guanwei-wu/Operating-Systems/pkg/errors/vmerr"
	"github.com/guanwei-wu/Operating-Systems/pkg/hostarch"
	"github.com/guanwei-wu/Operating-Systems/pkg/pagetables"
)

// HandleFault resolves a faulting access of type at to addr.
//
// A swapped page is read back from swap. An unmapped page below the logical
// size is backed by a fresh zeroed page. A resident page means the fault was
// already resolved: that is not an error if the page is user-accessible and
// permits at. Everything else is vmerr.ErrAccessViolation, and the caller is
// expected to terminate the faulting context.
func (as *AddressSpace) HandleFault(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	outcome, err := as.handleFaultLocked(ctx, addr, at)
	faultCount.Increment(outcome)
	as.faultLog.Debugf("Address space %s: %v fault at %v: %s", as.id, at, addr, outcome)
	return err
}

func (as *AddressSpace) handleFaultLocked(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType) (string, error) {
	pte, err := as.pt.Walk(addr, false)
	switch err {
	case nil:
	case vmerr.ErrUnresolved:
		pte = nil
	default:
		return faultViolation, vmerr.ErrAccessViolation
	}

	switch {
	case pte != nil && pte.Swapped():
		if err := as.swapInLocked(ctx, pte); err != nil {
			return faultError, err
		}
		return faultSwapIn, nil
	case pte != nil && pte.Valid():
		opts := pte.Opts()
		if opts.User && opts.AccessType.SupersetOf(at) {
			return faultResolved, nil
		}
		return faultViolation, vmerr.ErrAccessViolation
	case uint64(addr) < as.size:
		if err := as.mapAnonymousLocked(addr.RoundDown()); err != nil {
			return faultError, err
		}
		return faultAnonymous, nil
	default:
		return faultViolation, vmerr.ErrAccessViolation
	}
}

// swapInLocked makes the swapped leaf pte resident again with the
// permissions it had before eviction. On failure the leaf stays swapped.
func (as *AddressSpace) swapInLocked(ctx context.Context, pte *pagetables.PTE) error {
	// Allocate first so that running out of memory never opens a
	// transaction.
	fr, err := as.opts.Frames.Allocate()
	if err != nil {
		return err
	}
	if err := as.opts.Swap.SwapIn(ctx, pte.Block(), as.opts.Frames.Data(fr)); err != nil {
		as.opts.Frames.Free(fr)
		return err
	}
	pte.Set(fr, pte.Opts())
	return nil
}

// mapAnonymousLocked maps a zeroed user page at the page-aligned addr.
func (as *AddressSpace) mapAnonymousLocked(addr hostarch.Addr) error {
	return as.mapRangeLocked(addr, hostarch.PageSize, AnonymousFrames(as.opts.Frames), userOpts)
}
