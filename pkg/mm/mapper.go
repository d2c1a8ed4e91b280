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
	"fmt"

	"github.com/guanwei-wu/Operating-Systems/pkg/cleanup"
	"github.com/guanwei-wu/Operating-Systems/pkg/errors/vmerr"
	"github.com/guanwei-wu/Operating-Systems/pkg/hostarch"
	"github.com/guanwei-wu/Operating-Systems/pkg/log"
	"github.com/guanwei-wu/Operating-Systems/pkg/pagetables"
	"github.com/guanwei-wu/Operating-Systems/pkg/pgalloc"
)

// MapRange installs resident leaves for every page overlapping
// [va, va+length), taking one frame per page from src.
//
// MapRange is all-or-nothing: on error every leaf installed by this call is
// cleared and its frame handed back to src.Put. Mapping over a resident or
// swapped leaf is a caller bug and panics.
func (as *AddressSpace) MapRange(ctx context.Context, va hostarch.Addr, length uint64, src FrameSource, opts pagetables.MapOpts) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.mapRangeLocked(va, length, src, opts)
}

func (as *AddressSpace) mapRangeLocked(va hostarch.Addr, length uint64, src FrameSource, opts pagetables.MapOpts) error {
	if length == 0 {
		return nil
	}
	ar, ok := va.ToRange(length)
	if !ok {
		return vmerr.ErrInvalidRange
	}
	pages, ok := ar.Pages()
	if !ok {
		return vmerr.ErrAddressOutOfRange
	}

	var installed []*pagetables.PTE
	cu := cleanup.Make(func() {
		for _, pte := range installed {
			fr := pte.Frame()
			pte.Clear()
			src.Put(fr)
		}
	})
	defer cu.Clean()

	for addr := pages.Start; addr < pages.End; addr += hostarch.PageSize {
		pte, err := as.pt.Walk(addr, true)
		if err != nil {
			return err
		}
		if !pte.Unmapped() {
			panic(fmt.Sprintf("remap of live page %v in address space %s", addr, as.id))
		}
		fr, err := src.Get()
		if err != nil {
			return err
		}
		pte.Set(fr, opts)
		installed = append(installed, pte)
	}
	cu.Release()
	return nil
}

// UnmapRange clears the leaves of npages pages starting at va, which must be
// page aligned. Pages that are not mapped are skipped. Resident frames are
// freed if release is set. Swapped pages always give their block back.
func (as *AddressSpace) UnmapRange(ctx context.Context, va hostarch.Addr, npages uint64, release bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.unmapRangeLocked(ctx, va, npages, release)
}

func (as *AddressSpace) unmapRangeLocked(ctx context.Context, va hostarch.Addr, npages uint64, release bool) {
	if !va.IsPageAligned() {
		panic(fmt.Sprintf("unaligned unmap at %v", va))
	}
	end, ok := va.AddLength(npages << hostarch.PageShift)
	if !ok || npages > uint64(hostarch.MaxVA)>>hostarch.PageShift {
		end = hostarch.MaxVA
	}
	as.pt.VisitLeaves(va, end, func(addr hostarch.Addr, pte *pagetables.PTE) bool {
		switch {
		case pte.Valid():
			if release {
				as.opts.Frames.Free(pte.Frame())
			}
		case pte.Swapped():
			if err := as.opts.Swap.Discard(ctx, pte.Block()); err != nil {
				log.Warningf("Address space %s: discarding swap block %d of %v: %v", as.id, pte.Block(), addr, err)
			}
			discardCount.Increment()
		}
		pte.Clear()
		return true
	})
}

// Grow eagerly maps zeroed anonymous pages to cover [round_up(oldSize),
// newSize) and returns the new size, which also becomes the logical size.
//
// If memory runs out, the returned size is the address of the page that
// could not be mapped; pages mapped before it stay mapped.
func (as *AddressSpace) Grow(ctx context.Context, oldSize, newSize uint64) (uint64, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.growLocked(oldSize, newSize)
}

func (as *AddressSpace) growLocked(oldSize, newSize uint64) (uint64, error) {
	if newSize < oldSize {
		return oldSize, nil
	}
	if newSize > uint64(hostarch.MaxVA) {
		return oldSize, vmerr.ErrAddressOutOfRange
	}
	start, _ := hostarch.PageRoundUp(oldSize)
	src := AnonymousFrames(as.opts.Frames)
	for a := start; a < newSize; a += hostarch.PageSize {
		if err := as.mapRangeLocked(hostarch.Addr(a), hostarch.PageSize, src, userOpts); err != nil {
			as.size = a
			return a, err
		}
	}
	as.size = newSize
	return newSize, nil
}

// Shrink unmaps and frees the whole pages of [round_up(newSize),
// round_up(oldSize)) and returns newSize, which also becomes the logical
// size. It is a no-op if newSize >= oldSize.
func (as *AddressSpace) Shrink(ctx context.Context, oldSize, newSize uint64) uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.shrinkLocked(ctx, oldSize, newSize)
}

func (as *AddressSpace) shrinkLocked(ctx context.Context, oldSize, newSize uint64) uint64 {
	if newSize >= oldSize {
		return oldSize
	}
	oldEnd, newEnd := hostarch.PageCount(oldSize), hostarch.PageCount(newSize)
	if newEnd < oldEnd {
		as.unmapRangeLocked(ctx, hostarch.Addr(newEnd<<hostarch.PageShift), oldEnd-newEnd, true)
	}
	as.size = newSize
	return newSize
}

// SetSize changes the logical size to n. Growing only moves the size; the new
// pages are materialized by faults. Shrinking frees the excess pages.
func (as *AddressSpace) SetSize(ctx context.Context, n uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.setSizeLocked(ctx, n)
}

func (as *AddressSpace) setSizeLocked(ctx context.Context, n uint64) error {
	if n > uint64(hostarch.MaxVA) {
		return vmerr.ErrAddressOutOfRange
	}
	if n < as.size {
		as.shrinkLocked(ctx, as.size, n)
		return nil
	}
	as.size = n
	return nil
}

// Sbrk adjusts the logical size by delta lazily and returns the previous
// size.
func (as *AddressSpace) Sbrk(ctx context.Context, delta int64) (uint64, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	old := as.size
	n := old + uint64(delta)
	if (delta < 0 && n > old) || (delta > 0 && n < old) {
		return old, vmerr.ErrInvalidRange
	}
	if err := as.setSizeLocked(ctx, n); err != nil {
		return old, err
	}
	return old, nil
}

// Clone copies every resident page of as below size into dst, which must not
// map any of those pages yet, and sets the size of dst to size. Pages never
// touched in as are skipped.
//
// A swapped page in as fails the clone with vmerr.ErrNotResident. On any
// failure, the pages this call cloned into dst are unmapped and freed; pages
// dst already had are left alone.
func (as *AddressSpace) Clone(ctx context.Context, dst *AddressSpace, size uint64) error {
	if as == dst {
		panic("clone of an address space into itself")
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	end, ok := hostarch.PageRoundUp(size)
	if !ok || end > uint64(hostarch.MaxVA) {
		return vmerr.ErrAddressOutOfRange
	}

	var installed []*pagetables.PTE
	cu := cleanup.Make(func() {
		for _, dpte := range installed {
			fr := dpte.Frame()
			dpte.Clear()
			dst.opts.Frames.Free(fr)
		}
	})
	defer cu.Clean()

	var err error
	as.pt.VisitLeaves(0, hostarch.Addr(end), func(addr hostarch.Addr, pte *pagetables.PTE) bool {
		if pte.Swapped() {
			err = vmerr.ErrNotResident
			return false
		}
		var dpte *pagetables.PTE
		if dpte, err = dst.pt.Walk(addr, true); err != nil {
			return false
		}
		if !dpte.Unmapped() {
			panic(fmt.Sprintf("clone over live page %v in address space %s", addr, dst.id))
		}
		var fr pgalloc.FrameID
		if fr, err = dst.opts.Frames.Allocate(); err != nil {
			return false
		}
		copy(dst.opts.Frames.Data(fr), as.opts.Frames.Data(pte.Frame()))
		dpte.Set(fr, pte.Opts())
		installed = append(installed, dpte)
		return true
	})
	if err != nil {
		return err
	}
	cu.Release()
	dst.size = size
	return nil
}

// Fork returns a new address space with the same configuration, size, floor
// and contents as as.
func (as *AddressSpace) Fork(ctx context.Context) (*AddressSpace, error) {
	child, err := New(as.opts)
	if err != nil {
		return nil, err
	}
	if err := as.Clone(ctx, child, as.Size()); err != nil {
		child.Release(ctx)
		return nil, err
	}
	child.SetFloor(as.Floor())
	log.Debugf("Address space %s forked into %s", as.id, child.id)
	return child, nil
}
