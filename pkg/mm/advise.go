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

	"golang.org/x/sys/unix"

	"github.com/guanwei-wu/Operating-Systems/pkg/errors/vmerr"
	"github.com/guanwei-wu/Operating-Systems/pkg/hostarch"
	"github.com/guanwei-wu/Operating-Systems/pkg/log"
	"github.com/guanwei-wu/Operating-Systems/pkg/pagetables"
)

// Advice is a hint about the future use of a range of pages.
type Advice int

const (
	// AdviceNormal validates the range and changes nothing.
	AdviceNormal Advice = iota

	// AdviceEvict moves resident pages to swap now.
	AdviceEvict

	// AdvicePrefetch makes swapped and untouched pages resident now.
	AdvicePrefetch
)

// String implements fmt.Stringer.String.
func (a Advice) String() string {
	switch a {
	case AdviceNormal:
		return "normal"
	case AdviceEvict:
		return "evict"
	case AdvicePrefetch:
		return "prefetch"
	default:
		return fmt.Sprintf("Advice(%d)", int(a))
	}
}

// ParseAdvice parses the names returned by Advice.String.
func ParseAdvice(s string) (Advice, error) {
	switch s {
	case "normal":
		return AdviceNormal, nil
	case "evict":
		return AdviceEvict, nil
	case "prefetch":
		return AdvicePrefetch, nil
	default:
		return 0, vmerr.ErrInvalidAdvice
	}
}

// AdviceFromSyscall converts madvise(2) advice numbers.
func AdviceFromSyscall(advice int) (Advice, error) {
	switch advice {
	case unix.MADV_NORMAL:
		return AdviceNormal, nil
	case unix.MADV_DONTNEED:
		return AdviceEvict, nil
	case unix.MADV_WILLNEED:
		return AdvicePrefetch, nil
	default:
		return 0, vmerr.ErrInvalidAdvice
	}
}

// Advise applies advice to the pages intersecting [base, base+length).
//
// The range must lie within [floor, size]; otherwise vmerr.ErrInvalidRange is
// returned and nothing changes. Pages already in the requested state, and
// pages that are not user-accessible, are left alone. If an error occurs part
// way, pages processed before it keep their new state.
func (as *AddressSpace) Advise(ctx context.Context, base hostarch.Addr, length int64, advice Advice) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if length < 0 {
		return vmerr.ErrInvalidRange
	}
	ar, ok := base.ToRange(uint64(length))
	if !ok || base < as.floor || uint64(ar.End) > as.size {
		return vmerr.ErrInvalidRange
	}
	pages, _ := ar.Pages()

	switch advice {
	case AdviceNormal:
		return nil
	case AdviceEvict:
		return as.evictLocked(ctx, pages)
	case AdvicePrefetch:
		return as.prefetchLocked(ctx, pages)
	default:
		return vmerr.ErrInvalidAdvice
	}
}

// evictLocked writes every resident user page in pages to a fresh swap
// block and frees its frame. Resident pages without User, such as a guard
// page cleared by ClearUser, stay resident even when they lie in range.
func (as *AddressSpace) evictLocked(ctx context.Context, pages hostarch.AddrRange) error {
	var err error
	n := 0
	as.pt.VisitLeaves(pages.Start, pages.End, func(addr hostarch.Addr, pte *pagetables.PTE) bool {
		if !pte.Valid() || !pte.Opts().User {
			return true
		}
		if as.opts.Swap == nil {
			err = vmerr.ErrNoSpace
			return false
		}
		fr := pte.Frame()
		blk, serr := as.opts.Swap.SwapOut(ctx, as.opts.Frames.Data(fr))
		if serr != nil {
			err = serr
			return false
		}
		pte.SetSwapped(blk)
		as.opts.Frames.Free(fr)
		n++
		return true
	})
	evictCount.IncrementBy(uint64(n))
	log.Debugf("Address space %s: evicted %d pages of %v", as.id, n, pages)
	return err
}

// prefetchLocked makes every page of pages resident, swapping in swapped
// pages and materializing untouched ones.
func (as *AddressSpace) prefetchLocked(ctx context.Context, pages hostarch.AddrRange) error {
	n := 0
	defer func() {
		prefetchCount.IncrementBy(uint64(n))
		log.Debugf("Address space %s: prefetched %d pages of %v", as.id, n, pages)
	}()
	for addr := pages.Start; addr < pages.End; addr += hostarch.PageSize {
		pte, err := as.pt.Walk(addr, false)
		switch {
		case err == vmerr.ErrUnresolved || (err == nil && pte.Unmapped()):
			if err := as.mapAnonymousLocked(addr); err != nil {
				return err
			}
		case err != nil:
			return err
		case pte.Swapped():
			if err := as.swapInLocked(ctx, pte); err != nil {
				return err
			}
		default:
			continue
		}
		n++
	}
	return nil
}
