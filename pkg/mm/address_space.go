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

// Package mm implements demand-paged address spaces: bulk mapping over the
// page table tree, page fault resolution, and advice-driven eviction to and
// prefetching from swap.
//
// Lock order:
//
//	AddressSpace.mu
//	  swap.Log admission (while evicting or swapping in)
//	  pgalloc.MemoryFile.mu
package mm

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/guanwei-wu/Operating-Systems/pkg/hostarch"
	"github.com/guanwei-wu/Operating-Systems/pkg/log"
	"github.com/guanwei-wu/Operating-Systems/pkg/pagetables"
	"github.com/guanwei-wu/Operating-Systems/pkg/pgalloc"
	"github.com/guanwei-wu/Operating-Systems/pkg/swap"
)

// Swapper moves page contents to and from swap blocks. Each call is one
// transaction. *swap.Swap implements Swapper.
type Swapper interface {
	// SwapOut stores src in a new block.
	SwapOut(ctx context.Context, src []byte) (swap.BlockID, error)

	// SwapIn loads blk into dst and frees blk.
	SwapIn(ctx context.Context, blk swap.BlockID, dst []byte) error

	// Discard frees blk.
	Discard(ctx context.Context, blk swap.BlockID) error
}

var _ Swapper = (*swap.Swap)(nil)

// Opts configures a new AddressSpace.
type Opts struct {
	// Frames backs user pages. It is required.
	Frames pgalloc.Allocator

	// Swap is used for eviction. If nil, evicting a resident page fails
	// with vmerr.ErrNoSpace.
	Swap Swapper

	// NodeLimit bounds the number of page table nodes. 0 means no limit.
	// Ignored if NodesFromFrames is set.
	NodeLimit int

	// NodesFromFrames charges each page table node one frame from Frames.
	NodesFromFrames bool

	// Floor is the lowest address accepted by Advise.
	Floor hostarch.Addr
}

// userOpts are the permissions of anonymous user pages.
var userOpts = pagetables.MapOpts{AccessType: hostarch.AnyAccess, User: true}

// AddressSpace is one demand-paged virtual address space.
//
// All exported methods are serialized on an internal mutex. Operations that
// must appear atomic across several calls still need exclusion by the owner.
type AddressSpace struct {
	// id identifies the address space in log lines. Immutable.
	id xid.ID

	// opts is the configuration passed to New. Immutable.
	opts Opts

	// faultLog is used for per-fault debug lines.
	faultLog log.Logger

	mu sync.Mutex

	// pt is the page table tree. It is nil after Release.
	//
	// +checklocks:mu
	pt *pagetables.PageTables

	// size is the logical size in bytes. Unmapped pages below size are
	// materialized on fault.
	//
	// +checklocks:mu
	size uint64

	// floor is the lowest address accepted by Advise.
	//
	// +checklocks:mu
	floor hostarch.Addr
}

// New returns an empty AddressSpace.
func New(opts Opts) (*AddressSpace, error) {
	if opts.Frames == nil {
		return nil, fmt.Errorf("address space requires a frame allocator")
	}
	var nodes pagetables.Allocator
	if opts.NodesFromFrames {
		nodes = pagetables.NewPoolAllocator(opts.Frames)
	} else {
		nodes = pagetables.NewRuntimeAllocator(opts.NodeLimit)
	}
	pt, err := pagetables.New(nodes)
	if err != nil {
		return nil, err
	}
	as := &AddressSpace{
		id:       xid.New(),
		opts:     opts,
		faultLog: log.BasicRateLimitedLogger(time.Second),
		pt:       pt,
		floor:    opts.Floor,
	}
	log.Debugf("Address space %s created", as.id)
	return as, nil
}

// ID returns the identifier of the address space.
func (as *AddressSpace) ID() string {
	return as.id.String()
}

// Size returns the logical size in bytes.
func (as *AddressSpace) Size() uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.size
}

// Floor returns the lowest address accepted by Advise.
func (as *AddressSpace) Floor() hostarch.Addr {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.floor
}

// SetFloor sets the lowest address accepted by Advise, typically the base of
// the stack.
func (as *AddressSpace) SetFloor(floor hostarch.Addr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.floor = floor
}

// Translate returns the frame backing addr if the page is resident and
// user-accessible.
func (as *AddressSpace) Translate(addr hostarch.Addr) (pgalloc.FrameID, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pt.Translate(addr)
}

// Release frees every page below the rounded-up size, frames and swap blocks
// alike, and then the page table tree. Pages mapped above the size, or mapped
// from frames the address space does not own, must be unmapped by the caller
// first.
func (as *AddressSpace) Release(ctx context.Context) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.pt == nil {
		panic(fmt.Sprintf("address space %s released twice", as.id))
	}
	if as.size > 0 {
		as.unmapRangeLocked(ctx, 0, hostarch.PageCount(as.size), true)
	}
	as.pt.Release()
	as.pt = nil
	log.Debugf("Address space %s released", as.id)
}

// Stats describes the pages of an address space.
type Stats struct {
	// Size is the logical size in bytes.
	Size uint64

	// Resident is the number of pages held in frames.
	Resident int

	// Swapped is the number of pages held in swap blocks.
	Swapped int
}

// Stats returns page counts for the whole address space.
func (as *AddressSpace) Stats() Stats {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.statsLocked(0, hostarch.MaxVA)
}

// RangeStats returns page counts for the pages in [start, end).
func (as *AddressSpace) RangeStats(start, end hostarch.Addr) Stats {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.statsLocked(start, end)
}

func (as *AddressSpace) statsLocked(start, end hostarch.Addr) Stats {
	s := Stats{Size: as.size}
	as.pt.VisitLeaves(start, end, func(_ hostarch.Addr, pte *pagetables.PTE) bool {
		if pte.Swapped() {
			s.Swapped++
		} else {
			s.Resident++
		}
		return true
	})
	return s
}

// Dump writes the page table tree to w.
func (as *AddressSpace) Dump(w io.Writer) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if _, err := fmt.Fprintf(w, "address space %s size=%#x floor=%v\n", as.id, as.size, as.floor); err != nil {
		return err
	}
	return as.pt.Dump(w)
}
