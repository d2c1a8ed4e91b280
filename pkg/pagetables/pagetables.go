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

// Package pagetables provides the three-level page table tree that maps
// virtual pages of one address space to frames or swap blocks.
package pagetables

import (
	"fmt"
	"io"
	"strings"

	"github.com/guanwei-wu/Operating-Systems/pkg/errors/vmerr"
	"github.com/guanwei-wu/Operating-Systems/pkg/hostarch"
	"github.com/guanwei-wu/Operating-Systems/pkg/pgalloc"
)

// PageTables is a set of page tables.
//
// PageTables is not synchronized; its owner serializes access.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	// rootID is the identifier of the root node.
	rootID NodeID

	// root is the pagetable root.
	root *PTEs
}

// New returns new PageTables.
func New(a Allocator) (*PageTables, error) {
	id, root, err := a.NewPTEs()
	if err != nil {
		return nil, err
	}
	return &PageTables{
		Allocator: a,
		rootID:    id,
		root:      root,
	}, nil
}

// Walk returns the leaf entry for addr.
//
// If create is true, missing intermediate nodes are allocated on the way
// down; allocation failures are returned and nodes created before the failure
// stay in place. If create is false, vmerr.ErrUnresolved is returned as soon
// as a node is missing. Addresses at or above hostarch.MaxVA yield
// vmerr.ErrAddressOutOfRange.
func (p *PageTables) Walk(addr hostarch.Addr, create bool) (*PTE, error) {
	if addr >= hostarch.MaxVA {
		return nil, vmerr.ErrAddressOutOfRange
	}
	n := p.root
	for level := hostarch.Levels - 1; level > 0; level-- {
		pte := &n[addr.Index(level)]
		switch {
		case pte.IsTable():
			n = p.Allocator.LookupPTEs(pte.child())
		case pte.Unmapped():
			if !create {
				return nil, vmerr.ErrUnresolved
			}
			id, child, err := p.Allocator.NewPTEs()
			if err != nil {
				return nil, err
			}
			pte.setPageTable(id)
			n = child
		default:
			panic(fmt.Sprintf("%s leaf at level %d while walking %v", pte.kindName(), level, addr))
		}
	}
	return &n[addr.Index(0)], nil
}

// Translate returns the frame backing addr. ok is false unless the page is
// resident and user-accessible.
func (p *PageTables) Translate(addr hostarch.Addr) (frame pgalloc.FrameID, ok bool) {
	pte, err := p.Walk(addr, false)
	if err != nil || !pte.Valid() || !pte.Opts().User {
		return 0, false
	}
	return pte.Frame(), true
}

// Release frees every node of the tree. All leaves must have been cleared
// beforehand; a remaining resident or swapped leaf panics. The PageTables
// must not be used afterwards.
func (p *PageTables) Release() {
	p.freeSubtree(p.rootID, p.root, hostarch.Levels-1)
	p.root = nil
}

// freeSubtree frees node id and everything below it, children first.
func (p *PageTables) freeSubtree(id NodeID, n *PTEs, level int) {
	for i := range n {
		pte := &n[i]
		switch {
		case pte.Unmapped():
		case pte.IsTable() && level > 0:
			p.freeSubtree(pte.child(), p.Allocator.LookupPTEs(pte.child()), level-1)
			pte.Clear()
		default:
			panic(fmt.Sprintf("freeing node %d with live %s entry %d at level %d", id, pte.kindName(), i, level))
		}
	}
	p.Allocator.FreePTEs(id)
}

// VisitLeaves calls fn for every resident or swapped leaf whose page lies in
// [start, end), in ascending address order. Iteration stops early if fn
// returns false.
func (p *PageTables) VisitLeaves(start, end hostarch.Addr, fn func(addr hostarch.Addr, pte *PTE) bool) {
	if end > hostarch.MaxVA {
		end = hostarch.MaxVA
	}
	if start >= end {
		return
	}
	p.visit(p.root, hostarch.Levels-1, 0, start.RoundDown(), end, fn)
}

// visit walks node n, which maps the addresses starting at base. It returns
// false if iteration was stopped.
func (p *PageTables) visit(n *PTEs, level int, base, start, end hostarch.Addr, fn func(hostarch.Addr, *PTE) bool) bool {
	span := hostarch.Addr(1) << (hostarch.PageShift + hostarch.LevelBits*level)
	for i := range n {
		addr := base + hostarch.Addr(i)*span
		if addr >= end {
			return true
		}
		if addr+span <= start {
			continue
		}
		pte := &n[i]
		switch {
		case pte.Unmapped():
		case level > 0:
			if !pte.IsTable() {
				panic(fmt.Sprintf("%s leaf at level %d for %v", pte.kindName(), level, addr))
			}
			if !p.visit(p.Allocator.LookupPTEs(pte.child()), level-1, addr, start, end, fn) {
				return false
			}
		default:
			if pte.IsTable() {
				panic(fmt.Sprintf("table entry at leaf level for %v", addr))
			}
			if !fn(addr, pte) {
				return false
			}
		}
	}
	return true
}

// Dump writes a human-readable rendering of the tree to w.
//
// Each non-empty entry gets one line, indented under its parent:
//
//	page table 0
//	+-- 0: node=1 va=0x0
//	    +-- 0: node=2 va=0x0
//	        +-- 1: va=0x1000 frame=7 rwxu
//	        +-- 2: va=0x2000 block=3 rw-u swapped
func (p *PageTables) Dump(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "page table %d\n", p.rootID); err != nil {
		return err
	}
	return p.dump(w, p.root, hostarch.Levels-1, 0, "")
}

func (p *PageTables) dump(w io.Writer, n *PTEs, level int, base hostarch.Addr, prefix string) error {
	span := hostarch.Addr(1) << (hostarch.PageShift + hostarch.LevelBits*level)
	last := -1
	for i := range n {
		if !n[i].Unmapped() {
			last = i
		}
	}
	for i := 0; i <= last; i++ {
		pte := &n[i]
		if pte.Unmapped() {
			continue
		}
		addr := base + hostarch.Addr(i)*span
		var line strings.Builder
		fmt.Fprintf(&line, "%s+-- %d: ", prefix, i)
		switch {
		case pte.IsTable():
			fmt.Fprintf(&line, "node=%d va=%v", pte.child(), addr)
		case pte.Valid():
			fmt.Fprintf(&line, "va=%v frame=%d %v", addr, pte.Frame(), pte.Opts())
		case pte.Swapped():
			fmt.Fprintf(&line, "va=%v block=%d %v swapped", addr, pte.Block(), pte.Opts())
		}
		line.WriteByte('\n')
		if _, err := io.WriteString(w, line.String()); err != nil {
			return err
		}
		if pte.IsTable() && level > 0 {
			next := prefix + "|   "
			if i == last {
				next = prefix + "    "
			}
			if err := p.dump(w, p.Allocator.LookupPTEs(pte.child()), level-1, addr, next); err != nil {
				return err
			}
		}
	}
	return nil
}
