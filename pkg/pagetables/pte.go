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

package pagetables

import (
	"fmt"

	"github.com/guanwei-wu/Operating-Systems/pkg/hostarch"
	"github.com/guanwei-wu/Operating-Systems/pkg/pgalloc"
	"github.com/guanwei-wu/Operating-Systems/pkg/swap"
)

// entryKind is what a PTE currently refers to.
type entryKind uint8

const (
	kindUnmapped entryKind = iota
	kindTable
	kindResident
	kindSwapped
)

// MapOpts are the permissions of a leaf.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// User indicates the page is accessible from user mode.
	User bool
}

// String implements fmt.Stringer.String.
func (o MapOpts) String() string {
	if o.User {
		return o.AccessType.String() + "u"
	}
	return o.AccessType.String() + "-"
}

// PTE is a page table entry.
//
// An entry is exactly one of: unmapped, a link to a child node, a leaf whose
// page is resident in a frame, or a leaf whose page is stored in a swap
// block. A swapped leaf keeps the permissions it had while resident.
type PTE struct {
	kind entryKind

	// payload is a NodeID, a FrameID or a BlockID depending on kind.
	payload uint64

	opts MapOpts
}

// Valid returns true iff this entry is a resident leaf.
func (p *PTE) Valid() bool {
	return p.kind == kindResident
}

// Swapped returns true iff this entry is a swapped leaf.
func (p *PTE) Swapped() bool {
	return p.kind == kindSwapped
}

// Unmapped returns true iff this entry refers to nothing.
func (p *PTE) Unmapped() bool {
	return p.kind == kindUnmapped
}

// IsTable returns true iff this entry links to a child node.
func (p *PTE) IsTable() bool {
	return p.kind == kindTable
}

// Frame returns the frame of a resident leaf.
func (p *PTE) Frame() pgalloc.FrameID {
	if p.kind != kindResident {
		panic(fmt.Sprintf("Frame() on %s entry", p.kindName()))
	}
	return pgalloc.FrameID(p.payload)
}

// Block returns the swap block of a swapped leaf.
func (p *PTE) Block() swap.BlockID {
	if p.kind != kindSwapped {
		panic(fmt.Sprintf("Block() on %s entry", p.kindName()))
	}
	return swap.BlockID(p.payload)
}

// Opts returns the leaf permissions. The zero value is returned for entries
// that are not leaves.
func (p *PTE) Opts() MapOpts {
	return p.opts
}

// Set makes the entry a resident leaf for frame with the given permissions.
func (p *PTE) Set(frame pgalloc.FrameID, opts MapOpts) {
	p.kind = kindResident
	p.payload = uint64(frame)
	p.opts = opts
}

// SetSwapped turns a resident leaf into a swapped leaf stored in blk. The
// permissions are kept.
func (p *PTE) SetSwapped(blk swap.BlockID) {
	if p.kind != kindResident {
		panic(fmt.Sprintf("SetSwapped() on %s entry", p.kindName()))
	}
	p.kind = kindSwapped
	p.payload = uint64(blk)
}

// SetOpts changes the permissions of a resident or swapped leaf.
func (p *PTE) SetOpts(opts MapOpts) {
	if p.kind != kindResident && p.kind != kindSwapped {
		panic(fmt.Sprintf("SetOpts() on %s entry", p.kindName()))
	}
	p.opts = opts
}

// Clear makes the entry unmapped.
func (p *PTE) Clear() {
	*p = PTE{}
}

// setPageTable makes the entry a link to node id.
func (p *PTE) setPageTable(id NodeID) {
	*p = PTE{kind: kindTable, payload: uint64(id)}
}

// child returns the node linked by a table entry.
func (p *PTE) child() NodeID {
	return NodeID(p.payload)
}

func (p *PTE) kindName() string {
	switch p.kind {
	case kindUnmapped:
		return "unmapped"
	case kindTable:
		return "table"
	case kindResident:
		return "resident"
	case kindSwapped:
		return "swapped"
	default:
		return fmt.Sprintf("kind(%d)", p.kind)
	}
}

// PTEs is a collection of entries, one tree node.
type PTEs [hostarch.EntriesPerNode]PTE
