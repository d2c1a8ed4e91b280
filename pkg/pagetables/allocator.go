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

	"github.com/guanwei-wu/Operating-Systems/pkg/errors/vmerr"
	"github.com/guanwei-wu/Operating-Systems/pkg/pgalloc"
)

// NodeID identifies a node handed out by an Allocator.
type NodeID uint64

// Allocator is used to allocate and map PTEs.
//
// Allocators are not synchronized; the PageTables using one serializes calls.
type Allocator interface {
	// NewPTEs returns a new zeroed node and its identifier.
	NewPTEs() (NodeID, *PTEs, error)

	// LookupPTEs looks up a node by identifier.
	LookupPTEs(NodeID) *PTEs

	// FreePTEs frees a node.
	FreePTEs(NodeID)
}

// nodeArena is the bookkeeping shared by the allocators.
type nodeArena struct {
	nodes map[NodeID]*PTEs
}

func (a *nodeArena) insert(id NodeID) *PTEs {
	if a.nodes == nil {
		a.nodes = make(map[NodeID]*PTEs)
	}
	if _, ok := a.nodes[id]; ok {
		panic(fmt.Sprintf("node %d allocated twice", id))
	}
	ptes := new(PTEs)
	a.nodes[id] = ptes
	return ptes
}

func (a *nodeArena) lookup(id NodeID) *PTEs {
	ptes, ok := a.nodes[id]
	if !ok {
		panic(fmt.Sprintf("lookup of unknown node %d", id))
	}
	return ptes
}

func (a *nodeArena) remove(id NodeID) {
	if _, ok := a.nodes[id]; !ok {
		panic(fmt.Sprintf("free of unknown node %d", id))
	}
	delete(a.nodes, id)
}

// RuntimeAllocator allocates nodes from Go memory.
type RuntimeAllocator struct {
	nodeArena

	// limit is the maximum number of live nodes, or 0 for no limit.
	limit int

	// next is the identifier of the next node.
	next NodeID
}

var _ Allocator = (*RuntimeAllocator)(nil)

// NewRuntimeAllocator returns an allocator holding at most limit live nodes.
// A limit of 0 means no limit.
func NewRuntimeAllocator(limit int) *RuntimeAllocator {
	return &RuntimeAllocator{limit: limit}
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs() (NodeID, *PTEs, error) {
	if r.limit > 0 && len(r.nodes) >= r.limit {
		return 0, nil, vmerr.ErrOutOfNodes
	}
	id := r.next
	r.next++
	return id, r.insert(id), nil
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(id NodeID) *PTEs {
	return r.lookup(id)
}

// FreePTEs implements Allocator.FreePTEs.
func (r *RuntimeAllocator) FreePTEs(id NodeID) {
	r.remove(id)
}

// Live returns the number of live nodes.
func (r *RuntimeAllocator) Live() int {
	return len(r.nodes)
}

// PoolAllocator charges every node one frame from a frame allocator, so page
// table nodes and user pages compete for the same memory. The frame
// identifier doubles as the node identifier.
type PoolAllocator struct {
	nodeArena

	frames pgalloc.Allocator
}

var _ Allocator = (*PoolAllocator)(nil)

// NewPoolAllocator returns an allocator drawing frames from frames.
func NewPoolAllocator(frames pgalloc.Allocator) *PoolAllocator {
	return &PoolAllocator{frames: frames}
}

// NewPTEs implements Allocator.NewPTEs.
func (p *PoolAllocator) NewPTEs() (NodeID, *PTEs, error) {
	fr, err := p.frames.Allocate()
	if err != nil {
		return 0, nil, err
	}
	id := NodeID(fr)
	return id, p.insert(id), nil
}

// LookupPTEs implements Allocator.LookupPTEs.
func (p *PoolAllocator) LookupPTEs(id NodeID) *PTEs {
	return p.lookup(id)
}

// FreePTEs implements Allocator.FreePTEs.
func (p *PoolAllocator) FreePTEs(id NodeID) {
	p.remove(id)
	p.frames.Free(pgalloc.FrameID(id))
}

// Live returns the number of live nodes.
func (p *PoolAllocator) Live() int {
	return len(p.nodes)
}
