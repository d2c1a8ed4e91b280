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

// Package hostarch describes the virtual address layout shared by the page
// table tree and the address-space code.
package hostarch

import "fmt"

const (
	// PageShift is the binary log of PageSize.
	PageShift = 12

	// PageSize is the size of one page, one frame and one swap block.
	PageSize = 1 << PageShift

	// LevelBits is the number of address bits consumed by each level of
	// the page table tree.
	LevelBits = 9

	// EntriesPerNode is the number of entries in one page table node.
	EntriesPerNode = 1 << LevelBits

	// Levels is the depth of the page table tree.
	Levels = 3

	// MaxVA is one past the highest mappable virtual address. It is one bit
	// less than the Sv39 maximum, which avoids having to sign-extend
	// virtual addresses that have the high bit set.
	MaxVA Addr = 1 << (LevelBits*Levels + PageShift - 1)
)

// Addr represents a virtual address.
type Addr uint64

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & Addr(PageSize-1))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
//
// Note: This function is usually used to get the end of an address range
// defined by its start address and length. Since the resulting end is
// exclusive, end == 0 is technically valid, and corresponds to a range that
// extends to the end of the address space, but ok will be false. This isn't
// expected to ever come up in practice.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	// The second half of the following check is needed in case uintptr is
	// smaller than 64 bits.
	ok = end >= v && length <= uint64(^Addr(0))
	return
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// Index returns the node index of v at the given tree level. Level 0 holds
// the leaves.
func (v Addr) Index(level int) int {
	shift := PageShift + LevelBits*level
	return int((uint64(v) >> shift) & (EntriesPerNode - 1))
}

// PageRoundUp rounds a byte count up to a whole number of pages. ok is false
// if that wraps around.
func PageRoundUp(n uint64) (uint64, bool) {
	a, ok := Addr(n).RoundUp()
	return uint64(a), ok
}

// PageCount returns the number of pages needed to hold n bytes.
func PageCount(n uint64) uint64 {
	return (n + PageSize - 1) >> PageShift
}
