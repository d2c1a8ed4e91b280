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

// Package bitmap provides a fixed-size allocation bitmap.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap tracks which of a fixed number of slots are in use. It is not
// synchronized.
type Bitmap struct {
	// size is the number of usable bits. Bits past size in the last word
	// are never set.
	size uint32

	// numOnes is the number of set bits.
	numOnes uint32

	// words holds 64 bits per element.
	words []uint64
}

// New returns a Bitmap with size bits, all clear.
func New(size uint32) Bitmap {
	return Bitmap{
		size:  size,
		words: make([]uint64, (size+63)/64),
	}
}

// Size returns the number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// GetNumOnes returns the number of set bits.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// Test returns true if bit i is set.
func (b *Bitmap) Test(i uint32) bool {
	b.checkBounds(i)
	return b.words[i/64]&(1<<(i%64)) != 0
}

// Add sets bit i.
func (b *Bitmap) Add(i uint32) {
	b.checkBounds(i)
	w, mask := i/64, uint64(1)<<(i%64)
	if b.words[w]&mask == 0 {
		b.words[w] |= mask
		b.numOnes++
	}
}

// Remove clears bit i.
func (b *Bitmap) Remove(i uint32) {
	b.checkBounds(i)
	w, mask := i/64, uint64(1)<<(i%64)
	if b.words[w]&mask != 0 {
		b.words[w] &^= mask
		b.numOnes--
	}
}

// FirstZero returns the first clear bit at or after start, wrapping around to
// the beginning of the bitmap. ok is false if every bit is set.
func (b *Bitmap) FirstZero(start uint32) (bit uint32, ok bool) {
	if b.numOnes == b.size {
		return 0, false
	}
	if start >= b.size {
		start = 0
	}
	if bit, ok := b.firstZeroIn(start, b.size); ok {
		return bit, true
	}
	return b.firstZeroIn(0, start)
}

// firstZeroIn scans [start, end).
func (b *Bitmap) firstZeroIn(start, end uint32) (uint32, bool) {
	for i := start; i < end; {
		w := b.words[i/64] | ((uint64(1) << (i % 64)) - 1)
		if w != ^uint64(0) {
			bit := (i &^ 63) + uint32(bits.TrailingZeros64(^w))
			if bit < end {
				return bit, true
			}
			return 0, false
		}
		i = (i &^ 63) + 64
	}
	return 0, false
}

func (b *Bitmap) checkBounds(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range for bitmap of size %d", i, b.size))
	}
}
