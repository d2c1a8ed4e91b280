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

// Package swap provides the backing store for evicted pages: block devices,
// a write-absorbing transaction log over a device, and the swap-out/swap-in
// operations built on top of both.
package swap

import (
	"fmt"
	"sync"

	"github.com/guanwei-wu/Operating-Systems/pkg/bitmap"
	"github.com/guanwei-wu/Operating-Systems/pkg/errors/vmerr"
	"github.com/guanwei-wu/Operating-Systems/pkg/hostarch"
)

// BlockSize is the size of one block. A block holds exactly one page.
const BlockSize = hostarch.PageSize

// BlockID identifies one block on a Device.
type BlockID uint32

// Device is a block-addressed store.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// ReadBlock copies block b into buf, which must be BlockSize bytes.
	ReadBlock(buf []byte, b BlockID) error

	// WriteBlock copies buf, which must be BlockSize bytes, into block b.
	WriteBlock(buf []byte, b BlockID) error

	// AllocBlock reserves an unused block. Returns vmerr.ErrNoSpace if the
	// device is full.
	AllocBlock() (BlockID, error)

	// FreeBlock returns a block reserved by AllocBlock.
	FreeBlock(b BlockID) error
}

// Syncer is implemented by devices that buffer writes.
type Syncer interface {
	Sync() error
}

// DeviceStats are I/O counters of a device.
type DeviceStats struct {
	Reads  uint64
	Writes uint64
	InUse  uint32
	Blocks uint32
}

// blockMap tracks block reservations for a device.
type blockMap struct {
	mu   sync.Mutex
	used bitmap.Bitmap
	next uint32
}

func newBlockMap(blocks uint32) blockMap {
	return blockMap{used: bitmap.New(blocks)}
}

func (m *blockMap) alloc() (BlockID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bit, ok := m.used.FirstZero(m.next)
	if !ok {
		return 0, vmerr.ErrNoSpace
	}
	m.used.Add(bit)
	m.next = bit + 1
	return BlockID(bit), nil
}

func (m *blockMap) free(b BlockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint32(b) >= m.used.Size() || !m.used.Test(uint32(b)) {
		return fmt.Errorf("freeing block %d: %w", b, vmerr.ErrInvalidRange)
	}
	m.used.Remove(uint32(b))
	return nil
}

func (m *blockMap) check(b BlockID, buf []byte) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("block %d: buffer of %d bytes, want %d: %w", b, len(buf), BlockSize, vmerr.ErrInvalidRange)
	}
	if uint32(b) >= m.used.Size() {
		return fmt.Errorf("block %d beyond device of %d blocks: %w", b, m.used.Size(), vmerr.ErrInvalidRange)
	}
	return nil
}

func (m *blockMap) stats() (inUse, blocks uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used.GetNumOnes(), m.used.Size()
}
