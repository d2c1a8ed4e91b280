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

package swap

import (
	"sync"
	"sync/atomic"
)

// MemDevice is a Device held in memory.
type MemDevice struct {
	blocks blockMap

	mu   sync.RWMutex
	data map[BlockID][]byte

	reads  atomic.Uint64
	writes atomic.Uint64
}

var _ Device = (*MemDevice)(nil)

// NewMemDevice returns a MemDevice with the given number of blocks.
func NewMemDevice(blocks uint32) *MemDevice {
	return &MemDevice{
		blocks: newBlockMap(blocks),
		data:   make(map[BlockID][]byte),
	}
}

// ReadBlock implements Device.ReadBlock. Blocks never written read as zeroes.
func (d *MemDevice) ReadBlock(buf []byte, b BlockID) error {
	if err := d.blocks.check(b, buf); err != nil {
		return err
	}
	d.reads.Add(1)
	d.mu.RLock()
	defer d.mu.RUnlock()
	if src, ok := d.data[b]; ok {
		copy(buf, src)
	} else {
		clear(buf)
	}
	return nil
}

// WriteBlock implements Device.WriteBlock.
func (d *MemDevice) WriteBlock(buf []byte, b BlockID) error {
	if err := d.blocks.check(b, buf); err != nil {
		return err
	}
	d.writes.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	dst, ok := d.data[b]
	if !ok {
		dst = make([]byte, BlockSize)
		d.data[b] = dst
	}
	copy(dst, buf)
	return nil
}

// AllocBlock implements Device.AllocBlock.
func (d *MemDevice) AllocBlock() (BlockID, error) {
	return d.blocks.alloc()
}

// FreeBlock implements Device.FreeBlock.
func (d *MemDevice) FreeBlock(b BlockID) error {
	if err := d.blocks.free(b); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.data, b)
	d.mu.Unlock()
	return nil
}

// Stats returns the device counters.
func (d *MemDevice) Stats() DeviceStats {
	inUse, blocks := d.blocks.stats()
	return DeviceStats{
		Reads:  d.reads.Load(),
		Writes: d.writes.Load(),
		InUse:  inUse,
		Blocks: blocks,
	}
}
