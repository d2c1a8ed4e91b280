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

// Package pgalloc contains the physical frame allocator used to back user
// pages and, optionally, page table nodes.
package pgalloc

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/guanwei-wu/Operating-Systems/pkg/bitmap"
	"github.com/guanwei-wu/Operating-Systems/pkg/errors/vmerr"
	"github.com/guanwei-wu/Operating-Systems/pkg/hostarch"
	"github.com/guanwei-wu/Operating-Systems/pkg/log"
)

// FrameID identifies one page-sized physical frame.
type FrameID uint64

// Allocator hands out page-sized frames.
//
// Implementations must be safe for concurrent use: one allocator is shared by
// every address space.
type Allocator interface {
	// Allocate returns an unused frame. Its contents are unspecified.
	// Returns vmerr.ErrOutOfMemory if none is available.
	Allocate() (FrameID, error)

	// Free returns a frame previously returned by Allocate.
	Free(FrameID)

	// Data returns the PageSize bytes backing the frame.
	Data(FrameID) []byte
}

// MemoryFile is a fixed-capacity Allocator backed by a single anonymous
// mapping.
type MemoryFile struct {
	// mem is the backing mapping. It is immutable until Close.
	mem []byte

	mu sync.Mutex

	// used tracks allocated frames.
	//
	// +checklocks:mu
	used bitmap.Bitmap

	// next is where the next search for a free frame begins.
	//
	// +checklocks:mu
	next uint32
}

// NewMemoryFile creates a MemoryFile holding frames frames.
func NewMemoryFile(frames uint32) (*MemoryFile, error) {
	if frames == 0 {
		return nil, fmt.Errorf("memory file must hold at least one frame")
	}
	mem, err := unix.Mmap(-1, 0, int(frames)*hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping %d frames: %w", frames, err)
	}
	log.Debugf("Memory file created with %d frames", frames)
	return &MemoryFile{
		mem:  mem,
		used: bitmap.New(frames),
	}, nil
}

// Allocate implements Allocator.Allocate.
func (f *MemoryFile) Allocate() (FrameID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bit, ok := f.used.FirstZero(f.next)
	if !ok {
		return 0, vmerr.ErrOutOfMemory
	}
	f.used.Add(bit)
	f.next = bit + 1
	return FrameID(bit), nil
}

// Free implements Allocator.Free.
func (f *MemoryFile) Free(fr FrameID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkFrame(fr)
	if !f.used.Test(uint32(fr)) {
		panic(fmt.Sprintf("double free of frame %d", fr))
	}
	f.used.Remove(uint32(fr))
}

// Data implements Allocator.Data.
func (f *MemoryFile) Data(fr FrameID) []byte {
	f.checkFrame(fr)
	off := uint64(fr) << hostarch.PageShift
	return f.mem[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Allocated returns the number of frames currently allocated.
func (f *MemoryFile) Allocated() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used.GetNumOnes()
}

// Capacity returns the total number of frames.
func (f *MemoryFile) Capacity() uint32 {
	return f.used.Size()
}

// Close releases the backing mapping. The MemoryFile must not be used
// afterwards.
func (f *MemoryFile) Close() error {
	if n := f.Allocated(); n != 0 {
		log.Warningf("Closing memory file with %d frames still allocated", n)
	}
	return unix.Munmap(f.mem)
}

func (f *MemoryFile) checkFrame(fr FrameID) {
	if uint64(fr) >= uint64(f.used.Size()) {
		panic(fmt.Sprintf("frame %d does not belong to memory file of %d frames", fr, f.used.Size()))
	}
}

// Zero clears the contents of frame fr.
func Zero(a Allocator, fr FrameID) {
	clear(a.Data(fr))
}
