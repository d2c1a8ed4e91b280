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

package pgalloc

import (
	"testing"

	"github.com/guanwei-wu/Operating-Systems/pkg/errors/vmerr"
	"github.com/guanwei-wu/Operating-Systems/pkg/hostarch"
)

func newFile(t *testing.T, frames uint32) *MemoryFile {
	t.Helper()
	f, err := NewMemoryFile(frames)
	if err != nil {
		t.Fatalf("NewMemoryFile(%d) failed: %v", frames, err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestAllocateExhaustion(t *testing.T) {
	f := newFile(t, 4)
	seen := make(map[FrameID]bool)
	for i := 0; i < 4; i++ {
		fr, err := f.Allocate()
		if err != nil {
			t.Fatalf("Allocate #%d failed: %v", i, err)
		}
		if seen[fr] {
			t.Fatalf("frame %d handed out twice", fr)
		}
		seen[fr] = true
	}
	if _, err := f.Allocate(); err != vmerr.ErrOutOfMemory {
		t.Errorf("Allocate on full file got %v, want %v", err, vmerr.ErrOutOfMemory)
	}
	if got := f.Allocated(); got != 4 {
		t.Errorf("Allocated() = %d, want 4", got)
	}

	f.Free(2)
	fr, err := f.Allocate()
	if err != nil || fr != 2 {
		t.Errorf("Allocate after Free(2) = %d, %v, want 2, nil", fr, err)
	}
}

func TestDataIsolation(t *testing.T) {
	f := newFile(t, 2)
	a, _ := f.Allocate()
	b, _ := f.Allocate()
	if len(f.Data(a)) != hostarch.PageSize {
		t.Fatalf("len(Data) = %d, want %d", len(f.Data(a)), hostarch.PageSize)
	}
	f.Data(a)[0] = 0xaa
	if f.Data(b)[0] != 0 {
		t.Errorf("write to frame %d visible in frame %d", a, b)
	}
	// Appending must not spill into the neighbouring frame.
	_ = append(f.Data(a), 0xbb)
	if f.Data(b)[0] != 0 {
		t.Errorf("append to frame %d overwrote frame %d", a, b)
	}
	Zero(f, a)
	if f.Data(a)[0] != 0 {
		t.Errorf("Zero did not clear frame %d", a)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	f := newFile(t, 1)
	fr, _ := f.Allocate()
	f.Free(fr)
	defer func() {
		if recover() == nil {
			t.Errorf("double free did not panic")
		}
	}()
	f.Free(fr)
}

func TestForeignFramePanics(t *testing.T) {
	f := newFile(t, 1)
	defer func() {
		if recover() == nil {
			t.Errorf("Free of a foreign frame did not panic")
		}
	}()
	f.Free(7)
}
