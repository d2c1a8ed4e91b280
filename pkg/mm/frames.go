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

package mm

import (
	"github.com/guanwei-wu/Operating-Systems/pkg/pgalloc"
)

// FrameSource supplies the frames installed by MapRange.
type FrameSource interface {
	// Get returns the frame for the next page.
	Get() (pgalloc.FrameID, error)

	// Put takes back a frame returned by Get when the mapping is rolled
	// back.
	Put(pgalloc.FrameID)
}

type anonymousFrames struct {
	a pgalloc.Allocator
}

// AnonymousFrames returns a FrameSource handing out freshly allocated, zeroed
// frames from a.
func AnonymousFrames(a pgalloc.Allocator) FrameSource {
	return anonymousFrames{a}
}

// Get implements FrameSource.Get.
func (s anonymousFrames) Get() (pgalloc.FrameID, error) {
	fr, err := s.a.Allocate()
	if err != nil {
		return 0, err
	}
	pgalloc.Zero(s.a, fr)
	return fr, nil
}

// Put implements FrameSource.Put.
func (s anonymousFrames) Put(fr pgalloc.FrameID) {
	s.a.Free(fr)
}

type fixedFrames struct {
	next pgalloc.FrameID
}

// FixedFrames returns a FrameSource handing out the caller-owned frames
// first, first+1, and so on. Its frames are never freed by the address space
// as a result of rollback.
func FixedFrames(first pgalloc.FrameID) FrameSource {
	return &fixedFrames{next: first}
}

// Get implements FrameSource.Get.
func (s *fixedFrames) Get() (pgalloc.FrameID, error) {
	fr := s.next
	s.next++
	return fr, nil
}

// Put implements FrameSource.Put.
func (s *fixedFrames) Put(pgalloc.FrameID) {}
