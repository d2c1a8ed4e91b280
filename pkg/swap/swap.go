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
	"context"

	"github.com/guanwei-wu/Operating-Systems/pkg/cleanup"
	"github.com/guanwei-wu/Operating-Systems/pkg/log"
)

// Swap moves page contents between frames and swap blocks. Each operation is
// exactly one transaction on the underlying Log.
type Swap struct {
	log *Log
}

// New returns a Swap writing through l.
func New(l *Log) *Swap {
	return &Swap{log: l}
}

// Log returns the transaction log used by s.
func (s *Swap) Log() *Log {
	return s.log
}

// end finishes a transaction that made no writes of its own. Its reads and
// frees have already reached the device, and the log keeps the writes of a
// failed commit, so a commit failure here is only logged.
func (s *Swap) end() {
	if err := s.log.End(); err != nil {
		log.Warningf("Commit failed at the end of a read-only swap transaction: %v", err)
	}
}

// SwapOut copies src, one page, to a newly allocated block and returns it.
// On failure no block remains allocated. If this transaction performs the
// commit and it fails, the write is withdrawn and the commit error returned;
// writes of other transactions stay in the log.
func (s *Swap) SwapOut(ctx context.Context, src []byte) (blk BlockID, err error) {
	if err := s.log.Begin(ctx); err != nil {
		return 0, err
	}
	defer func() {
		endErr := s.log.End()
		if endErr == nil || err != nil {
			return
		}
		if ferr := s.log.drop(blk); ferr != nil {
			log.Warningf("Freeing block %d after failed commit: %v", blk, ferr)
		}
		blk, err = 0, endErr
	}()

	blk, err = s.log.AllocBlock()
	if err != nil {
		return 0, err
	}
	cu := cleanup.Make(func() {
		if ferr := s.log.FreeBlock(blk); ferr != nil {
			log.Warningf("Freeing block %d after failed swap-out: %v", blk, ferr)
		}
	})
	defer cu.Clean()

	if err := s.log.WriteBlock(src, blk); err != nil {
		return 0, err
	}
	cu.Release()
	return blk, nil
}

// SwapIn copies block blk into dst, one page, and frees the block.
func (s *Swap) SwapIn(ctx context.Context, blk BlockID, dst []byte) error {
	if err := s.log.Begin(ctx); err != nil {
		return err
	}
	defer s.end()

	if err := s.log.ReadBlock(dst, blk); err != nil {
		return err
	}
	return s.log.FreeBlock(blk)
}

// Discard frees block blk without reading it.
func (s *Swap) Discard(ctx context.Context, blk BlockID) error {
	if err := s.log.Begin(ctx); err != nil {
		return err
	}
	defer s.end()
	return s.log.FreeBlock(blk)
}
