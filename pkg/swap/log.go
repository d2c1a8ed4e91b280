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
	"fmt"
	"sync"

	"github.com/google/btree"
	"golang.org/x/sync/semaphore"

	"github.com/guanwei-wu/Operating-Systems/pkg/log"
)

// DefaultMaxOps is the default number of transactions a Log admits at once.
const DefaultMaxOps = 10

// pendingWrite is a block write absorbed by the log and not yet installed on
// the device.
type pendingWrite struct {
	block BlockID
	data  []byte
}

func pendingLess(a, b pendingWrite) bool {
	return a.block < b.block
}

// LogStats are the counters of a Log.
type LogStats struct {
	// Transactions is the number of transactions begun.
	Transactions uint64

	// Commits is the number of group commits performed.
	Commits uint64

	// Installed is the number of block writes installed on the device.
	Installed uint64

	// Failures is the number of commits that failed. Writes a failed commit
	// did not install stay in the log and are retried by the next one.
	Failures uint64
}

// Log groups block operations into transactions.
//
// Block writes made inside a transaction are absorbed: repeated writes to the
// same block keep only the last one. They are installed on the underlying
// device in ascending block order once no transaction is outstanding, so
// several transactions that overlap in time share one commit. Reads through
// the Log observe absorbed writes.
//
// A write is never dropped by a failed commit: whatever was not installed
// goes back to the absorbed set, stays visible to reads, and is installed by
// the next commit.
//
// Log implements Device; all Device methods must be called between Begin and
// End.
type Log struct {
	dev Device

	// sem bounds the number of outstanding transactions.
	sem *semaphore.Weighted

	mu sync.Mutex

	// cond is signalled when a commit completes.
	cond sync.Cond

	// outstanding is the number of transactions between Begin and End.
	//
	// +checklocks:mu
	outstanding int

	// committing is set while End installs pending writes. No transaction
	// can begin while it is set.
	//
	// +checklocks:mu
	committing bool

	// pending holds the absorbed writes, ordered by block.
	//
	// +checklocks:mu
	pending *btree.BTreeG[pendingWrite]

	// +checklocks:mu
	stats LogStats
}

var _ Device = (*Log)(nil)

// NewLog returns a Log over dev admitting at most maxOps concurrent
// transactions.
func NewLog(dev Device, maxOps int) *Log {
	if maxOps <= 0 {
		panic(fmt.Sprintf("invalid maxOps %d", maxOps))
	}
	l := &Log{
		dev:     dev,
		sem:     semaphore.NewWeighted(int64(maxOps)),
		pending: btree.NewG[pendingWrite](2, pendingLess),
	}
	l.cond.L = &l.mu
	return l
}

// Begin starts a transaction. It blocks while the log is full or a commit is
// in progress. ctx is honored only while waiting for admission.
func (l *Log) Begin(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.committing {
		l.cond.Wait()
	}
	l.outstanding++
	l.stats.Transactions++
	return nil
}

// End finishes a transaction started by Begin. The last outstanding
// transaction installs all absorbed writes before End returns; any failure to
// do so is returned, and the writes that were not installed are kept for the
// next commit.
func (l *Log) End() error {
	l.mu.Lock()
	if l.outstanding <= 0 {
		l.mu.Unlock()
		panic("End called without a matching Begin")
	}
	l.outstanding--
	if l.outstanding > 0 || l.pending.Len() == 0 {
		l.mu.Unlock()
		l.sem.Release(1)
		return nil
	}

	// Install outside the lock; committing keeps new transactions out and
	// the pending set stable.
	l.committing = true
	writes := make([]pendingWrite, 0, l.pending.Len())
	l.pending.Ascend(func(w pendingWrite) bool {
		writes = append(writes, w)
		return true
	})
	l.pending.Clear(false)
	l.mu.Unlock()

	n, err := l.install(writes)

	l.mu.Lock()
	if err != nil {
		l.requeueLocked(writes[n:])
		l.stats.Failures++
	}
	l.committing = false
	l.stats.Commits++
	l.stats.Installed += uint64(n)
	l.cond.Broadcast()
	l.mu.Unlock()
	l.sem.Release(1)
	return err
}

// install writes writes to the device in order and syncs it. It returns the
// number of writes known to be durable, which is zero if the sync fails.
func (l *Log) install(writes []pendingWrite) (int, error) {
	for i, w := range writes {
		if err := l.dev.WriteBlock(w.data, w.block); err != nil {
			log.Warningf("Commit failed installing block %d, %d writes kept: %v", w.block, len(writes)-i, err)
			return i, err
		}
	}
	if s, ok := l.dev.(Syncer); ok {
		if err := s.Sync(); err != nil {
			log.Warningf("Commit failed syncing %d writes, all kept: %v", len(writes), err)
			return 0, err
		}
	}
	return len(writes), nil
}

// requeueLocked returns writes to the absorbed set, keeping any newer write
// to the same block.
//
// +checklocks:l.mu
func (l *Log) requeueLocked(writes []pendingWrite) {
	for _, w := range writes {
		if _, ok := l.pending.Get(w); !ok {
			l.pending.ReplaceOrInsert(w)
		}
	}
}

// drop forgets any absorbed write to b and frees b on the device. It is used
// to undo a write whose transaction failed to commit.
func (l *Log) drop(b BlockID) error {
	l.mu.Lock()
	l.pending.Delete(pendingWrite{block: b})
	l.mu.Unlock()
	return l.dev.FreeBlock(b)
}

func (l *Log) checkInTransaction(op string) {
	if l.outstanding <= 0 {
		panic(fmt.Sprintf("%s outside of a transaction", op))
	}
}

// ReadBlock implements Device.ReadBlock.
func (l *Log) ReadBlock(buf []byte, b BlockID) error {
	l.mu.Lock()
	l.checkInTransaction("ReadBlock")
	if w, ok := l.pending.Get(pendingWrite{block: b}); ok {
		defer l.mu.Unlock()
		if len(buf) != BlockSize {
			return fmt.Errorf("block %d: buffer of %d bytes, want %d", b, len(buf), BlockSize)
		}
		copy(buf, w.data)
		return nil
	}
	l.mu.Unlock()
	return l.dev.ReadBlock(buf, b)
}

// WriteBlock implements Device.WriteBlock. The write is absorbed and reaches
// the device at the next commit.
func (l *Log) WriteBlock(buf []byte, b BlockID) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("block %d: buffer of %d bytes, want %d", b, len(buf), BlockSize)
	}
	data := make([]byte, BlockSize)
	copy(data, buf)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkInTransaction("WriteBlock")
	l.pending.ReplaceOrInsert(pendingWrite{block: b, data: data})
	return nil
}

// AllocBlock implements Device.AllocBlock.
func (l *Log) AllocBlock() (BlockID, error) {
	l.mu.Lock()
	l.checkInTransaction("AllocBlock")
	l.mu.Unlock()
	return l.dev.AllocBlock()
}

// FreeBlock implements Device.FreeBlock. An absorbed write to b is dropped.
func (l *Log) FreeBlock(b BlockID) error {
	l.mu.Lock()
	l.checkInTransaction("FreeBlock")
	l.pending.Delete(pendingWrite{block: b})
	l.mu.Unlock()
	return l.dev.FreeBlock(b)
}

// Stats returns the log counters.
func (l *Log) Stats() LogStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
