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
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/guanwei-wu/Operating-Systems/pkg/errors/vmerr"
)

func page(b byte) []byte {
	return bytes.Repeat([]byte{b}, BlockSize)
}

// recordingDevice records the order in which blocks are written.
type recordingDevice struct {
	*MemDevice

	mu       sync.Mutex
	written  []BlockID
	syncs    int
	failAt   BlockID
	failing  bool
	failSync bool
}

func (d *recordingDevice) setFailing(writes, sync bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing, d.failSync = writes, sync
}

func (d *recordingDevice) WriteBlock(buf []byte, b BlockID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failing && b == d.failAt {
		return errors.New("injected write failure")
	}
	d.written = append(d.written, b)
	return d.MemDevice.WriteBlock(buf, b)
}

func (d *recordingDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failSync {
		return errors.New("injected sync failure")
	}
	d.syncs++
	return nil
}

func TestMemDeviceAllocation(t *testing.T) {
	d := NewMemDevice(2)
	a, err := d.AllocBlock()
	if err != nil {
		t.Fatalf("AllocBlock failed: %v", err)
	}
	if _, err := d.AllocBlock(); err != nil {
		t.Fatalf("AllocBlock failed: %v", err)
	}
	if _, err := d.AllocBlock(); err != vmerr.ErrNoSpace {
		t.Errorf("AllocBlock on full device got %v, want %v", err, vmerr.ErrNoSpace)
	}
	if err := d.FreeBlock(a); err != nil {
		t.Errorf("FreeBlock(%d) failed: %v", a, err)
	}
	if err := d.FreeBlock(a); err == nil {
		t.Errorf("second FreeBlock(%d) succeeded", a)
	}
	if got, want := d.Stats().InUse, uint32(1); got != want {
		t.Errorf("InUse = %d, want %d", got, want)
	}
}

func TestLogAbsorbsAndOrders(t *testing.T) {
	dev := &recordingDevice{MemDevice: NewMemDevice(8)}
	l := NewLog(dev, 4)
	ctx := context.Background()

	if err := l.Begin(ctx); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	for _, b := range []BlockID{5, 1, 3, 1} {
		if err := l.WriteBlock(page(byte(b)+10), b); err != nil {
			t.Fatalf("WriteBlock(%d) failed: %v", b, err)
		}
	}
	// Reads inside the transaction see the absorbed write.
	buf := make([]byte, BlockSize)
	if err := l.ReadBlock(buf, 3); err != nil {
		t.Fatalf("ReadBlock failed: %v", err)
	}
	if buf[0] != 13 {
		t.Errorf("ReadBlock(3)[0] = %d, want 13", buf[0])
	}
	if len(dev.written) != 0 {
		t.Errorf("device written before commit: %v", dev.written)
	}
	if err := l.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	if diff := cmp.Diff([]BlockID{1, 3, 5}, dev.written); diff != "" {
		t.Errorf("install order mismatch (-want +got):\n%s", diff)
	}
	if dev.syncs != 1 {
		t.Errorf("syncs = %d, want 1", dev.syncs)
	}
	want := LogStats{Transactions: 1, Commits: 1, Installed: 3}
	if diff := cmp.Diff(want, l.Stats()); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestLogGroupCommit(t *testing.T) {
	dev := &recordingDevice{MemDevice: NewMemDevice(8)}
	l := NewLog(dev, 4)
	ctx := context.Background()

	if err := l.Begin(ctx); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := l.Begin(ctx); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := l.WriteBlock(page(1), 2); err != nil {
		t.Fatalf("WriteBlock failed: %v", err)
	}
	if err := l.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if len(dev.written) != 0 {
		t.Errorf("commit ran with a transaction outstanding: %v", dev.written)
	}
	if err := l.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if diff := cmp.Diff([]BlockID{2}, dev.written); diff != "" {
		t.Errorf("written mismatch (-want +got):\n%s", diff)
	}
	if got := l.Stats().Commits; got != 1 {
		t.Errorf("Commits = %d, want 1", got)
	}
}

func TestLogFreeDropsPendingWrite(t *testing.T) {
	dev := &recordingDevice{MemDevice: NewMemDevice(4)}
	l := NewLog(dev, 1)
	ctx := context.Background()
	if err := l.Begin(ctx); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	b, err := l.AllocBlock()
	if err != nil {
		t.Fatalf("AllocBlock failed: %v", err)
	}
	if err := l.WriteBlock(page(9), b); err != nil {
		t.Fatalf("WriteBlock failed: %v", err)
	}
	if err := l.FreeBlock(b); err != nil {
		t.Fatalf("FreeBlock failed: %v", err)
	}
	if err := l.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if len(dev.written) != 0 {
		t.Errorf("freed block was installed: %v", dev.written)
	}
}

func TestLogAdmissionHonorsContext(t *testing.T) {
	l := NewLog(NewMemDevice(1), 1)
	if err := l.Begin(context.Background()); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Begin(ctx); err == nil {
		t.Errorf("Begin on a full log succeeded")
	}
	if err := l.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}
}

func TestLogOutsideTransactionPanics(t *testing.T) {
	l := NewLog(NewMemDevice(1), 1)
	defer func() {
		if recover() == nil {
			t.Errorf("WriteBlock outside a transaction did not panic")
		}
	}()
	l.WriteBlock(page(0), 0)
}

func TestSwapRoundTrip(t *testing.T) {
	dev := NewMemDevice(4)
	s := New(NewLog(dev, 2))
	ctx := context.Background()

	blk, err := s.SwapOut(ctx, page(0x5a))
	if err != nil {
		t.Fatalf("SwapOut failed: %v", err)
	}
	if got := dev.Stats().InUse; got != 1 {
		t.Errorf("InUse after SwapOut = %d, want 1", got)
	}
	dst := make([]byte, BlockSize)
	if err := s.SwapIn(ctx, blk, dst); err != nil {
		t.Fatalf("SwapIn failed: %v", err)
	}
	if !bytes.Equal(dst, page(0x5a)) {
		t.Errorf("SwapIn returned different contents")
	}
	if got := dev.Stats().InUse; got != 0 {
		t.Errorf("InUse after SwapIn = %d, want 0", got)
	}
	if got := s.Log().Stats().Transactions; got != 2 {
		t.Errorf("Transactions = %d, want 2", got)
	}
}

func TestSwapOutFullDevice(t *testing.T) {
	s := New(NewLog(NewMemDevice(1), 1))
	ctx := context.Background()
	if _, err := s.SwapOut(ctx, page(1)); err != nil {
		t.Fatalf("SwapOut failed: %v", err)
	}
	if _, err := s.SwapOut(ctx, page(2)); err != vmerr.ErrNoSpace {
		t.Errorf("SwapOut on full device got %v, want %v", err, vmerr.ErrNoSpace)
	}
	// The failed operation still ended its transaction.
	if err := s.Log().Begin(ctx); err != nil {
		t.Fatalf("Begin after failed SwapOut: %v", err)
	}
	s.Log().End()
}

func TestSwapOutShortBufferFreesBlock(t *testing.T) {
	dev := NewMemDevice(2)
	s := New(NewLog(dev, 1))
	if _, err := s.SwapOut(context.Background(), make([]byte, 10)); err == nil {
		t.Fatalf("SwapOut with a short buffer succeeded")
	}
	if got := dev.Stats().InUse; got != 0 {
		t.Errorf("InUse after failed SwapOut = %d, want 0", got)
	}
}

func TestSwapOutCommitFailureFreesBlock(t *testing.T) {
	dev := &recordingDevice{MemDevice: NewMemDevice(2), failing: true, failAt: 0}
	s := New(NewLog(dev, 1))
	if _, err := s.SwapOut(context.Background(), page(3)); err == nil {
		t.Fatalf("SwapOut with a failing commit succeeded")
	}
	if got := dev.Stats().InUse; got != 0 {
		t.Errorf("InUse after failed commit = %d, want 0", got)
	}
}

func TestGroupCommitFailureKeepsWrites(t *testing.T) {
	for _, tc := range []struct {
		name      string
		failWrite bool
		failSync  bool
	}{
		{name: "write", failWrite: true},
		{name: "sync", failSync: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev := &recordingDevice{MemDevice: NewMemDevice(4), failAt: 0}
			dev.setFailing(tc.failWrite, tc.failSync)
			l := NewLog(dev, 4)
			s := New(l)
			ctx := context.Background()

			// An outer transaction holds the commit back, so both
			// swap-outs are acknowledged before anything is installed.
			if err := l.Begin(ctx); err != nil {
				t.Fatalf("Begin failed: %v", err)
			}
			a, err := s.SwapOut(ctx, page(0xa))
			if err != nil {
				t.Fatalf("SwapOut(a) failed: %v", err)
			}
			b, err := s.SwapOut(ctx, page(0xb))
			if err != nil {
				t.Fatalf("SwapOut(b) failed: %v", err)
			}
			if err := l.End(); err == nil {
				t.Fatalf("End with a failing device succeeded")
			}
			if got := l.Stats(); got.Failures != 1 || got.Installed != 0 {
				t.Errorf("Stats after failed commit = %+v, want 1 failure and 0 installed", got)
			}

			// The acknowledged write is still readable.
			dst := make([]byte, BlockSize)
			if err := s.SwapIn(ctx, a, dst); err != nil {
				t.Fatalf("SwapIn(a) failed: %v", err)
			}
			if !bytes.Equal(dst, page(0xa)) {
				t.Errorf("SwapIn(a) returned stale contents after a failed commit")
			}

			// Once the device recovers, the next commit installs the rest.
			dev.setFailing(false, false)
			if err := l.Begin(ctx); err != nil {
				t.Fatalf("Begin failed: %v", err)
			}
			if err := l.End(); err != nil {
				t.Fatalf("End after recovery failed: %v", err)
			}
			if err := dev.MemDevice.ReadBlock(dst, b); err != nil {
				t.Fatalf("ReadBlock(%d) failed: %v", b, err)
			}
			if !bytes.Equal(dst, page(0xb)) {
				t.Errorf("block %d was not installed by the retried commit", b)
			}
			if err := s.SwapIn(ctx, b, dst); err != nil || !bytes.Equal(dst, page(0xb)) {
				t.Errorf("SwapIn(b) = %v, contents intact %t", err, bytes.Equal(dst, page(0xb)))
			}
			if got := dev.Stats().InUse; got != 0 {
				t.Errorf("InUse = %d, want 0", got)
			}
		})
	}
}

func TestDiscard(t *testing.T) {
	dev := NewMemDevice(2)
	s := New(NewLog(dev, 1))
	ctx := context.Background()
	blk, err := s.SwapOut(ctx, page(7))
	if err != nil {
		t.Fatalf("SwapOut failed: %v", err)
	}
	if err := s.Discard(ctx, blk); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if got := dev.Stats().InUse; got != 0 {
		t.Errorf("InUse after Discard = %d, want 0", got)
	}
}

func TestFileDevice(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "swap.img")
	d, err := OpenFileDevice(ctx, path, 4)
	if err != nil {
		t.Fatalf("OpenFileDevice failed: %v", err)
	}
	defer d.Close()

	s := New(NewLog(d, 2))
	blk, err := s.SwapOut(ctx, page(0x42))
	if err != nil {
		t.Fatalf("SwapOut failed: %v", err)
	}
	dst := make([]byte, BlockSize)
	if err := s.SwapIn(ctx, blk, dst); err != nil {
		t.Fatalf("SwapIn failed: %v", err)
	}
	if !bytes.Equal(dst, page(0x42)) {
		t.Errorf("contents differ after file round trip")
	}

	// A second opener cannot take the lock while d holds it.
	tctx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if d2, err := OpenFileDevice(tctx, path, 4); err == nil {
		d2.Close()
		t.Errorf("second OpenFileDevice succeeded while the image was locked")
	}
}
