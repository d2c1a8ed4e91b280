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
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/guanwei-wu/Operating-Systems/pkg/cleanup"
	"github.com/guanwei-wu/Operating-Systems/pkg/log"
)

// lockRetryInterval is how often a busy swap image lock is retried.
const lockRetryInterval = 100 * time.Millisecond

// FileDevice is a Device backed by a swap image file. The image is locked
// exclusively for the lifetime of the device.
type FileDevice struct {
	blocks blockMap
	path   string
	file   *os.File
	lock   *flock.Flock

	reads  atomic.Uint64
	writes atomic.Uint64
}

var (
	_ Device = (*FileDevice)(nil)
	_ Syncer = (*FileDevice)(nil)
)

// OpenFileDevice opens (creating if necessary) the swap image at path and
// sizes it to hold blocks blocks. If another process holds the image, the
// lock is retried until ctx is done.
func OpenFileDevice(ctx context.Context, path string, blocks uint32) (*FileDevice, error) {
	if blocks == 0 {
		return nil, fmt.Errorf("swap image %q must hold at least one block", path)
	}
	l := flock.New(path)
	b := backoff.WithContext(backoff.NewConstantBackOff(lockRetryInterval), ctx)
	op := func() error {
		ok, err := l.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			log.Debugf("Swap image %q is busy, retrying", path)
			return fmt.Errorf("swap image %q is locked by another process", path)
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("locking swap image %q: %w", path, err)
	}
	cu := cleanup.Make(func() { _ = l.Unlock() })
	defer cu.Clean()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening swap image: %w", err)
	}
	cu.Add(func() { _ = f.Close() })
	if err := f.Truncate(int64(blocks) * BlockSize); err != nil {
		return nil, fmt.Errorf("sizing swap image %q: %w", path, err)
	}

	cu.Release()
	log.Infof("Swap image %q opened with %d blocks", path, blocks)
	return &FileDevice{
		blocks: newBlockMap(blocks),
		path:   path,
		file:   f,
		lock:   l,
	}, nil
}

// ReadBlock implements Device.ReadBlock.
func (d *FileDevice) ReadBlock(buf []byte, b BlockID) error {
	if err := d.blocks.check(b, buf); err != nil {
		return err
	}
	d.reads.Add(1)
	for done := 0; done < len(buf); {
		n, err := unix.Pread(int(d.file.Fd()), buf[done:], int64(b)*BlockSize+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading block %d of %q: %w", b, d.path, err)
		}
		if n == 0 {
			return fmt.Errorf("reading block %d of %q: short read", b, d.path)
		}
		done += n
	}
	return nil
}

// WriteBlock implements Device.WriteBlock.
func (d *FileDevice) WriteBlock(buf []byte, b BlockID) error {
	if err := d.blocks.check(b, buf); err != nil {
		return err
	}
	d.writes.Add(1)
	for done := 0; done < len(buf); {
		n, err := unix.Pwrite(int(d.file.Fd()), buf[done:], int64(b)*BlockSize+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("writing block %d of %q: %w", b, d.path, err)
		}
		done += n
	}
	return nil
}

// AllocBlock implements Device.AllocBlock.
func (d *FileDevice) AllocBlock() (BlockID, error) {
	return d.blocks.alloc()
}

// FreeBlock implements Device.FreeBlock.
func (d *FileDevice) FreeBlock(b BlockID) error {
	return d.blocks.free(b)
}

// Sync implements Syncer.Sync.
func (d *FileDevice) Sync() error {
	if err := unix.Fsync(int(d.file.Fd())); err != nil {
		return fmt.Errorf("syncing %q: %w", d.path, err)
	}
	return nil
}

// Stats returns the device counters.
func (d *FileDevice) Stats() DeviceStats {
	inUse, blocks := d.blocks.stats()
	return DeviceStats{
		Reads:  d.reads.Load(),
		Writes: d.writes.Load(),
		InUse:  inUse,
		Blocks: blocks,
	}
}

// Close closes the image and drops the lock.
func (d *FileDevice) Close() error {
	err := d.file.Close()
	if uerr := d.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}
