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

// Package cmd holds implementations of the vmctl commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/guanwei-wu/Operating-Systems/pkg/cleanup"
	"github.com/guanwei-wu/Operating-Systems/pkg/log"
	"github.com/guanwei-wu/Operating-Systems/pkg/mm"
	"github.com/guanwei-wu/Operating-Systems/pkg/pgalloc"
	"github.com/guanwei-wu/Operating-Systems/pkg/swap"
	"github.com/guanwei-wu/Operating-Systems/vmctl/config"
)

// ErrorLogger is where error messages should be written to. These messages are
// consumed by the user, as opposed to the debug log.
var ErrorLogger io.Writer = os.Stderr

// Fatalf logs to stderr and the debug log and exits.
func Fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(ErrorLogger, "vmctl: "+format+"\n", args...)
	os.Exit(128)
}

// swapDevice is a swap.Device that can be inspected and closed.
type swapDevice interface {
	swap.Device
	Stats() swap.DeviceStats
}

// environment is the memory shared by the address spaces of one command: the
// frame pool and the swap device with its transaction log.
type environment struct {
	conf   *config.Config
	frames *pgalloc.MemoryFile
	dev    swapDevice
	log    *swap.Log
	swap   *swap.Swap

	// closeDev closes dev, if needed.
	closeDev func() error
}

// newEnvironment builds the frame pool and swap device described by conf.
func newEnvironment(ctx context.Context, conf *config.Config) (*environment, error) {
	frames, err := pgalloc.NewMemoryFile(uint32(conf.Frames))
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { frames.Close() })
	defer cu.Clean()

	e := &environment{
		conf:     conf,
		frames:   frames,
		closeDev: func() error { return nil },
	}
	if conf.SwapFile != "" {
		fd, err := swap.OpenFileDevice(ctx, conf.SwapFile, uint32(conf.SwapBlocks))
		if err != nil {
			return nil, err
		}
		e.dev, e.closeDev = fd, fd.Close
	} else {
		e.dev = swap.NewMemDevice(uint32(conf.SwapBlocks))
	}
	e.log = swap.NewLog(e.dev, conf.MaxOps)
	e.swap = swap.New(e.log)

	cu.Release()
	return e, nil
}

// newAddressSpace returns an empty address space backed by e.
func (e *environment) newAddressSpace() (*mm.AddressSpace, error) {
	return mm.New(mm.Opts{
		Frames:          e.frames,
		Swap:            e.swap,
		NodeLimit:       e.conf.NodeLimit,
		NodesFromFrames: e.conf.NodesFromFrames,
	})
}

// printStats writes the frame pool, swap and journal counters to w.
func (e *environment) printStats(w io.Writer) {
	ds, ls := e.dev.Stats(), e.log.Stats()
	fmt.Fprintf(w, "frames: %d/%d in use\n", e.frames.Allocated(), e.frames.Capacity())
	fmt.Fprintf(w, "swap: %d/%d blocks in use, %d reads, %d writes\n", ds.InUse, ds.Blocks, ds.Reads, ds.Writes)
	fmt.Fprintf(w, "journal: %d transactions, %d commits (%d failed), %d blocks installed\n", ls.Transactions, ls.Commits, ls.Failures, ls.Installed)
}

// Close releases the frame pool and the swap device.
func (e *environment) Close() error {
	err := e.closeDev()
	if ferr := e.frames.Close(); err == nil {
		err = ferr
	}
	return err
}
