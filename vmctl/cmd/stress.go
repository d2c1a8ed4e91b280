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

package cmd

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/guanwei-wu/Operating-Systems/pkg/hostarch"
	"github.com/guanwei-wu/Operating-Systems/pkg/log"
	"github.com/guanwei-wu/Operating-Systems/pkg/metric"
	"github.com/guanwei-wu/Operating-Systems/pkg/mm"
	"github.com/guanwei-wu/Operating-Systems/vmctl/config"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	opts stressOpts
}

// stressOpts describes one stress run.
type stressOpts struct {
	// Spaces is the number of concurrent address spaces.
	Spaces int

	// Pages is the heap size of each address space, in pages.
	Pages int

	// Rounds is the number of write, evict and verify cycles per space.
	Rounds int
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "exercise concurrent address spaces sharing frames and swap"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - run address spaces concurrently over one frame pool and one swap log.

Every space writes a pattern to its heap, evicts it, faults it back in and
verifies the contents.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.opts.Spaces, "spaces", 4, "number of concurrent address spaces.")
	f.IntVar(&s.opts.Pages, "pages", 8, "heap pages per address space.")
	f.IntVar(&s.opts.Rounds, "rounds", 3, "write, evict and verify cycles per address space.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if s.opts.Spaces <= 0 || s.opts.Pages <= 0 || s.opts.Rounds <= 0 {
		Fatalf("-spaces, -pages and -rounds must be positive")
	}
	conf := args[0].(*config.Config)

	env, err := newEnvironment(ctx, conf)
	if err != nil {
		Fatalf("creating environment: %v", err)
	}
	defer env.Close()

	if err := stress(ctx, env, s.opts); err != nil {
		log.Warningf("stress failed: %v", err)
		fmt.Fprintf(ErrorLogger, "vmctl: %v\n", err)
		return subcommands.ExitFailure
	}
	printSummary(os.Stdout, env, s.opts)
	return subcommands.ExitSuccess
}

// stress runs opts.Spaces workers concurrently and returns the first error.
func stress(ctx context.Context, env *environment, opts stressOpts) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Spaces; i++ {
		i := i
		g.Go(func() error {
			if err := stressSpace(ctx, env, i, opts); err != nil {
				return fmt.Errorf("space %d: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// pattern fills buf with the contents expected for a page.
func pattern(buf []byte, space, page, round int) {
	seed := byte(space*31 + page*7 + round)
	for i := range buf {
		buf[i] = seed + byte(i)
	}
}

// stressSpace runs one worker.
func stressSpace(ctx context.Context, env *environment, id int, opts stressOpts) error {
	as, err := env.newAddressSpace()
	if err != nil {
		return err
	}
	defer as.Release(ctx)

	size := int64(opts.Pages) * hostarch.PageSize
	if _, err := as.Sbrk(ctx, size); err != nil {
		return err
	}

	want := make([]byte, hostarch.PageSize)
	got := make([]byte, hostarch.PageSize)
	for round := 0; round < opts.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for p := 0; p < opts.Pages; p++ {
			addr := hostarch.Addr(p) * hostarch.PageSize
			if err := as.HandleFault(ctx, addr, hostarch.Write); err != nil {
				return fmt.Errorf("round %d: fault at %v: %w", round, addr, err)
			}
			pattern(want, id, p, round)
			if err := as.CopyOut(ctx, addr, want); err != nil {
				return fmt.Errorf("round %d: write at %v: %w", round, addr, err)
			}
		}

		if err := as.Advise(ctx, 0, size, mm.AdviceEvict); err != nil {
			return fmt.Errorf("round %d: evict: %w", round, err)
		}
		if s := as.Stats(); s.Resident != 0 || s.Swapped != opts.Pages {
			return fmt.Errorf("round %d: after evict got %d resident and %d swapped pages, want 0 and %d", round, s.Resident, s.Swapped, opts.Pages)
		}

		// Bring the first half back with a prefetch and fault in the rest.
		half := int64(opts.Pages/2) * hostarch.PageSize
		if err := as.Advise(ctx, 0, half, mm.AdvicePrefetch); err != nil {
			return fmt.Errorf("round %d: prefetch: %w", round, err)
		}
		for p := 0; p < opts.Pages; p++ {
			addr := hostarch.Addr(p) * hostarch.PageSize
			if err := as.HandleFault(ctx, addr, hostarch.Read); err != nil {
				return fmt.Errorf("round %d: fault at %v: %w", round, addr, err)
			}
			if err := as.CopyIn(ctx, got, addr); err != nil {
				return fmt.Errorf("round %d: read at %v: %w", round, addr, err)
			}
			pattern(want, id, p, round)
			if !bytes.Equal(got, want) {
				return fmt.Errorf("round %d: page %d contents differ after swap", round, p)
			}
		}
	}
	log.Debugf("stress: space %d (%s) finished %d rounds", id, as.ID(), opts.Rounds)
	return nil
}

// printSummary writes the shared counters after a successful run.
func printSummary(w io.Writer, env *environment, opts stressOpts) {
	fmt.Fprintf(w, "stress: %d spaces x %d pages x %d rounds ok\n", opts.Spaces, opts.Pages, opts.Rounds)
	env.printStats(w)
	metric.WriteTo(w)
}
