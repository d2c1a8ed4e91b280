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
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/guanwei-wu/Operating-Systems/pkg/log"
	"github.com/guanwei-wu/Operating-Systems/vmctl/config"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// keepGoing continues past failed statements.
	keepGoing bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a memory script against a fresh address space"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <script> - run a memory script, or stdin if script is "-".

Each line holds one statement. Text after '#' is ignored, and a statement
prefixed with '!' is expected to fail. Statements:

  sbrk <delta>            grow or shrink the heap by delta bytes
  grow <size>             map pages eagerly up to size
  shrink <size>           unmap pages above size
  fault <addr> [rwx]      take a page fault
  advise <addr> <len> <normal|evict|prefetch>
  evict <addr> <len>      swap out resident pages
  prefetch <addr> <len>   bring pages in ahead of use
  write <addr> <text...>  copy text into the address space
  read <addr> <len>       copy bytes out of the address space
  readstr <addr> <max>    read a NUL-terminated string
  unmap <addr> <pages>    unmap pages and release their memory
  fork                    clone the current address space
  use <space>             switch to another address space
  release                 release the current address space
  stats | dump | metrics  print state

`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.keepGoing, "keep-going", false, "continue after a statement fails")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	var script io.Reader = os.Stdin
	if path := f.Arg(0); path != "-" {
		file, err := os.Open(path)
		if err != nil {
			Fatalf("opening script: %v", err)
		}
		defer file.Close()
		script = file
	}

	if err := runScript(ctx, conf, script, os.Stdout, r.keepGoing); err != nil {
		log.Warningf("script failed: %v", err)
		fmt.Fprintf(ErrorLogger, "vmctl: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// runScript builds an environment from conf and runs script in it.
func runScript(ctx context.Context, conf *config.Config, script io.Reader, out io.Writer, keepGoing bool) error {
	env, err := newEnvironment(ctx, conf)
	if err != nil {
		return err
	}
	defer env.Close()

	in, err := newInterpreter(env, out)
	if err != nil {
		return err
	}
	defer in.Close(ctx)
	return in.run(ctx, script, keepGoing)
}
