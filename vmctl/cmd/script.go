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
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/guanwei-wu/Operating-Systems/pkg/hostarch"
	"github.com/guanwei-wu/Operating-Systems/pkg/log"
	"github.com/guanwei-wu/Operating-Systems/pkg/metric"
	"github.com/guanwei-wu/Operating-Systems/pkg/mm"
)

// command is one script statement.
type command struct {
	// args is the exact number of arguments, or -1 for at least minArgs.
	args    int
	minArgs int
	usage   string
	fn      func(in *interpreter, ctx context.Context, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"sbrk":     {args: 1, usage: "sbrk <delta>", fn: (*interpreter).sbrk},
		"grow":     {args: 1, usage: "grow <size>", fn: (*interpreter).grow},
		"shrink":   {args: 1, usage: "shrink <size>", fn: (*interpreter).shrink},
		"fault":    {args: -1, minArgs: 1, usage: "fault <addr> [rwx]", fn: (*interpreter).fault},
		"advise":   {args: 3, usage: "advise <addr> <length> <normal|evict|prefetch>", fn: (*interpreter).advise},
		"evict":    {args: 2, usage: "evict <addr> <length>", fn: (*interpreter).evict},
		"prefetch": {args: 2, usage: "prefetch <addr> <length>", fn: (*interpreter).prefetch},
		"write":    {args: -1, minArgs: 2, usage: "write <addr> <text...>", fn: (*interpreter).write},
		"read":     {args: 2, usage: "read <addr> <length>", fn: (*interpreter).read},
		"readstr":  {args: 2, usage: "readstr <addr> <max>", fn: (*interpreter).readString},
		"unmap":    {args: 2, usage: "unmap <addr> <pages>", fn: (*interpreter).unmap},
		"fork":     {args: 0, usage: "fork", fn: (*interpreter).fork},
		"use":      {args: 1, usage: "use <space>", fn: (*interpreter).use},
		"release":  {args: 0, usage: "release", fn: (*interpreter).release},
		"stats":    {args: 0, usage: "stats", fn: (*interpreter).stats},
		"dump":     {args: 0, usage: "dump", fn: (*interpreter).dump},
		"metrics":  {args: 0, usage: "metrics", fn: (*interpreter).metrics},
	}
}

// interpreter runs vmctl scripts against a set of address spaces sharing one
// environment. Space 0 is created up front; fork adds more.
type interpreter struct {
	env    *environment
	out    io.Writer
	spaces []*mm.AddressSpace
	cur    int
}

func newInterpreter(env *environment, out io.Writer) (*interpreter, error) {
	as, err := env.newAddressSpace()
	if err != nil {
		return nil, err
	}
	return &interpreter{
		env:    env,
		out:    out,
		spaces: []*mm.AddressSpace{as},
	}, nil
}

// space returns the current address space.
func (in *interpreter) space() (*mm.AddressSpace, error) {
	as := in.spaces[in.cur]
	if as == nil {
		return nil, fmt.Errorf("address space %d has been released", in.cur)
	}
	return as, nil
}

// run executes every statement read from r. Blank lines and text after '#'
// are ignored. A statement prefixed with '!' must fail. With keepGoing, a
// failed statement is reported and the script continues; the first error is
// still returned at the end.
func (in *interpreter) run(ctx context.Context, r io.Reader, keepGoing bool) error {
	var firstErr error
	scanner := bufio.NewScanner(r)
	for lineno := 1; scanner.Scan(); lineno++ {
		if err := in.exec(ctx, scanner.Text()); err != nil {
			err = fmt.Errorf("line %d: %w", lineno, err)
			if !keepGoing {
				return err
			}
			fmt.Fprintf(in.out, "error: %v\n", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return firstErr
}

// exec executes a single statement.
func (in *interpreter) exec(ctx context.Context, line string) error {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	expectFailure := false
	if strings.HasPrefix(fields[0], "!") {
		expectFailure = true
		fields[0] = strings.TrimPrefix(fields[0], "!")
		if fields[0] == "" {
			fields = fields[1:]
		}
		if len(fields) == 0 {
			return fmt.Errorf("missing command after '!'")
		}
	}

	name, args := fields[0], fields[1:]
	c, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q", name)
	}
	if (c.args >= 0 && len(args) != c.args) || len(args) < c.minArgs {
		return fmt.Errorf("usage: %s", c.usage)
	}
	log.Debugf("script: %s", strings.Join(fields, " "))

	err := c.fn(in, ctx, args)
	switch {
	case expectFailure && err == nil:
		return fmt.Errorf("%s: succeeded, want failure", name)
	case expectFailure:
		fmt.Fprintf(in.out, "%s: failed as expected: %v\n", name, err)
		return nil
	case err != nil:
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func parseUint(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

func parseInt(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

// parseAccess parses an access string such as "r", "rw" or "x".
func parseAccess(s string) (hostarch.AccessType, error) {
	var at hostarch.AccessType
	for _, c := range s {
		switch c {
		case 'r':
			at.Read = true
		case 'w':
			at.Write = true
		case 'x':
			at.Execute = true
		case '-':
		default:
			return hostarch.NoAccess, fmt.Errorf("invalid access type %q", s)
		}
	}
	if !at.Any() {
		return hostarch.NoAccess, fmt.Errorf("empty access type %q", s)
	}
	return at, nil
}

func (in *interpreter) sbrk(ctx context.Context, args []string) error {
	as, err := in.space()
	if err != nil {
		return err
	}
	delta, err := parseInt(args[0])
	if err != nil {
		return err
	}
	old, err := as.Sbrk(ctx, delta)
	if err != nil {
		return err
	}
	fmt.Fprintf(in.out, "sbrk: %#x -> %#x\n", old, as.Size())
	return nil
}

func (in *interpreter) grow(ctx context.Context, args []string) error {
	as, err := in.space()
	if err != nil {
		return err
	}
	n, err := parseUint(args[0])
	if err != nil {
		return err
	}
	if _, err := as.Grow(ctx, as.Size(), n); err != nil {
		return err
	}
	fmt.Fprintf(in.out, "size: %#x\n", as.Size())
	return nil
}

func (in *interpreter) shrink(ctx context.Context, args []string) error {
	as, err := in.space()
	if err != nil {
		return err
	}
	n, err := parseUint(args[0])
	if err != nil {
		return err
	}
	as.Shrink(ctx, as.Size(), n)
	fmt.Fprintf(in.out, "size: %#x\n", as.Size())
	return nil
}

func (in *interpreter) fault(ctx context.Context, args []string) error {
	as, err := in.space()
	if err != nil {
		return err
	}
	addr, err := parseUint(args[0])
	if err != nil {
		return err
	}
	at := hostarch.Read
	if len(args) > 1 {
		if at, err = parseAccess(args[1]); err != nil {
			return err
		}
	}
	return as.HandleFault(ctx, hostarch.Addr(addr), at)
}

// adviseRange parses an address and a length for Advise.
func adviseRange(args []string) (hostarch.Addr, int64, error) {
	base, err := parseUint(args[0])
	if err != nil {
		return 0, 0, err
	}
	length, err := parseInt(args[1])
	if err != nil {
		return 0, 0, err
	}
	return hostarch.Addr(base), length, nil
}

func (in *interpreter) doAdvise(ctx context.Context, args []string, advice mm.Advice) error {
	as, err := in.space()
	if err != nil {
		return err
	}
	base, length, err := adviseRange(args)
	if err != nil {
		return err
	}
	return as.Advise(ctx, base, length, advice)
}

func (in *interpreter) advise(ctx context.Context, args []string) error {
	advice, err := mm.ParseAdvice(args[2])
	if err != nil {
		return err
	}
	return in.doAdvise(ctx, args[:2], advice)
}

func (in *interpreter) evict(ctx context.Context, args []string) error {
	return in.doAdvise(ctx, args, mm.AdviceEvict)
}

func (in *interpreter) prefetch(ctx context.Context, args []string) error {
	return in.doAdvise(ctx, args, mm.AdvicePrefetch)
}

func (in *interpreter) write(ctx context.Context, args []string) error {
	as, err := in.space()
	if err != nil {
		return err
	}
	addr, err := parseUint(args[0])
	if err != nil {
		return err
	}
	return as.CopyOut(ctx, hostarch.Addr(addr), []byte(strings.Join(args[1:], " ")))
}

func (in *interpreter) read(ctx context.Context, args []string) error {
	as, err := in.space()
	if err != nil {
		return err
	}
	addr, err := parseUint(args[0])
	if err != nil {
		return err
	}
	n, err := parseUint(args[1])
	if err != nil {
		return err
	}
	buf := make([]byte, n)
	if err := as.CopyIn(ctx, buf, hostarch.Addr(addr)); err != nil {
		return err
	}
	fmt.Fprintf(in.out, "%#x: %q\n", addr, buf)
	return nil
}

func (in *interpreter) readString(ctx context.Context, args []string) error {
	as, err := in.space()
	if err != nil {
		return err
	}
	addr, err := parseUint(args[0])
	if err != nil {
		return err
	}
	n, err := parseUint(args[1])
	if err != nil {
		return err
	}
	s, err := as.CopyInString(ctx, hostarch.Addr(addr), int(n))
	if err != nil {
		return err
	}
	fmt.Fprintf(in.out, "%#x: %q\n", addr, s)
	return nil
}

func (in *interpreter) unmap(ctx context.Context, args []string) error {
	as, err := in.space()
	if err != nil {
		return err
	}
	addr, err := parseUint(args[0])
	if err != nil {
		return err
	}
	if !hostarch.Addr(addr).IsPageAligned() {
		return fmt.Errorf("address %#x is not page aligned", addr)
	}
	npages, err := parseUint(args[1])
	if err != nil {
		return err
	}
	as.UnmapRange(ctx, hostarch.Addr(addr), npages, true)
	return nil
}

func (in *interpreter) fork(ctx context.Context, _ []string) error {
	as, err := in.space()
	if err != nil {
		return err
	}
	child, err := as.Fork(ctx)
	if err != nil {
		return err
	}
	in.spaces = append(in.spaces, child)
	fmt.Fprintf(in.out, "fork: space %d is %s\n", len(in.spaces)-1, child.ID())
	return nil
}

func (in *interpreter) use(_ context.Context, args []string) error {
	i, err := parseUint(args[0])
	if err != nil {
		return err
	}
	if i >= uint64(len(in.spaces)) {
		return fmt.Errorf("no address space %d", i)
	}
	in.cur = int(i)
	return nil
}

func (in *interpreter) release(ctx context.Context, _ []string) error {
	as, err := in.space()
	if err != nil {
		return err
	}
	as.Release(ctx)
	in.spaces[in.cur] = nil
	return nil
}

func (in *interpreter) stats(context.Context, []string) error {
	as, err := in.space()
	if err != nil {
		return err
	}
	s := as.Stats()
	fmt.Fprintf(in.out, "space %d: size=%#x resident=%d swapped=%d\n", in.cur, s.Size, s.Resident, s.Swapped)
	in.env.printStats(in.out)
	return nil
}

func (in *interpreter) dump(context.Context, []string) error {
	as, err := in.space()
	if err != nil {
		return err
	}
	return as.Dump(in.out)
}

func (in *interpreter) metrics(context.Context, []string) error {
	return metric.WriteTo(in.out)
}

// Close releases every address space that is still live.
func (in *interpreter) Close(ctx context.Context) {
	for i, as := range in.spaces {
		if as != nil {
			as.Release(ctx)
			in.spaces[i] = nil
		}
	}
}
