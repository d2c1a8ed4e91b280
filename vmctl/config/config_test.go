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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func newFlagSet(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return testFlags
}

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vmctl.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlagSet(t))
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	flags := c.ToFlags()
	if len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newFlagSet(t, "--frames=8", "--debug", "--swap-file=/tmp/swap.img", "--max-ops=3")
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if c.Frames != 8 {
		t.Errorf("Frames=%d, want: 8", c.Frames)
	}
	if !c.Debug {
		t.Errorf("Debug=%t, want: true", c.Debug)
	}
	if c.SwapFile != "/tmp/swap.img" {
		t.Errorf("SwapFile=%q, want: %q", c.SwapFile, "/tmp/swap.img")
	}
	want := []string{"--debug=true", "--frames=8", "--max-ops=3", "--swap-file=/tmp/swap.img"}
	got := c.ToFlags()
	if diff := cmp.Diff(want, got, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestValidation(t *testing.T) {
	for _, tc := range []struct {
		name  string
		args  []string
		error string
	}{
		{
			name:  "frames",
			args:  []string{"--frames=0"},
			error: "--frames must be positive",
		},
		{
			name:  "node-limit",
			args:  []string{"--node-limit=-1"},
			error: "--node-limit must be non-negative",
		},
		{
			name:  "swap-blocks",
			args:  []string{"--swap-blocks=0"},
			error: "--swap-blocks=0 is out of range",
		},
		{
			name:  "max-ops",
			args:  []string{"--max-ops=0"},
			error: "--max-ops must be positive",
		},
		{
			name:  "log-format",
			args:  []string{"--log-format=xml"},
			error: "invalid log format",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewFromFlags(newFlagSet(t, tc.args...))
			if err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags(%v) = %v, want error containing %q", tc.args, err, tc.error)
			}
		})
	}
}

func TestConfigFile(t *testing.T) {
	path := writeFile(t, `
[flags]
frames = 16
debug = true
swap-blocks = "32"
log-format = "json"
`)
	// --frames on the command line wins over the file.
	c, err := NewFromFlags(newFlagSet(t, "--config="+path, "--frames=4"))
	if err != nil {
		t.Fatal(err)
	}
	want := Config{
		Frames:     4,
		SwapBlocks: 32,
		MaxOps:     10,
		Debug:      true,
		LogFormat:  "json",
		ConfigFile: path,
	}
	if diff := cmp.Diff(want, *c); diff != "" {
		t.Errorf("Config mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		error    string
	}{
		{
			name:     "unknown flag",
			contents: "[flags]\nplatform = \"kvm\"\n",
			error:    "unknown flag",
		},
		{
			name:     "bad value",
			contents: "[flags]\nframes = \"many\"\n",
			error:    "error setting flag frames",
		},
		{
			name:     "recursive",
			contents: "[flags]\nconfig = \"other.toml\"\n",
			error:    "cannot be set from a config file",
		},
		{
			name:     "syntax",
			contents: "[flags\n",
			error:    "reading config file",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, tc.contents)
			_, err := NewFromFlags(newFlagSet(t, "--config="+path))
			if err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags = %v, want error containing %q", err, tc.error)
			}
		})
	}
}
