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

// Package config provides basic infrastructure to set configuration settings
// for vmctl. The configuration is set by flags to the command line. A TOML
// file can supply defaults for flags that are not set on the command line.
package config

import (
	"fmt"
	"math"

	"github.com/guanwei-wu/Operating-Systems/pkg/log"
)

// Config holds configuration that is not part of the simulated address space
// itself.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register a new flag in flags.go, with name and description.
//  4. Add any necessary validation into validate().
//  5. If adding an enum, follow the same pattern as LogFormat.
type Config struct {
	// Frames is the capacity of the shared frame pool.
	Frames uint `flag:"frames"`

	// NodeLimit bounds the page table nodes of each address space. 0 means
	// no limit.
	NodeLimit int `flag:"node-limit"`

	// NodesFromFrames charges page table nodes to the frame pool.
	NodesFromFrames bool `flag:"nodes-from-frames"`

	// SwapFile is the path of the swap image. If empty, swap is held in
	// memory.
	SwapFile string `flag:"swap-file"`

	// SwapBlocks is the number of page-sized swap blocks.
	SwapBlocks uint `flag:"swap-blocks"`

	// MaxOps is the number of swap transactions admitted at once.
	MaxOps int `flag:"max-ops"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format, "text" or "json".
	LogFormat string `flag:"log-format"`

	// ConfigFile is the TOML file supplying flag defaults.
	ConfigFile string `flag:"config"`
}

func (c *Config) validate() error {
	if c.Frames == 0 {
		return fmt.Errorf("--frames must be positive")
	}
	if c.Frames > 1<<20 {
		return fmt.Errorf("--frames=%d is larger than the maximum of %d", c.Frames, 1<<20)
	}
	if c.NodeLimit < 0 {
		return fmt.Errorf("--node-limit must be non-negative, got %d", c.NodeLimit)
	}
	if c.SwapBlocks == 0 || uint64(c.SwapBlocks) > math.MaxUint32 {
		return fmt.Errorf("--swap-blocks=%d is out of range", c.SwapBlocks)
	}
	if c.MaxOps <= 0 {
		return fmt.Errorf("--max-ops must be positive, got %d", c.MaxOps)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	log.Infof("\t\tFrames: %d (nodes from frames: %t, node limit: %d)", c.Frames, c.NodesFromFrames, c.NodeLimit)
	if c.SwapFile != "" {
		log.Infof("\t\tSwap: %q, %d blocks", c.SwapFile, c.SwapBlocks)
	} else {
		log.Infof("\t\tSwap: memory, %d blocks", c.SwapBlocks)
	}
	log.Infof("\t\tMaxOps: %d", c.MaxOps)
	if c.ConfigFile != "" {
		log.Infof("\t\tConfigFile: %q", c.ConfigFile)
	}
}
