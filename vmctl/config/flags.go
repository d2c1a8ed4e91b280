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
	"fmt"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/guanwei-wu/Operating-Systems/pkg/swap"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Logging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("config", "", "TOML file whose [flags] table supplies values for flags not set on the command line.")

	// Memory flags.
	flagSet.Uint("frames", 64, "number of page frames in the shared frame pool.")
	flagSet.Int("node-limit", 0, "maximum number of page table nodes per address space. 0 means no limit.")
	flagSet.Bool("nodes-from-frames", false, "allocate page table nodes from the frame pool.")

	// Swap flags.
	flagSet.String("swap-file", "", "path of the swap image. Swap is kept in memory if empty.")
	flagSet.Uint("swap-blocks", 256, "number of page-sized blocks on the swap device.")
	flagSet.Int("max-ops", swap.DefaultMaxOps, "number of swap transactions admitted at once.")
}

// fileConfig is the layout of the file named by --config.
type fileConfig struct {
	// Flags maps flag names to values. Values are converted to strings and
	// parsed like their command line counterparts.
	Flags map[string]any `toml:"flags"`
}

// loadFile reads flag values from the TOML file at path.
func loadFile(path string) (map[string]string, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}
	values := make(map[string]string, len(fc.Flags))
	for name, v := range fc.Flags {
		values[name] = fmt.Sprint(v)
	}
	return values, nil
}

// applyFile sets every flag named in the config file that was not set on the
// command line.
func applyFile(flagSet *flag.FlagSet, path string) error {
	values, err := loadFile(path)
	if err != nil {
		return err
	}
	explicit := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	for name, value := range values {
		if name == "config" {
			return fmt.Errorf("config file %q: flag %q cannot be set from a config file", path, name)
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			return fmt.Errorf("config file %q: unknown flag %q", path, name)
		}
		if explicit[name] {
			continue
		}
		if err := fl.Value.Set(value); err != nil {
			return fmt.Errorf("config file %q: error setting flag %s=%q: %w", path, name, value, err)
		}
	}
	return nil
}

// NewFromFlags creates a new Config with values coming from command line flags
// and, for flags not set there, from the config file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	if fl := flagSet.Lookup("config"); fl != nil && fl.Value.String() != "" {
		if err := applyFile(flagSet, fl.Value.String()); err != nil {
			return nil, err
		}
	}

	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
