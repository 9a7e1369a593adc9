// Copyright 2020 The gVisor Authors.
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
	"gvisor.dev/kcore/pkg/kstack"
	"gvisor.dev/kcore/pkg/ring0"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML file with configuration settings. Flags set on the command line take precedence.")

	// Logging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stdout.")
	flagSet.String("log-format", "text", "log format: text (default), json, or json-k8s.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("debug-log", "", "additional location for logs. If it ends with '/', log files are created inside the directory with default names. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("debug-log-format", "text", "log format: text (default), json, or json-k8s.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	// Flags that control the emulated machine.
	flagSet.Int("cpus", 1, "number of emulated CPUs.")
	flagSet.Uint64("kernel-stack-size", kstack.DefaultSize, "size of every kernel stack in bytes.")
	flagSet.Int64("stack-offset-bound", ring0.DefaultStackOffsetBound, "exclusive bound of the random offset subtracted from each kernel stack top. Negative disables it.")

	// Flags that control the workloads.
	flagSet.Int("threads", 4, "number of worker threads.")
	flagSet.Int("iterations", 1000, "number of rounds each worker runs.")
}

// NewFromFlags creates a new Config with values coming from command line flags
// and, if --config is set, from a TOML configuration file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
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

	if conf.ConfigFile != "" {
		explicit := make(map[string]bool)
		flagSet.Visit(func(f *flag.Flag) {
			explicit[f.Name] = true
		})
		if err := conf.mergeFile(conf.ConfigFile, explicit); err != nil {
			return nil, err
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// mergeFile sets the fields defined in the TOML file at path, except those
// whose flags were set explicitly.
func (c *Config) mergeFile(path string, explicit map[string]bool) error {
	var fromFile Config
	md, err := toml.DecodeFile(path, &fromFile)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %q: unknown keys %v", path, undecoded)
	}

	dst := reflect.ValueOf(c).Elem()
	src := reflect.ValueOf(&fromFile).Elem()
	st := dst.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		key := f.Tag.Get("toml")
		if !ok || key == "" || key == "-" {
			continue
		}
		if explicit[name] || !md.IsDefined(key) {
			continue
		}
		dst.Field(i).Set(src.Field(i))
	}
	return nil
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
