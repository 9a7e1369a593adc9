// Copyright 2026 The gVisor Authors.
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
// for kcore. Each setting that can be changed from the command line or from a
// TOML configuration file is a field of Config tagged with the flag name and
// the file key.
package config

import (
	"fmt"
	"reflect"

	"gvisor.dev/kcore/pkg/hostarch"
	"gvisor.dev/kcore/pkg/log"
	"gvisor.dev/kcore/pkg/ring0"
)

// Config holds configuration that is not part of the command arguments.
type Config struct {
	// ConfigFile is the path of a TOML file with additional settings.
	// Flags set on the command line take precedence over the file.
	ConfigFile string `flag:"config" toml:"-"`

	// CPUs is the number of emulated CPUs.
	CPUs int `flag:"cpus" toml:"cpus"`

	// KernelStackSize is the size of every kernel stack in bytes.
	KernelStackSize uint64 `flag:"kernel-stack-size" toml:"kernel-stack-size"`

	// StackOffsetBound bounds the random offset below each kernel stack
	// top. Negative disables the offset.
	StackOffsetBound int64 `flag:"stack-offset-bound" toml:"stack-offset-bound"`

	// Threads is the number of worker threads started by workloads.
	Threads int `flag:"threads" toml:"threads"`

	// Iterations is the number of rounds each worker runs.
	Iterations int `flag:"iterations" toml:"iterations"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format" toml:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// DebugLog is the path to log debug information to, if not empty.
	DebugLog string `flag:"debug-log" toml:"debug-log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format" toml:"debug-log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`
}

var validLogFormats = map[string]bool{
	"text":     true,
	"json":     true,
	"json-k8s": true,
}

func (c *Config) validate() error {
	if c.CPUs < 1 || c.CPUs > ring0.MaxCPUs {
		return fmt.Errorf("cpus must be in [1, %d], got %d", ring0.MaxCPUs, c.CPUs)
	}
	if c.KernelStackSize < hostarch.PageSize || c.KernelStackSize%16 != 0 {
		return fmt.Errorf("kernel-stack-size must be a multiple of 16 no smaller than %d, got %d", hostarch.PageSize, c.KernelStackSize)
	}
	if c.Threads < 0 {
		return fmt.Errorf("threads must not be negative, got %d", c.Threads)
	}
	if c.Iterations < 1 {
		return fmt.Errorf("iterations must be positive, got %d", c.Iterations)
	}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log-format %q, must be 'text', 'json', or 'json-k8s'", c.LogFormat)
	}
	if !validLogFormats[c.DebugLogFormat] {
		return fmt.Errorf("invalid debug-log-format %q, must be 'text', 'json', or 'json-k8s'", c.DebugLogFormat)
	}
	return nil
}

// KernelOpts returns the kernel options described by the configuration.
func (c *Config) KernelOpts() ring0.KernelOpts {
	return ring0.KernelOpts{
		KernelStackSize:  c.KernelStackSize,
		StackOffsetBound: c.StackOffsetBound,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s: %s", name, getVal(obj.Field(i)))
	}
}
