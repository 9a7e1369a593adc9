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

// Package ring0 provides the per-CPU execution core of the kernel: per-CPU
// state, thread execution contexts, the context initializer, the context
// switcher and the bootstrap path that starts the first thread on a CPU.
//
// The hardware is an emulated amd64 machine. The live register file, the
// task state segment and the kernel stacks are real byte-level structures;
// every kernel thread's instruction stream is a Go function running on its
// own goroutine, and exactly one goroutine executes on behalf of a CPU at any
// time. Transferring control to a thread hands the *CPU to that thread's
// goroutine, which orders everything the outgoing side saved before anything
// the incoming side loads.
//
// Invariant violations are fatal: see InvariantViolation.
package ring0

import (
	"fmt"

	"gvisor.dev/kcore/pkg/log"
)

// MaxCPUs is the maximum number of CPUs.
const MaxCPUs = 64

// InvariantViolation is the value the kernel panics with when a fatal
// invariant is violated. It is the equivalent of a kernel panic: the machine
// state is no longer trustworthy.
type InvariantViolation struct {
	// CPU is the CPU the violation was detected on, or -1.
	CPU int

	// Msg describes the violated condition.
	Msg string
}

// Error implements error.Error.
func (v *InvariantViolation) Error() string {
	return fmt.Sprintf("KERNEL PANIC: CPU %d: %s", v.CPU, v.Msg)
}

// panicf logs and raises an InvariantViolation.
func panicf(cpu int, format string, args ...any) {
	v := &InvariantViolation{CPU: cpu, Msg: fmt.Sprintf(format, args...)}
	log.WarningfAtDepth(2, "%s", v.Error())
	panic(v)
}

// fatalf raises an InvariantViolation on c.
func (c *CPU) fatalf(format string, args ...any) {
	panicf(c.id, format, args...)
}
