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

package ring0

import (
	"bytes"
	"testing"
	"time"

	"gvisor.dev/kcore/pkg/arch"
	"gvisor.dev/kcore/pkg/atomicbitops"
)

// testSeed makes stack offsets reproducible.
var testSeed = bytes.Repeat([]byte{0x42}, 32)

const haltTimeout = 30 * time.Second

func newTestKernel(t *testing.T, opts KernelOpts) *Kernel {
	t.Helper()
	if opts.Entropy == nil {
		opts.Entropy = bytes.NewReader(testSeed)
	}
	k, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(k.Shutdown)
	return k
}

func newTestCPU(t *testing.T, k *Kernel, id int) *CPU {
	t.Helper()
	c, err := k.NewCPU(id)
	if err != nil {
		t.Fatalf("NewCPU(%d): %v", id, err)
	}
	return c
}

func newTestThread(t *testing.T, k *Kernel, name string, mode Mode, fn EntryFunc) *Thread {
	t.Helper()
	th, err := k.NewThread(name, mode, fn)
	if err != nil {
		t.Fatalf("NewThread(%s): %v", name, err)
	}
	return th
}

// boot runs on the test goroutine as c's boot context: it takes the
// scheduler lock, initializes the given threads and starts the first.
func boot(c *CPU, first *Thread, others ...*Thread) {
	c.Kernel().SchedulerLock().Lock(c)
	c.InitContext(first, false)
	for _, o := range others {
		c.InitContext(o, false)
	}
	go c.InitializeContextSwitching(first)
}

func waitHalt(t *testing.T, c *CPU) {
	t.Helper()
	select {
	case <-c.Halted():
	case <-time.After(haltTimeout):
		t.Fatalf("CPU %d did not halt", c.ID())
	}
}

// switchTo switches the running thread from to next the way a scheduler
// holding the scheduler lock would, with interrupts disabled.
func switchTo(from, next *Thread) {
	c := from.CPU()
	c.DisableInterrupts()
	c.SwitchContext(from, next)
}

// mustPanic runs fn on the calling goroutine and returns the invariant
// violation it raised.
func mustPanic(t *testing.T, fn func()) *InvariantViolation {
	t.Helper()
	v := catch(fn)
	if v == nil {
		t.Fatalf("no invariant violation raised")
	}
	return v
}

// catch runs fn and returns the invariant violation it raised, or nil.
func catch(fn func()) (v *InvariantViolation) {
	defer func() {
		if r := recover(); r != nil {
			var ok bool
			if v, ok = r.(*InvariantViolation); !ok {
				panic(r)
			}
		}
	}()
	fn()
	return nil
}

// schedHooks release the scheduler lock on first entry, like a scheduler
// would, and record deferred scheduler invocations.
type schedHooks struct {
	NoopHooks
	invoked atomicbitops.Int32
	entered chan *Thread
}

func (h *schedHooks) EnterCurrent(c *CPU, prev *Thread) {
	if h.entered != nil {
		h.entered <- prev
	}
}

func (h *schedHooks) LeaveOnFirstSwitch(c *CPU, flags uint64) {
	c.Kernel().SchedulerLock().Unlock(c, flags)
}

func (h *schedHooks) InvokeScheduler(c *CPU) {
	h.invoked.Add(1)
}

// gprs returns the general purpose registers of r, without rsp.
func gprs(r *arch.Registers) [15]uint64 {
	return [15]uint64{r.Rax, r.Rbx, r.Rcx, r.Rdx, r.Rsi, r.Rdi, r.Rbp, r.R8, r.R9, r.R10, r.R11, r.R12, r.R13, r.R14, r.R15}
}

// setGPRs fills the general purpose registers of r, without rsp.
func setGPRs(r *arch.Registers, v [15]uint64) {
	r.Rax, r.Rbx, r.Rcx, r.Rdx, r.Rsi, r.Rdi, r.Rbp = v[0], v[1], v[2], v[3], v[4], v[5], v[6]
	r.R8, r.R9, r.R10, r.R11, r.R12, r.R13, r.R14, r.R15 = v[7], v[8], v[9], v[10], v[11], v[12], v[13], v[14]
}
