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
	"runtime"

	"gvisor.dev/kcore/pkg/hostarch"
	"gvisor.dev/kcore/pkg/log"
)

// InitializeContextSwitching leaves the boot context of c and starts running
// t, whose context must have been initialized. It is called once per CPU, by
// the goroutine executing c's boot context, and never returns: that goroutine
// exits.
//
// The CPU's TSS is set up for t, the init_finished hooks run on t's stack
// and t is entered through the first-entry trampoline, as if c had switched
// to it from itself.
func (c *CPU) InitializeContextSwitching(t *Thread) {
	if t.mode != KernelOnly {
		c.fatalf("initial thread %v is not a kernel thread", t)
	}
	if !c.state.CompareAndSwap(int32(CPUUninitialized), int32(CPUBootstrapping)) {
		c.fatalf("initialize_context_switching with %v: CPU is %v", t, c.State())
	}
	if t.State() != ThreadRunnable || t.resume != ResumeFirstEntry {
		c.fatalf("initial thread %v has no initialized context (state %v, resume %v)", t, t.State(), t.resume)
	}

	c.tss.ioPerm = tssSize
	c.tss.setRSP0(t.regs.Rsp0)
	c.schedulerInitialized = true

	c.registers.Rsp = t.regs.Rsp
	c.push(t.tid)
	c.push(t.tid)
	c.push(t.regs.Rip)
	c.current = t

	c.kernel.hooks.PreInitFinished(c)
	c.kernel.initFinished(c)
	c.kernel.hooks.PostInitFinished(c)
	c.state.Store(int32(CPUSchedulingActive))

	// The trap pointer sits above the resume address and both thread IDs.
	trap := c.peek(c.registers.Rsp + 3*hostarch.WordSize)
	c.enterTrapNoIRQ(trap)

	log.Debugf("CPU %d: entering %v", c.id, t)
	go t.start(c)
	runtime.Goexit()

	c.fatalf("initialize_context_switching returned")
}

// AssumeContext replaces the context of the running thread t with a freshly
// initialized one and enters it, as when a thread execs. flags become the
// thread's initial RFLAGS; the rest of the new entry state (rip, the general
// purpose registers and, for user threads, rsp) is taken from t's saved
// registers, which the caller sets up beforehand. It never returns.
//
// Preconditions: t is current on c, interrupts are disabled and the critical
// depth is 2 (the caller's critical section and the scheduler lock).
func (c *CPU) AssumeContext(t *Thread, flags uint64) {
	log.Debugf("CPU %d: assume context for %v", c.id, t)
	if c.InterruptsEnabled() {
		c.fatalf("assume_context for %v with interrupts enabled", t)
	}
	if c.current != t {
		c.fatalf("assume_context for %v, which is not current (%v)", t, c.current)
	}
	if c.critical != 2 {
		c.fatalf("assume_context for %v with critical depth %d, want 2", t, c.critical)
	}

	t.regs.Rflags = flags
	sp := c.InitContext(t, true)
	c.tss.setRSP0(t.regs.Rsp0)

	c.registers.Rsp = sp
	c.push(t.tid)
	c.push(t.tid)
	c.push(t.regs.Rip)

	go t.start(c)
	runtime.Goexit()

	c.fatalf("assume_context returned")
}

// peek reads the quadword at addr.
func (c *CPU) peek(addr uint64) uint64 {
	v, err := c.kernel.mem.ReadUint64(hostarch.Addr(addr))
	if err != nil {
		c.fatalf("fault reading %#x: %v", addr, err)
	}
	return v
}
