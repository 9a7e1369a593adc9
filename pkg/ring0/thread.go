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
	"fmt"
	"runtime"
	"sync/atomic"

	"gvisor.dev/kcore/pkg/arch"
	"gvisor.dev/kcore/pkg/atomicbitops"
	"gvisor.dev/kcore/pkg/kstack"
)

// Mode is the privilege mode a thread's entry function runs in.
type Mode int

const (
	// KernelOnly threads run entirely in ring 0 and belong to the kernel
	// process.
	KernelOnly Mode = iota

	// User threads enter ring 3 on their first run.
	User
)

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	switch m {
	case KernelOnly:
		return "kernel"
	case User:
		return "user"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ThreadState is the scheduling state of a thread.
type ThreadState int32

const (
	// ThreadNeverRun is the state of a thread without an initialized
	// context.
	ThreadNeverRun ThreadState = iota

	// ThreadRunnable threads have a valid saved context and are not running.
	ThreadRunnable

	// ThreadRunning threads are executing on a CPU.
	ThreadRunning

	// ThreadExited threads never run again.
	ThreadExited
)

// String implements fmt.Stringer.String.
func (s ThreadState) String() string {
	switch s {
	case ThreadNeverRun:
		return "NeverRun"
	case ThreadRunnable:
		return "Runnable"
	case ThreadRunning:
		return "Running"
	case ThreadExited:
		return "Exited"
	default:
		return fmt.Sprintf("ThreadState(%d)", int32(s))
	}
}

// ResumeKind tells the shared resume path how the saved context of a thread
// was produced.
type ResumeKind int

const (
	// ResumeFirstEntry contexts were built by InitContext and resume in the
	// first-entry trampoline.
	ResumeFirstEntry ResumeKind = iota

	// ResumeContinued contexts were saved by SwitchContext and resume at
	// the switch resume label.
	ResumeContinued
)

// String implements fmt.Stringer.String.
func (r ResumeKind) String() string {
	switch r {
	case ResumeFirstEntry:
		return "first-entry"
	case ResumeContinued:
		return "continued"
	default:
		return fmt.Sprintf("ResumeKind(%d)", int(r))
	}
}

// Thread is the execution context of a schedulable thread.
//
// A thread is either running on exactly one CPU, or has a valid saved frame
// on its kernel stack. Saved state is only touched by the context
// initializer or by the CPU switching the thread in or out.
type Thread struct {
	kernel *Kernel
	tid    uint64
	name   string
	mode   Mode
	stack  *kstack.Stack

	// regs holds the saved registers. See arch.ThreadRegisters.
	regs arch.ThreadRegisters

	// savedCritical is the CPU critical depth to restore when the thread is
	// next resumed.
	savedCritical int32

	// resume is how the thread is next resumed.
	resume ResumeKind

	// currentTrap is the address of the innermost trap frame, or zero.
	currentTrap uint64

	// cpu is the CPU the thread is running on, or nil.
	cpu atomic.Pointer[CPU]

	state atomicbitops.Int32

	// wake receives the CPU handed to a switched-out thread.
	wake chan *CPU
}

// TID returns the thread ID.
func (t *Thread) TID() uint64 {
	return t.tid
}

// Name returns the thread name.
func (t *Thread) Name() string {
	return t.name
}

// Mode returns the thread's privilege mode.
func (t *Thread) Mode() Mode {
	return t.mode
}

// Kernel returns the kernel the thread belongs to.
func (t *Thread) Kernel() *Kernel {
	return t.kernel
}

// Stack returns the thread's kernel stack.
func (t *Thread) Stack() *kstack.Stack {
	return t.stack
}

// Regs returns the thread's saved registers.
//
// Before the context is initialized, the general purpose registers, rip,
// rflags and (for user threads) rsp are the values the thread's entry
// function starts with and may be set by the caller. Afterwards they must
// not be modified while the thread is not running.
func (t *Thread) Regs() *arch.ThreadRegisters {
	return &t.regs
}

// SavedCritical returns the critical depth restored on resume.
func (t *Thread) SavedCritical() int32 {
	return t.savedCritical
}

// ResumeKind returns how the thread will next be resumed.
func (t *Thread) ResumeKind() ResumeKind {
	return t.resume
}

// CurrentTrap returns the address of the innermost trap frame.
func (t *Thread) CurrentTrap() uint64 {
	return t.currentTrap
}

// CPU returns the CPU the thread is running on, or nil if it is not
// running. A thread that switched out may resume on a different CPU, so
// callers must not cache the result across a switch.
func (t *Thread) CPU() *CPU {
	return t.cpu.Load()
}

// State returns the thread state.
func (t *Thread) State() ThreadState {
	return ThreadState(t.state.Load())
}

// MarkExited marks the thread as exited. It must be called by the thread
// itself (or the CPU running it) before switching away for the last time.
func (t *Thread) MarkExited() {
	t.state.Store(int32(ThreadExited))
}

func (t *Thread) setState(s ThreadState) {
	t.state.Store(int32(s))
}

func (t *Thread) String() string {
	return fmt.Sprintf("%s[%d]", t.name, t.tid)
}

// start is the first code run on a thread's goroutine: the shared resume
// path, into the first-entry trampoline.
func (t *Thread) start(c *CPU) {
	c.enterThreadContext(t)
	t.run()
}

// park waits until the thread is switched back in and returns the CPU it
// now runs on. It does not return if the kernel shuts down first.
func (t *Thread) park() *CPU {
	select {
	case c := <-t.wake:
		return c
	case <-t.kernel.dead:
		runtime.Goexit()
		panic("unreachable")
	}
}

// run executes the entry function at the current instruction pointer and
// then the thread exit path.
func (t *Thread) run() {
	c := t.CPU()
	fn, ok := t.kernel.text.Lookup(c.registers.Rip)
	if !ok {
		c.fatalf("thread %v: no code at rip %#x", t, c.registers.Rip)
	}
	fn(t)

	c = t.CPU()
	if c.registers.KernelMode() {
		// Return into the sentinel left by InitContext.
		c.registers.Rip = c.pop()
		if c.registers.Rip != ExitKernelThreadAddr {
			c.fatalf("thread %v returned to %s, want exit_kernel_thread", t, t.kernel.text.Symbolize(c.registers.Rip))
		}
		c.exitKernelThread(t)
	} else {
		t.Syscall(func(t *Thread, _ *arch.RegisterState) {
			c := t.CPU()
			t.setState(ThreadExited)
			t.kernel.hooks.ExitThread(c, t)
		})
	}
	t.CPU().fatalf("thread %v: exit returned", t)
}

// exitKernelThread is the code at ExitKernelThreadAddr.
func (c *CPU) exitKernelThread(t *Thread) {
	if c.current != t {
		c.fatalf("exit_kernel_thread: %v is not current (%v)", t, c.current)
	}
	t.setState(ThreadExited)
	t.kernel.hooks.ExitThread(c, t)
}
