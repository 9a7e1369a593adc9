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

	"gvisor.dev/kcore/pkg/arch"
	"gvisor.dev/kcore/pkg/hostarch"
	"gvisor.dev/kcore/pkg/log"
)

// Layout of a freshly initialized context, as offsets below the (randomly
// lowered) kernel stack top.
const (
	// SentinelOffset holds ExitKernelThreadAddr, the return address of a
	// kernel thread's entry function.
	SentinelOffset = 8

	// PadOffset holds zero, so that rsp+8 is 16-byte aligned on entry.
	PadOffset = 16

	// RegisterStateOffset is where the first-entry RegisterState starts.
	RegisterStateOffset = PadOffset + arch.RegisterStateSize

	// TrapFrameOffset is where the first-entry TrapFrame starts.
	TrapFrameOffset = RegisterStateOffset + arch.TrapFrameSize

	// TrapPointerOffset holds the address of the TrapFrame. It is the
	// initial stack pointer of the thread.
	TrapPointerOffset = TrapFrameOffset + 8

	// minStackFrame is the stack space an initialized context needs.
	minStackFrame = TrapPointerOffset
)

// InitContext builds the synthetic first-run context of t on its kernel
// stack and returns the new stack pointer.
//
// Below the stack top, lowered by a random multiple of 16 bytes, it lays out
// the return address into exit_kernel_thread, a zero pad word, a
// RegisterState with t's entry registers, a TrapFrame pointing at it and the
// address of that TrapFrame. t then resumes in the first-entry trampoline,
// which returns through the trap frame into t's entry in its own mode.
//
// Preconditions: c is in kernel mode, holds the scheduler lock and has
// neither NT nor VM set. If leaveCritical, the critical depth is decremented
// once and must then be 1.
func (c *CPU) InitContext(t *Thread, leaveCritical bool) uint64 {
	if !c.IsKernelMode() {
		c.fatalf("init_context for %v outside kernel mode (cs %#x)", t, c.registers.Cs)
	}
	if !c.kernel.lock.OwnLock(c) {
		c.fatalf("init_context for %v without the scheduler lock", t)
	}
	if leaveCritical {
		// Leave the caller's critical section without side effects; the
		// scheduler lock still holds one.
		c.critical--
		if c.critical != 1 {
			c.fatalf("init_context for %v: critical depth %d after leaving, want 1", t, c.critical)
		}
	}
	if c.registers.Rflags&(arch.FlagsNT|arch.FlagsVM) != 0 {
		c.fatalf("init_context for %v with rflags %#x (NT or VM set)", t, c.registers.Rflags)
	}
	switch st := t.State(); {
	case st == ThreadExited:
		c.fatalf("init_context for exited thread %v", t)
	case st != ThreadNeverRun && t != c.current:
		c.fatalf("init_context for %v, which is already initialized (%v)", t, st)
	}

	top := t.stack.Top() - hostarch.Addr(c.kernel.stackOffset())
	b, err := t.stack.NewBuilder(top)
	if err != nil {
		c.fatalf("init_context for %v: %v", t, err)
	}

	regs := &t.regs
	returnToUser := arch.Selector(regs.Cs).RPL() != 0

	push := func(addr hostarch.Addr, err error) hostarch.Addr {
		if err != nil {
			c.fatalf("init_context for %v at %v: %v", t, b.SP(), err)
		}
		return addr
	}
	sentinel := push(b.PushUint64(ExitKernelThreadAddr))
	push(b.PushUint64(0))

	frame := arch.RegisterState{
		Rip:    regs.Rip,
		Cs:     regs.Cs,
		Rflags: regs.Rflags,
	}
	frame.SetGPRs(&regs.Registers)
	if returnToUser {
		frame.UserspaceRsp = regs.Rsp
		frame.UserspaceSs = uint64(arch.Udata)
	} else {
		// Returning from the entry pops exit_kernel_thread.
		frame.UserspaceRsp = uint64(sentinel)
		frame.UserspaceSs = 0
	}
	frameAddr := push(b.Push(&frame))

	trap := arch.TrapFrame{
		PrevIRQLevel: 0,
		NextTrap:     0,
		Regs:         uint64(frameAddr),
	}
	trapAddr := push(b.Push(&trap))
	sp := push(b.PushUint64(uint64(trapAddr)))

	if log.IsLogging(log.Debug) {
		if returnToUser {
			log.Debugf("CPU %d: init_context %v set up to execute at %#x:%s, rsp=%#x, stack_top=%v, user_top=%#x",
				c.id, t, frame.Cs, c.kernel.text.Symbolize(frame.Rip), regs.Rsp, sp, frame.UserspaceRsp)
		} else {
			log.Debugf("CPU %d: init_context %v set up to execute at %#x:%s, stack_top=%v",
				c.id, t, frame.Cs, c.kernel.text.Symbolize(frame.Rip), sp)
		}
	}

	regs.Rip = c.kernel.machine.FirstEntryTrampoline()
	regs.Rsp = uint64(sp)
	regs.Rsp0 = uint64(top)
	t.resume = ResumeFirstEntry
	t.currentTrap = 0
	if t.State() == ThreadNeverRun {
		t.setState(ThreadRunnable)
	}
	return uint64(sp)
}

// SwitchContext switches c from the current thread from to the thread to,
// whose context must have been initialized or saved by a previous switch.
//
// The call returns when from is switched back in, possibly on another CPU:
// callers must use from.CPU() afterwards. If from has exited, the call never
// returns.
//
// Preconditions: from is c's current thread and differs from to, c is not
// handling an interrupt, c is in kernel mode and the critical depth is
// exactly 1 (the scheduler lock).
func (c *CPU) SwitchContext(from, to *Thread) {
	switch {
	case from == nil || to == nil:
		c.fatalf("switch_context from %v to %v", from, to)
	case from == to:
		c.fatalf("switch_context from %v to itself", from)
	case c.current != from:
		c.fatalf("switch_context from %v, which is not current (%v)", from, c.current)
	case c.irq != 0:
		c.fatalf("switch_context in interrupt context (depth %d)", c.irq)
	case c.critical != 1:
		c.fatalf("switch_context with critical depth %d, want 1", c.critical)
	case !c.IsKernelMode():
		c.fatalf("switch_context outside kernel mode (cs %#x)", c.registers.Cs)
	}
	switch to.State() {
	case ThreadRunnable:
	default:
		c.fatalf("switch_context to %v in state %v", to, to.State())
	}

	if log.IsLogging(log.Debug) {
		log.Debugf("CPU %d: switch_context --> switching out of %v", c.id, from)
	}
	from.savedCritical = c.critical

	c.kernel.machine.SaveInto(c, from)
	c.tss.setRSP0(to.regs.Rsp0)
	c.registers.Rsp = to.regs.Rsp
	c.push(to.tid)
	c.push(from.tid)
	c.push(to.regs.Rip)

	exited := from.State() == ThreadExited
	if !exited {
		from.setState(ThreadRunnable)
	}
	from.cpu.Store(nil)
	c.current = nil
	c.switches.Add(1)

	// From here on c belongs to to.
	c.transfer(to)
	if exited {
		runtime.Goexit()
	}

	c = from.park()
	c.enterThreadContext(from)
	if log.IsLogging(log.Debug) {
		log.Debugf("CPU %d: switch_context <-- back in %v", c.id, from)
	}
	c.RestoreInCritical(from.savedCritical)
}

// enterThreadContext is the shared resume path, run on t's goroutine once it
// received c. The stack holds the resume address, the outgoing and incoming
// thread IDs and then what the resume kind calls for.
func (c *CPU) enterThreadContext(t *Thread) {
	rip := c.pop()
	fromTID := c.pop()
	toTID := c.pop()
	if toTID != t.tid {
		c.fatalf("resuming %v with a frame for thread %d", t, toTID)
	}
	from := c.kernel.thread(fromTID)
	if from == nil {
		c.fatalf("resuming %v: unknown outgoing thread %d", t, fromTID)
	}
	if from != t && from.State() == ThreadRunning {
		c.fatalf("resuming %v: outgoing thread %v is still running", t, from)
	}

	c.current = t
	t.cpu.Store(c)
	t.setState(ThreadRunning)
	if t.regs.Cr3 != 0 && t.regs.Cr3 != c.cr3 {
		c.cr3 = t.regs.Cr3
	}
	c.registers.Rip = rip

	switch t.resume {
	case ResumeFirstEntry:
		if rip != c.kernel.machine.FirstEntryTrampoline() {
			c.fatalf("first entry of %v at %s", t, c.kernel.text.Symbolize(rip))
		}
		trap := c.pop()
		c.contextFirstInit(from, t, trap)
		c.commonTrapExit(trap)
	case ResumeContinued:
		if rip != SwitchResumeAddr {
			c.fatalf("continuing %v at %s", t, c.kernel.text.Symbolize(rip))
		}
		c.kernel.machine.LoadFrom(c, t)
	default:
		c.fatalf("resuming %v with resume kind %v", t, t.resume)
	}
}

// contextFirstInit is the part of the first-entry trampoline that runs
// before the trap exit.
func (c *CPU) contextFirstInit(from, to *Thread, trap uint64) {
	if c.InterruptsEnabled() {
		c.fatalf("first entry of %v with interrupts enabled", to)
	}
	if !c.IsKernelMode() {
		c.fatalf("first entry of %v outside kernel mode", to)
	}
	if c.current != to {
		c.fatalf("first entry of %v, which is not current (%v)", to, c.current)
	}

	c.kernel.hooks.EnterCurrent(c, from)

	if to.savedCritical <= 0 {
		c.fatalf("first entry of %v with saved critical depth %d", to, to.savedCritical)
	}
	c.RestoreInCritical(to.savedCritical)

	// The thread did not get here through the scheduler's context switch,
	// so the scheduler must be told to finish it. Interrupts stay disabled
	// until the trap exit.
	var tf arch.TrapFrame
	c.readFrame(trap, &tf)
	var regs arch.RegisterState
	c.readFrame(tf.Regs, &regs)
	c.kernel.hooks.LeaveOnFirstSwitch(c, regs.Rflags&^arch.FlagsIF)
}
