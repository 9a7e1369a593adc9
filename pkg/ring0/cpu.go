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

	"gvisor.dev/kcore/pkg/arch"
	"gvisor.dev/kcore/pkg/atomicbitops"
	"gvisor.dev/kcore/pkg/hostarch"
	"gvisor.dev/kcore/pkg/kstack"
	"gvisor.dev/kcore/pkg/log"
	"gvisor.dev/kcore/pkg/marshal"
	"gvisor.dev/kcore/pkg/sync"
)

// CPUState is the lifecycle state of a CPU.
type CPUState int32

const (
	// CPUUninitialized CPUs run their boot context.
	CPUUninitialized CPUState = iota

	// CPUBootstrapping CPUs are inside InitializeContextSwitching.
	CPUBootstrapping

	// CPUSchedulingActive CPUs run threads.
	CPUSchedulingActive

	// CPUHalted CPUs never run again.
	CPUHalted
)

// String implements fmt.Stringer.String.
func (s CPUState) String() string {
	switch s {
	case CPUUninitialized:
		return "Uninitialized"
	case CPUBootstrapping:
		return "Bootstrapping"
	case CPUSchedulingActive:
		return "SchedulingActive"
	case CPUHalted:
		return "Halted"
	default:
		return fmt.Sprintf("CPUState(%d)", int32(s))
	}
}

// Stats are per-CPU counters.
type Stats struct {
	// Switches is the number of context switches away from a thread.
	Switches uint64

	// Traps is the number of trap frames exited.
	Traps uint64
}

// CPU is the per-CPU state.
//
// Apart from the atomics and the halted channel, fields are only accessed by
// the goroutine currently executing on behalf of the CPU.
type CPU struct {
	kernel *Kernel
	id     int

	// stack is the boot stack, also used as interrupt stack 1.
	stack *kstack.Stack

	// registers is the live register file.
	registers arch.Registers

	// cr3 is the live page table root.
	cr3 uint64

	tss TaskState

	// critical is the critical section nesting depth.
	critical int32

	// irq is the interrupt nesting depth.
	irq int32

	// schedulerInitialized is set by InitializeContextSwitching.
	schedulerInitialized bool

	// invokeScheduler requests a deferred scheduler invocation.
	invokeScheduler bool

	// current is the thread running on this CPU, or nil in the boot
	// context.
	current *Thread

	state    atomicbitops.Int32
	switches atomicbitops.Uint64
	traps    atomicbitops.Uint64

	halted   chan struct{}
	haltOnce sync.Once
}

// init initializes architecture state.
func (c *CPU) init() {
	top := uint64(c.stack.Top())

	// The boot context runs on the boot stack, which also serves as the
	// interrupt stack and the ring 0 stack until a thread is installed.
	c.tss.setRSP0(top)
	c.tss.setIST1(top)

	c.registers.Rsp = top
	c.registers.Cs = uint64(arch.Kcode)
	c.registers.Ss = uint64(arch.Kdata)

	// Interrupts are disabled until the first thread enables them.
	c.registers.Rflags = arch.FlagsReserved
}

// ID returns the CPU index.
func (c *CPU) ID() int {
	return c.id
}

// Kernel returns the kernel.
func (c *CPU) Kernel() *Kernel {
	return c.kernel
}

// Registers returns the live register file.
func (c *CPU) Registers() *arch.Registers {
	return &c.registers
}

// TSS returns the task state segment.
func (c *CPU) TSS() *TaskState {
	return &c.tss
}

// StackTop returns the top of the boot stack.
func (c *CPU) StackTop() uint64 {
	return uint64(c.stack.Top())
}

// Current returns the thread running on this CPU.
func (c *CPU) Current() *Thread {
	return c.current
}

// InIRQ returns the interrupt nesting depth.
func (c *CPU) InIRQ() int32 {
	return c.irq
}

// SchedulerInitialized returns true once InitializeContextSwitching ran.
func (c *CPU) SchedulerInitialized() bool {
	return c.schedulerInitialized
}

// State returns the CPU lifecycle state.
func (c *CPU) State() CPUState {
	return CPUState(c.state.Load())
}

// Stats returns a snapshot of the CPU counters. It may be called from any
// goroutine.
func (c *CPU) Stats() Stats {
	return Stats{
		Switches: c.switches.Load(),
		Traps:    c.traps.Load(),
	}
}

// IsKernelMode returns true if the CPU executes in ring 0.
func (c *CPU) IsKernelMode() bool {
	return c.registers.KernelMode()
}

// DisableInterrupts clears the interrupt flag.
func (c *CPU) DisableInterrupts() {
	c.registers.Rflags &^= arch.FlagsIF
}

// EnableInterrupts sets the interrupt flag.
func (c *CPU) EnableInterrupts() {
	c.registers.Rflags |= arch.FlagsIF
}

// InterruptsEnabled returns the interrupt flag.
func (c *CPU) InterruptsEnabled() bool {
	return c.registers.Rflags&arch.FlagsIF != 0
}

// Halt stops the CPU. The calling goroutine exits; it must be the one
// executing on behalf of c.
func (c *CPU) Halt() {
	c.DisableInterrupts()
	c.state.Store(int32(CPUHalted))
	c.haltOnce.Do(func() {
		log.Infof("CPU %d: halted (%d switches, %d traps)", c.id, c.switches.Load(), c.traps.Load())
		close(c.halted)
	})
	runtime.Goexit()
}

// Halted returns a channel that is closed when the CPU halts.
func (c *CPU) Halted() <-chan struct{} {
	return c.halted
}

// push pushes v on the live stack.
func (c *CPU) push(v uint64) {
	c.registers.Rsp -= hostarch.WordSize
	if err := c.kernel.mem.WriteUint64(hostarch.Addr(c.registers.Rsp), v); err != nil {
		c.fatalf("stack fault on push: %v", err)
	}
}

// pop pops a quadword from the live stack.
func (c *CPU) pop() uint64 {
	v, err := c.kernel.mem.ReadUint64(hostarch.Addr(c.registers.Rsp))
	if err != nil {
		c.fatalf("stack fault on pop: %v", err)
	}
	c.registers.Rsp += hostarch.WordSize
	return v
}

// pushFrame pushes m on the live stack and returns its address.
func (c *CPU) pushFrame(m marshal.Marshallable) uint64 {
	c.registers.Rsp -= uint64(m.SizeBytes())
	if err := c.kernel.mem.CopyOut(hostarch.Addr(c.registers.Rsp), m); err != nil {
		c.fatalf("stack fault on frame push: %v", err)
	}
	return c.registers.Rsp
}

// readFrame reads m from addr.
func (c *CPU) readFrame(addr uint64, m marshal.Marshallable) {
	if err := c.kernel.mem.CopyIn(hostarch.Addr(addr), m); err != nil {
		c.fatalf("fault reading frame at %#x: %v", addr, err)
	}
}

// writeFrame writes m to addr.
func (c *CPU) writeFrame(addr uint64, m marshal.Marshallable) {
	if err := c.kernel.mem.CopyOut(hostarch.Addr(addr), m); err != nil {
		c.fatalf("fault writing frame at %#x: %v", addr, err)
	}
}

// transfer hands the CPU to t's goroutine.
func (c *CPU) transfer(t *Thread) {
	switch t.resume {
	case ResumeFirstEntry:
		go t.start(c)
	case ResumeContinued:
		t.wake <- c
	}
}

func (c *CPU) String() string {
	return fmt.Sprintf("cpu%d", c.id)
}
