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

	"gvisor.dev/kcore/pkg/arch"
)

// Vector is an exception or interrupt vector.
type Vector uintptr

// Exception vectors.
const (
	DivideByZero Vector = iota
	Debug
	NMI
	Breakpoint
	Overflow
	BoundRangeExceeded
	InvalidOpcode
	DeviceNotAvailable
	DoubleFault
	CoprocessorSegmentOverrun
	InvalidTSS
	SegmentNotPresent
	StackSegmentFault
	GeneralProtectionFault
	PageFault
	_
	X87FloatingPointException
	AlignmentCheck
	MachineCheck
	SIMDFloatingPointException
	VirtualizationException
	SecurityException Vector = 0x1e
	Timer             Vector = 0x20
	SyscallInt80      Vector = 0x80
)

var vectorNames = map[Vector]string{
	DivideByZero:               "divide-by-zero",
	Debug:                      "debug",
	NMI:                        "nmi",
	Breakpoint:                 "breakpoint",
	Overflow:                   "overflow",
	BoundRangeExceeded:         "bound-range-exceeded",
	InvalidOpcode:              "invalid-opcode",
	DeviceNotAvailable:         "device-not-available",
	DoubleFault:                "double-fault",
	CoprocessorSegmentOverrun:  "coprocessor-segment-overrun",
	InvalidTSS:                 "invalid-tss",
	SegmentNotPresent:          "segment-not-present",
	StackSegmentFault:          "stack-segment-fault",
	GeneralProtectionFault:     "general-protection-fault",
	PageFault:                  "page-fault",
	X87FloatingPointException:  "x87-floating-point",
	AlignmentCheck:             "alignment-check",
	MachineCheck:               "machine-check",
	SIMDFloatingPointException: "simd-floating-point",
	VirtualizationException:    "virtualization",
	SecurityException:          "security",
	Timer:                      "timer",
	SyscallInt80:               "syscall",
}

// String implements fmt.Stringer.String.
func (v Vector) String() string {
	if name, ok := vectorNames[v]; ok {
		return name
	}
	return fmt.Sprintf("vector(%#x)", uintptr(v))
}

// maxTrapDepth bounds the trap chain walk.
const maxTrapDepth = 64

// EnterTrap links the trap frame at trap into the current thread's trap
// chain and records the interrupt depth it was taken at, raising it if
// raiseIRQ. Interrupts must be disabled.
func (c *CPU) EnterTrap(trap uint64, raiseIRQ bool) {
	if c.InterruptsEnabled() {
		c.fatalf("enter_trap at %#x with interrupts enabled", trap)
	}
	var tf arch.TrapFrame
	c.readFrame(trap, &tf)
	tf.PrevIRQLevel = uint64(c.irq)
	if raiseIRQ {
		c.irq++
	}
	if t := c.current; t != nil {
		next := t.currentTrap
		for i := 0; next != 0; i++ {
			if next == trap {
				c.fatalf("enter_trap: frame %#x already in the trap chain of %v", trap, t)
			}
			if i == maxTrapDepth {
				c.fatalf("enter_trap: trap chain of %v deeper than %d", t, maxTrapDepth)
			}
			var outer arch.TrapFrame
			c.readFrame(next, &outer)
			next = outer.NextTrap
		}
		tf.NextTrap = t.currentTrap
		t.currentTrap = trap
	} else {
		tf.NextTrap = 0
	}
	c.writeFrame(trap, &tf)
}

// enterTrapNoIRQ enters a trap without raising the interrupt depth.
func (c *CPU) enterTrapNoIRQ(trap uint64) {
	c.EnterTrap(trap, false)
}

// ExitTrap unlinks the trap frame at trap and restores the interrupt depth
// it was taken at. Leaving the outermost interrupt outside of a critical
// section performs a deferred scheduler invocation, so the current thread may
// return on another CPU. Interrupts must be disabled.
func (c *CPU) ExitTrap(trap uint64) {
	if c.InterruptsEnabled() {
		c.fatalf("exit_trap at %#x with interrupts enabled", trap)
	}
	var tf arch.TrapFrame
	c.readFrame(trap, &tf)

	// Hold off the scheduler until the trap is unlinked.
	c.EnterCritical()
	c.irq = int32(tf.PrevIRQLevel)
	if t := c.current; t != nil {
		t.currentTrap = tf.NextTrap
	}
	c.traps.Add(1)
	c.LeaveCritical()
}

// commonTrapExit exits the trap at trap and returns through its register
// state, into whichever mode it describes.
func (c *CPU) commonTrapExit(trap uint64) {
	t := c.current
	c.ExitTrap(trap)
	if t != nil {
		c = t.CPU()
	}

	var tf arch.TrapFrame
	c.readFrame(trap, &tf)
	var regs arch.RegisterState
	c.readFrame(tf.Regs, &regs)

	// iretq.
	r := &c.registers
	regs.LoadGPRs(r)
	r.Rip = regs.Rip
	r.Cs = regs.Cs
	r.Rflags = regs.Rflags
	r.Rsp = regs.UserspaceRsp
	r.Ss = regs.UserspaceSs
}

// trapEntry performs the hardware and entry stub part of a trap: switch to
// the ring 0 stack when coming from user mode, push the RegisterState and the
// TrapFrame and continue in ring 0 with interrupts disabled. It returns the
// addresses of both frames.
func (c *CPU) trapEntry(vector Vector) (trap, regsAddr uint64) {
	r := &c.registers
	regs := arch.RegisterState{
		Rsp:          r.Rsp,
		ISRNumber:    uint16(vector),
		Rip:          r.Rip,
		Cs:           r.Cs,
		Rflags:       r.Rflags,
		UserspaceRsp: r.Rsp,
		UserspaceSs:  r.Ss,
	}
	regs.SetGPRs(r)

	if !r.KernelMode() {
		r.Rsp = c.tss.RSP0()
		if t := c.current; t != nil && r.Rsp != t.regs.Rsp0 {
			c.fatalf("%v trap from user mode: TSS rsp0 %#x is not the kernel stack top %#x of %v", vector, r.Rsp, t.regs.Rsp0, t)
		}
	}
	r.Cs = uint64(arch.Kcode)
	r.Ss = 0
	r.Rflags &^= arch.FlagsIF | arch.FlagsTF

	regsAddr = c.pushFrame(&regs)
	trap = c.pushFrame(&arch.TrapFrame{Regs: regsAddr})
	return trap, regsAddr
}

// SyscallHandler handles a system call. regs is the caller's register
// state; changes to it are visible to the caller when the call returns.
type SyscallHandler func(t *Thread, regs *arch.RegisterState)

// Syscall performs a system call from t, which must be running. From user
// mode the call enters ring 0 on the kernel stack named by the TSS. The
// interrupt depth is not raised, so the handler may switch contexts.
func (t *Thread) Syscall(handler SyscallHandler) {
	c := t.CPU()
	if c == nil {
		panicf(-1, "syscall from %v, which is not running", t)
	}
	if c.current != t {
		c.fatalf("syscall from %v, which is not current (%v)", t, c.current)
	}

	trap, regsAddr := c.trapEntry(SyscallInt80)
	c.EnterTrap(trap, false)
	var regs arch.RegisterState
	c.readFrame(regsAddr, &regs)

	handler(t, &regs)

	c = t.CPU()
	c.writeFrame(regsAddr, &regs)
	c.DisableInterrupts()
	c.commonTrapExit(trap)
}

// Interrupt delivers vector to c and runs handler in interrupt context. It
// must be called by the thread running on c (or c's boot context). It
// returns false without doing anything if interrupts are disabled.
//
// The handler must not switch contexts; it may request a deferred scheduler
// invocation, which happens on the way out.
func (c *CPU) Interrupt(vector Vector, handler func(c *CPU)) bool {
	if !c.InterruptsEnabled() {
		return false
	}
	trap, _ := c.trapEntry(vector)
	c.EnterTrap(trap, true)
	handler(c)
	c.DisableInterrupts()
	c.commonTrapExit(trap)
	return true
}
