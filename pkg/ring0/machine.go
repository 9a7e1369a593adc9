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

// Machine is the architecture boundary of the context switcher: the part of
// a switch that depends on the register set.
type Machine interface {
	// SaveInto saves the live state of c that the outgoing thread t must
	// get back on its stack, and records in t the stack pointer and
	// instruction pointer it resumes at.
	SaveInto(c *CPU, t *Thread)

	// LoadFrom restores what SaveInto saved into the live state of c. The
	// stack pointer must point at the saved state.
	LoadFrom(c *CPU, t *Thread)

	// FirstEntryTrampoline returns the address every initialized thread
	// resumes at.
	FirstEntryTrampoline() uint64
}

// amd64 is the emulated amd64 machine.
type amd64 struct{}

// SaveInto implements Machine.SaveInto.
//
// The frame is rflags followed by every general purpose register but rsp.
// LoadFrom pops it in reverse.
func (amd64) SaveInto(c *CPU, t *Thread) {
	r := &c.registers
	c.push(r.Rflags)
	c.push(r.Rbx)
	c.push(r.Rcx)
	c.push(r.Rbp)
	c.push(r.Rsi)
	c.push(r.Rdi)
	c.push(r.R8)
	c.push(r.R9)
	c.push(r.R10)
	c.push(r.R11)
	c.push(r.R12)
	c.push(r.R13)
	c.push(r.R14)
	c.push(r.R15)
	c.push(r.Rax)
	c.push(r.Rdx)
	t.regs.Rsp = r.Rsp
	t.regs.Rip = SwitchResumeAddr
	t.resume = ResumeContinued
}

// LoadFrom implements Machine.LoadFrom.
func (amd64) LoadFrom(c *CPU, t *Thread) {
	r := &c.registers
	r.Rdx = c.pop()
	r.Rax = c.pop()
	r.R15 = c.pop()
	r.R14 = c.pop()
	r.R13 = c.pop()
	r.R12 = c.pop()
	r.R11 = c.pop()
	r.R10 = c.pop()
	r.R9 = c.pop()
	r.R8 = c.pop()
	r.Rdi = c.pop()
	r.Rsi = c.pop()
	r.Rbp = c.pop()
	r.Rcx = c.pop()
	r.Rbx = c.pop()
	r.Rflags = c.pop()
}

// FirstEntryTrampoline implements Machine.FirstEntryTrampoline.
func (amd64) FirstEntryTrampoline() uint64 {
	return FirstEntryTrampolineAddr
}

// switchFrameSize is the size of the frame SaveInto pushes.
const switchFrameSize = 16 * 8
