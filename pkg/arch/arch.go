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

// Package arch describes the amd64 register and trap frame layouts shared by
// the trap entry, trap return and context switch paths.
package arch

import (
	"fmt"
)

// RFLAGS bits.
const (
	FlagsCF       = 1 << 0
	FlagsReserved = 1 << 1
	FlagsPF       = 1 << 2
	FlagsZF       = 1 << 6
	FlagsSF       = 1 << 7
	FlagsTF       = 1 << 8
	FlagsIF       = 1 << 9
	FlagsDF       = 1 << 10
	FlagsOF       = 1 << 11
	FlagsIOPL     = 3 << 12
	FlagsNT       = 1 << 14
	FlagsVM       = 1 << 17
	FlagsAC       = 1 << 18
)

// Selector is a segment selector.
type Selector uint16

// RPL returns the requested privilege level of the selector.
func (s Selector) RPL() uint16 {
	return uint16(s) & 3
}

// Segment indices in the GDT.
const (
	segNull = iota
	segKcode
	segKdata
	segUcode32
	segUdata
	segUcode64
	segTss
	segTssHi
	segLast
)

// Selectors.
//
// The 64-bit user code segment must immediately follow the 32-bit user code
// and user data segments, since sysret derives them from a single base.
const (
	Kcode   Selector = segKcode << 3
	Kdata   Selector = segKdata << 3
	Ucode32 Selector = (segUcode32 << 3) | 3
	Udata   Selector = (segUdata << 3) | 3
	Ucode64 Selector = (segUcode64 << 3) | 3
	Tss     Selector = segTss << 3
)

// GDTEntries is the number of descriptors in a per-CPU GDT.
const GDTEntries = segLast

// Registers is a complete amd64 general purpose register file, as held by a
// CPU while it executes.
type Registers struct {
	Rax    uint64
	Rbx    uint64
	Rcx    uint64
	Rdx    uint64
	Rsi    uint64
	Rdi    uint64
	Rbp    uint64
	Rsp    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	Rip    uint64
	Rflags uint64
	Cs     uint64
	Ss     uint64
}

// KernelMode returns true if the code segment is a ring 0 segment.
func (r *Registers) KernelMode() bool {
	return Selector(r.Cs).RPL() == 0
}

// String implements fmt.Stringer.String.
func (r *Registers) String() string {
	return fmt.Sprintf("rip=%#x cs=%#x rflags=%#x rsp=%#x rax=%#x rbx=%#x rcx=%#x rdx=%#x rsi=%#x rdi=%#x rbp=%#x",
		r.Rip, r.Cs, r.Rflags, r.Rsp, r.Rax, r.Rbx, r.Rcx, r.Rdx, r.Rsi, r.Rdi, r.Rbp)
}

// ThreadRegisters is the register set a thread keeps while it is not running
// on a CPU.
//
// Only Rip, Rsp and Rsp0 are meaningful once the thread has been initialized:
// the remaining registers live on the thread's kernel stack, either in the
// synthetic first-entry RegisterState or in the frame pushed by a context
// switch. Before initialization, the general purpose registers hold the
// thread's desired entry values.
type ThreadRegisters struct {
	Registers

	// Rsp0 is the top of the thread's kernel stack, loaded into the TSS
	// whenever the thread is switched in.
	Rsp0 uint64

	// Cr3 is the root of the thread's address space.
	Cr3 uint64
}
