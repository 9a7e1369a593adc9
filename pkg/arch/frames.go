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

package arch

const (
	// RegisterStateSize is the size of a marshalled RegisterState.
	RegisterStateSize = 22 * 8

	// TrapFrameSize is the size of a marshalled TrapFrame.
	TrapFrameSize = 3 * 8
)

// RegisterState is the register snapshot taken at a privilege transition.
//
// The layout is exactly what the trap entry stubs push and what the trap
// return path pops: the general purpose registers, the vector information,
// and finally the five words consumed by iretq. Rsp is the value of the
// stack pointer at the time of the push and is not restored.
//
// +marshal
type RegisterState struct {
	Rdi uint64
	Rsi uint64
	Rbp uint64
	Rsp uint64
	Rbx uint64
	Rdx uint64
	Rcx uint64
	Rax uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	ExceptionCode uint16
	ISRNumber     uint16
	_             uint32

	Rip          uint64
	Cs           uint64
	Rflags       uint64
	UserspaceRsp uint64
	UserspaceSs  uint64
}

// SetGPRs copies the general purpose registers (excluding rsp) from r.
func (s *RegisterState) SetGPRs(r *Registers) {
	s.Rdi = r.Rdi
	s.Rsi = r.Rsi
	s.Rbp = r.Rbp
	s.Rbx = r.Rbx
	s.Rdx = r.Rdx
	s.Rcx = r.Rcx
	s.Rax = r.Rax
	s.R8 = r.R8
	s.R9 = r.R9
	s.R10 = r.R10
	s.R11 = r.R11
	s.R12 = r.R12
	s.R13 = r.R13
	s.R14 = r.R14
	s.R15 = r.R15
}

// LoadGPRs copies the general purpose registers (excluding rsp) into r.
func (s *RegisterState) LoadGPRs(r *Registers) {
	r.Rdi = s.Rdi
	r.Rsi = s.Rsi
	r.Rbp = s.Rbp
	r.Rbx = s.Rbx
	r.Rdx = s.Rdx
	r.Rcx = s.Rcx
	r.Rax = s.Rax
	r.R8 = s.R8
	r.R9 = s.R9
	r.R10 = s.R10
	r.R11 = s.R11
	r.R12 = s.R12
	r.R13 = s.R13
	r.R14 = s.R14
	r.R15 = s.R15
}

// ReturnsToUser returns true if the iretq frame returns to ring 3.
func (s *RegisterState) ReturnsToUser() bool {
	return Selector(s.Cs).RPL() != 0
}

// TrapFrame links a RegisterState to the interrupt nesting it was captured
// under. Trap frames nest: NextTrap is the address of the enclosing frame of
// the same thread, or zero.
//
// +marshal
type TrapFrame struct {
	PrevIRQLevel uint64
	NextTrap     uint64
	Regs         uint64
}
