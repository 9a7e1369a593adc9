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

// TaskState is the 64-bit task state segment of a CPU.
//
// Only the fields the execution core uses are kept. Pointers are split in
// 32-bit halves as in the hardware layout.
type TaskState struct {
	rsp0Lo uint32
	rsp0Hi uint32
	ist1Lo uint32
	ist1Hi uint32
	ioPerm uint16
}

// tssSize is the size of the hardware TSS. An I/O permission bitmap base at
// or beyond it blocks access to the entire I/O address range.
const tssSize = 104

// RSP0 returns the stack pointer loaded on a transition to ring 0.
func (t *TaskState) RSP0() uint64 {
	return uint64(t.rsp0Hi)<<32 | uint64(t.rsp0Lo)
}

// IST1 returns interrupt stack 1.
func (t *TaskState) IST1() uint64 {
	return uint64(t.ist1Hi)<<32 | uint64(t.ist1Lo)
}

// IOPermBase returns the I/O permission bitmap base.
func (t *TaskState) IOPermBase() uint16 {
	return t.ioPerm
}

func (t *TaskState) setRSP0(addr uint64) {
	t.rsp0Lo = uint32(addr)
	t.rsp0Hi = uint32(addr >> 32)
}

func (t *TaskState) setIST1(addr uint64) {
	t.ist1Lo = uint32(addr)
	t.ist1Hi = uint32(addr >> 32)
}
