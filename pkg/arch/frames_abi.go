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

import (
	"gvisor.dev/kcore/pkg/hostarch"
	"gvisor.dev/kcore/pkg/marshal"
)

// Compile-time assertions that the frames can be marshalled.
var (
	_ marshal.Marshallable = (*RegisterState)(nil)
	_ marshal.Marshallable = (*TrapFrame)(nil)
)

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (s *RegisterState) SizeBytes() int {
	return RegisterStateSize
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (s *RegisterState) MarshalBytes(dst []byte) []byte {
	for _, v := range [...]uint64{
		s.Rdi, s.Rsi, s.Rbp, s.Rsp, s.Rbx, s.Rdx, s.Rcx, s.Rax,
		s.R8, s.R9, s.R10, s.R11, s.R12, s.R13, s.R14, s.R15,
	} {
		hostarch.ByteOrder.PutUint64(dst[:8], v)
		dst = dst[8:]
	}
	hostarch.ByteOrder.PutUint16(dst[:2], s.ExceptionCode)
	dst = dst[2:]
	hostarch.ByteOrder.PutUint16(dst[:2], s.ISRNumber)
	dst = dst[2:]
	// Padding: dst[:4] ~= uint32(0)
	hostarch.ByteOrder.PutUint32(dst[:4], 0)
	dst = dst[4:]
	for _, v := range [...]uint64{s.Rip, s.Cs, s.Rflags, s.UserspaceRsp, s.UserspaceSs} {
		hostarch.ByteOrder.PutUint64(dst[:8], v)
		dst = dst[8:]
	}
	return dst
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (s *RegisterState) UnmarshalBytes(src []byte) []byte {
	for _, p := range [...]*uint64{
		&s.Rdi, &s.Rsi, &s.Rbp, &s.Rsp, &s.Rbx, &s.Rdx, &s.Rcx, &s.Rax,
		&s.R8, &s.R9, &s.R10, &s.R11, &s.R12, &s.R13, &s.R14, &s.R15,
	} {
		*p = hostarch.ByteOrder.Uint64(src[:8])
		src = src[8:]
	}
	s.ExceptionCode = hostarch.ByteOrder.Uint16(src[:2])
	src = src[2:]
	s.ISRNumber = hostarch.ByteOrder.Uint16(src[:2])
	src = src[2:]
	// Padding: ~ copy(([4]byte)(s._), src[:4])
	src = src[4:]
	for _, p := range [...]*uint64{&s.Rip, &s.Cs, &s.Rflags, &s.UserspaceRsp, &s.UserspaceSs} {
		*p = hostarch.ByteOrder.Uint64(src[:8])
		src = src[8:]
	}
	return src
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (t *TrapFrame) SizeBytes() int {
	return TrapFrameSize
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (t *TrapFrame) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint64(dst[:8], t.PrevIRQLevel)
	dst = dst[8:]
	hostarch.ByteOrder.PutUint64(dst[:8], t.NextTrap)
	dst = dst[8:]
	hostarch.ByteOrder.PutUint64(dst[:8], t.Regs)
	dst = dst[8:]
	return dst
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (t *TrapFrame) UnmarshalBytes(src []byte) []byte {
	t.PrevIRQLevel = hostarch.ByteOrder.Uint64(src[:8])
	src = src[8:]
	t.NextTrap = hostarch.ByteOrder.Uint64(src[:8])
	src = src[8:]
	t.Regs = hostarch.ByteOrder.Uint64(src[:8])
	src = src[8:]
	return src
}
