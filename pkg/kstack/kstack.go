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

// Package kstack provides kernel stacks and a builder that lays out typed
// records on them.
package kstack

import (
	"errors"
	"fmt"

	"gvisor.dev/kcore/pkg/hostarch"
	"gvisor.dev/kcore/pkg/kmem"
	"gvisor.dev/kcore/pkg/marshal"
)

// ErrOverflow is returned when a push would leave the stack.
var ErrOverflow = errors.New("kernel stack overflow")

// DefaultSize is the default size of a kernel stack.
const DefaultSize = 64 << 10

// Stack is a kernel stack. It grows down from Top towards Base.
type Stack struct {
	region *kmem.Region
}

// New maps a stack of size bytes in as.
func New(as *kmem.AddressSpace, name string, size uint64) (*Stack, error) {
	r, err := as.Map(name, size)
	if err != nil {
		return nil, fmt.Errorf("allocating kernel stack %q: %w", name, err)
	}
	return &Stack{region: r}, nil
}

// Base returns the lowest address of the stack.
func (s *Stack) Base() hostarch.Addr {
	return s.region.Start
}

// Top returns the address just past the highest byte of the stack.
func (s *Stack) Top() hostarch.Addr {
	return s.region.End()
}

// Contains returns true if the length bytes at addr lie on the stack.
func (s *Stack) Contains(addr hostarch.Addr, length uint64) bool {
	return s.region.Contains(addr, length)
}

// Release unmaps the stack from as. The stack must not be used afterwards.
func (s *Stack) Release(as *kmem.AddressSpace) {
	as.Unmap(s.region)
}

func (s *Stack) String() string {
	return s.region.String()
}

// Builder lays out records on a stack, from a starting stack pointer
// downwards. Every write is bounds checked against the stack.
type Builder struct {
	stack *Stack
	sp    hostarch.Addr
}

// NewBuilder returns a builder with the given initial stack pointer, which
// must lie within [s.Base(), s.Top()].
func (s *Stack) NewBuilder(sp hostarch.Addr) (*Builder, error) {
	if sp < s.Base() || sp > s.Top() {
		return nil, fmt.Errorf("%w: initial stack pointer %v outside %v", ErrOverflow, sp, s)
	}
	return &Builder{stack: s, sp: sp}, nil
}

// SP returns the current stack pointer.
func (b *Builder) SP() hostarch.Addr {
	return b.sp
}

// Reserve moves the stack pointer down by n bytes and returns the new stack
// pointer. The reserved bytes are left as they are.
func (b *Builder) Reserve(n uint64) (hostarch.Addr, error) {
	if uint64(b.sp-b.stack.Base()) < n {
		return 0, fmt.Errorf("%w: reserving %d bytes at %v on %v", ErrOverflow, n, b.sp, b.stack)
	}
	b.sp -= hostarch.Addr(n)
	return b.sp, nil
}

// PushUint64 pushes a quadword and returns its address.
func (b *Builder) PushUint64(v uint64) (hostarch.Addr, error) {
	addr, err := b.Reserve(hostarch.WordSize)
	if err != nil {
		return 0, err
	}
	dst, err := b.stack.region.Slice(addr, hostarch.WordSize)
	if err != nil {
		return 0, err
	}
	hostarch.ByteOrder.PutUint64(dst, v)
	return addr, nil
}

// Push pushes the marshalled form of m and returns its address.
func (b *Builder) Push(m marshal.Marshallable) (hostarch.Addr, error) {
	size := uint64(m.SizeBytes())
	addr, err := b.Reserve(size)
	if err != nil {
		return 0, err
	}
	dst, err := b.stack.region.Slice(addr, size)
	if err != nil {
		return 0, err
	}
	m.MarshalBytes(dst)
	return addr, nil
}
