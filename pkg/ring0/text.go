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
	"sort"

	"gvisor.dev/kcore/pkg/sync"
)

// Kernel text addresses.
//
// The emulated machine has no real instructions, but the execution core
// still stores and compares code addresses (saved instruction pointers,
// return addresses on stacks), so every piece of code that can be the
// target of one has a fixed address here.
const (
	// TextBase is the start of kernel text.
	TextBase uint64 = 0xffffffff80000000

	// FirstEntryTrampolineAddr is the address every initialized thread
	// first resumes at.
	FirstEntryTrampolineAddr = TextBase + 0x10

	// SwitchResumeAddr is the address a switched-out thread resumes at.
	SwitchResumeAddr = TextBase + 0x20

	// ExitKernelThreadAddr is the return address left on the stack of every
	// initialized thread.
	ExitKernelThreadAddr = TextBase + 0x30

	// entryBase is the address of the first registered entry function.
	entryBase = TextBase + 0x1000

	// entryStride is the distance between registered entry functions.
	entryStride = 0x10
)

var fixedSymbols = map[uint64]string{
	FirstEntryTrampolineAddr: "thread_context_first_enter",
	SwitchResumeAddr:         "switch_context.resume",
	ExitKernelThreadAddr:     "exit_kernel_thread",
}

// EntryFunc is the body of a thread.
//
// It runs in the mode the thread was created for. When it returns, a kernel
// thread returns into exit_kernel_thread and a user thread performs an exit
// system call; either way Hooks.ExitThread is invoked.
type EntryFunc func(t *Thread)

type symbol struct {
	name string
	fn   EntryFunc
}

// Text is the kernel text table.
type Text struct {
	mu sync.RWMutex

	// +checklocks:mu
	syms map[uint64]symbol

	// +checklocks:mu
	next uint64
}

func newText() *Text {
	return &Text{
		syms: make(map[uint64]symbol),
		next: entryBase,
	}
}

// Register places fn in kernel text and returns its address.
func (x *Text) Register(name string, fn EntryFunc) uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	addr := x.next
	x.next += entryStride
	x.syms[addr] = symbol{name: name, fn: fn}
	return addr
}

// Lookup returns the entry function at addr.
func (x *Text) Lookup(addr uint64) (EntryFunc, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	s, ok := x.syms[addr]
	return s.fn, ok
}

// Symbolize returns a symbolic name for addr: the symbol containing it,
// with an offset if addr is not its start, or addr in hex.
func (x *Text) Symbolize(addr uint64) string {
	if name, ok := fixedSymbols[addr]; ok {
		return name
	}
	if addr < entryBase {
		return fmt.Sprintf("%#x", addr)
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	if addr >= x.next {
		return fmt.Sprintf("%#x", addr)
	}
	start := entryBase + (addr-entryBase)/entryStride*entryStride
	s, ok := x.syms[start]
	if !ok {
		return fmt.Sprintf("%#x", addr)
	}
	if start == addr {
		return s.name
	}
	return fmt.Sprintf("%s+%#x", s.name, addr-start)
}

// Symbols returns all symbol addresses in ascending order.
func (x *Text) Symbols() []uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	addrs := make([]uint64, 0, len(fixedSymbols)+len(x.syms))
	for addr := range fixedSymbols {
		addrs = append(addrs, addr)
	}
	for addr := range x.syms {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}
