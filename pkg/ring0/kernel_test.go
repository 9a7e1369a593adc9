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
	"bytes"
	"errors"
	"io"
	"testing"

	"gvisor.dev/kcore/pkg/arch"
	"gvisor.dev/kcore/pkg/hostarch"
)

func TestNewErrors(t *testing.T) {
	if _, err := New(KernelOpts{KernelStackSize: hostarch.PageSize, StackOffsetBound: hostarch.PageSize}); err == nil {
		t.Errorf("New accepted an offset bound larger than the stack")
	}
	_, err := New(KernelOpts{Entropy: bytes.NewReader([]byte{1, 2, 3})})
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("New with short entropy = %v, want %v", err, io.ErrUnexpectedEOF)
	}
}

func TestNewCPU(t *testing.T) {
	k := newTestKernel(t, KernelOpts{})
	c := newTestCPU(t, k, 3)

	if k.CPU(3) != c || k.CPU(0) != nil || k.CPU(MaxCPUs) != nil {
		t.Errorf("CPU lookup does not return the created CPU")
	}
	if _, err := k.NewCPU(3); err == nil {
		t.Errorf("NewCPU accepted a duplicate id")
	}
	if _, err := k.NewCPU(MaxCPUs); err == nil {
		t.Errorf("NewCPU accepted id %d", MaxCPUs)
	}

	top := c.StackTop()
	r := c.Registers()
	if r.Rsp != top || c.TSS().RSP0() != top || c.TSS().IST1() != top {
		t.Errorf("rsp %#x, rsp0 %#x, ist1 %#x, want all %#x", r.Rsp, c.TSS().RSP0(), c.TSS().IST1(), top)
	}
	if !c.IsKernelMode() || c.InterruptsEnabled() {
		t.Errorf("boot context: kernel mode %v, interrupts %v", c.IsKernelMode(), c.InterruptsEnabled())
	}
	if c.State() != CPUUninitialized || c.SchedulerInitialized() || c.Current() != nil {
		t.Errorf("boot context: state %v, scheduler %v, current %v", c.State(), c.SchedulerInitialized(), c.Current())
	}
}

func TestNewThread(t *testing.T) {
	k := newTestKernel(t, KernelOpts{})
	kt := newTestThread(t, k, "k", KernelOnly, func(*Thread) {})
	ut := newTestThread(t, k, "u", User, func(*Thread) {})

	if ut.TID() <= kt.TID() {
		t.Errorf("TIDs %d, %d not increasing", kt.TID(), ut.TID())
	}
	if got := k.Threads(); got != 2 {
		t.Errorf("Threads() = %d, want 2", got)
	}
	for _, tc := range []struct {
		th     *Thread
		cs, ss uint64
	}{
		{kt, uint64(arch.Kcode), 0},
		{ut, uint64(arch.Ucode64), uint64(arch.Udata)},
	} {
		r := tc.th.Regs()
		if r.Cs != tc.cs || r.Ss != tc.ss || r.Rflags != initialFlags {
			t.Errorf("%v: cs %#x ss %#x rflags %#x", tc.th, r.Cs, r.Ss, r.Rflags)
		}
		if _, ok := k.Text().Lookup(r.Rip); !ok {
			t.Errorf("%v: no entry at rip %#x", tc.th, r.Rip)
		}
		if tc.th.State() != ThreadNeverRun || tc.th.SavedCritical() != 1 || tc.th.CPU() != nil {
			t.Errorf("%v: state %v, saved critical %d, cpu %v", tc.th, tc.th.State(), tc.th.SavedCritical(), tc.th.CPU())
		}
	}
	if _, err := k.NewThread("bad", Mode(7), func(*Thread) {}); err == nil {
		t.Errorf("NewThread accepted an invalid mode")
	}
}

func TestReapThread(t *testing.T) {
	k := newTestKernel(t, KernelOpts{})
	th := newTestThread(t, k, "zombie", KernelOnly, func(*Thread) {})
	base := th.Stack().Base()

	if err := k.ReapThread(th); err == nil {
		t.Fatalf("reaped a thread that never exited")
	}
	th.MarkExited()
	if err := k.ReapThread(th); err != nil {
		t.Fatalf("ReapThread: %v", err)
	}
	if k.Threads() != 0 || k.thread(th.TID()) != nil {
		t.Errorf("thread still registered")
	}
	if r := k.Memory().Find(base); r != nil {
		t.Errorf("stack %v still mapped", r)
	}
}

func TestOnCPUReady(t *testing.T) {
	k := newTestKernel(t, KernelOpts{})
	c := newTestCPU(t, k, 0)

	var readied *CPU
	k.OnCPUReady(func(c *CPU) { readied = c })
	sawReady := make(chan bool, 1)
	th := newTestThread(t, k, "first", KernelOnly, func(t *Thread) {
		sawReady <- readied == t.CPU()
		t.CPU().Halt()
	})

	boot(c, th)
	waitHalt(t, c)
	if !<-sawReady {
		t.Errorf("ready callback did not run before the first thread")
	}
}
