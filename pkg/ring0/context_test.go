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
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gvisor.dev/kcore/pkg/arch"
	"gvisor.dev/kcore/pkg/hostarch"
)

var testGPRs = [15]uint64{
	0x1111, 0x2222, 0x3333, 0x4444, 0x5555, 0x6666, 0x7777,
	0x8888, 0x9999, 0xaaaa, 0xbbbb, 0xcccc, 0xdddd, 0xeeee, 0xffff,
}

func readWord(t *testing.T, k *Kernel, addr uint64) uint64 {
	t.Helper()
	v, err := k.Memory().ReadUint64(hostarch.Addr(addr))
	if err != nil {
		t.Fatalf("ReadUint64(%#x): %v", addr, err)
	}
	return v
}

func TestInitContextKernelLayout(t *testing.T) {
	k := newTestKernel(t, KernelOpts{})
	c := newTestCPU(t, k, 0)
	th := newTestThread(t, k, "layout", KernelOnly, func(*Thread) {})
	setGPRs(&th.Regs().Registers, testGPRs)
	entry := th.Regs().Rip

	flags := k.SchedulerLock().Lock(c)
	defer k.SchedulerLock().Unlock(c, flags)
	sp := c.InitContext(th, false)

	regs := th.Regs()
	top := regs.Rsp0
	if off := uint64(th.Stack().Top()) - top; off%16 != 0 || off > DefaultStackOffsetBound {
		t.Errorf("stack top offset = %d, want a multiple of 16 no larger than %d", off, DefaultStackOffsetBound)
	}
	if want := top - TrapPointerOffset; sp != want {
		t.Errorf("InitContext returned %#x, want %#x", sp, want)
	}
	if regs.Rsp != sp {
		t.Errorf("saved rsp = %#x, want %#x", regs.Rsp, sp)
	}
	if regs.Rip != FirstEntryTrampolineAddr {
		t.Errorf("saved rip = %s, want thread_context_first_enter", k.Text().Symbolize(regs.Rip))
	}
	if got := th.ResumeKind(); got != ResumeFirstEntry {
		t.Errorf("resume kind = %v, want %v", got, ResumeFirstEntry)
	}
	if got := th.State(); got != ThreadRunnable {
		t.Errorf("state = %v, want %v", got, ThreadRunnable)
	}

	if got := readWord(t, k, top-SentinelOffset); got != ExitKernelThreadAddr {
		t.Errorf("sentinel = %#x, want %#x", got, ExitKernelThreadAddr)
	}
	if got := readWord(t, k, top-PadOffset); got != 0 {
		t.Errorf("pad = %#x, want 0", got)
	}
	if got, want := readWord(t, k, sp), top-TrapFrameOffset; got != want {
		t.Errorf("trap pointer = %#x, want %#x", got, want)
	}

	var tf arch.TrapFrame
	if err := k.Memory().CopyIn(hostarch.Addr(top-TrapFrameOffset), &tf); err != nil {
		t.Fatalf("CopyIn(TrapFrame): %v", err)
	}
	if diff := cmp.Diff(arch.TrapFrame{Regs: top - RegisterStateOffset}, tf); diff != "" {
		t.Errorf("TrapFrame mismatch (-want +got):\n%s", diff)
	}

	var rs arch.RegisterState
	if err := k.Memory().CopyIn(hostarch.Addr(top-RegisterStateOffset), &rs); err != nil {
		t.Fatalf("CopyIn(RegisterState): %v", err)
	}
	want := arch.RegisterState{
		Rip:          entry,
		Cs:           uint64(arch.Kcode),
		Rflags:       initialFlags,
		UserspaceRsp: top - SentinelOffset,
	}
	want.SetGPRs(&regs.Registers)
	if diff := cmp.Diff(want, rs, cmpopts.IgnoreUnexported(arch.RegisterState{})); diff != "" {
		t.Errorf("RegisterState mismatch (-want +got):\n%s", diff)
	}
	if rs.Rax != testGPRs[0] || rs.R15 != testGPRs[14] {
		t.Errorf("RegisterState does not hold the entry registers: rax=%#x r15=%#x", rs.Rax, rs.R15)
	}
}

func TestInitContextUserLayout(t *testing.T) {
	const userRsp = 0x7fffffffe000

	k := newTestKernel(t, KernelOpts{})
	c := newTestCPU(t, k, 0)
	th := newTestThread(t, k, "user", User, func(*Thread) {})
	th.Regs().Rsp = userRsp
	entry := th.Regs().Rip

	flags := k.SchedulerLock().Lock(c)
	defer k.SchedulerLock().Unlock(c, flags)
	c.InitContext(th, false)

	top := th.Regs().Rsp0
	var rs arch.RegisterState
	if err := k.Memory().CopyIn(hostarch.Addr(top-RegisterStateOffset), &rs); err != nil {
		t.Fatalf("CopyIn(RegisterState): %v", err)
	}
	want := arch.RegisterState{
		Rip:          entry,
		Cs:           uint64(arch.Ucode64),
		Rflags:       initialFlags,
		UserspaceRsp: userRsp,
		UserspaceSs:  uint64(arch.Udata),
	}
	if diff := cmp.Diff(want, rs, cmpopts.IgnoreUnexported(arch.RegisterState{})); diff != "" {
		t.Errorf("RegisterState mismatch (-want +got):\n%s", diff)
	}
	if !rs.ReturnsToUser() {
		t.Errorf("RegisterState does not return to user mode")
	}
	if got := readWord(t, k, top-SentinelOffset); got != ExitKernelThreadAddr {
		t.Errorf("sentinel = %#x, want %#x", got, ExitKernelThreadAddr)
	}
}

func TestStackOffset(t *testing.T) {
	for _, tc := range []struct {
		name  string
		bound int64
		max   uint64
	}{
		{name: "default", bound: 0, max: DefaultStackOffsetBound},
		{name: "small", bound: 64, max: 64},
		{name: "disabled", bound: -1, max: 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			k := newTestKernel(t, KernelOpts{KernelStackSize: hostarch.PageSize, StackOffsetBound: tc.bound})
			c := newTestCPU(t, k, 0)
			flags := k.SchedulerLock().Lock(c)
			defer k.SchedulerLock().Unlock(c, flags)

			seen := make(map[uint64]bool)
			for i := 0; i < 64; i++ {
				th := newTestThread(t, k, fmt.Sprintf("t%d", i), KernelOnly, func(*Thread) {})
				c.InitContext(th, false)
				off := uint64(th.Stack().Top()) - th.Regs().Rsp0
				if off%16 != 0 || off > tc.max {
					t.Fatalf("offset %d: want a multiple of 16 no larger than %d", off, tc.max)
				}
				if th.Regs().Rsp0%16 != 0 {
					t.Fatalf("stack top %#x is not 16-byte aligned", th.Regs().Rsp0)
				}
				seen[off] = true
			}
			if tc.max > 0 && len(seen) < 2 {
				t.Errorf("64 contexts all got the same offset %v", seen)
			}
		})
	}
}

func TestInitContextPreconditions(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(c *CPU)
		lock  bool
		leave bool
		want  string
	}{
		{
			name: "without lock",
			want: "without the scheduler lock",
		},
		{
			name:  "nested task",
			lock:  true,
			setup: func(c *CPU) { c.Registers().Rflags |= arch.FlagsNT },
			want:  "NT or VM",
		},
		{
			name:  "virtual 8086",
			lock:  true,
			setup: func(c *CPU) { c.Registers().Rflags |= arch.FlagsVM },
			want:  "NT or VM",
		},
		{
			name:  "user mode",
			lock:  true,
			setup: func(c *CPU) { c.Registers().Cs = uint64(arch.Ucode64) },
			want:  "outside kernel mode",
		},
		{
			// Only the scheduler lock holds a critical section, so
			// leaving one drops the depth to zero.
			name:  "leave critical",
			lock:  true,
			leave: true,
			want:  "critical depth 0",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			k := newTestKernel(t, KernelOpts{})
			c := newTestCPU(t, k, 0)
			th := newTestThread(t, k, "victim", KernelOnly, func(*Thread) {})
			if tc.lock {
				k.SchedulerLock().Lock(c)
			}
			if tc.setup != nil {
				tc.setup(c)
			}
			v := mustPanic(t, func() { c.InitContext(th, tc.leave) })
			if v.CPU != 0 || !strings.Contains(v.Msg, tc.want) {
				t.Errorf("got %v, want a CPU 0 violation containing %q", v, tc.want)
			}
			if !strings.HasPrefix(v.Error(), "KERNEL PANIC: ") {
				t.Errorf("Error() = %q, want a KERNEL PANIC prefix", v.Error())
			}
		})
	}
}

func TestInitContextExited(t *testing.T) {
	k := newTestKernel(t, KernelOpts{})
	c := newTestCPU(t, k, 0)
	th := newTestThread(t, k, "dead", KernelOnly, func(*Thread) {})
	th.MarkExited()
	k.SchedulerLock().Lock(c)
	mustPanic(t, func() { c.InitContext(th, false) })
}

func TestInitContextTwice(t *testing.T) {
	k := newTestKernel(t, KernelOpts{})
	c := newTestCPU(t, k, 0)
	th := newTestThread(t, k, "twice", KernelOnly, func(*Thread) {})
	k.SchedulerLock().Lock(c)
	c.InitContext(th, false)
	top := th.Regs().Rsp0
	v := mustPanic(t, func() { c.InitContext(th, false) })
	if !strings.Contains(v.Msg, "already initialized") {
		t.Errorf("got %v, want a complaint about the initialized thread", v)
	}
	if got := th.Regs().Rsp0; got != top {
		t.Errorf("stack top = %#x after the rejected call, want %#x", got, top)
	}
	if got := th.State(); got != ThreadRunnable {
		t.Errorf("state = %v, want %v", got, ThreadRunnable)
	}
}

func TestFirstEntry(t *testing.T) {
	k := newTestKernel(t, KernelOpts{})
	c := newTestCPU(t, k, 0)

	type snapshot struct {
		regs     arch.Registers
		rsp0     uint64
		tssRSP0  uint64
		critical int32
		current  *Thread
		state    ThreadState
		ready    []int
		ioPerm   uint16
		sched    bool
	}
	got := make(chan snapshot, 1)
	th := newTestThread(t, k, "first", KernelOnly, func(t *Thread) {
		c := t.CPU()
		got <- snapshot{
			regs:     *c.Registers(),
			rsp0:     t.Regs().Rsp0,
			tssRSP0:  c.TSS().RSP0(),
			critical: c.InCritical(),
			current:  c.Current(),
			state:    t.State(),
			ready:    t.Kernel().ReadyCPUs(),
			ioPerm:   c.TSS().IOPermBase(),
			sched:    c.SchedulerInitialized(),
		}
		c.Halt()
	})
	setGPRs(&th.Regs().Registers, testGPRs)
	entry := th.Regs().Rip

	boot(c, th)
	s := <-got
	waitHalt(t, c)

	want := arch.Registers{
		Rip:    entry,
		Rsp:    s.rsp0 - SentinelOffset,
		Cs:     uint64(arch.Kcode),
		Ss:     0,
		Rflags: arch.FlagsReserved | arch.FlagsIF,
	}
	setGPRs(&want, testGPRs)
	if diff := cmp.Diff(want, s.regs); diff != "" {
		t.Errorf("registers at entry mismatch (-want +got):\n%s", diff)
	}
	if s.tssRSP0 != s.rsp0 {
		t.Errorf("TSS rsp0 = %#x, want %#x", s.tssRSP0, s.rsp0)
	}
	if s.critical != 1 {
		t.Errorf("critical depth = %d, want 1", s.critical)
	}
	if s.current != th || s.state != ThreadRunning {
		t.Errorf("current = %v in state %v, want %v running", s.current, s.state, th)
	}
	if diff := cmp.Diff([]int{0}, s.ready); diff != "" {
		t.Errorf("ready CPUs mismatch (-want +got):\n%s", diff)
	}
	if s.ioPerm != tssSize {
		t.Errorf("I/O permission base = %d, want %d", s.ioPerm, tssSize)
	}
	if !s.sched {
		t.Errorf("scheduler not initialized")
	}
	if got := c.State(); got != CPUHalted {
		t.Errorf("CPU state = %v, want %v", got, CPUHalted)
	}
}

func TestInitializeContextSwitchingTwice(t *testing.T) {
	k := newTestKernel(t, KernelOpts{})
	c := newTestCPU(t, k, 0)
	release := make(chan struct{})
	running := make(chan struct{})
	first := newTestThread(t, k, "first", KernelOnly, func(t *Thread) {
		close(running)
		<-release
		t.CPU().Halt()
	})
	second := newTestThread(t, k, "second", KernelOnly, func(*Thread) {})

	boot(c, first, second)
	<-running
	v := mustPanic(t, func() { c.InitializeContextSwitching(second) })
	if !strings.Contains(v.Msg, "SchedulingActive") {
		t.Errorf("got %v, want a complaint about the CPU state", v)
	}
	close(release)
	waitHalt(t, c)
}

func TestInitializeContextSwitchingUserThread(t *testing.T) {
	k := newTestKernel(t, KernelOpts{})
	c := newTestCPU(t, k, 0)
	th := newTestThread(t, k, "user", User, func(*Thread) {})
	k.SchedulerLock().Lock(c)
	c.InitContext(th, false)
	mustPanic(t, func() { c.InitializeContextSwitching(th) })
	if got := c.State(); got != CPUUninitialized {
		t.Errorf("CPU state = %v, want %v", got, CPUUninitialized)
	}
}

func TestSwitchPreservesRegisters(t *testing.T) {
	k := newTestKernel(t, KernelOpts{})
	c := newTestCPU(t, k, 0)

	var a, b *Thread
	errs := make(chan error, 4)
	a = newTestThread(t, k, "a", KernelOnly, func(t *Thread) {
		c := t.CPU()
		c.DisableInterrupts()
		setGPRs(c.Registers(), testGPRs)
		c.Registers().Rflags |= arch.FlagsCF
		before := *c.Registers()

		c.SwitchContext(t, b)

		c = t.CPU()
		after := *c.Registers()
		if diff := cmp.Diff(before, after, cmpopts.IgnoreFields(arch.Registers{}, "Rip")); diff != "" {
			errs <- fmt.Errorf("registers changed across switch (-before +after):\n%s", diff)
		}
		if after.Rip != SwitchResumeAddr {
			errs <- fmt.Errorf("resumed at %s, want switch_context.resume", k.Text().Symbolize(after.Rip))
		}
		if c.InCritical() != 1 {
			errs <- fmt.Errorf("critical depth after resume = %d, want 1", c.InCritical())
		}
		close(errs)
		c.Halt()
	})
	b = newTestThread(t, k, "b", KernelOnly, func(t *Thread) {
		c := t.CPU()
		// Clobber everything before switching back.
		var junk [15]uint64
		for i := range junk {
			junk[i] = ^uint64(i)
		}
		setGPRs(c.Registers(), junk)
		switchTo(t, a)
	})

	boot(c, a, b)
	waitHalt(t, c)
	for err := range errs {
		t.Error(err)
	}
	if got := c.Stats().Switches; got != 2 {
		t.Errorf("switches = %d, want 2", got)
	}
}

func TestPingPong(t *testing.T) {
	const rounds = 1000

	k := newTestKernel(t, KernelOpts{})
	c := newTestCPU(t, k, 0)

	var ping, pong *Thread
	var count [2]int
	ping = newTestThread(t, k, "ping", KernelOnly, func(t *Thread) {
		for i := 0; i < rounds; i++ {
			count[0]++
			t.CPU().Registers().Rbx = uint64(i)
			switchTo(t, pong)
			if got := t.CPU().Registers().Rbx; got != uint64(i) {
				t.CPU().fatalf("rbx = %d after round %d", got, i)
			}
		}
		t.CPU().Halt()
	})
	pong = newTestThread(t, k, "pong", KernelOnly, func(t *Thread) {
		for {
			count[1]++
			t.CPU().Registers().Rbx = ^uint64(0)
			switchTo(t, ping)
		}
	})

	boot(c, ping, pong)
	waitHalt(t, c)
	if count != [2]int{rounds, rounds} {
		t.Errorf("counts = %v, want %d each", count, rounds)
	}
	if got := c.Stats().Switches; got != 2*rounds {
		t.Errorf("switches = %d, want %d", got, 2*rounds)
	}
	if got := pong.State(); got != ThreadRunnable {
		t.Errorf("pong state = %v, want %v", got, ThreadRunnable)
	}
}

func TestRoundRobinIsolation(t *testing.T) {
	const (
		nthreads = 4
		rounds   = 50
	)

	k := newTestKernel(t, KernelOpts{})
	c := newTestCPU(t, k, 0)

	threads := make([]*Thread, nthreads)
	errs := make(chan error, 2*nthreads*rounds)
	done := make(chan struct{})
	for i := range threads {
		threads[i] = newTestThread(t, k, fmt.Sprintf("rr%d", i), KernelOnly, func(t *Thread) {
			next := threads[(i+1)%nthreads]
			for r := 0; r < rounds; r++ {
				c := t.CPU()
				mark := uint64(i)<<32 | uint64(r)
				setGPRs(c.Registers(), [15]uint64{mark, mark, mark, mark, mark, mark, mark, mark, mark, mark, mark, mark, mark, mark, mark})
				if i == 0 && r == rounds-1 {
					close(done)
					c.Halt()
				}
				switchTo(t, next)
				c = t.CPU()
				for j, v := range gprs(c.Registers()) {
					if v != mark {
						errs <- fmt.Errorf("thread %d round %d: register %d = %#x, want %#x", i, r, j, v, mark)
						break
					}
				}
				if got := c.TSS().RSP0(); got != t.Regs().Rsp0 {
					errs <- fmt.Errorf("thread %d: TSS rsp0 %#x, want %#x", i, got, t.Regs().Rsp0)
				}
			}
		})
	}

	boot(c, threads[0], threads[1:]...)
	waitHalt(t, c)
	<-done
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSwitchPreconditions(t *testing.T) {
	k := newTestKernel(t, KernelOpts{})
	c := newTestCPU(t, k, 0)

	type result struct {
		name string
		v    *InvariantViolation
	}
	results := make(chan result, 8)
	fresh := newTestThread(t, k, "fresh", KernelOnly, func(*Thread) {})
	var other *Thread
	self := newTestThread(t, k, "self", KernelOnly, func(t *Thread) {
		c := t.CPU()
		c.DisableInterrupts()
		results <- result{"nil", catch(func() { c.SwitchContext(t, nil) })}
		results <- result{"itself", catch(func() { c.SwitchContext(t, t) })}
		results <- result{"not current", catch(func() { c.SwitchContext(other, t) })}
		results <- result{"never run", catch(func() { c.SwitchContext(t, fresh) })}

		c.EnterCritical()
		results <- result{"critical 2", catch(func() { c.SwitchContext(t, other) })}
		c.LeaveCritical()

		c.EnableInterrupts()
		c.Interrupt(Timer, func(c *CPU) {
			results <- result{"interrupt", catch(func() { c.SwitchContext(t, other) })}
		})
		close(results)
		t.CPU().Halt()
	})
	other = newTestThread(t, k, "other", KernelOnly, func(*Thread) {})

	boot(c, self, other)
	waitHalt(t, c)

	var names []string
	for r := range results {
		if r.v == nil {
			t.Errorf("%s: switch was not refused", r.name)
			continue
		}
		names = append(names, r.name)
	}
	if len(names) != 6 {
		t.Errorf("refused switches = %v, want 6", names)
	}
	if got := other.State(); got != ThreadRunnable {
		t.Errorf("other state = %v, want %v", got, ThreadRunnable)
	}
	if got := c.Stats().Switches; got != 0 {
		t.Errorf("switches = %d, want 0", got)
	}
}

func TestTSSTracksRunningThread(t *testing.T) {
	const userRsp = 0x7fff0000

	k := newTestKernel(t, KernelOpts{})
	c := newTestCPU(t, k, 0)

	type observation struct {
		who     string
		tssRSP0 uint64
		rsp0    uint64
	}
	obs := make(chan observation, 16)
	note := func(who string, t *Thread) {
		obs <- observation{who, t.CPU().TSS().RSP0(), t.Regs().Rsp0}
	}

	var kt, ut *Thread
	type syscallView struct {
		rsp          uint64
		userspaceRsp uint64
		kernelMode   bool
		userMode     bool
	}
	views := make(chan syscallView, 1)
	kt = newTestThread(t, k, "kthread", KernelOnly, func(t *Thread) {
		note("kernel first", t)
		switchTo(t, ut)
		note("kernel resumed", t)
		switchTo(t, ut)
	})
	var raxAfter uint64
	var userAfter bool
	ut = newTestThread(t, k, "uthread", User, func(t *Thread) {
		views <- syscallView{userMode: !t.CPU().IsKernelMode()}
		t.Syscall(func(t *Thread, regs *arch.RegisterState) {
			c := t.CPU()
			<-views
			views <- syscallView{
				rsp:          c.Registers().Rsp,
				userspaceRsp: regs.UserspaceRsp,
				kernelMode:   c.IsKernelMode(),
				userMode:     regs.ReturnsToUser(),
			}
			regs.Rax = 42
			note("user in syscall", t)
			switchTo(t, kt)
			note("user back in syscall", t)
		})
		c := t.CPU()
		raxAfter = c.Registers().Rax
		userAfter = !c.IsKernelMode() && c.Registers().Rsp == userRsp
		note("user returned", t)
	})
	ut.Regs().Rsp = userRsp

	boot(c, kt, ut)
	waitHalt(t, c)
	close(obs)

	for o := range obs {
		if o.tssRSP0 != o.rsp0 {
			t.Errorf("%s: TSS rsp0 = %#x, want %#x", o.who, o.tssRSP0, o.rsp0)
		}
	}
	v := <-views
	// From user mode the frames are pushed from the very top of the kernel
	// stack.
	if want := ut.Regs().Rsp0 - arch.RegisterStateSize - arch.TrapFrameSize; v.rsp != want {
		t.Errorf("syscall rsp = %#x, want %#x", v.rsp, want)
	}
	if v.userspaceRsp != userRsp || !v.kernelMode || !v.userMode {
		t.Errorf("syscall view = %+v, want user rsp %#x entered from user mode", v, userRsp)
	}
	if raxAfter != 42 || !userAfter {
		t.Errorf("after syscall: rax = %d, back in user mode = %v", raxAfter, userAfter)
	}
	if got := ut.State(); got != ThreadExited {
		t.Errorf("user thread state = %v, want %v", got, ThreadExited)
	}
}

func TestKernelThreadExit(t *testing.T) {
	k := newTestKernel(t, KernelOpts{})
	c := newTestCPU(t, k, 0)
	ran := false
	th := newTestThread(t, k, "short", KernelOnly, func(*Thread) { ran = true })

	boot(c, th)
	waitHalt(t, c)
	if !ran {
		t.Errorf("entry did not run")
	}
	if got := th.State(); got != ThreadExited {
		t.Errorf("state = %v, want %v", got, ThreadExited)
	}
}

func TestAssumeContext(t *testing.T) {
	k := newTestKernel(t, KernelOpts{})
	c := newTestCPU(t, k, 0)

	const flags = arch.FlagsReserved | arch.FlagsIF | arch.FlagsCF
	type view struct {
		rflags   uint64
		critical int32
		tssRSP0  uint64
		rsp      uint64
		rsp0     uint64
	}
	views := make(chan view, 1)
	runs := 0
	var entry uint64
	th := newTestThread(t, k, "exec", KernelOnly, func(t *Thread) {
		runs++
		c := t.CPU()
		if runs == 1 {
			c.EnterCritical()
			c.DisableInterrupts()
			t.Regs().Rip = entry
			c.AssumeContext(t, flags)
			c.fatalf("assume_context returned to the old context")
		}
		views <- view{
			rflags:   c.Registers().Rflags,
			critical: c.InCritical(),
			tssRSP0:  c.TSS().RSP0(),
			rsp:      c.Registers().Rsp,
			rsp0:     t.Regs().Rsp0,
		}
		c.Halt()
	})
	entry = th.Regs().Rip

	boot(c, th)
	waitHalt(t, c)
	if runs != 2 {
		t.Fatalf("entry ran %d times, want 2", runs)
	}
	v := <-views
	if v.rflags != flags {
		t.Errorf("rflags = %#x, want %#x", v.rflags, flags)
	}
	if v.critical != 1 {
		t.Errorf("critical depth = %d, want 1", v.critical)
	}
	if v.tssRSP0 != v.rsp0 || v.rsp != v.rsp0-SentinelOffset {
		t.Errorf("TSS rsp0 = %#x, rsp = %#x, want %#x and %#x", v.tssRSP0, v.rsp, v.rsp0, v.rsp0-SentinelOffset)
	}
}

func TestAssumeContextPreconditions(t *testing.T) {
	k := newTestKernel(t, KernelOpts{})
	c := newTestCPU(t, k, 0)

	results := make(chan *InvariantViolation, 3)
	var other *Thread
	th := newTestThread(t, k, "exec", KernelOnly, func(t *Thread) {
		c := t.CPU()
		c.EnterCritical()
		// Interrupts are still enabled.
		results <- catch(func() { c.AssumeContext(t, initialFlags) })
		c.DisableInterrupts()
		results <- catch(func() { c.AssumeContext(other, initialFlags) })
		c.LeaveCritical()
		results <- catch(func() { c.AssumeContext(t, initialFlags) })
		close(results)
		c.Halt()
	})
	other = newTestThread(t, k, "other", KernelOnly, func(*Thread) {})

	boot(c, th, other)
	waitHalt(t, c)
	for v := range results {
		if v == nil {
			t.Errorf("assume_context was not refused")
		}
	}
}
