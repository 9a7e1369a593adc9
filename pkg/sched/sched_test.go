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

package sched

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/kcore/pkg/arch"
	"gvisor.dev/kcore/pkg/atomicbitops"
	"gvisor.dev/kcore/pkg/ring0"
	"gvisor.dev/kcore/pkg/sync"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := New(ring0.KernelOpts{
		KernelStackSize: 16 << 10,
		Entropy:         bytes.NewReader(bytes.Repeat([]byte{0x5a}, 32)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func run(t *testing.T, s *Scheduler, ncpus int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Run(ctx, ncpus); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// trace records the order in which threads run.
type trace struct {
	mu     sync.Mutex
	events []string
}

func (tr *trace) add(ev string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.events = append(tr.events, ev)
}

func (tr *trace) get() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.events...)
}

func TestRoundRobin(t *testing.T) {
	s := newTestScheduler(t)
	var tr trace
	var threads []*ring0.Thread
	for _, name := range []string{"a", "b", "c"} {
		th, err := s.Spawn(name, ring0.KernelOnly, func(t *ring0.Thread) {
			for i := 0; i < 3; i++ {
				tr.add(t.Name())
				s.Yield(t)
			}
		})
		if err != nil {
			t.Fatalf("Spawn(%s): %v", name, err)
		}
		threads = append(threads, th)
	}

	run(t, s, 1)

	want := []string{"a", "b", "c", "a", "b", "c", "a", "b", "c"}
	if diff := cmp.Diff(want, tr.get()); diff != "" {
		t.Errorf("run order mismatch (-want +got):\n%s", diff)
	}
	for _, th := range threads {
		if th.State() != ring0.ThreadExited {
			t.Errorf("%v: state %v, want %v", th, th.State(), ring0.ThreadExited)
		}
	}
	// Only the idle thread is left.
	if got := s.Kernel().Threads(); got != 1 {
		t.Errorf("Threads() = %d after all exited, want 1", got)
	}
	if got := s.Kernel().CPU(0).State(); got != ring0.CPUHalted {
		t.Errorf("CPU state = %v, want %v", got, ring0.CPUHalted)
	}
}

func TestMultipleCPUs(t *testing.T) {
	const (
		ncpus    = 4
		nthreads = 12
		yields   = 100
	)

	s := newTestScheduler(t)
	var total atomicbitops.Uint64
	var mismatches atomicbitops.Uint64
	for i := 0; i < nthreads; i++ {
		if _, err := s.Spawn(fmt.Sprintf("w%d", i), ring0.KernelOnly, func(t *ring0.Thread) {
			for j := 0; j < yields; j++ {
				mark := t.TID()<<32 | uint64(j)
				t.CPU().Registers().R12 = mark
				s.Yield(t)
				c := t.CPU()
				if c.Registers().R12 != mark || c.TSS().RSP0() != t.Regs().Rsp0 {
					mismatches.Add(1)
				}
				total.Add(1)
			}
		}); err != nil {
			t.Fatalf("Spawn: %v", err)
		}
	}

	run(t, s, ncpus)

	if got := total.Load(); got != nthreads*yields {
		t.Errorf("completed %d yields, want %d", got, nthreads*yields)
	}
	if got := mismatches.Load(); got != 0 {
		t.Errorf("%d yields resumed with foreign state", got)
	}
	if diff := cmp.Diff([]int{0, 1, 2, 3}, s.Kernel().ReadyCPUs()); diff != "" {
		t.Errorf("ready CPUs mismatch (-want +got):\n%s", diff)
	}
	var switches uint64
	for i := 0; i < ncpus; i++ {
		switches += s.Kernel().CPU(i).Stats().Switches
	}
	if switches < nthreads {
		t.Errorf("only %d context switches", switches)
	}
}

func TestUserThreads(t *testing.T) {
	const userRsp = 0x7ffff000

	s := newTestScheduler(t)
	var tr trace
	for _, name := range []string{"u1", "u2"} {
		th, err := s.Kernel().NewThread(name, ring0.User, func(t *ring0.Thread) {
			for i := 0; i < 3; i++ {
				c := t.CPU()
				if c.IsKernelMode() || c.Registers().Rsp != userRsp {
					tr.add(t.Name() + " not in user mode")
				}
				tr.add(t.Name())
				t.Syscall(func(t *ring0.Thread, _ *arch.RegisterState) {
					s.Yield(t)
				})
			}
		})
		if err != nil {
			t.Fatalf("NewThread(%s): %v", name, err)
		}
		th.Regs().Rsp = userRsp
		if err := s.Add(th); err != nil {
			t.Fatalf("Add(%s): %v", name, err)
		}
	}

	run(t, s, 1)

	want := []string{"u1", "u2", "u1", "u2", "u1", "u2"}
	if diff := cmp.Diff(want, tr.get()); diff != "" {
		t.Errorf("run order mismatch (-want +got):\n%s", diff)
	}
}

func TestPreemption(t *testing.T) {
	s := newTestScheduler(t)
	var tr trace
	if _, err := s.Spawn("preempted", ring0.KernelOnly, func(t *ring0.Thread) {
		for i := 0; i < 3; i++ {
			tr.add("preempted")
			c := t.CPU()
			c.InvokeSchedulerAsync()
			if !c.Interrupt(ring0.Timer, func(*ring0.CPU) {}) {
				tr.add("timer masked")
			}
		}
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := s.Spawn("yielder", ring0.KernelOnly, func(t *ring0.Thread) {
		for i := 0; i < 3; i++ {
			tr.add("yielder")
			s.Yield(t)
		}
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	run(t, s, 1)

	want := []string{"preempted", "yielder", "preempted", "yielder", "preempted", "yielder"}
	if diff := cmp.Diff(want, tr.get()); diff != "" {
		t.Errorf("run order mismatch (-want +got):\n%s", diff)
	}
}

func TestRunWithoutThreads(t *testing.T) {
	s := newTestScheduler(t)
	run(t, s, 2)
	if !s.Stopping() {
		t.Errorf("scheduler not stopped")
	}
	if _, err := s.Spawn("late", ring0.KernelOnly, func(*ring0.Thread) {}); err == nil {
		t.Errorf("Spawn succeeded on a stopped scheduler")
	}
}

func TestRunErrors(t *testing.T) {
	s := newTestScheduler(t)
	if err := s.Run(context.Background(), 0); err == nil {
		t.Errorf("Run accepted zero CPUs")
	}
	if err := s.Run(context.Background(), ring0.MaxCPUs+1); err == nil {
		t.Errorf("Run accepted %d CPUs", ring0.MaxCPUs+1)
	}
	run(t, s, 1)
	if err := s.Run(context.Background(), 1); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run = %v, want %v", err, ErrAlreadyRunning)
	}
}

func TestCancel(t *testing.T) {
	s := newTestScheduler(t)
	var spins atomicbitops.Uint64
	for i := 0; i < 2; i++ {
		if _, err := s.Spawn(fmt.Sprintf("spin%d", i), ring0.KernelOnly, func(t *ring0.Thread) {
			for !s.Stopping() {
				spins.Add(1)
				s.Yield(t)
			}
		}); err != nil {
			t.Fatalf("Spawn: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for spins.Load() < 100 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	if err := s.Run(ctx, 2); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want %v", err, context.Canceled)
	}
	if !s.Stopping() {
		t.Errorf("scheduler not stopped after cancellation")
	}
}
