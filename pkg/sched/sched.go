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

// Package sched is a first-in first-out round-robin scheduler on top of
// ring0.
//
// Every CPU runs an idle thread when the global run queue is empty. Threads
// give up their CPU with Yield, exit by returning from their entry function,
// and can be preempted by a deferred scheduler invocation. Once every thread
// added to the scheduler has exited, the idle threads halt their CPUs and Run
// returns.
package sched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/kcore/pkg/atomicbitops"
	"gvisor.dev/kcore/pkg/cleanup"
	"gvisor.dev/kcore/pkg/log"
	"gvisor.dev/kcore/pkg/ring0"
	"gvisor.dev/kcore/pkg/sync"
)

// ErrAlreadyRunning is returned by Run when called more than once.
var ErrAlreadyRunning = errors.New("scheduler already running")

// reapLog throttles reaping failures, which repeat on every pass.
var reapLog = log.BasicRateLimitedLogger(time.Second)

// Scheduler implements ring0.Hooks.
type Scheduler struct {
	kernel *ring0.Kernel

	// idle are the per-CPU idle threads. They are set up by Run before any
	// CPU starts.
	idle [ring0.MaxCPUs]*ring0.Thread

	// kicks wake idle CPUs when work is queued.
	kicks [ring0.MaxCPUs]chan struct{}

	running atomicbitops.Bool

	mu sync.Mutex

	// +checklocks:mu
	runq []*ring0.Thread

	// +checklocks:mu
	zombies []*ring0.Thread

	// live is the number of added threads that have not exited.
	//
	// +checklocks:mu
	live int

	// done is closed when the scheduler stops.
	done     chan struct{}
	stopOnce sync.Once
}

var _ ring0.Hooks = (*Scheduler)(nil)

// New returns a scheduler driving a new kernel built from opts. opts.Hooks
// is overridden.
func New(opts ring0.KernelOpts) (*Scheduler, error) {
	s := &Scheduler{
		done: make(chan struct{}),
	}
	for i := range s.kicks {
		s.kicks[i] = make(chan struct{}, 1)
	}
	opts.Hooks = s
	k, err := ring0.New(opts)
	if err != nil {
		return nil, err
	}
	s.kernel = k
	return s, nil
}

// Kernel returns the scheduled kernel.
func (s *Scheduler) Kernel() *ring0.Kernel {
	return s.kernel
}

// Spawn creates a thread running entry and adds it to the run queue.
func (s *Scheduler) Spawn(name string, mode ring0.Mode, entry ring0.EntryFunc) (*ring0.Thread, error) {
	t, err := s.kernel.NewThread(name, mode, entry)
	if err != nil {
		return nil, err
	}
	if err := s.Add(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Add adds a thread that has never run to the run queue. Its context is
// initialized by the CPU that first picks it, so the caller may adjust its
// entry registers until then.
func (s *Scheduler) Add(t *ring0.Thread) error {
	if t.State() != ring0.ThreadNeverRun {
		return fmt.Errorf("adding %v in state %v", t, t.State())
	}
	if s.Stopping() {
		return fmt.Errorf("adding %v: scheduler stopped", t)
	}
	s.mu.Lock()
	s.live++
	s.runq = append(s.runq, t)
	s.mu.Unlock()
	s.kick()
	return nil
}

// Stopping returns true once the scheduler stops: all added threads exited
// or the context passed to Run was canceled. Long running threads should
// poll it and return.
func (s *Scheduler) Stopping() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Scheduler) stop() {
	s.stopOnce.Do(func() {
		log.Debugf("Scheduler stopping")
		close(s.done)
	})
}

// kick wakes every idle CPU.
func (s *Scheduler) kick() {
	for _, ch := range s.kicks {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Run brings up ncpus CPUs and schedules the added threads on them until the
// scheduler stops. It returns when every CPU halted, or with ctx's error once
// ctx is done; CPUs still busy at that point are abandoned.
func (s *Scheduler) Run(ctx context.Context, ncpus int) error {
	if ncpus <= 0 || ncpus > ring0.MaxCPUs {
		return fmt.Errorf("invalid CPU count %d, must be in [1, %d]", ncpus, ring0.MaxCPUs)
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	defer s.kernel.Shutdown()

	// A scheduler that failed to start accepts no more threads.
	cu := cleanup.Make(s.stop)
	defer cu.Clean()

	cpus := make([]*ring0.CPU, ncpus)
	for i := range cpus {
		c, err := s.kernel.NewCPU(i)
		if err != nil {
			return fmt.Errorf("creating CPU %d: %w", i, err)
		}
		idle, err := s.kernel.NewThread(fmt.Sprintf("idle%d", i), ring0.KernelOnly, s.idleLoop)
		if err != nil {
			return fmt.Errorf("creating idle thread for CPU %d: %w", i, err)
		}
		cpus[i] = c
		s.idle[i] = idle
	}

	cu.Release()

	s.mu.Lock()
	if s.live == 0 {
		s.stop()
	}
	s.mu.Unlock()

	log.Infof("Scheduler starting on %d CPUs", ncpus)
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range cpus {
		go s.boot(c, s.idle[i])
		g.Go(func() error {
			select {
			case <-c.Halted():
				return nil
			case <-gctx.Done():
				s.stop()
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// boot is the boot context of c. It starts the CPU on its idle thread.
func (s *Scheduler) boot(c *ring0.CPU, idle *ring0.Thread) {
	s.kernel.SchedulerLock().Lock(c)
	c.InitContext(idle, false)
	c.InitializeContextSwitching(idle)
}

// idleLoop is the entry of the idle threads. It only ever runs on its own
// CPU.
func (s *Scheduler) idleLoop(t *ring0.Thread) {
	l := s.kernel.SchedulerLock()
	for {
		c := t.CPU()
		flags := l.Lock(c)
		next := s.pickNext(c)
		if next != nil {
			c.SwitchContext(t, next)
			c = t.CPU()
		}
		l.Unlock(c, flags)
		if next != nil {
			continue
		}
		select {
		case <-s.kicks[c.ID()]:
		case <-s.done:
			c.Halt()
		}
	}
}

// pickNext dequeues the next thread to run on c, initializing its context
// if it never ran, or returns nil if the run queue is empty. The scheduler
// lock must be held by c.
func (s *Scheduler) pickNext(c *ring0.CPU) *ring0.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked()
	if len(s.runq) == 0 {
		return nil
	}
	next := s.runq[0]
	s.runq[0] = nil
	s.runq = s.runq[1:]
	if next.State() == ring0.ThreadNeverRun {
		c.InitContext(next, false)
	}
	return next
}

// reapLocked releases exited threads that are off their CPU. The scheduler
// lock must be held, so that no CPU is still resuming from them.
//
// +checklocks:s.mu
func (s *Scheduler) reapLocked() {
	kept := s.zombies[:0]
	for _, z := range s.zombies {
		if z.CPU() != nil {
			kept = append(kept, z)
			continue
		}
		if err := s.kernel.ReapThread(z); err != nil {
			reapLog.Warningf("Reaping %v: %v", z, err)
			continue
		}
		log.Debugf("Reaped %v", z)
	}
	for i := len(kept); i < len(s.zombies); i++ {
		s.zombies[i] = nil
	}
	s.zombies = kept
}

// Yield gives up t's CPU to the next queued thread, if any, and requeues t.
// t must be running in kernel mode outside of a critical section; user
// threads yield from a system call. t may resume on another CPU.
func (s *Scheduler) Yield(t *ring0.Thread) {
	l := s.kernel.SchedulerLock()
	c := t.CPU()
	flags := l.Lock(c)
	if next := s.pickNext(c); next != nil {
		s.mu.Lock()
		s.runq = append(s.runq, t)
		s.mu.Unlock()
		s.kick()
		c.SwitchContext(t, next)
		c = t.CPU()
	}
	l.Unlock(c, flags)
}

// EnterCurrent implements ring0.Hooks.EnterCurrent.
func (s *Scheduler) EnterCurrent(c *ring0.CPU, prev *ring0.Thread) {
	if log.IsLogging(log.Debug) {
		log.Debugf("CPU %d: first entry of %v after %v", c.ID(), c.Current(), prev)
	}
}

// LeaveOnFirstSwitch implements ring0.Hooks.LeaveOnFirstSwitch. A thread is
// first entered with the scheduler lock held by whoever switched to it.
func (s *Scheduler) LeaveOnFirstSwitch(c *ring0.CPU, flags uint64) {
	s.kernel.SchedulerLock().Unlock(c, flags)
}

// ExitThread implements ring0.Hooks.ExitThread.
func (s *Scheduler) ExitThread(c *ring0.CPU, t *ring0.Thread) {
	s.kernel.SchedulerLock().Lock(c)
	t.MarkExited()

	s.mu.Lock()
	s.zombies = append(s.zombies, t)
	s.live--
	last := s.live == 0
	s.mu.Unlock()
	log.Debugf("CPU %d: %v exited", c.ID(), t)
	if last {
		s.stop()
	}

	next := s.pickNext(c)
	if next == nil {
		next = s.idle[c.ID()]
	}
	c.SwitchContext(t, next)
}

// InvokeScheduler implements ring0.Hooks.InvokeScheduler.
func (s *Scheduler) InvokeScheduler(c *ring0.CPU) {
	t := c.Current()
	if t == nil || t == s.idle[c.ID()] {
		return
	}
	s.Yield(t)
}

// PreInitFinished implements ring0.Hooks.PreInitFinished.
func (s *Scheduler) PreInitFinished(c *ring0.CPU) {}

// InitFinished implements ring0.Hooks.InitFinished.
func (s *Scheduler) InitFinished(c *ring0.CPU) {
	log.Debugf("CPU %d: scheduler ready, idle thread %v", c.ID(), s.idle[c.ID()])
}

// PostInitFinished implements ring0.Hooks.PostInitFinished.
func (s *Scheduler) PostInitFinished(c *ring0.CPU) {}
