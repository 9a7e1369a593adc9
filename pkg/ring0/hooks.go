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

// Hooks are the callbacks from the execution core into the scheduler and the
// thread lifecycle.
type Hooks interface {
	// EnterCurrent is called on a thread's first entry, after it became the
	// current thread of c. prev is the thread c switched away from (the
	// thread itself when bootstrapping or assuming a context).
	EnterCurrent(c *CPU, prev *Thread)

	// LeaveOnFirstSwitch is called on a thread's first entry, in place of
	// the return from the scheduler's context switch that a resumed thread
	// would perform. flags are the thread's initial RFLAGS with the
	// interrupt flag cleared. Interrupts must stay disabled.
	LeaveOnFirstSwitch(c *CPU, flags uint64)

	// ExitThread is called when t, current on c, exits. It must not
	// return.
	ExitThread(c *CPU, t *Thread)

	// InvokeScheduler is a deferred scheduler invocation.
	InvokeScheduler(c *CPU)

	// PreInitFinished is called while bootstrapping c, on the first
	// thread's stack.
	PreInitFinished(c *CPU)

	// InitFinished is called after PreInitFinished.
	InitFinished(c *CPU)

	// PostInitFinished is called after InitFinished, just before the first
	// thread is entered.
	PostInitFinished(c *CPU)
}

// NoopHooks is a Hooks implementation without a scheduler. The scheduler
// lock taken before the first switch is never released, and an exiting
// thread halts its CPU.
type NoopHooks struct{}

// EnterCurrent implements Hooks.EnterCurrent.
func (NoopHooks) EnterCurrent(*CPU, *Thread) {}

// LeaveOnFirstSwitch implements Hooks.LeaveOnFirstSwitch.
func (NoopHooks) LeaveOnFirstSwitch(*CPU, uint64) {}

// ExitThread implements Hooks.ExitThread.
func (NoopHooks) ExitThread(c *CPU, t *Thread) {
	t.MarkExited()
	c.Halt()
}

// InvokeScheduler implements Hooks.InvokeScheduler.
func (NoopHooks) InvokeScheduler(*CPU) {}

// PreInitFinished implements Hooks.PreInitFinished.
func (NoopHooks) PreInitFinished(*CPU) {}

// InitFinished implements Hooks.InitFinished.
func (NoopHooks) InitFinished(*CPU) {}

// PostInitFinished implements Hooks.PostInitFinished.
func (NoopHooks) PostInitFinished(*CPU) {}
