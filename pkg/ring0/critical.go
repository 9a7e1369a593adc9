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

// Critical sections.
//
// While the critical depth of a CPU is non-zero the scheduler is not invoked
// on it: a request made in the meantime (InvokeSchedulerAsync) is deferred
// until the depth drops to zero outside of interrupt context. Invoking the
// scheduler may switch the calling thread out, so a thread may come back from
// LeaveCritical, ClearCritical or ExitTrap on a different CPU.

// EnterCritical enters a critical section.
func (c *CPU) EnterCritical() {
	c.critical++
}

// LeaveCritical leaves a critical section.
func (c *CPU) LeaveCritical() {
	switch {
	case c.critical <= 0:
		c.fatalf("leaving critical section at depth %d", c.critical)
	case c.critical == 1:
		c.critical = 0
		if c.irq == 0 {
			c.checkInvokeScheduler()
		}
	default:
		c.critical--
	}
}

// InCritical returns the critical depth.
func (c *CPU) InCritical() int32 {
	return c.critical
}

// RestoreInCritical sets the critical depth to a saved value without any
// other side effect.
func (c *CPU) RestoreInCritical(depth int32) {
	if depth < 0 {
		c.fatalf("restoring negative critical depth %d", depth)
	}
	c.critical = depth
}

// ClearCritical leaves all critical sections and returns the previous depth
// for RestoreCritical.
func (c *CPU) ClearCritical() int32 {
	prev := c.critical
	c.critical = 0
	if c.irq == 0 {
		c.checkInvokeScheduler()
	}
	return prev
}

// RestoreCritical restores a depth returned by ClearCritical. The caller
// may be running on a different CPU than the one it cleared.
func (c *CPU) RestoreCritical(prev int32) {
	c.RestoreInCritical(prev)
}

// InvokeSchedulerAsync requests a scheduler invocation as soon as the CPU is
// neither in a critical section nor handling an interrupt.
func (c *CPU) InvokeSchedulerAsync() {
	c.invokeScheduler = true
}

// checkInvokeScheduler performs a deferred scheduler invocation.
func (c *CPU) checkInvokeScheduler() {
	if c.irq != 0 {
		c.fatalf("scheduler check in interrupt context (depth %d)", c.irq)
	}
	if c.invokeScheduler && c.schedulerInitialized {
		c.invokeScheduler = false
		c.kernel.hooks.InvokeScheduler(c)
	}
}
