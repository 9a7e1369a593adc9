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
	"gvisor.dev/kcore/pkg/arch"
	"gvisor.dev/kcore/pkg/atomicbitops"
	"gvisor.dev/kcore/pkg/sync"
)

// SchedulerLock is the global scheduler lock.
//
// It is recursive per CPU, not per thread: it is taken by the thread
// switching out and released by the thread switching in, on the same CPU.
// Holding it masks interrupts and keeps the CPU in a critical section.
type SchedulerLock struct {
	mu sync.Mutex

	// owner is the owning CPU ID plus one, or zero.
	owner atomicbitops.Int32

	// depth is the recursion depth. It is only accessed by the owner.
	depth int32
}

// Lock acquires the lock on behalf of c and returns the previous RFLAGS for
// Unlock.
func (l *SchedulerLock) Lock(c *CPU) uint64 {
	flags := c.registers.Rflags
	c.DisableInterrupts()
	c.EnterCritical()
	if l.owner.Load() == int32(c.id+1) {
		l.depth++
		return flags
	}
	l.mu.Lock()
	l.owner.Store(int32(c.id + 1))
	l.depth = 1
	return flags
}

// Unlock releases one level of the lock on behalf of c and restores the
// interrupt flag from flags. The caller may return on a different CPU (see
// LeaveCritical).
func (l *SchedulerLock) Unlock(c *CPU, flags uint64) {
	if l.owner.Load() != int32(c.id+1) {
		c.fatalf("scheduler lock released by CPU %d, owner is %d", c.id, l.owner.Load()-1)
	}
	l.depth--
	if l.depth == 0 {
		l.owner.Store(0)
		l.mu.Unlock()
	}
	if flags&arch.FlagsIF != 0 {
		c.EnableInterrupts()
	} else {
		c.DisableInterrupts()
	}
	c.LeaveCritical()
}

// IsLocked returns true if any CPU holds the lock.
func (l *SchedulerLock) IsLocked() bool {
	return l.owner.Load() != 0
}

// OwnLock returns true if c holds the lock.
func (l *SchedulerLock) OwnLock(c *CPU) bool {
	return l.owner.Load() == int32(c.id+1)
}
