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
	"io"
	"sort"

	"gvisor.dev/kcore/pkg/arch"
	"gvisor.dev/kcore/pkg/kmem"
	"gvisor.dev/kcore/pkg/kstack"
	"gvisor.dev/kcore/pkg/log"
	"gvisor.dev/kcore/pkg/rand"
	"gvisor.dev/kcore/pkg/sync"
)

// DefaultStackOffsetBound is the default exclusive bound of the random
// offset drawn below a thread's kernel stack top.
const DefaultStackOffsetBound = 256

// initialFlags are the RFLAGS a new thread starts with.
const initialFlags = arch.FlagsReserved | arch.FlagsIF

// KernelOpts are kernel options.
type KernelOpts struct {
	// KernelStackSize is the size of every kernel stack. Zero means
	// kstack.DefaultSize.
	KernelStackSize uint64

	// StackOffsetBound is the exclusive bound of the random value rounded
	// up to 16 bytes and subtracted from a thread's stack top by
	// InitContext. Zero means DefaultStackOffsetBound; a negative value
	// disables the offset.
	StackOffsetBound int64

	// Entropy seeds the stack offset generator. Nil means rand.Reader.
	Entropy io.Reader

	// Hooks are the callbacks into the scheduler and thread lifecycle. Nil
	// means NoopHooks.
	Hooks Hooks

	// Machine is the architecture boundary. Nil means the emulated amd64
	// machine.
	Machine Machine
}

// Kernel is the global kernel state.
type Kernel struct {
	opts    KernelOpts
	hooks   Hooks
	machine Machine
	mem     *kmem.AddressSpace
	text    *Text
	rng     *rand.Fast
	lock    SchedulerLock

	mu sync.Mutex

	// +checklocks:mu
	cpus [MaxCPUs]*CPU

	// +checklocks:mu
	threads map[uint64]*Thread

	// +checklocks:mu
	nextTID uint64

	// +checklocks:mu
	ready []int

	// +checklocks:mu
	readyCallbacks []func(c *CPU)

	// dead is closed by Shutdown.
	dead     chan struct{}
	deadOnce sync.Once
}

// New returns a new kernel.
func New(opts KernelOpts) (*Kernel, error) {
	if opts.KernelStackSize == 0 {
		opts.KernelStackSize = kstack.DefaultSize
	}
	if opts.StackOffsetBound == 0 {
		opts.StackOffsetBound = DefaultStackOffsetBound
	}
	if opts.StackOffsetBound > 0 && uint64(opts.StackOffsetBound)+minStackFrame > opts.KernelStackSize {
		return nil, fmt.Errorf("stack offset bound %d does not fit a %d byte kernel stack", opts.StackOffsetBound, opts.KernelStackSize)
	}
	if opts.Entropy == nil {
		opts.Entropy = rand.Reader
	}
	rng, err := rand.NewFast(opts.Entropy)
	if err != nil {
		return nil, fmt.Errorf("seeding stack offset generator: %w", err)
	}
	k := &Kernel{
		opts:    opts,
		hooks:   opts.Hooks,
		machine: opts.Machine,
		mem:     kmem.NewAddressSpace(kmem.KernelBase, kmem.KernelLimit),
		text:    newText(),
		rng:     rng,
		threads: make(map[uint64]*Thread),
		nextTID: 1,
		dead:    make(chan struct{}),
	}
	if k.hooks == nil {
		k.hooks = NoopHooks{}
	}
	if k.machine == nil {
		k.machine = amd64{}
	}
	return k, nil
}

// Memory returns the kernel address space.
func (k *Kernel) Memory() *kmem.AddressSpace {
	return k.mem
}

// Text returns the kernel text table.
func (k *Kernel) Text() *Text {
	return k.text
}

// Hooks returns the kernel hooks.
func (k *Kernel) Hooks() Hooks {
	return k.hooks
}

// SchedulerLock returns the global scheduler lock.
func (k *Kernel) SchedulerLock() *SchedulerLock {
	return &k.lock
}

// NewCPU creates CPU id. The calling goroutine executes on behalf of the new
// CPU (it is the CPU's boot context) until InitializeContextSwitching.
func (k *Kernel) NewCPU(id int) (*CPU, error) {
	if id < 0 || id >= MaxCPUs {
		return nil, fmt.Errorf("CPU id %d out of range [0, %d)", id, MaxCPUs)
	}
	stack, err := kstack.New(k.mem, fmt.Sprintf("cpu%d-boot", id), k.opts.KernelStackSize)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cpus[id] != nil {
		stack.Release(k.mem)
		return nil, fmt.Errorf("CPU %d already exists", id)
	}
	c := &CPU{
		kernel: k,
		id:     id,
		stack:  stack,
		halted: make(chan struct{}),
	}
	c.init()
	k.cpus[id] = c
	return c, nil
}

// CPU returns CPU id, or nil.
func (k *Kernel) CPU(id int) *CPU {
	if id < 0 || id >= MaxCPUs {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cpus[id]
}

// NewThread creates a thread running entry in the given mode.
//
// The thread's registers start out with entry's address in rip, the
// matching code segment and interrupts enabled. The context must be
// initialized with InitContext before the thread can be switched to.
func (k *Kernel) NewThread(name string, mode Mode, entry EntryFunc) (*Thread, error) {
	stack, err := kstack.New(k.mem, name, k.opts.KernelStackSize)
	if err != nil {
		return nil, err
	}
	t := &Thread{
		kernel:        k,
		name:          name,
		mode:          mode,
		stack:         stack,
		savedCritical: 1,
		wake:          make(chan *CPU, 1),
	}
	t.regs.Rip = k.text.Register(name, entry)
	t.regs.Rflags = initialFlags
	switch mode {
	case KernelOnly:
		t.regs.Cs = uint64(arch.Kcode)
	case User:
		t.regs.Cs = uint64(arch.Ucode64)
		t.regs.Ss = uint64(arch.Udata)
	default:
		stack.Release(k.mem)
		return nil, fmt.Errorf("thread %q: invalid mode %v", name, mode)
	}

	k.mu.Lock()
	t.tid = k.nextTID
	k.nextTID++
	k.threads[t.tid] = t
	k.mu.Unlock()
	return t, nil
}

// thread returns the thread with the given ID, or nil.
func (k *Kernel) thread(tid uint64) *Thread {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.threads[tid]
}

// Threads returns the number of live threads.
func (k *Kernel) Threads() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.threads)
}

// ReapThread releases the resources of an exited thread. The thread must
// not be the current thread of any CPU.
func (k *Kernel) ReapThread(t *Thread) error {
	if t.State() != ThreadExited {
		return fmt.Errorf("reaping %v in state %v", t, t.State())
	}
	if c := t.CPU(); c != nil {
		return fmt.Errorf("reaping %v still running on CPU %d", t, c.id)
	}
	k.mu.Lock()
	delete(k.threads, t.tid)
	k.mu.Unlock()
	t.stack.Release(k.mem)
	return nil
}

// OnCPUReady registers fn to be called whenever a CPU finishes
// initialization. fn runs on that CPU before its first thread.
func (k *Kernel) OnCPUReady(fn func(c *CPU)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.readyCallbacks = append(k.readyCallbacks, fn)
}

// ReadyCPUs returns the IDs of CPUs that finished initialization, in
// ascending order.
func (k *Kernel) ReadyCPUs() []int {
	k.mu.Lock()
	defer k.mu.Unlock()
	ids := append([]int(nil), k.ready...)
	sort.Ints(ids)
	return ids
}

// initFinished runs the init_finished hook and the ready notifications.
func (k *Kernel) initFinished(c *CPU) {
	k.hooks.InitFinished(c)
	k.mu.Lock()
	k.ready = append(k.ready, c.id)
	callbacks := append([]func(*CPU){}, k.readyCallbacks...)
	k.mu.Unlock()
	for _, fn := range callbacks {
		fn(c)
	}
	log.Infof("CPU %d: initialized", c.id)
}

// stackOffset draws the random offset applied below a stack top.
func (k *Kernel) stackOffset() uint64 {
	if k.opts.StackOffsetBound < 0 {
		return 0
	}
	r := k.rng.Uint64N(uint64(k.opts.StackOffsetBound))
	return (r + 15) &^ 15
}

// Shutdown stops the kernel: threads parked in a context switch are
// released and never resume. CPUs still executing are not interrupted.
func (k *Kernel) Shutdown() {
	k.deadOnce.Do(func() {
		close(k.dead)
	})
}

// Dead returns a channel that is closed by Shutdown.
func (k *Kernel) Dead() <-chan struct{} {
	return k.dead
}
