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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/kcore/kcore/config"
	"gvisor.dev/kcore/pkg/arch"
	"gvisor.dev/kcore/pkg/hostarch"
	"gvisor.dev/kcore/pkg/ring0"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	user    bool
	userRsp uint64
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the kernel stack of a freshly initialized thread"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [flags] - initializes the context of a thread and prints its
kernel stack from the saved stack pointer up to the top, one word per line.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&l.user, "user", false, "initialize a user thread instead of a kernel thread.")
	f.Uint64Var(&l.userRsp, "user-rsp", userStackTop, "user stack pointer of a user thread.")
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	k, err := ring0.New(conf.KernelOpts())
	if err != nil {
		return Errorf("creating kernel: %v", err)
	}
	defer k.Shutdown()
	t, err := initializedThread(k, l.user, l.userRsp)
	if err != nil {
		return Errorf("%v", err)
	}
	if err := dumpStack(os.Stdout, k, t); err != nil {
		return Errorf("dumping stack: %v", err)
	}
	return subcommands.ExitSuccess
}

// initializedThread creates a thread and initializes its context on CPU 0,
// which is left holding the scheduler lock.
func initializedThread(k *ring0.Kernel, user bool, userRsp uint64) (*ring0.Thread, error) {
	c, err := k.NewCPU(0)
	if err != nil {
		return nil, err
	}
	mode := ring0.KernelOnly
	if user {
		mode = ring0.User
	}
	t, err := k.NewThread("main", mode, func(*ring0.Thread) {})
	if err != nil {
		return nil, err
	}
	if user {
		t.Regs().Rsp = userRsp
	}
	k.SchedulerLock().Lock(c)
	c.InitContext(t, false)
	return t, nil
}

var registerStateWords = []string{
	"rdi", "rsi", "rbp", "rsp", "rbx", "rdx", "rcx", "rax",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"vector",
	"rip", "cs", "rflags", "userspace_rsp", "userspace_ss",
}

var trapFrameWords = []string{"prev_irq_level", "next_trap", "regs"}

// dumpStack prints the words of t's kernel stack between its saved stack
// pointer and its stack top, labeled by the frame they belong to.
func dumpStack(out io.Writer, k *ring0.Kernel, t *ring0.Thread) error {
	mem := k.Memory()
	regs := t.Regs()
	sp, top := regs.Rsp, regs.Rsp0

	trap, err := mem.ReadUint64(hostarch.Addr(sp))
	if err != nil {
		return err
	}
	var tf arch.TrapFrame
	if err := mem.CopyIn(hostarch.Addr(trap), &tf); err != nil {
		return err
	}

	label := func(addr uint64) string {
		switch {
		case addr == sp:
			return "trap"
		case addr >= trap && addr < trap+arch.TrapFrameSize:
			return "TrapFrame." + trapFrameWords[(addr-trap)/8]
		case addr >= tf.Regs && addr < tf.Regs+arch.RegisterStateSize:
			return "RegisterState." + registerStateWords[(addr-tf.Regs)/8]
		default:
			return ""
		}
	}

	w := tabwriter.NewWriter(out, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "thread\t%v\n", t)
	fmt.Fprintf(w, "rip\t%s\n", k.Text().Symbolize(regs.Rip))
	fmt.Fprintf(w, "rsp\t%#x\n", sp)
	fmt.Fprintf(w, "rsp0\t%#x\n", top)
	fmt.Fprintf(w, "stack\t%v\n\n", t.Stack())
	fmt.Fprint(w, "OFFSET\tADDRESS\tVALUE\tSLOT\n")
	for addr := sp; addr < top; addr += 8 {
		v, err := mem.ReadUint64(hostarch.Addr(addr))
		if err != nil {
			return err
		}
		value := fmt.Sprintf("%#x", v)
		if v >= ring0.TextBase {
			value = k.Text().Symbolize(v)
		}
		fmt.Fprintf(w, "-%d\t%#x\t%s\t%s\n", top-addr, addr, value, label(addr))
	}
	return w.Flush()
}
