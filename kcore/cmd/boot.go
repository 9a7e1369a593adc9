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
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/kcore/kcore/config"
	"gvisor.dev/kcore/pkg/arch"
	"gvisor.dev/kcore/pkg/atomicbitops"
	"gvisor.dev/kcore/pkg/log"
	"gvisor.dev/kcore/pkg/ring0"
	"gvisor.dev/kcore/pkg/sched"
)

const (
	// userStackTop is the user stack pointer of the first user worker.
	userStackTop = 0x7fff_ffff_f000

	// userStackStride separates the user stacks of consecutive workers.
	userStackStride = 0x10_0000
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	// user runs the workers in user mode.
	user bool

	// preempt makes the workers give up their CPU through a timer
	// interrupt instead of a direct yield.
	preempt bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the emulated CPUs and schedule worker threads on them"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boots --cpus CPUs and runs --threads workers that
give up their CPU --iterations times each, then reports per CPU counters.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.user, "user", false, "run the workers in user mode; they yield through a system call.")
	f.BoolVar(&b.preempt, "preempt", false, "yield through a deferred scheduler invocation on a timer interrupt.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	w := workload{
		cpus:       conf.CPUs,
		threads:    conf.Threads,
		iterations: conf.Iterations,
		user:       b.user,
		preempt:    b.preempt,
	}
	res, err := w.run(ctx, conf.KernelOpts())
	if err != nil {
		return Errorf("boot failed: %v", err)
	}
	if err := res.print(os.Stdout); err != nil {
		return Errorf("writing report: %v", err)
	}
	return subcommands.ExitSuccess
}

// workload is a set of worker threads that repeatedly give up their CPU and
// check that their registers survive.
type workload struct {
	cpus       int
	threads    int
	iterations int
	user       bool
	preempt    bool
}

// bootResult is the outcome of a workload run.
type bootResult struct {
	elapsed time.Duration
	rounds  uint64
	stats   []ring0.Stats
}

func (w *workload) run(ctx context.Context, opts ring0.KernelOpts) (*bootResult, error) {
	s, err := sched.New(opts)
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}

	mode := ring0.KernelOnly
	if w.user {
		mode = ring0.User
	}
	var rounds, corrupt atomicbitops.Uint64
	for i := 0; i < w.threads; i++ {
		t, err := s.Kernel().NewThread(fmt.Sprintf("worker%d", i), mode, func(t *ring0.Thread) {
			for r := 0; r < w.iterations && !s.Stopping(); r++ {
				mark := t.TID()<<32 | uint64(r)
				t.CPU().Registers().R13 = mark
				w.yield(s, t)
				if got := t.CPU().Registers().R13; got != mark {
					log.Warningf("%v: r13 %#x after round %d, want %#x", t, got, r, mark)
					corrupt.Add(1)
				}
				rounds.Add(1)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("creating worker %d: %w", i, err)
		}
		if w.user {
			t.Regs().Rsp = userStackTop - uint64(i)*userStackStride
		}
		if err := s.Add(t); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	if err := s.Run(ctx, w.cpus); err != nil {
		return nil, err
	}
	res := &bootResult{
		elapsed: time.Since(start),
		rounds:  rounds.Load(),
	}
	for i := 0; i < w.cpus; i++ {
		res.stats = append(res.stats, s.Kernel().CPU(i).Stats())
	}
	if n := corrupt.Load(); n != 0 {
		return res, fmt.Errorf("%d rounds resumed with foreign registers", n)
	}
	if want := uint64(w.threads * w.iterations); res.rounds != want {
		return res, fmt.Errorf("completed %d rounds, want %d", res.rounds, want)
	}
	return res, nil
}

// yield gives up t's CPU the way the workload is configured to.
func (w *workload) yield(s *sched.Scheduler, t *ring0.Thread) {
	switch {
	case w.preempt:
		c := t.CPU()
		c.InvokeSchedulerAsync()
		c.Interrupt(ring0.Timer, func(*ring0.CPU) {})
	case t.Mode() == ring0.User:
		t.Syscall(func(t *ring0.Thread, _ *arch.RegisterState) {
			s.Yield(t)
		})
	default:
		s.Yield(t)
	}
}

func (r *bootResult) print(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 8, 1, ' ', 0)
	fmt.Fprint(w, "CPU\tSWITCHES\tTRAPS\n")
	for i, st := range r.stats {
		fmt.Fprintf(w, "%d\t%d\t%d\n", i, st.Switches, st.Traps)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "%d rounds in %v\n", r.rounds, r.elapsed.Round(time.Microsecond))
	return err
}
