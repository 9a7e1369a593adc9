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
	"os"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/kcore/kcore/config"
	"gvisor.dev/kcore/pkg/log"
	"gvisor.dev/kcore/pkg/ring0"
)

// PingPong implements subcommands.Command for the "pingpong" command.
type PingPong struct{}

// Name implements subcommands.Command.Name.
func (*PingPong) Name() string {
	return "pingpong"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*PingPong) Synopsis() string {
	return "switch directly between two kernel threads on one CPU"
}

// Usage implements subcommands.Command.Usage.
func (*PingPong) Usage() string {
	return `pingpong - boots a single CPU without a scheduler and switches
between two kernel threads --iterations times each.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*PingPong) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*PingPong) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	start := time.Now()
	stats, err := pingPong(ctx, conf.KernelOpts(), conf.Iterations)
	if err != nil {
		return Errorf("pingpong failed: %v", err)
	}
	fmt.Fprintf(os.Stdout, "%d switches in %v\n", stats.Switches, time.Since(start).Round(time.Microsecond))
	return subcommands.ExitSuccess
}

// pingPong runs two threads that hand CPU 0 back and forth rounds times each
// and checks that every switch resumed the right thread with its own
// registers.
func pingPong(ctx context.Context, opts ring0.KernelOpts, rounds int) (ring0.Stats, error) {
	k, err := ring0.New(opts)
	if err != nil {
		return ring0.Stats{}, err
	}
	defer k.Shutdown()
	c, err := k.NewCPU(0)
	if err != nil {
		return ring0.Stats{}, err
	}

	// Each thread sees the other's count advance by exactly one between
	// two of its own turns.
	var (
		ping, pong *ring0.Thread
		count      [2]int
		failure    error
	)
	ping, err = k.NewThread("ping", ring0.KernelOnly, func(t *ring0.Thread) {
		for i := 0; i < rounds && failure == nil; i++ {
			count[0]++
			t.CPU().Registers().Rbx = uint64(i)
			t.CPU().DisableInterrupts()
			t.CPU().SwitchContext(t, pong)
			if got := t.CPU().Registers().Rbx; got != uint64(i) {
				failure = fmt.Errorf("ping: rbx %#x after round %d", got, i)
			} else if count[1] != count[0] {
				failure = fmt.Errorf("ping: pong ran %d times after %d rounds", count[1], count[0])
			}
		}
		t.CPU().Halt()
	})
	if err != nil {
		return ring0.Stats{}, err
	}
	pong, err = k.NewThread("pong", ring0.KernelOnly, func(t *ring0.Thread) {
		for {
			count[1]++
			if count[1] != count[0] {
				t.CPU().Halt()
			}
			t.CPU().Registers().Rbx = ^uint64(0)
			t.CPU().DisableInterrupts()
			t.CPU().SwitchContext(t, ping)
		}
	})
	if err != nil {
		return ring0.Stats{}, err
	}

	k.SchedulerLock().Lock(c)
	c.InitContext(ping, false)
	c.InitContext(pong, false)
	go c.InitializeContextSwitching(ping)

	select {
	case <-c.Halted():
	case <-ctx.Done():
		return c.Stats(), ctx.Err()
	}
	if failure == nil && count != [2]int{rounds, rounds} {
		failure = fmt.Errorf("counts %v, want %d each", count, rounds)
	}
	log.Debugf("pingpong: %d rounds, counts %v", rounds, count)
	return c.Stats(), failure
}
