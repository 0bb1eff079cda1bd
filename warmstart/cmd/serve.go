// Copyright 2026 The Warmstart Authors.
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
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"warmstart.dev/warmstart/pkg/log"
	"warmstart.dev/warmstart/pkg/quiesce"
	"warmstart.dev/warmstart/warmstart/agent"
	"warmstart.dev/warmstart/warmstart/config"
)

// Serve implements subcommands.Command for the "serve" command.
type Serve struct {
	workers int
}

// Name implements subcommands.Command.Name.
func (*Serve) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Serve) Synopsis() string {
	return "run an idle process that can be checkpointed"
}

// Usage implements subcommands.Command.Usage.
func (*Serve) Usage() string {
	return `serve [flags] - run a process with registered worker threads and serve
checkpoint requests on --socket until interrupted. Used to rehearse engines
and policies.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Serve) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 2, "number of registered worker threads.")
}

// Execute implements subcommands.Command.Execute.
func (s *Serve) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	a, err := agent.Start(conf)
	if err != nil {
		return Errorf("%v", err)
	}
	defer a.Stop()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()

	c := a.Orchestrator().Coordinator()
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th := c.Register(quiesce.ThreadOptions{Name: "worker", LockOSThread: true})
			defer th.Exit()
			for ctx.Err() == nil {
				th.Sleep(100 * time.Millisecond)
			}
		}()
	}

	<-ctx.Done()
	log.Infof("Shutting down")
	wg.Wait()
	return subcommands.ExitSuccess
}
