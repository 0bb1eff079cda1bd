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
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"warmstart.dev/warmstart/pkg/trigger"
	"warmstart.dev/warmstart/warmstart/config"
)

// Checkpoint implements subcommands.Command for the "checkpoint" command.
type Checkpoint struct {
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Checkpoint) Name() string {
	return "checkpoint"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Checkpoint) Synopsis() string {
	return "checkpoint a running process"
}

// Usage implements subcommands.Command.Usage.
func (*Checkpoint) Usage() string {
	return `checkpoint [flags] [-- engine args...] - ask the process serving --socket
to checkpoint itself. Engine arguments are passed to the engine it was
started with.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Checkpoint) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&c.timeout, "timeout", 0, "give up waiting for the checkpoint after this long. Zero waits forever.")
}

// Execute implements subcommands.Command.Execute.
func (c *Checkpoint) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	client := &trigger.Client{Path: conf.Socket}
	resp, err := client.Checkpoint(ctx, f.Args())
	var terr *trigger.Error
	if errors.As(err, &terr) {
		fmt.Fprintf(os.Stderr, "checkpoint failed: %s\n", terr.Message)
		for _, failure := range resp.Failures {
			fmt.Fprintf(os.Stderr, "\t%s\n", failure)
		}
		for _, failure := range resp.RestoreFailures {
			fmt.Fprintf(os.Stderr, "\trestore: %s\n", failure)
		}
		return subcommands.ExitFailure
	}
	if err != nil {
		return Errorf("checkpoint: %v", err)
	}
	fmt.Printf("checkpoint complete: %d thread(s) quiesced in %v, %d descriptor(s) reopened, %d region(s) persisted, engine took %v\n",
		resp.Threads, time.Duration(resp.QuiesceMicros)*time.Microsecond, resp.Parked, resp.Regions,
		time.Duration(resp.EngineMicros)*time.Microsecond)
	return subcommands.ExitSuccess
}
