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
	"strconv"

	"github.com/google/subcommands"
	"warmstart.dev/warmstart/pkg/quiesce"
)

// Inspect implements subcommands.Command for the "rseq-inspect" command. It
// is run by a process that is about to quiesce, on its own threads.
type Inspect struct{}

// Name implements subcommands.Command.Name.
func (*Inspect) Name() string {
	return quiesce.InspectCommand
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Inspect) Synopsis() string {
	return "report the restartable sequence registration of threads (internal use only)"
}

// Usage implements subcommands.Command.Usage.
func (*Inspect) Usage() string {
	return quiesce.InspectCommand + ` <pid> <tid>... - write the rseq configuration of each thread as JSON.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Inspect) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Inspect) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	ids := make([]int, 0, f.NArg())
	for _, arg := range f.Args() {
		id, err := strconv.Atoi(arg)
		if err != nil || id <= 0 {
			return Errorf("invalid id %q", arg)
		}
		ids = append(ids, id)
	}
	configs, err := quiesce.InspectThreads(ids[0], ids[1:])
	if err != nil {
		return Errorf("%v", err)
	}
	if err := quiesce.WriteConfigs(os.Stdout, configs); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}
