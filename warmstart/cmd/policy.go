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
	"fmt"
	"os"

	"github.com/google/subcommands"
	"warmstart.dev/warmstart/pkg/policy"
	"warmstart.dev/warmstart/warmstart/config"
)

// Policy implements subcommands.Command for the "policy" command.
type Policy struct {
	side string
}

// Name implements subcommands.Command.Name.
func (*Policy) Name() string {
	return "policy"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Policy) Synopsis() string {
	return "validate and print descriptor rule files"
}

// Usage implements subcommands.Command.Usage.
func (*Policy) Usage() string {
	return `policy [flags] [file...] - validate rule files. Without files, the
--checkpoint-policy and --restore-policy files are checked.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Policy) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.side, "side", "checkpoint", "side the given files apply to: checkpoint or restore.")
}

// Execute implements subcommands.Command.Execute.
func (p *Policy) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)

	type file struct {
		path string
		side policy.Side
	}
	var files []file
	if f.NArg() == 0 {
		if conf.CheckpointPolicy != "" {
			files = append(files, file{conf.CheckpointPolicy, policy.CheckpointSide})
		}
		if conf.RestorePolicy != "" {
			files = append(files, file{conf.RestorePolicy, policy.RestoreSide})
		}
		if len(files) == 0 {
			f.Usage()
			return subcommands.ExitUsageError
		}
	} else {
		var side policy.Side
		switch p.side {
		case "checkpoint":
			side = policy.CheckpointSide
		case "restore":
			side = policy.RestoreSide
		default:
			return Errorf("invalid side %q, must be 'checkpoint' or 'restore'", p.side)
		}
		for _, path := range f.Args() {
			files = append(files, file{path, side})
		}
	}

	status := subcommands.ExitSuccess
	for _, fl := range files {
		rules, err := policy.LoadRules(fl.path, fl.side)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", fl.path, err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Printf("%s (%s, %d rule(s)):\n", fl.path, fl.side, len(rules))
		for i := range rules {
			fmt.Printf("\t%s\n", rules[i].String())
		}
	}
	return status
}
