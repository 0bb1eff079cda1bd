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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"warmstart.dev/warmstart/pkg/inventory"
	"warmstart.dev/warmstart/pkg/policy"
	"warmstart.dev/warmstart/pkg/trigger"
	"warmstart.dev/warmstart/warmstart/config"
)

// Scan implements subcommands.Command for the "scan" command.
type Scan struct {
	format string
	self   bool
	plan   bool
}

// Name implements subcommands.Command.Name.
func (*Scan) Name() string {
	return "scan"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scan) Synopsis() string {
	return "list the open descriptors of a process"
}

// Usage implements subcommands.Command.Usage.
func (*Scan) Usage() string {
	return `scan [flags] - list the descriptors of the process serving --socket.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Scan) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.format, "format", "table", "output format: table or json.")
	f.BoolVar(&s.self, "self", false, "scan this process instead of the one serving --socket.")
	f.BoolVar(&s.plan, "plan", false, "show what --checkpoint-policy would do with each descriptor.")
}

// Execute implements subcommands.Command.Execute.
func (s *Scan) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	var (
		records []inventory.Record
		err     error
	)
	if s.self {
		records, err = (&inventory.Scanner{}).Scan()
	} else {
		records, err = (&trigger.Client{Path: conf.Socket}).Inventory(ctx)
	}
	if err != nil {
		return Errorf("scanning descriptors: %v", err)
	}

	var plan *policy.Plan
	var report *policy.Report
	if s.plan {
		rules, _, err := conf.Rules()
		if err != nil {
			return Errorf("%v", err)
		}
		ignore, err := conf.Ignore()
		if err != nil {
			return Errorf("%v", err)
		}
		plan, report = policy.PlanCheckpoint(records, rules, policy.Env{Ignore: ignore})
	}

	switch s.format {
	case "json":
		err = writeJSON(os.Stdout, records, plan, report)
	case "table":
		err = writeTable(os.Stdout, records, plan)
		if err == nil && !report.Empty() {
			fmt.Fprintln(os.Stdout, report.Error())
		}
	default:
		return Errorf("invalid format %q, must be 'table' or 'json'", s.format)
	}
	if err != nil {
		return Errorf("writing output: %v", err)
	}
	if !report.Empty() {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func writeJSON(w io.Writer, records []inventory.Record, plan *policy.Plan, report *policy.Report) error {
	out := struct {
		Records  []inventory.Record `json:"records"`
		Actions  map[int]string     `json:"actions,omitempty"`
		Failures []string           `json:"failures,omitempty"`
	}{Records: records}
	if plan != nil {
		out.Actions = make(map[int]string)
		for _, d := range plan.Decisions {
			out.Actions[d.Record.FD] = decision(d)
		}
		for _, f := range report.Failures {
			out.Failures = append(out.Failures, f.Detail())
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeTable(w io.Writer, records []inventory.Record, plan *policy.Plan) error {
	tw := tabwriter.NewWriter(w, 8, 4, 2, ' ', 0)
	header := "FD\tKIND\tTARGET\tFLAGS\tOFFSET"
	if plan != nil {
		header += "\tACTION"
	}
	fmt.Fprintln(tw, header)
	for i := range records {
		r := &records[i]
		target := r.Path
		if r.Kind == inventory.Socket {
			target = fmt.Sprintf("%s/%s %s -> %s", r.Identity.Family, r.Identity.Transport, r.Identity.Local, r.Identity.Remote)
		}
		if r.AliasOf != inventory.NoAlias {
			target += fmt.Sprintf(" (alias of %d)", r.AliasOf)
		}
		line := fmt.Sprintf("%d\t%s\t%s\t%#o\t%d", r.FD, r.Kind, target, r.OpenFlags, r.Offset)
		if plan != nil {
			line += "\t" + decision(plan.Decisions[i])
		}
		fmt.Fprintln(tw, line)
	}
	return tw.Flush()
}

func decision(d policy.Decision) string {
	if d.Exempt != policy.NotExempt {
		return d.Exempt.String()
	}
	if d.Rule == nil {
		return "unmatched"
	}
	return fmt.Sprintf("%s (rule %d)", d.Action, d.Rule.Index)
}
