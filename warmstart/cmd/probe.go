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
	"os"
	"runtime"

	"github.com/google/subcommands"
	"warmstart.dev/warmstart/pkg/engine"
	"warmstart.dev/warmstart/pkg/quiesce"
	"warmstart.dev/warmstart/warmstart/config"
)

// Probe implements subcommands.Command for the "probe" command.
type Probe struct {
	json bool
}

// Name implements subcommands.Command.Name.
func (*Probe) Name() string {
	return "probe"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Probe) Synopsis() string {
	return "report which optional capabilities this host supports"
}

// Usage implements subcommands.Command.Usage.
func (*Probe) Usage() string {
	return `probe [flags] - report engines and optional capabilities.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Probe) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&p.json, "json", false, "print the report as JSON.")
}

// ProbeReport is the output of the probe command.
type ProbeReport struct {
	OS          string   `json:"os"`
	Arch        string   `json:"arch"`
	Engines     []string `json:"engines"`
	Engine      string   `json:"engine"`
	EngineError string   `json:"engine_error,omitempty"`
	RSeq        bool     `json:"rseq_inspection"`
	RSeqReason  string   `json:"rseq_reason,omitempty"`
}

// Execute implements subcommands.Command.Execute.
func (p *Probe) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	report := ProbeReport{
		OS:      runtime.GOOS,
		Arch:    runtime.GOARCH,
		Engines: engine.Registered(),
		Engine:  conf.Engine,
	}
	if prov, err := engine.Open(conf.Engine, conf.EngineConfig()); err != nil {
		report.EngineError = err.Error()
	} else {
		prov.Close()
	}
	capability := quiesce.Probe()
	report.RSeq, report.RSeqReason = capability.Supported, capability.Reason

	if p.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return Errorf("%v", err)
		}
		return subcommands.ExitSuccess
	}
	fmt.Printf("platform:\t%s/%s\n", report.OS, report.Arch)
	fmt.Printf("engines:\t%v\n", report.Engines)
	if report.EngineError != "" {
		fmt.Printf("engine %s:\tunavailable: %s\n", report.Engine, report.EngineError)
	} else {
		fmt.Printf("engine %s:\tavailable\n", report.Engine)
	}
	fmt.Printf("rseq inspection:\t%s\n", capability)
	return subcommands.ExitSuccess
}
