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

// Package cli implements the warmstart command line.
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"warmstart.dev/warmstart/pkg/log"
	"warmstart.dev/warmstart/warmstart/cmd"
	"warmstart.dev/warmstart/warmstart/config"
)

// version is set at link time.
var version = "dev"

const versionFlagName = "version"

// Main parses flags, sets up logging and runs the selected subcommand. It
// does not return.
func Main() {
	forEachCmd(subcommands.Register)

	config.RegisterFlags(flag.CommandLine)
	showVersion := flag.Bool(versionFlagName, false, "show version and exit.")

	flag.Parse()

	if *showVersion {
		fmt.Fprintf(os.Stdout, "warmstart version %s\n", version)
		os.Exit(0)
	}

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	// Set up logging. Stdout is reserved for command output.
	target := os.Stderr
	if conf.LogFile != "" {
		f, err := log.OpenFile(conf.LogFile)
		if err != nil {
			cmd.Fatalf("%v", err)
		}
		target = f
	}
	emitter, err := log.NewEmitter(conf.LogFormat, target)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	log.SetTarget(emitter)
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	const delimString = `**************** warmstart ****************`
	log.Infof(delimString)
	log.Infof("Version %s, %s, %s, %d CPUs, %s, PID %d, PPID %d, UID %d, GID %d", version, runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid(), os.Getppid(), os.Getuid(), os.Getgid())
	log.Debugf("Page size: 0x%x (%d bytes)", os.Getpagesize(), os.Getpagesize())
	log.Infof("Command line: %q", os.Args)
	conf.Log()
	log.Infof(delimString)

	status := subcommands.Execute(context.Background(), conf)
	if status != subcommands.ExitSuccess {
		log.Warningf("%s exited with status %d", flag.Arg(0), status)
	}
	os.Exit(int(status))
}

// forEachCmd invokes the passed callback for each command supported by
// warmstart.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Checkpoint), "")
	cb(new(cmd.Restore), "")
	cb(new(cmd.Scan), "")
	cb(new(cmd.Policy), "")
	cb(new(cmd.Metrics), "")

	const helperGroup = "helpers"
	cb(new(cmd.Probe), helperGroup)
	cb(new(cmd.Serve), helperGroup)

	const internalGroup = "internal use only"
	cb(new(cmd.Inspect), internalGroup)
}
