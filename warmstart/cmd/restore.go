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

	"github.com/google/subcommands"
	"warmstart.dev/warmstart/pkg/checkpoint"
	"warmstart.dev/warmstart/pkg/log"
	"warmstart.dev/warmstart/warmstart/config"
)

// Restore implements subcommands.Command for the "restore" command.
type Restore struct{}

// Name implements subcommands.Command.Name.
func (*Restore) Name() string {
	return "restore"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Restore) Synopsis() string {
	return "restore a process from an image"
}

// Usage implements subcommands.Command.Usage.
func (*Restore) Usage() string {
	return `restore [flags] [-- engine args...] - restore the image in --image-dir
with --engine.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Restore) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Restore) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if conf.ImageDir == "" {
		return Errorf("--image-dir must be set")
	}
	o, err := checkpoint.New(checkpoint.Options{
		ImageDir: conf.ImageDir,
		Bridge:   conf.Bridge(),
	})
	if err != nil {
		return Errorf("%v", err)
	}
	if err := o.Restore(ctx, f.Args()); err != nil {
		return Errorf("restore: %v", err)
	}
	log.Infof("Restore of %q complete", conf.ImageDir)
	return subcommands.ExitSuccess
}
