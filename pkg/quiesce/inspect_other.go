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

//go:build !linux
// +build !linux

package quiesce

import (
	"context"
	"fmt"
	"io"
	"runtime"
)

// InspectCommand is the hidden subcommand that runs InspectThreads.
const InspectCommand = "rseq-inspect"

// Probe reports whether threads of this process can be inspected.
func Probe() Capability {
	return Capability{Reason: fmt.Sprintf("restartable sequences are not available on %s", runtime.GOOS)}
}

// ExecInspector is unsupported on this platform.
type ExecInspector struct {
	Path string
	Args []string
}

// Inspect implements Inspector.
func (e *ExecInspector) Inspect(context.Context, []int, []RSeqConfig) error {
	return fmt.Errorf("thread inspection is not supported on %s", runtime.GOOS)
}

// InspectThreads is unsupported on this platform.
func InspectThreads(int, []int) ([]RSeqConfig, error) {
	return nil, fmt.Errorf("thread inspection is not supported on %s", runtime.GOOS)
}

// WriteConfigs is unsupported on this platform.
func WriteConfigs(io.Writer, []RSeqConfig) error {
	return fmt.Errorf("thread inspection is not supported on %s", runtime.GOOS)
}
