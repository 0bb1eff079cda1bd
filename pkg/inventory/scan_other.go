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

package inventory

import (
	"fmt"
	"runtime"
)

// DefaultFDDir lists the descriptors of the calling process.
const DefaultFDDir = "/dev/fd"

// Scanner walks the descriptor table of the current process.
type Scanner struct {
	FDDir      string
	SocketDiag bool
}

// Scan is not supported on this platform.
func (s *Scanner) Scan() ([]Record, error) {
	return nil, fmt.Errorf("descriptor scanning is not supported on %s", runtime.GOOS)
}

// Describe returns a Closed record on this platform.
func (s *Scanner) Describe(fd int) Record {
	return Record{FD: fd, AliasOf: NoAlias, State: Closed}
}
