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

package engine

// CRIUName is the engine backed by CRIU.
const CRIUName = "criu"

// CRIUOptions configures the CRIU provider.
type CRIUOptions struct {
	// Binary overrides the criu executable.
	Binary string

	// LogLevel is CRIU's log verbosity (0-4).
	LogLevel int32

	// LogFile is written in the image (or work) directory.
	LogFile string

	// WorkDir holds logs and temporary files. Defaults to the image
	// directory.
	WorkDir string

	TCPClose  bool
	ShellJob  bool
	FileLocks bool
	LinkRemap bool
}
