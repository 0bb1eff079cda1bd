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

package quiesce

import (
	"context"
	"fmt"
)

// RSeqConfig is a thread's restartable sequence registration, as reported by
// PTRACE_GET_RSEQ_CONFIGURATION. The zero value means not registered.
type RSeqConfig struct {
	Pointer   uint64 `json:"pointer"`
	Size      uint32 `json:"size"`
	Signature uint32 `json:"signature"`
	Flags     uint32 `json:"flags"`
}

// Registered reports whether the thread had an rseq area registered.
func (c RSeqConfig) Registered() bool {
	return c.Pointer != 0
}

// String implements fmt.Stringer.
func (c RSeqConfig) String() string {
	if !c.Registered() {
		return "unregistered"
	}
	return fmt.Sprintf("rseq@%#x size=%d sig=%#x", c.Pointer, c.Size, c.Signature)
}

// Inspector reads the restartable sequence configuration of live threads.
type Inspector interface {
	// Inspect stores the configuration of tids[i] in out[i]. len(out) ==
	// len(tids). On error the contents of out are unspecified.
	Inspect(ctx context.Context, tids []int, out []RSeqConfig) error
}

// InspectorFunc adapts a function to Inspector.
type InspectorFunc func(ctx context.Context, tids []int, out []RSeqConfig) error

// Inspect implements Inspector.
func (f InspectorFunc) Inspect(ctx context.Context, tids []int, out []RSeqConfig) error {
	return f(ctx, tids, out)
}

// Capability is the outcome of probing for thread inspection support.
type Capability struct {
	Supported bool
	Reason    string
}

// String implements fmt.Stringer.
func (c Capability) String() string {
	if c.Supported {
		return "supported"
	}
	return "unsupported: " + c.Reason
}
