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

package policy

import (
	"fmt"
	"strings"

	"warmstart.dev/warmstart/pkg/inventory"
)

// FailureKind classifies a reconciliation failure.
type FailureKind int

// Failure kinds.
const (
	GenericFailure FailureKind = iota
	FileFailure
	SocketFailure
	PipeFailure
)

// String implements fmt.Stringer.
func (k FailureKind) String() string {
	switch k {
	case FileFailure:
		return "file"
	case SocketFailure:
		return "socket"
	case PipeFailure:
		return "pipe"
	}
	return "generic"
}

func failureKindOf(k inventory.Kind) FailureKind {
	switch k {
	case inventory.File, inventory.Directory:
		return FileFailure
	case inventory.Socket:
		return SocketFailure
	case inventory.Pipe:
		return PipeFailure
	}
	return GenericFailure
}

// Failure is a descriptor that cannot be carried safely across the
// operation.
type Failure struct {
	Kind   FailureKind
	FD     int
	Type   inventory.Kind
	Path   string
	Local  inventory.Endpoint
	Remote inventory.Endpoint
	Reason string
}

func newFailure(rec inventory.Record, reason string) Failure {
	return Failure{
		Kind:   failureKindOf(rec.Kind),
		FD:     rec.FD,
		Type:   rec.Kind,
		Path:   rec.Path,
		Local:  rec.Identity.Local,
		Remote: rec.Identity.Remote,
		Reason: reason,
	}
}

// Detail renders the failure for operators. Socket failures name both
// endpoints.
func (f Failure) Detail() string {
	var where string
	if f.Type == inventory.Socket {
		where = fmt.Sprintf("local %s remote %s", f.Local, f.Remote)
	} else {
		where = fmt.Sprintf("%q", f.Path)
	}
	return fmt.Sprintf("fd %d: %s %s: %s", f.FD, f.Type, where, f.Reason)
}

// Report aggregates every failure of one reconciliation pass.
type Report struct {
	Side     Side
	Failures []Failure
}

// Empty reports whether the pass succeeded. A nil report is empty.
func (r *Report) Empty() bool {
	return r == nil || len(r.Failures) == 0
}

// Len returns the number of failures.
func (r *Report) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Failures)
}

func (r *Report) add(f Failure) {
	r.Failures = append(r.Failures, f)
}

// Err returns r as an error, or nil if r is empty.
func (r *Report) Err() error {
	if r.Empty() {
		return nil
	}
	return r
}

// Error implements error.
func (r *Report) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s reconciliation failed for %d descriptor(s)", r.Side, len(r.Failures))
	for _, f := range r.Failures {
		b.WriteString("\n\t")
		b.WriteString(f.Detail())
	}
	return b.String()
}
