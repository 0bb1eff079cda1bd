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
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"warmstart.dev/warmstart/pkg/inventory"
)

func failedFDs(r *Report) []int {
	var fds []int
	for _, f := range r.Failures {
		fds = append(fds, f.FD)
	}
	return fds
}

func TestPlanCheckpointExactlyOneFailurePerOffender(t *testing.T) {
	rules, err := ParseRulesString(`
type: file
path: /ok/**
action: close
---
type: file
path: /bad/**
action: error
---
type: pipe
action: ignore
`, CheckpointSide)
	if err != nil {
		t.Fatal(err)
	}
	inherited := inventory.Record{FD: 0, Kind: inventory.CharDevice, Path: "/dev/pts/0", Identity: inventory.Identity{Dev: 1, Ino: 1}}
	claims := NewClaims()
	claims.ClaimFD(4, "trigger")
	ignore, err := ParseIgnoreList("9,anon_inode:")
	if err != nil {
		t.Fatal(err)
	}
	env := Env{
		Claims:   claims,
		Snapshot: inventory.NewSnapshot([]inventory.Record{inherited}),
		Ignore:   ignore,
	}
	records := []inventory.Record{
		inherited,
		{FD: 3, Kind: inventory.File, Path: "/ok/a", Identity: inventory.Identity{Dev: 1, Ino: 3}},
		{FD: 4, Kind: inventory.Socket, Identity: inventory.Identity{Dev: 1, Ino: 4}},
		{FD: 5, Kind: inventory.File, Path: "/bad/b", Identity: inventory.Identity{Dev: 1, Ino: 5}},
		{FD: 6, Kind: inventory.File, Path: "/elsewhere", Identity: inventory.Identity{Dev: 1, Ino: 6}},
		{FD: 7, Kind: inventory.Pipe, Path: "pipe:[7]", Identity: inventory.Identity{Dev: 1, Ino: 7}},
		{FD: 8, Kind: inventory.Unknown, Path: "anon_inode:[eventfd]", Identity: inventory.Identity{Dev: 1, Ino: 8}},
		{FD: 9, Kind: inventory.Socket, Identity: inventory.Identity{Dev: 1, Ino: 9}},
		{FD: 10, State: inventory.Closed},
		{FD: 11, Kind: inventory.Directory, Path: "/ok", Identity: inventory.Identity{Dev: 1, Ino: 11}},
	}
	plan, report := PlanCheckpoint(records, rules, env)
	if diff := cmp.Diff([]int{5, 6, 11}, failedFDs(report)); diff != "" {
		t.Errorf("failed descriptors mismatch (-want +got):\n%s", diff)
	}
	if report.Err() == nil {
		t.Errorf("Err() = nil for non-empty report")
	}

	exempt := map[int]Exemption{}
	for _, d := range plan.Decisions {
		exempt[d.Record.FD] = d.Exempt
	}
	want := map[int]Exemption{
		0: ExemptInherited, 3: NotExempt, 4: ExemptClaimed, 5: NotExempt, 6: NotExempt,
		7: NotExempt, 8: ExemptIgnored, 9: ExemptIgnored, 10: ExemptClosed, 11: NotExempt,
	}
	if diff := cmp.Diff(want, exempt); diff != "" {
		t.Errorf("exemptions mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanCheckpointInheritedChangedIdentity(t *testing.T) {
	start := inventory.Record{FD: 3, Kind: inventory.File, Path: "/a", Identity: inventory.Identity{Dev: 1, Ino: 1}}
	now := start
	now.Identity.Ino = 2
	_, report := PlanCheckpoint([]inventory.Record{now}, nil, Env{Snapshot: inventory.NewSnapshot([]inventory.Record{start})})
	if report.Len() != 1 {
		t.Errorf("got %d failures, want 1 for a reused descriptor number", report.Len())
	}
}

func TestPlanCheckpointReopenHazards(t *testing.T) {
	rules, err := ParseRulesString("type: file\naction: reopen\n---\ntype: pipe\naction: reopen\n", CheckpointSide)
	if err != nil {
		t.Fatal(err)
	}
	records := []inventory.Record{
		{FD: 3, Kind: inventory.File, Path: "/tmp/x", Restorability: inventory.Deleted | inventory.NotReopenable},
		{FD: 4, Kind: inventory.Pipe, Path: "pipe:[1]"},
		{FD: 5, Kind: inventory.File, Path: "/tmp/y"},
	}
	_, report := PlanCheckpoint(records, rules, Env{})
	if diff := cmp.Diff([]int{3, 4}, failedFDs(report)); diff != "" {
		t.Errorf("failed descriptors mismatch (-want +got):\n%s", diff)
	}
}

func TestFailureDetail(t *testing.T) {
	sock := inventory.Record{
		FD:   7,
		Kind: inventory.Socket,
		Identity: inventory.Identity{
			Family:    "ipv4",
			Transport: "tcp",
			Local:     inventory.Endpoint{Family: "ipv4", Address: "127.0.0.1", Port: 41000},
			Remote:    inventory.Endpoint{Family: "ipv4", Address: "10.0.0.2", Port: 5432},
		},
	}
	_, report := PlanCheckpoint([]inventory.Record{sock}, nil, Env{})
	if report.Len() != 1 {
		t.Fatalf("got %d failures, want 1", report.Len())
	}
	f := report.Failures[0]
	if f.Kind != SocketFailure {
		t.Errorf("kind = %v, want socket", f.Kind)
	}
	detail := f.Detail()
	for _, want := range []string{"fd 7", "127.0.0.1:41000", "10.0.0.2:5432"} {
		if !strings.Contains(detail, want) {
			t.Errorf("detail %q does not contain %q", detail, want)
		}
	}
	if !strings.Contains(report.Error(), detail) {
		t.Errorf("report %q does not list %q", report.Error(), detail)
	}
}

func TestEmptyReport(t *testing.T) {
	var r *Report
	if !r.Empty() || r.Err() != nil || r.Len() != 0 {
		t.Errorf("nil report is not empty")
	}
	_, report := PlanCheckpoint(nil, nil, Env{})
	if !report.Empty() {
		t.Errorf("report for no records is not empty")
	}
}
