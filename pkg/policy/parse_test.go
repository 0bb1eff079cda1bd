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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"warmstart.dev/warmstart/pkg/inventory"
)

func TestParseRules(t *testing.T) {
	src := `
Type: FILE
Path: /var/log/**
Action: Reopen
---
---
type: socket
family: inet
remote-address: 10.0.0.0/8
remote_port: 5432
action: warn-close
warn: closing database connection
---
type: fifo
action: IGNORE
`
	rules, err := ParseRulesString(src, CheckpointSide)
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	type summary struct {
		Index  int
		Type   inventory.Kind
		Path   string
		Family string
		Remote string
		Port   int
		Action Action
		Warn   string
	}
	var got []summary
	for _, r := range rules {
		s := summary{Index: r.Index, Type: r.Type, Family: r.Family, Port: r.RemotePort, Action: r.Action, Warn: r.Warn}
		if r.Path != nil {
			s.Path = r.Path.String()
		}
		if r.RemoteAddress != nil {
			s.Remote = r.RemoteAddress.String()
		}
		got = append(got, s)
	}
	want := []summary{
		{Index: 0, Type: inventory.File, Path: "/var/log/**", Action: Reopen},
		{Index: 2, Type: inventory.Socket, Family: "ipv4", Remote: "10.0.0.0/8", Port: 5432, Action: WarnAndClose, Warn: "closing database connection"},
		{Index: 3, Type: inventory.Pipe, Action: Ignore},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rules mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRestoreRules(t *testing.T) {
	src := `
type: file
path: /data/*.db
action: open_other_at_end
target: /mnt/data/app.db
---
type: file
action: KEEP_CLOSED
`
	rules, err := ParseRulesString(src, RestoreSide)
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(rules))
	}
	if rules[0].Action != OpenOtherAtEnd || rules[0].Target != "/mnt/data/app.db" {
		t.Errorf("rule 0 = %s", &rules[0])
	}
	if rules[1].Action != KeepClosed {
		t.Errorf("rule 1 = %s", &rules[1])
	}
}

func TestParseRulesErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		side Side
		src  string
		want string
	}{
		{"missing type", CheckpointSide, "action: close", "missing type"},
		{"missing action", CheckpointSide, "type: file", "missing action"},
		{"unknown key", CheckpointSide, "type: file\naction: close\ncolour: red", "unknown key"},
		{"unknown action", CheckpointSide, "type: file\naction: explode", "unknown action"},
		{"unknown type", CheckpointSide, "type: thing\naction: close", "unknown resource type"},
		{"wrong side", CheckpointSide, "type: file\naction: keep_closed", "not valid for checkpoint"},
		{"restore close", RestoreSide, "type: file\naction: close", "not valid for restore"},
		{"no target", RestoreSide, "type: file\naction: open_other", "requires a target"},
		{"stray target", RestoreSide, "type: file\naction: reopen\ntarget: /x", "only valid with open_other"},
		{"bad port", CheckpointSide, "type: socket\nlocalPort: http\naction: close", "invalid port"},
		{"port range", CheckpointSide, "type: socket\nlocalPort: 70000\naction: close", "out of range"},
		{"bad family", CheckpointSide, "type: socket\nfamily: appletalk\naction: close", "unknown socket family"},
		{"not mapping", CheckpointSide, "- type: file", "expected a mapping"},
		{"second doc", CheckpointSide, "type: file\naction: close\n---\ntype: file", "rule document 1"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRulesString(tc.src, tc.side)
			if err == nil {
				t.Fatalf("ParseRules succeeded, want error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not contain %q", err, tc.want)
			}
		})
	}
}

func TestLoadRules(t *testing.T) {
	if rules, err := LoadRules("", CheckpointSide); err != nil || rules != nil {
		t.Errorf("LoadRules(\"\") = %v, %v; want nil, nil", rules, err)
	}
	p := filepath.Join(t.TempDir(), "checkpoint.yaml")
	if err := os.WriteFile(p, []byte("type: file\naction: close\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	rules, err := LoadRules(p, CheckpointSide)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if len(rules) != 1 || rules[0].Action != Close {
		t.Errorf("LoadRules = %v", rules)
	}
	if _, err := LoadRules(filepath.Join(t.TempDir(), "missing"), CheckpointSide); err == nil {
		t.Errorf("LoadRules of missing file succeeded")
	}
}

func TestParseAction(t *testing.T) {
	for in, want := range map[string]Action{
		"close":             Close,
		"WARN_CLOSE":        WarnAndClose,
		"warn-and-close":    WarnAndClose,
		"WarnAndClose":      WarnAndClose,
		"reopen-at-end":     ReopenAtEnd,
		"OpenOther":         OpenOther,
		"open_other_at_end": OpenOtherAtEnd,
		"keep-closed":       KeepClosed,
	} {
		got, err := ParseAction(in)
		if err != nil {
			t.Errorf("ParseAction(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseAction(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRuleMatches(t *testing.T) {
	rules, err := ParseRulesString(`
type: socket
family: ipv4
localAddress: 127.0.0.1
localPort: 8080
action: close
---
type: socket
remoteAddress: 10.1.0.0/16
action: ignore
---
type: socket
family: unix
localAddress: /run/app/*.sock
action: close
---
type: file
path: /tmp/**
action: reopen
`, CheckpointSide)
	if err != nil {
		t.Fatal(err)
	}
	ep := func(fam, addr string, port int) inventory.Endpoint {
		return inventory.Endpoint{Family: fam, Address: addr, Port: port}
	}
	for _, tc := range []struct {
		name string
		rec  inventory.Record
		want int
	}{
		{"listener", inventory.Record{Kind: inventory.Socket, Identity: inventory.Identity{Family: "ipv4", Local: ep("ipv4", "127.0.0.1", 8080)}}, 0},
		{"other port", inventory.Record{Kind: inventory.Socket, Identity: inventory.Identity{Family: "ipv4", Local: ep("ipv4", "127.0.0.1", 8081)}}, -1},
		{"remote prefix", inventory.Record{Kind: inventory.Socket, Identity: inventory.Identity{Family: "ipv4", Remote: ep("ipv4", "10.1.2.3", 443)}}, 1},
		{"mapped remote", inventory.Record{Kind: inventory.Socket, Identity: inventory.Identity{Family: "ipv6", Remote: ep("ipv6", "::ffff:10.1.2.3", 443)}}, 1},
		{"unix path", inventory.Record{Kind: inventory.Socket, Identity: inventory.Identity{Family: "unix", Local: ep("unix", "/run/app/ctl.sock", 0)}}, 2},
		{"file", inventory.Record{Kind: inventory.File, Path: "/tmp/a/b"}, 3},
		{"file elsewhere", inventory.Record{Kind: inventory.File, Path: "/var/a"}, -1},
		{"kind mismatch", inventory.Record{Kind: inventory.Directory, Path: "/tmp/a"}, -1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rule, ok := rules.Match(tc.rec)
			got := -1
			if ok {
				got = rule.Index
			}
			if got != tc.want {
				t.Errorf("matched rule %d, want %d", got, tc.want)
			}
		})
	}
}
