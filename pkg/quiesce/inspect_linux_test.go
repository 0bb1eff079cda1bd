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

//go:build linux
// +build linux

package quiesce

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"
)

// inspectChildEnv makes the test binary act as the inspector child.
const inspectChildEnv = "WARMSTART_TEST_INSPECT_CHILD"

func TestMain(m *testing.M) {
	if os.Getenv(inspectChildEnv) == "1" {
		os.Exit(inspectChild(os.Args[1:]))
	}
	os.Exit(m.Run())
}

// inspectChild mirrors the rseq-inspect subcommand: pid followed by tids.
func inspectChild(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "missing pid")
		return 2
	}
	var ids []int
	for _, a := range args {
		id, err := strconv.Atoi(a)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad id %q\n", a)
			return 2
		}
		ids = append(ids, id)
	}
	configs, err := InspectThreads(ids[0], ids[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := WriteConfigs(os.Stdout, configs); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func TestParseKernelVersion(t *testing.T) {
	for _, tc := range []struct {
		release      string
		major, minor int
		ok           bool
	}{
		{"5.13.0", 5, 13, true},
		{"6.18.44-fc-v139", 6, 18, true},
		{"5.4-rc1", 5, 4, true},
		{"4.19.0-generic", 4, 19, true},
		{"garbage", 0, 0, false},
	} {
		major, minor, ok := parseKernelVersion(tc.release)
		if major != tc.major || minor != tc.minor || ok != tc.ok {
			t.Errorf("parseKernelVersion(%q) = %d, %d, %v; want %d, %d, %v", tc.release, major, minor, ok, tc.major, tc.minor, tc.ok)
		}
	}
}

func TestExecInspector(t *testing.T) {
	if c := Probe(); !c.Supported {
		t.Skipf("thread inspection unavailable: %v", c)
	}
	t.Setenv(inspectChildEnv, "1")

	c := NewCoordinator(Options{
		Inspector: &ExecInspector{Path: os.Args[0], Args: []string{}},
		Timeout:   5 * time.Second,
	})
	startPool(t, c, 2, true)
	err := c.Begin(context.Background())
	if err != nil && strings.Contains(err.Error(), "not permitted") {
		t.Skipf("ptrace not permitted here: %v", err)
	}
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := c.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func TestExecInspectorLengthMismatch(t *testing.T) {
	e := &ExecInspector{Path: "/nonexistent"}
	if err := e.Inspect(context.Background(), []int{1, 2}, make([]RSeqConfig, 1)); err == nil {
		t.Errorf("Inspect with short output slice succeeded")
	}
}
