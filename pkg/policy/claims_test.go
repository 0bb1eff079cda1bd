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
	"testing"

	"github.com/google/go-cmp/cmp"
	"warmstart.dev/warmstart/pkg/inventory"
)

func TestClaims(t *testing.T) {
	var none *Claims
	none.ClaimFD(3, "trigger")
	none.ClaimPath("/images/.lock", "lock")
	none.ReleaseFD(3)
	none.ReleasePath("/images/.lock")
	if _, ok := none.Owner(inventory.Record{FD: 3}); ok {
		t.Errorf("nil Claims claimed fd 3")
	}

	c := NewClaims()
	c.ClaimFD(3, "trigger")
	c.ClaimPath("/images/.lock", "lock")
	if owner, ok := c.Owner(inventory.Record{FD: 3}); !ok || owner != "trigger" {
		t.Errorf("Owner(fd 3) = %q, %v", owner, ok)
	}
	if owner, ok := c.Owner(inventory.Record{FD: 9, Path: "/images/.lock"}); !ok || owner != "lock" {
		t.Errorf("Owner(lock path) = %q, %v", owner, ok)
	}
	c.ReleaseFD(3)
	c.ReleasePath("/images/.lock")
	if _, ok := c.Owner(inventory.Record{FD: 3}); ok {
		t.Errorf("released fd still claimed")
	}
	if _, ok := c.Owner(inventory.Record{FD: 9, Path: "/images/.lock"}); ok {
		t.Errorf("released path still claimed")
	}
}

func TestParseIgnoreList(t *testing.T) {
	l, err := ParseIgnoreList("3, 7,/dev/shm/,,anon_inode:[eventpoll]")
	if err != nil {
		t.Fatalf("ParseIgnoreList: %v", err)
	}
	if diff := cmp.Diff("3,7,/dev/shm/,anon_inode:[eventpoll]", l.String()); diff != "" {
		t.Errorf("String() mismatch (-want +got):\n%s", diff)
	}
	for _, tc := range []struct {
		rec  inventory.Record
		want bool
	}{
		{inventory.Record{FD: 3}, true},
		{inventory.Record{FD: 4}, false},
		{inventory.Record{FD: 12, Path: "/dev/shm/seg"}, true},
		{inventory.Record{FD: 13, Path: "anon_inode:[eventpoll]"}, true},
		{inventory.Record{FD: 14, Path: "/dev/null"}, false},
	} {
		if got := l.Ignored(tc.rec); got != tc.want {
			t.Errorf("Ignored(%d %q) = %v, want %v", tc.rec.FD, tc.rec.Path, got, tc.want)
		}
	}
	if _, err := ParseIgnoreList("3x"); err == nil {
		t.Errorf("ParseIgnoreList(3x) succeeded")
	}
}

func TestIgnoreListFromEnv(t *testing.T) {
	t.Setenv(IgnoreEnv, "42,/srv/")
	l, err := IgnoreListFromEnv("5")
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range []inventory.Record{
		{FD: 42},
		{FD: 5},
		{FD: 6, Path: "/srv/x"},
		{FD: 7, Path: "anon_inode:[eventpoll]"},
	} {
		if !l.Ignored(rec) {
			t.Errorf("%d %q not ignored", rec.FD, rec.Path)
		}
	}
}
