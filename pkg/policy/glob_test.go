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

import "testing"

func TestGlob(t *testing.T) {
	for _, tc := range []struct {
		pattern string
		name    string
		want    bool
	}{
		{"/tmp/*", "/tmp/a", true},
		{"/tmp/*", "/tmp/a/b", false},
		{"/tmp/*", "/tmp", false},
		{"/tmp/**", "/tmp", true},
		{"/tmp/**", "/tmp/a/b/c", true},
		{"/tmp/**/x.log", "/tmp/x.log", true},
		{"/tmp/**/x.log", "/tmp/a/b/x.log", true},
		{"/tmp/**/x.log", "/tmp/a/b/y.log", false},
		{"/var/**/*.db", "/var/lib/app/data.db", true},
		{"/var/**/*.db", "/var/lib/app/data.dbx", false},
		{"**", "/anything/at/all", true},
		{"/dev/null", "/dev/null", true},
		{"/dev/nul?", "/dev/null", true},
		{"/dev/null", "/dev/zero", false},
		{"/a/**/**/b", "/a/b", true},
	} {
		g, err := CompileGlob(tc.pattern)
		if err != nil {
			t.Fatalf("CompileGlob(%q): %v", tc.pattern, err)
		}
		if got := g.Match(tc.name); got != tc.want {
			t.Errorf("%q.Match(%q) = %v, want %v", tc.pattern, tc.name, got, tc.want)
		}
	}
}

func TestGlobInvalid(t *testing.T) {
	for _, p := range []string{"", "/tmp/a**", "/tmp/[a"} {
		if _, err := CompileGlob(p); err == nil {
			t.Errorf("CompileGlob(%q) succeeded, want error", p)
		}
	}
}
