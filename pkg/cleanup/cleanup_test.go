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

package cleanup

import (
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// setup opens n pipes and unwinds them all unless every step succeeds.
func setup(t *testing.T, n, failAt int) (files []*os.File, undo func(), ok bool) {
	t.Helper()
	cu := Make(nil)
	defer cu.Clean()
	for i := 0; i < n; i++ {
		if i == failAt {
			return files, nil, false
		}
		r, w, err := os.Pipe()
		if err != nil {
			t.Fatalf("os.Pipe: %v", err)
		}
		files = append(files, r, w)
		cu.Add(func() {
			r.Close()
			w.Close()
		})
	}
	return files, cu.Release(), true
}

func closed(f *os.File) bool {
	_, err := f.Stat()
	return err != nil
}

func TestUnwindOnFailure(t *testing.T) {
	files, _, ok := setup(t, 3, 2)
	if ok {
		t.Fatalf("setup succeeded, want failure")
	}
	if len(files) != 4 {
		t.Fatalf("opened %d files before failing, want 4", len(files))
	}
	for i, f := range files {
		if !closed(f) {
			t.Errorf("file %d still open after unwind", i)
		}
	}
}

func TestRelease(t *testing.T) {
	files, undo, ok := setup(t, 2, -1)
	if !ok {
		t.Fatalf("setup failed")
	}
	for i, f := range files {
		if closed(f) {
			t.Errorf("file %d closed after release", i)
		}
	}
	undo()
	for i, f := range files {
		if !closed(f) {
			t.Errorf("file %d open after calling the released cleaners", i)
		}
	}
}

func TestCleanOrder(t *testing.T) {
	var order []string
	cu := Make(func() { order = append(order, "unmap") })
	cu.Add(func() { order = append(order, "close") })
	cu.Add(nil)
	cu.Add(func() { order = append(order, "unlock") })
	cu.Clean()
	cu.Clean()
	if diff := cmp.Diff([]string{"unlock", "close", "unmap"}, order); diff != "" {
		t.Errorf("cleanup order mismatch (-want +got):\n%s", diff)
	}
}
