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

package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"warmstart.dev/warmstart/pkg/engine"
	"warmstart.dev/warmstart/pkg/persist"
)

// fixture is an orchestrator driving a simulated engine.
type fixture struct {
	o     *Orchestrator
	sim   *engine.Sim
	reg   *prometheus.Registry
	dir   string
	calls []string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{sim: &engine.Sim{}, reg: prometheus.NewRegistry(), dir: t.TempDir()}
	opts.ImageDir = f.dir
	opts.Registerer = f.reg
	opts.Bridge = &engine.Bridge{
		Engine: engine.SimName,
		Open: func(string, engine.Config) (engine.Provider, error) {
			return f.sim, nil
		},
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = 300 * time.Millisecond
	}
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.o = o
	return f
}

// hook returns a hook that records its calls in f.calls.
func (f *fixture) hook(name string, fail bool) Hook {
	return Hook{
		Name: name,
		Before: func() error {
			f.calls = append(f.calls, "before "+name)
			if fail {
				return errors.New("refused")
			}
			return nil
		},
		After: func() { f.calls = append(f.calls, "after "+name) },
	}
}

func TestNewRequiresImageDirAndBridge(t *testing.T) {
	if _, err := New(Options{Bridge: &engine.Bridge{}}); err == nil {
		t.Errorf("New without an image directory succeeded")
	}
	if _, err := New(Options{ImageDir: t.TempDir()}); err == nil {
		t.Errorf("New without a bridge succeeded")
	}
}

func TestAddRegion(t *testing.T) {
	f := newFixture(t, Options{})
	page := uintptr(os.Getpagesize())
	a := persist.Region{Addr: 16 * page, Len: 4 * page, Prot: persist.ProtReadWrite, BackingPath: "/a"}
	if err := f.o.AddRegion(a); err != nil {
		t.Fatalf("AddRegion(%v): %v", a, err)
	}
	for _, r := range []persist.Region{
		{Addr: 18 * page, Len: page, Prot: persist.ProtRead},
		{Addr: 12 * page, Len: 8 * page, Prot: persist.ProtRead},
		{Addr: 16*page + 1, Len: page},
	} {
		if err := f.o.AddRegion(r); err == nil {
			t.Errorf("AddRegion(%v) succeeded", r)
		}
	}
	b := persist.Region{Addr: 20 * page, Len: page, Prot: persist.ProtRead, BackingPath: "/b"}
	if err := f.o.AddRegion(b); err != nil {
		t.Fatalf("AddRegion(%v): %v", b, err)
	}
	if diff := cmp.Diff([]persist.Region{a, b}, f.o.Regions()); diff != "" {
		t.Errorf("Regions() mismatch (-want +got):\n%s", diff)
	}
}

func TestHookFailureUnwinds(t *testing.T) {
	f := newFixture(t, Options{})
	f.o.AddHook(f.hook("heap", false))
	f.o.AddHook(f.hook("metadata", true))
	f.o.AddHook(f.hook("unreached", false))

	if _, err := f.o.Checkpoint(context.Background(), nil); err == nil {
		t.Fatalf("Checkpoint succeeded with a failing hook")
	}
	want := []string{"before heap", "before metadata", "after heap"}
	if diff := cmp.Diff(want, f.calls); diff != "" {
		t.Errorf("hook calls mismatch (-want +got):\n%s", diff)
	}
	if n, _, _ := f.sim.Stats(); n != 0 {
		t.Errorf("engine checkpoint called %d times", n)
	}
	if got := testutil.ToFloat64(f.o.metrics.checkpoints.WithLabelValues(ResultError)); got != 1 {
		t.Errorf("error checkpoints = %v, want 1", got)
	}
}

func TestImageDirLocked(t *testing.T) {
	f := newFixture(t, Options{})
	other := flock.NewFlock(filepath.Join(f.dir, LockFile))
	if err := other.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer other.Unlock()

	if _, err := f.o.Checkpoint(context.Background(), nil); err == nil {
		t.Fatalf("Checkpoint succeeded while the image directory was locked")
	}
	if err := f.o.Restore(context.Background(), nil); err == nil {
		t.Fatalf("Restore succeeded while the image directory was locked")
	}
	if got := testutil.ToFloat64(f.o.metrics.restores.WithLabelValues(ResultError)); got != 1 {
		t.Errorf("error restores = %v, want 1", got)
	}
}

func TestOverlappingOperations(t *testing.T) {
	f := newFixture(t, Options{})
	done, err := f.o.begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := f.o.Checkpoint(context.Background(), nil); !errors.Is(err, ErrInProgress) {
		t.Errorf("Checkpoint during an operation: got %v, want %v", err, ErrInProgress)
	}
	done()
	done, err = f.o.begin(context.Background())
	if err != nil {
		t.Fatalf("begin after release: %v", err)
	}
	done()
}

func TestRestore(t *testing.T) {
	f := newFixture(t, Options{})
	f.o.AddHook(f.hook("heap", false))
	f.o.AddHook(f.hook("metadata", false))
	if err := f.o.Restore(context.Background(), []string{"--verbose"}); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	want := []string{"after metadata", "after heap"}
	if diff := cmp.Diff(want, f.calls); diff != "" {
		t.Errorf("hook calls mismatch (-want +got):\n%s", diff)
	}
	if _, n, closed := f.sim.Stats(); n != 1 || !closed {
		t.Errorf("engine restores = %d, closed = %t; want 1, true", n, closed)
	}
	if got := testutil.ToFloat64(f.o.metrics.restores.WithLabelValues(ResultOK)); got != 1 {
		t.Errorf("ok restores = %v, want 1", got)
	}
}

func TestRestoreEngineFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.sim.RestoreCode = 4
	f.o.AddHook(f.hook("heap", false))
	err := f.o.Restore(context.Background(), nil)
	var eerr *engine.Error
	if !errors.As(err, &eerr) || eerr.Code != 4 {
		t.Fatalf("Restore: got %v, want engine error with code 4", err)
	}
	if len(f.calls) != 0 {
		t.Errorf("hooks ran after a failed restore: %v", f.calls)
	}
}
