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

package trigger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"warmstart.dev/warmstart/pkg/checkpoint"
	"warmstart.dev/warmstart/pkg/inventory"
	"warmstart.dev/warmstart/pkg/policy"
)

type fakeCheckpointer struct {
	mu     sync.Mutex
	args   [][]string
	result *checkpoint.Result
	err    error
}

func (f *fakeCheckpointer) Checkpoint(_ context.Context, args []string) (*checkpoint.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.args = append(f.args, args)
	return f.result, f.err
}

// socketPath returns a path short enough for sun_path.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "trig")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s")
}

func startServer(t *testing.T, opts ServerOptions) *Server {
	t.Helper()
	s, err := Listen(socketPath(t), opts)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	s.StartServing()
	t.Cleanup(s.Stop)
	return s
}

func TestCheckpointRequest(t *testing.T) {
	cp := &fakeCheckpointer{result: &checkpoint.Result{
		Parked:      2,
		Regions:     1,
		Threads:     4,
		QuiesceTime: 1500 * time.Microsecond,
	}}
	s := startServer(t, ServerOptions{Checkpointer: cp})
	c := &Client{Path: s.Addr()}
	resp, err := c.Checkpoint(context.Background(), []string{"--tcp-close"})
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	want := &Response{OK: true, Parked: 2, Regions: 1, Threads: 4, QuiesceMicros: 1500}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{"--tcp-close"}}, cp.args); diff != "" {
		t.Errorf("checkpoint args mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckpointRejectedRequest(t *testing.T) {
	report := &policy.Report{Side: policy.CheckpointSide, Failures: []policy.Failure{{
		Kind:   policy.PipeFailure,
		FD:     9,
		Type:   inventory.Pipe,
		Path:   "pipe:[1234]",
		Reason: "no matching rule",
	}}}
	cp := &fakeCheckpointer{result: &checkpoint.Result{Report: report}, err: report}
	s := startServer(t, ServerOptions{Checkpointer: cp})
	c := &Client{Path: s.Addr()}

	resp, err := c.Checkpoint(context.Background(), nil)
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("Checkpoint: got %v, want *Error", err)
	}
	want := []string{report.Failures[0].Detail()}
	if diff := cmp.Diff(want, terr.Failures); diff != "" {
		t.Errorf("failures mismatch (-want +got):\n%s", diff)
	}
	if resp == nil || resp.OK {
		t.Errorf("response = %+v, want not OK", resp)
	}
	if !strings.Contains(err.Error(), "fd 9") {
		t.Errorf("error %q does not name the descriptor", err)
	}
}

func TestMetricsRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "warmstart_test_total", Help: "Test counter."})
	reg.MustRegister(counter)
	counter.Add(3)

	s := startServer(t, ServerOptions{Gatherer: reg})
	c := &Client{Path: s.Addr()}
	text, err := c.Metrics(context.Background())
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if !strings.Contains(text, "warmstart_test_total 3") {
		t.Errorf("metrics text missing counter:\n%s", text)
	}

	// Without a checkpointer the operation fails cleanly.
	if _, err := c.Checkpoint(context.Background(), nil); err == nil {
		t.Errorf("Checkpoint without a checkpointer succeeded")
	}
}

func TestUnknownOperation(t *testing.T) {
	s := startServer(t, ServerOptions{})
	c := &Client{Path: s.Addr()}
	_, err := c.Do(context.Background(), &Request{Op: "launch"})
	if err == nil || !strings.Contains(err.Error(), "unknown operation") {
		t.Errorf("Do(launch): got %v, want unknown operation error", err)
	}
}

func TestListenerClaimed(t *testing.T) {
	claims := policy.NewClaims()
	s := startServer(t, ServerOptions{Claims: claims})
	if got, ok := claims.Owner(inventory.Record{FD: s.FD()}); !ok || got != owner {
		t.Errorf("listener fd %d owner = %q, %t; want %q", s.FD(), got, ok, owner)
	}
}

func TestClientWaitsForServer(t *testing.T) {
	path := socketPath(t)
	cp := &fakeCheckpointer{result: &checkpoint.Result{}}
	started := make(chan *Server, 1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		s, err := Listen(path, ServerOptions{Checkpointer: cp})
		if err != nil {
			t.Errorf("Listen: %v", err)
			started <- nil
			return
		}
		s.StartServing()
		started <- s
	}()
	c := &Client{Path: path, DialTimeout: 5 * time.Second}
	_, err := c.Checkpoint(context.Background(), nil)
	if s := <-started; s != nil {
		s.Stop()
	}
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
}

func TestClientGivesUp(t *testing.T) {
	c := &Client{Path: socketPath(t), DialTimeout: 100 * time.Millisecond}
	if _, err := c.Checkpoint(context.Background(), nil); err == nil {
		t.Fatalf("Checkpoint to a missing socket succeeded")
	}
}
