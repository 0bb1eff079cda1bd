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

package agent

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"warmstart.dev/warmstart/pkg/engine"
	"warmstart.dev/warmstart/pkg/trigger"
	"warmstart.dev/warmstart/warmstart/config"
)

func newConfig(t *testing.T, set map[string]string) *config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "agent")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	// The client side of the trigger connection lives in this process too.
	policyPath := filepath.Join(dir, "checkpoint.yaml")
	if err := os.WriteFile(policyPath, []byte("type: socket\nfamily: unix\naction: ignore\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	flags := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(flags)
	for name, val := range map[string]string{
		"engine":            engine.PauseName,
		"image-dir":         filepath.Join(dir, "image"),
		"socket":            filepath.Join(dir, "s"),
		"checkpoint-policy": policyPath,
		"rseq-inspect":      "off",
	} {
		flags.Set(name, val)
	}
	for name, val := range set {
		flags.Set(name, val)
	}
	conf, err := config.NewFromFlags(flags)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	return conf
}

func TestCheckpointOverSocket(t *testing.T) {
	conf := newConfig(t, nil)
	a, err := Start(conf)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	c := &trigger.Client{Path: a.Addr()}
	resp, err := c.Checkpoint(context.Background(), []string{"--tag=test"})
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if !resp.OK {
		t.Errorf("response = %+v, want OK", resp)
	}

	data, err := os.ReadFile(filepath.Join(conf.ImageDir, engine.PauseMarker))
	if err != nil {
		t.Fatalf("pause marker: %v", err)
	}
	var rec engine.PauseRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.PID != os.Getpid() || rec.Argv[len(rec.Argv)-1] != "--tag=test" {
		t.Errorf("pause record = %+v", rec)
	}

	text, err := c.Metrics(context.Background())
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	for _, want := range []string{`warmstart_checkpoints_total{result="ok"} 1`, "go_goroutines"} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestStartErrors(t *testing.T) {
	conf := newConfig(t, map[string]string{"checkpoint-policy": "/nonexistent/policy.yaml"})
	if _, err := Start(conf); err == nil {
		t.Errorf("Start succeeded with a missing policy file")
	}
	conf = newConfig(t, map[string]string{"image-dir": ""})
	if _, err := Start(conf); err == nil {
		t.Errorf("Start succeeded without an image directory")
	}
}
