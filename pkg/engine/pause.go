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

package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"warmstart.dev/warmstart/pkg/log"
)

// PauseName is the engine that only marks the image directory. It is used
// to rehearse the full checkpoint sequence without an external engine.
const PauseName = "pause"

// PauseMarker is the marker file written into the image directory.
const PauseMarker = "warmstart.pause"

func init() {
	Register(PauseName, func(Config) (Provider, error) { return pause{}, nil })
}

// PauseRecord is the content of the marker file.
type PauseRecord struct {
	PID  int       `json:"pid"`
	Time time.Time `json:"time"`
	Argv []string  `json:"argv"`
}

type pause struct{}

// Checkpoint implements Provider.
func (pause) Checkpoint(req CheckpointRequest) int {
	if len(req.Argv) < 2 {
		log.Warningf("pause engine: missing image path")
		return 2
	}
	dir := req.Argv[1]
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warningf("pause engine: %v", err)
		return 1
	}
	data, err := json.Marshal(PauseRecord{PID: os.Getpid(), Time: time.Now(), Argv: req.Argv})
	if err != nil {
		log.Warningf("pause engine: %v", err)
		return 1
	}
	if err := os.WriteFile(filepath.Join(dir, PauseMarker), data, 0o644); err != nil {
		log.Warningf("pause engine: %v", err)
		return 1
	}
	return 0
}

// Restore implements Provider.
func (pause) Restore(req RestoreRequest) int {
	if len(req.Argv) < 2 {
		log.Warningf("pause engine: missing image path")
		return 2
	}
	data, err := os.ReadFile(filepath.Join(req.Argv[1], PauseMarker))
	if err != nil {
		log.Warningf("pause engine: %v", err)
		return 1
	}
	var rec PauseRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		log.Warningf("pause engine: corrupt marker: %v", err)
		return 1
	}
	log.Infof("pause engine: image of pid %d taken at %v", rec.PID, rec.Time)
	if req.OnRestore != nil {
		req.OnRestore()
	}
	return 0
}

// Close implements Provider.
func (pause) Close() error { return nil }
