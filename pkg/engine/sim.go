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
	"sync"
	"syscall"
	"time"
)

// SimName is the simulated engine, which captures nothing. Restore reports
// the address space restored straight away.
const SimName = "sim"

func init() {
	Register(SimName, func(Config) (Provider, error) { return &Sim{}, nil })
}

// Sim is a provider that behaves like an in-place engine without capturing
// anything. Its capture handler runs asynchronously for HandlerDelay, which
// exercises the bridge's unload guard.
type Sim struct {
	// HandlerDelay is how long the capture handler runs.
	HandlerDelay time.Duration

	// CheckpointCode and RestoreCode are returned by the operations.
	CheckpointCode int
	RestoreCode    int

	mu          sync.Mutex
	checkpoints int
	restores    int
	closed      bool
}

// Checkpoint implements Provider.
func (s *Sim) Checkpoint(req CheckpointRequest) int {
	s.mu.Lock()
	s.checkpoints++
	s.mu.Unlock()

	inside := make(chan struct{})
	h := Handler(func(int) {
		close(inside)
		time.Sleep(s.HandlerDelay)
	})
	if req.Wrap != nil {
		h = req.Wrap(h)
	}
	if req.Actual != nil {
		*req.Actual = h
	}
	go h(int(syscall.SIGUSR2))
	<-inside
	return s.CheckpointCode
}

// Restore implements Provider.
func (s *Sim) Restore(req RestoreRequest) int {
	s.mu.Lock()
	s.restores++
	s.mu.Unlock()
	if s.RestoreCode != 0 {
		return s.RestoreCode
	}
	if req.OnRestore != nil {
		req.OnRestore()
	}
	return 0
}

// Close implements Provider.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Stats returns the number of calls made and whether the provider is closed.
func (s *Sim) Stats() (checkpoints, restores int, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints, s.restores, s.closed
}
