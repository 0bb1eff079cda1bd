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

// Package trigger lets operators request a checkpoint of a running process
// over a unix socket.
//
// Each connection carries one JSON request and one JSON response. Requests
// are served one at a time, so at most one connection descriptor exists
// while a checkpoint runs. The listening and connection descriptors are
// claimed so that reconciliation leaves them alone.
package trigger

import (
	"context"
	"fmt"
	"strings"

	"warmstart.dev/warmstart/pkg/checkpoint"
	"warmstart.dev/warmstart/pkg/inventory"
)

// Operations.
const (
	OpCheckpoint = "checkpoint"
	OpMetrics    = "metrics"
	OpInventory  = "inventory"
)

// Request is sent by the client.
type Request struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

// Response is sent by the server.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	// Failures and RestoreFailures describe descriptors that failed
	// checkpoint and restore reconciliation.
	Failures        []string `json:"failures,omitempty"`
	RestoreFailures []string `json:"restore_failures,omitempty"`

	Parked        int   `json:"parked,omitempty"`
	Regions       int   `json:"regions,omitempty"`
	Threads       int   `json:"threads,omitempty"`
	QuiesceMicros int64 `json:"quiesce_us,omitempty"`
	EngineMicros  int64 `json:"engine_us,omitempty"`

	// Metrics is the text exposition of the process metrics.
	Metrics string `json:"metrics,omitempty"`

	// Records is the process's descriptor table.
	Records []inventory.Record `json:"records,omitempty"`
}

// Checkpointer runs a checkpoint. It is implemented by
// *checkpoint.Orchestrator.
type Checkpointer interface {
	Checkpoint(ctx context.Context, args []string) (*checkpoint.Result, error)
}

// Error is a request the server reported as failed.
type Error struct {
	Message  string
	Failures []string
}

// Error implements error.
func (e *Error) Error() string {
	if len(e.Failures) == 0 {
		return e.Message
	}
	return e.Message + ":\n\t" + strings.Join(e.Failures, "\n\t")
}

func responseFor(res *checkpoint.Result, err error) *Response {
	resp := &Response{OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	if res == nil {
		return resp
	}
	if res.Report != nil {
		for _, f := range res.Report.Failures {
			resp.Failures = append(resp.Failures, f.Detail())
		}
		if len(resp.Failures) > 0 {
			resp.Error = fmt.Sprintf("checkpoint rejected for %d descriptor(s)", len(resp.Failures))
		}
	}
	if res.Restore != nil {
		for _, f := range res.Restore.Failures {
			resp.RestoreFailures = append(resp.RestoreFailures, f.Detail())
		}
	}
	resp.Parked = res.Parked
	resp.Regions = res.Regions
	resp.Threads = res.Threads
	resp.QuiesceMicros = res.QuiesceTime.Microseconds()
	resp.EngineMicros = res.EngineTime.Microseconds()
	return resp
}
