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

// Package agent runs checkpoint support inside an application process.
//
// An application calls Start early in main, before it opens descriptors of
// its own: everything open at that point is treated as inherited and left
// alone by reconciliation.
package agent

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"warmstart.dev/warmstart/pkg/checkpoint"
	"warmstart.dev/warmstart/pkg/cleanup"
	"warmstart.dev/warmstart/pkg/inventory"
	"warmstart.dev/warmstart/pkg/log"
	"warmstart.dev/warmstart/pkg/policy"
	"warmstart.dev/warmstart/pkg/quiesce"
	"warmstart.dev/warmstart/pkg/trigger"
	"warmstart.dev/warmstart/warmstart/config"
)

// Agent owns the orchestrator and the trigger server of a process.
type Agent struct {
	orchestrator *checkpoint.Orchestrator
	registry     *prometheus.Registry
	server       *trigger.Server
}

// Start snapshots the descriptor table, loads the policy and starts serving
// trigger requests on conf.Socket.
func Start(conf *config.Config) (*Agent, error) {
	scanner := &inventory.Scanner{}
	snap, err := inventory.TakeSnapshot(scanner)
	if err != nil {
		return nil, fmt.Errorf("snapshotting descriptors: %w", err)
	}
	log.Infof("Start-of-process descriptors: %v", snap.FDs())

	ignore, err := conf.Ignore()
	if err != nil {
		return nil, err
	}
	checkpointRules, restoreRules, err := conf.Rules()
	if err != nil {
		return nil, err
	}
	inspector, err := conf.NewInspector()
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	claims := policy.NewClaims()
	o, err := checkpoint.New(checkpoint.Options{
		ImageDir:        conf.ImageDir,
		Scanner:         scanner,
		CheckpointRules: checkpointRules,
		RestoreRules:    restoreRules,
		Claims:          claims,
		Snapshot:        snap,
		Ignore:          ignore,
		Coordinator: quiesce.NewCoordinator(quiesce.Options{
			Timeout:   conf.QuiesceTimeout,
			Inspector: inspector,
		}),
		Bridge:     conf.Bridge(),
		Registerer: registry,
	})
	if err != nil {
		return nil, err
	}

	server, err := trigger.Listen(conf.Socket, trigger.ServerOptions{
		Checkpointer: o,
		Gatherer:     registry,
		Scanner:      scanner,
		Claims:       claims,
	})
	if err != nil {
		return nil, fmt.Errorf("listening on %q: %w", conf.Socket, err)
	}
	cu := cleanup.Make(server.Stop)
	defer cu.Clean()

	server.StartServing()
	log.Infof("Serving checkpoint requests on %s (engine %s, %d checkpoint rule(s), %d restore rule(s))",
		server.Addr(), conf.Engine, len(checkpointRules), len(restoreRules))
	cu.Release()
	return &Agent{orchestrator: o, registry: registry, server: server}, nil
}

// Orchestrator returns the orchestrator, for registering threads, regions
// and hooks.
func (a *Agent) Orchestrator() *checkpoint.Orchestrator {
	return a.orchestrator
}

// Registry returns the metrics registry served over the trigger socket.
func (a *Agent) Registry() *prometheus.Registry {
	return a.registry
}

// Addr returns the trigger socket path.
func (a *Agent) Addr() string {
	return a.server.Addr()
}

// Stop stops serving trigger requests. A checkpoint in progress completes
// first.
func (a *Agent) Stop() {
	a.server.Stop()
}
