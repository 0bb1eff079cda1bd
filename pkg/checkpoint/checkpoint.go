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

// Package checkpoint sequences a checkpoint of the running process.
//
// A checkpoint runs in this order, holding the image directory lock
// throughout:
//
//  1. Before hooks of owning subsystems.
//  2. Descriptor scan and checkpoint-side reconciliation. Any failure stops
//     the operation before anything is changed.
//  3. Checkpoint actions: close, or park for reopen.
//  4. Quiescing of every registered thread.
//  5. Detaching persisted memory regions.
//  6. The engine capture.
//  7. Re-materializing memory, restore-side reconciliation, deferred
//     actions.
//  8. Resuming threads, then after hooks.
//
// Steps 7 and 8 run whether or not 5 and 6 succeeded.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"warmstart.dev/warmstart/pkg/cleanup"
	"warmstart.dev/warmstart/pkg/engine"
	"warmstart.dev/warmstart/pkg/inventory"
	"warmstart.dev/warmstart/pkg/log"
	"warmstart.dev/warmstart/pkg/persist"
	"warmstart.dev/warmstart/pkg/policy"
	"warmstart.dev/warmstart/pkg/quiesce"
)

// owner is the claim owner for descriptors held by the orchestrator itself.
const owner = "checkpoint"

// ErrInProgress is returned when an operation is requested while another is
// running in this process.
var ErrInProgress = errors.New("a checkpoint or restore is already in progress")

// Options configures an Orchestrator.
type Options struct {
	// ImageDir is passed to the engine and holds the lock file.
	ImageDir string

	// Scanner lists descriptors. Defaults to /proc/self/fd.
	Scanner *inventory.Scanner

	// CheckpointRules and RestoreRules are the operator policy.
	CheckpointRules policy.RuleList
	RestoreRules    policy.RuleList

	// Claims, Snapshot and Ignore exempt descriptors from reconciliation.
	// Claims defaults to an empty set.
	Claims   *policy.Claims
	Snapshot inventory.Snapshot
	Ignore   policy.IgnoreList

	// Coordinator quiesces registered threads. Defaults to a coordinator
	// with no inspector.
	Coordinator *quiesce.Coordinator

	// Bridge drives the engine. Required.
	Bridge *engine.Bridge

	// Persister detaches and re-materializes regions.
	Persister *persist.Persister

	// RestorePath picks the backing file a region is re-materialized into.
	// Defaults to the region's original backing file.
	RestorePath func(persist.Region) string

	// Registerer receives the orchestrator metrics. May be nil.
	Registerer prometheus.Registerer

	// LockTimeout overrides DefaultLockTimeout.
	LockTimeout time.Duration
}

// Hook lets a subsystem release state before a checkpoint and rebuild it
// afterwards. After runs once for every Before that succeeded, including
// when the checkpoint is rejected or fails.
type Hook struct {
	Name   string
	Before func() error
	After  func()
}

// Result describes a completed or rejected checkpoint.
type Result struct {
	// Report lists checkpoint-side failures. When it is non-empty nothing
	// else happened.
	Report *policy.Report

	// Restore lists restore-side failures, deferred actions included.
	Restore *policy.Report

	// Parked is the number of descriptors parked for reopen.
	Parked int

	// Regions is the number of regions detached.
	Regions int

	// Threads is the number of threads quiesced.
	Threads int

	QuiesceTime time.Duration
	EngineTime  time.Duration
}

// Orchestrator runs checkpoints for the process. Only one operation runs at
// a time. The calling goroutine must not be a registered quiesce thread.
type Orchestrator struct {
	opts    Options
	metrics *metrics

	// running guards against overlapping operations.
	running sync.Mutex

	// mu protects the fields below.
	mu      sync.Mutex
	regions []persist.Region
	hooks   []Hook
}

// New returns an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.ImageDir == "" {
		return nil, fmt.Errorf("image directory is required")
	}
	if opts.Bridge == nil {
		return nil, fmt.Errorf("engine bridge is required")
	}
	if opts.Scanner == nil {
		opts.Scanner = &inventory.Scanner{}
	}
	if opts.Claims == nil {
		opts.Claims = policy.NewClaims()
	}
	if opts.Coordinator == nil {
		opts.Coordinator = quiesce.NewCoordinator(quiesce.Options{})
	}
	if opts.Persister == nil {
		opts.Persister = &persist.Persister{}
	}
	return &Orchestrator{
		opts:    opts,
		metrics: newMetrics(opts.Registerer),
	}, nil
}

// Claims returns the claim set consulted during reconciliation.
func (o *Orchestrator) Claims() *policy.Claims {
	return o.opts.Claims
}

// Coordinator returns the thread coordinator.
func (o *Orchestrator) Coordinator() *quiesce.Coordinator {
	return o.opts.Coordinator
}

// AddRegion registers a region to be persisted across checkpoints.
func (o *Orchestrator) AddRegion(r persist.Region) error {
	if err := r.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.regions {
		if r.Addr < e.Addr+e.Len && e.Addr < r.Addr+r.Len {
			return fmt.Errorf("region %v overlaps %v", r, e)
		}
	}
	o.regions = append(o.regions, r)
	return nil
}

// Regions returns the registered regions. Backing paths reflect the last
// restore.
func (o *Orchestrator) Regions() []persist.Region {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]persist.Region(nil), o.regions...)
}

// AddHook registers h. Before hooks run in registration order and After
// hooks in reverse.
func (o *Orchestrator) AddHook(h Hook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, h)
}

func (o *Orchestrator) snapshot() ([]persist.Region, []Hook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]persist.Region(nil), o.regions...), append([]Hook(nil), o.hooks...)
}

// runBefore runs the before hooks. The returned cleanup runs the after
// hooks of those that succeeded.
func runBefore(hooks []Hook) (cleanup.Cleanup, error) {
	var cu cleanup.Cleanup
	for _, h := range hooks {
		if h.Before != nil {
			if err := h.Before(); err != nil {
				cu.Clean()
				return cleanup.Cleanup{}, fmt.Errorf("hook %q: %w", h.Name, err)
			}
		}
		if h.After != nil {
			after := h.After
			cu.Add(after)
		}
	}
	return cu, nil
}

func (o *Orchestrator) begin(ctx context.Context) (func(), error) {
	if !o.running.TryLock() {
		return nil, ErrInProgress
	}
	path, unlock, err := lockImageDir(ctx, o.opts.ImageDir, o.opts.LockTimeout)
	if err != nil {
		o.running.Unlock()
		return nil, err
	}
	o.opts.Claims.ClaimPath(path, owner)
	return func() {
		o.opts.Claims.ReleasePath(path)
		if err := unlock(); err != nil {
			log.Warningf("Unlocking image directory: %v", err)
		}
		o.running.Unlock()
	}, nil
}

// Checkpoint captures the process into the image directory. args are passed
// to the engine.
//
// If checkpoint-side reconciliation fails, Checkpoint returns the Result and
// its Report as the error, and the process is untouched apart from the
// hooks, which have been run in both directions. Failures after that point
// are returned combined, once the process has been put back together.
func (o *Orchestrator) Checkpoint(ctx context.Context, args []string) (*Result, error) {
	done, err := o.begin(ctx)
	if err != nil {
		o.metrics.checkpoints.WithLabelValues(ResultError).Inc()
		return nil, err
	}
	defer done()

	regions, hooks := o.snapshot()
	after, err := runBefore(hooks)
	if err != nil {
		o.metrics.checkpoints.WithLabelValues(ResultError).Inc()
		return nil, err
	}
	defer after.Clean()

	res, err := o.checkpoint(ctx, args, regions)
	switch {
	case err == nil:
		o.metrics.checkpoints.WithLabelValues(ResultOK).Inc()
	case res != nil && !res.Report.Empty():
		o.metrics.checkpoints.WithLabelValues(ResultRejected).Inc()
	default:
		o.metrics.checkpoints.WithLabelValues(ResultError).Inc()
	}
	return res, err
}

func (o *Orchestrator) checkpoint(ctx context.Context, args []string, regions []persist.Region) (*Result, error) {
	records, err := o.opts.Scanner.Scan()
	if err != nil {
		return nil, fmt.Errorf("scanning descriptors: %w", err)
	}
	plan, report := policy.PlanCheckpoint(records, o.opts.CheckpointRules, policy.Env{
		Claims:   o.opts.Claims,
		Snapshot: o.opts.Snapshot,
		Ignore:   o.opts.Ignore,
	})
	res := &Result{Report: report, Restore: &policy.Report{Side: policy.RestoreSide}}
	if !report.Empty() {
		o.metrics.report(report)
		log.Warningf("Checkpoint rejected: %v", report)
		return res, report
	}

	dormant, err := plan.Apply()
	res.Parked = dormant.Len()
	if err != nil {
		err = fmt.Errorf("applying checkpoint actions: %w", err)
		return res, multierr.Append(err, o.restoreDescriptors(res, dormant))
	}

	start := time.Now()
	if err := o.opts.Coordinator.Begin(ctx); err != nil {
		err = fmt.Errorf("quiescing threads: %w", err)
		return res, multierr.Append(err, o.restoreDescriptors(res, dormant))
	}
	res.QuiesceTime = time.Since(start)
	res.Threads = o.opts.Coordinator.Threads()
	o.metrics.quiesce.Observe(res.QuiesceTime.Seconds())
	log.Infof("Quiesced %d thread(s) in %v", res.Threads, res.QuiesceTime)

	detached, errs := o.opts.Persister.CheckpointAll(ctx, regions)
	res.Regions = len(detached)
	if errs != nil {
		errs = fmt.Errorf("detaching memory: %w", errs)
	} else {
		start = time.Now()
		errs = o.opts.Bridge.RunCheckpoint(o.opts.ImageDir, args)
		res.EngineTime = time.Since(start)
		o.metrics.engine.Observe(res.EngineTime.Seconds())
	}

	errs = multierr.Append(errs, o.restoreMemory(ctx, detached))
	errs = multierr.Append(errs, o.restoreDescriptors(res, dormant))
	if err := o.opts.Coordinator.End(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("resuming threads: %w", err))
	}
	return res, errs
}

// restoreMemory re-materializes detached regions and records their new
// backing files.
func (o *Orchestrator) restoreMemory(ctx context.Context, detached []persist.Region) error {
	if len(detached) == 0 {
		return nil
	}
	pathFor := o.opts.RestorePath
	if pathFor == nil {
		pathFor = func(r persist.Region) string { return r.BackingPath }
	}
	restored, err := o.opts.Persister.RestoreAll(ctx, detached, pathFor)
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range restored {
		if restored[i].BackingPath == "" {
			continue
		}
		for j := range o.regions {
			if o.regions[j].Addr == restored[i].Addr {
				o.regions[j] = restored[i]
			}
		}
	}
	if err != nil {
		return fmt.Errorf("restoring memory: %w", err)
	}
	return nil
}

// restoreDescriptors runs restore-side reconciliation for dormant, then the
// deferred actions. Failures are recorded in res.Restore.
func (o *Orchestrator) restoreDescriptors(res *Result, dormant *policy.Dormant) error {
	deferred, report := policy.Restore(dormant, o.opts.RestoreRules)
	if deferred.Len() > 0 {
		report.Failures = append(report.Failures, deferred.Run().Failures...)
	}
	res.Restore = report
	o.metrics.report(report)
	return report.Err()
}

// Restore asks the engine to restore the image directory. The after hooks
// run once the engine reports the address space in place.
func (o *Orchestrator) Restore(ctx context.Context, args []string) error {
	done, err := o.begin(ctx)
	if err != nil {
		o.metrics.restores.WithLabelValues(ResultError).Inc()
		return err
	}
	defer done()

	_, hooks := o.snapshot()
	err = o.opts.Bridge.RunRestore(o.opts.ImageDir, args, func() {
		for i := len(hooks) - 1; i >= 0; i-- {
			if hooks[i].After != nil {
				hooks[i].After()
			}
		}
	})
	if err != nil {
		o.metrics.restores.WithLabelValues(ResultError).Inc()
		return err
	}
	o.metrics.restores.WithLabelValues(ResultOK).Inc()
	return nil
}
