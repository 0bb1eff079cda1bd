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
	"sync/atomic"
	"time"

	"warmstart.dev/warmstart/pkg/log"
)

// DefaultPollInterval is how often the bridge checks for in-flight handler
// calls before closing a provider.
const DefaultPollInterval = time.Millisecond

// Bridge runs one engine operation at a time.
type Bridge struct {
	// Engine is a built-in provider name or a plugin path.
	Engine string

	// Config is passed to built-in providers.
	Config Config

	// StopCurrent is forwarded in every CheckpointRequest.
	StopCurrent bool

	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration

	// Open overrides the provider lookup. Defaults to Open.
	Open func(name string, cfg Config) (Provider, error)

	// outstanding counts wrapped handler invocations in flight.
	outstanding atomic.Int64
}

func (b *Bridge) open() (Provider, error) {
	if b.Open != nil {
		return b.Open(b.Engine, b.Config)
	}
	return Open(b.Engine, b.Config)
}

// wrap returns h instrumented to count in-flight invocations.
func (b *Bridge) wrap(h Handler) Handler {
	if h == nil {
		return nil
	}
	return func(sig int) {
		b.outstanding.Add(1)
		defer b.outstanding.Add(-1)
		h(sig)
	}
}

// Outstanding returns the number of wrapped handler invocations in flight.
func (b *Bridge) Outstanding() int64 {
	return b.outstanding.Load()
}

// RunCheckpoint asks the engine to capture the process into image. The
// provider is closed once no wrapped handler is running, whether or not
// the capture succeeded.
func (b *Bridge) RunCheckpoint(image string, args []string) error {
	p, err := b.open()
	if err != nil {
		return err
	}
	defer b.close(p)

	var actual Handler
	argv := Argv(b.Engine, image, args)
	log.Infof("Engine %s: checkpoint to %s", b.Engine, image)
	code := p.Checkpoint(CheckpointRequest{
		Argv:        argv,
		StopCurrent: b.StopCurrent,
		Wrap:        b.wrap,
		Actual:      &actual,
	})
	if code != 0 {
		return &Error{Op: "checkpoint", Engine: b.Engine, Path: b.pluginPath(), Code: code}
	}
	return nil
}

// RunRestore asks the engine to restore the image. onRestore runs once the
// engine reports the restored address space in place; it may be called
// before RunRestore returns or, when the engine restores in place, in the
// restored process only.
func (b *Bridge) RunRestore(image string, args []string, onRestore func()) error {
	p, err := b.open()
	if err != nil {
		return err
	}
	defer b.close(p)

	var called atomic.Bool
	log.Infof("Engine %s: restore from %s", b.Engine, image)
	code := p.Restore(RestoreRequest{
		Argv: Argv(b.Engine, image, args),
		OnRestore: func() {
			if called.CompareAndSwap(false, true) && onRestore != nil {
				onRestore()
			}
		},
	})
	if code != 0 {
		return &Error{Op: "restore", Engine: b.Engine, Path: b.pluginPath(), Code: code}
	}
	return nil
}

func (b *Bridge) pluginPath() string {
	if IsPluginPath(b.Engine) {
		return b.Engine
	}
	return ""
}

// close waits for in-flight handler calls to finish, then closes p. It polls
// rather than locks: a handler may be running on a stack the engine is
// about to tear down.
func (b *Bridge) close(p Provider) {
	interval := b.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	progress := log.BasicRateLimitedLogger(time.Second)
	for n := b.outstanding.Load(); n > 0; n = b.outstanding.Load() {
		progress.Infof("Engine %s: waiting for %d handler call(s) before unloading", b.Engine, n)
		time.Sleep(interval)
	}
	if err := p.Close(); err != nil {
		log.Warningf("Engine %s: close: %v", b.Engine, err)
	}
}
