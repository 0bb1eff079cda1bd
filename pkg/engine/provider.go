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

// Package engine drives the external component that captures and restores
// the process image.
//
// An engine is a Provider selected by name at configuration time. Built-in
// providers are registered by name; any other name that looks like a path is
// loaded as a Go plugin.
package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Handler is a capture-time signal handler installed by an engine.
type Handler func(sig int)

// CheckpointRequest is passed to Provider.Checkpoint.
type CheckpointRequest struct {
	// Argv holds the engine name, the image path and the operator
	// arguments, in that order.
	Argv []string

	// StopCurrent asks the engine to stop the process after capture
	// instead of leaving it running.
	StopCurrent bool

	// Wrap must be applied to every handler the engine installs. The
	// wrapped handler tracks in-flight invocations so that the provider is
	// not torn down while one is running.
	Wrap func(Handler) Handler

	// Actual receives the wrapped handler the engine installed, if any.
	Actual *Handler
}

// RestoreRequest is passed to Provider.Restore.
type RestoreRequest struct {
	Argv []string

	// OnRestore is called by the engine once the restored address space is
	// in place.
	OnRestore func()
}

// Provider is a capture/restore engine. Checkpoint and Restore return zero
// on success and an engine-specific code otherwise.
type Provider interface {
	Checkpoint(req CheckpointRequest) int
	Restore(req RestoreRequest) int
	Close() error
}

// Config carries options for the built-in providers.
type Config struct {
	CRIU CRIUOptions
}

// Factory creates a provider.
type Factory func(cfg Config) (Provider, error)

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register makes a provider available by name. It panics on duplicates.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("engine %q registered twice", name))
	}
	registry[name] = f
}

// Registered returns the names of the built-in providers.
func Registered() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsPluginPath reports whether name selects a plugin file rather than a
// built-in provider.
func IsPluginPath(name string) bool {
	return strings.Contains(name, "/") || strings.HasSuffix(name, ".so")
}

// Open creates the provider selected by name.
func Open(name string, cfg Config) (Provider, error) {
	if IsPluginPath(name) {
		return openPlugin(name)
	}
	registryMu.Lock()
	f, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, &Error{Op: "open", Engine: name, Err: fmt.Errorf("unknown engine (known: %s)", strings.Join(Registered(), ", "))}
	}
	p, err := f(cfg)
	if err != nil {
		return nil, &Error{Op: "open", Engine: name, Err: err}
	}
	return p, nil
}

// Argv builds the provider argument vector.
func Argv(engine, image string, args []string) []string {
	return append([]string{engine, image}, args...)
}

// Error is an engine failure.
type Error struct {
	Op     string
	Engine string

	// Path and Symbol are set when loading a plugin failed.
	Path   string
	Symbol string

	// Code is the provider's non-zero return code.
	Code int

	Err error
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "engine %s %s", e.Engine, e.Op)
	if e.Path != "" {
		fmt.Fprintf(&b, " (plugin %s", e.Path)
		if e.Symbol != "" {
			fmt.Fprintf(&b, ", symbol %s", e.Symbol)
		}
		b.WriteString(")")
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, ": exit code %d", e.Code)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}
