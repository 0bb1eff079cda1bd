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
	"fmt"
	"plugin"
)

// Symbols a plugin must export.
const (
	CheckpointSymbol = "Checkpoint"
	RestoreSymbol    = "Restore"
)

// CheckpointFunc is the type of a plugin's Checkpoint symbol.
type CheckpointFunc = func(argv []string, stopCurrent bool, wrap func(Handler) Handler, actual *Handler) int

// RestoreFunc is the type of a plugin's Restore symbol.
type RestoreFunc = func(argv []string, onRestore func()) int

// pluginProvider calls into a loaded Go plugin. Go plugins cannot be
// unloaded; Close only drops the references.
type pluginProvider struct {
	path       string
	checkpoint CheckpointFunc
	restore    RestoreFunc
}

func openPlugin(path string) (Provider, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, &Error{Op: "open", Engine: "plugin", Path: path, Err: err}
	}
	cp, err := lookup[CheckpointFunc](p, path, CheckpointSymbol)
	if err != nil {
		return nil, err
	}
	rs, err := lookup[RestoreFunc](p, path, RestoreSymbol)
	if err != nil {
		return nil, err
	}
	return &pluginProvider{path: path, checkpoint: cp, restore: rs}, nil
}

func lookup[F any](p *plugin.Plugin, path, name string) (F, error) {
	var zero F
	sym, err := p.Lookup(name)
	if err != nil {
		return zero, &Error{Op: "open", Engine: "plugin", Path: path, Symbol: name, Err: err}
	}
	switch f := sym.(type) {
	case F:
		return f, nil
	case *F:
		return *f, nil
	}
	return zero, &Error{Op: "open", Engine: "plugin", Path: path, Symbol: name, Err: fmt.Errorf("has type %T, want %T", sym, zero)}
}

// Checkpoint implements Provider.
func (p *pluginProvider) Checkpoint(req CheckpointRequest) int {
	return p.checkpoint(req.Argv, req.StopCurrent, req.Wrap, req.Actual)
}

// Restore implements Provider.
func (p *pluginProvider) Restore(req RestoreRequest) int {
	return p.restore(req.Argv, req.OnRestore)
}

// Close implements Provider.
func (p *pluginProvider) Close() error {
	p.checkpoint, p.restore = nil, nil
	return nil
}
