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

// Package config provides basic infrastructure to set configuration settings
// for warmstart. Each setting that can be changed from the command line must
// be added to Config, with a 'flag' tag naming the flag, and registered in
// RegisterFlags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"warmstart.dev/warmstart/pkg/engine"
	"warmstart.dev/warmstart/pkg/log"
	"warmstart.dev/warmstart/pkg/policy"
	"warmstart.dev/warmstart/pkg/quiesce"
)

// Config holds configuration that is not part of the engine arguments.
type Config struct {
	// ConfigFile is a TOML file supplying defaults for the other flags.
	ConfigFile string `flag:"config"`

	// Engine is a built-in engine name or the path of an engine plugin.
	Engine string `flag:"engine"`

	// ImageDir is where the engine writes the image.
	ImageDir string `flag:"image-dir"`

	// CheckpointPolicy and RestorePolicy are rule files. Empty means no
	// rules.
	CheckpointPolicy string `flag:"checkpoint-policy"`
	RestorePolicy    string `flag:"restore-policy"`

	// IgnoreFDs is a comma-separated list of descriptor numbers and path
	// prefixes exempt from reconciliation, added to the defaults and to the
	// environment.
	IgnoreFDs string `flag:"ignore-fds"`

	// QuiesceTimeout bounds the wait for threads to park.
	QuiesceTimeout time.Duration `flag:"quiesce-timeout"`

	// RSeqInspect controls restartable sequence inspection.
	RSeqInspect InspectMode `flag:"rseq-inspect"`

	// Inspector is the binary run to inspect threads. Empty means this
	// binary.
	Inspector string `flag:"inspector"`

	// Socket is the trigger socket of the process being checkpointed.
	Socket string `flag:"socket"`

	// LogFile is where logs are written. Empty means stderr.
	LogFile string `flag:"log"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format"`

	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// LeaveRunning keeps the process running after the engine captures it.
	LeaveRunning bool `flag:"leave-running"`

	// CRIU engine options.
	CRIUBinary    string `flag:"criu-binary"`
	CRIULogLevel  int    `flag:"criu-log-level"`
	CRIUWorkDir   string `flag:"criu-work-dir"`
	CRIUTCPClose  bool   `flag:"criu-tcp-close"`
	CRIUShellJob  bool   `flag:"criu-shell-job"`
	CRIUFileLocks bool   `flag:"criu-file-locks"`
	CRIULinkRemap bool   `flag:"criu-link-remap"`
}

func (c *Config) validate() error {
	if c.Engine == "" {
		return fmt.Errorf("--engine must be set")
	}
	if c.QuiesceTimeout < 0 {
		return fmt.Errorf("--quiesce-timeout must be non-negative, got %v", c.QuiesceTimeout)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.CRIULogLevel < 0 || c.CRIULogLevel > 4 {
		return fmt.Errorf("--criu-log-level must be between 0 and 4, got %d", c.CRIULogLevel)
	}
	if _, err := policy.ParseIgnoreList(c.IgnoreFDs); err != nil {
		return err
	}
	return nil
}

// defaultSocket is used when --socket is not set.
func defaultSocket() string {
	// NOTE: empty values for XDG_RUNTIME_DIR should be ignored.
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "warmstart.sock")
	}
	return "/var/run/warmstart.sock"
}

// EngineConfig returns the options for built-in engines.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{CRIU: engine.CRIUOptions{
		Binary:    c.CRIUBinary,
		LogLevel:  int32(c.CRIULogLevel),
		WorkDir:   c.CRIUWorkDir,
		TCPClose:  c.CRIUTCPClose,
		ShellJob:  c.CRIUShellJob,
		FileLocks: c.CRIUFileLocks,
		LinkRemap: c.CRIULinkRemap,
	}}
}

// Bridge returns an engine bridge for the configured engine.
func (c *Config) Bridge() *engine.Bridge {
	return &engine.Bridge{
		Engine:      c.Engine,
		Config:      c.EngineConfig(),
		StopCurrent: !c.LeaveRunning,
	}
}

// Ignore returns the ignore list, including the defaults and the
// environment.
func (c *Config) Ignore() (policy.IgnoreList, error) {
	return policy.IgnoreListFromEnv(c.IgnoreFDs)
}

// Rules loads the checkpoint and restore rule files.
func (c *Config) Rules() (checkpointRules, restoreRules policy.RuleList, err error) {
	if checkpointRules, err = policy.LoadRules(c.CheckpointPolicy, policy.CheckpointSide); err != nil {
		return nil, nil, err
	}
	if restoreRules, err = policy.LoadRules(c.RestorePolicy, policy.RestoreSide); err != nil {
		return nil, nil, err
	}
	return checkpointRules, restoreRules, nil
}

// NewInspector returns the thread inspector selected by --rseq-inspect, or nil
// if inspection is off or unavailable. It fails if inspection is required
// and unavailable.
func (c *Config) NewInspector() (quiesce.Inspector, error) {
	if c.RSeqInspect == InspectOff {
		return nil, nil
	}
	if capability := quiesce.Probe(); !capability.Supported {
		if c.RSeqInspect == InspectRequired {
			return nil, fmt.Errorf("restartable sequence inspection required but unavailable: %s", capability.Reason)
		}
		log.Infof("Restartable sequence inspection disabled: %s", capability.Reason)
		return nil, nil
	}
	return &quiesce.ExecInspector{
		Path: c.Inspector,
		Args: append(c.ToFlags(), quiesce.InspectCommand),
	}, nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if name, ok := f.Tag.Lookup("flag"); ok {
			log.Infof("\t\t%s: %s", name, getVal(obj.Field(i)))
		}
	}
}

// InspectMode selects when threads' restartable sequences are inspected.
type InspectMode int

const (
	// InspectAuto inspects threads when the host supports it.
	InspectAuto InspectMode = iota

	// InspectOff never inspects threads.
	InspectOff

	// InspectRequired refuses to run when inspection is unavailable.
	InspectRequired
)

func inspectModePtr(v InspectMode) *InspectMode {
	return &v
}

// Set implements flag.Value.
func (m *InspectMode) Set(v string) error {
	switch v {
	case "auto":
		*m = InspectAuto
	case "off":
		*m = InspectOff
	case "required":
		*m = InspectRequired
	default:
		return fmt.Errorf("invalid rseq inspection mode %q", v)
	}
	return nil
}

// Get implements flag.Getter.
func (m *InspectMode) Get() any {
	return *m
}

// String implements flag.Value.
func (m InspectMode) String() string {
	switch m {
	case InspectAuto:
		return "auto"
	case InspectOff:
		return "off"
	case InspectRequired:
		return "required"
	}
	panic(fmt.Sprintf("Invalid rseq inspection mode %d", m))
}
