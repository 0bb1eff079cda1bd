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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/BurntSushi/toml"
	"warmstart.dev/warmstart/pkg/policy"
	"warmstart.dev/warmstart/pkg/quiesce"
)

// RegisterFlags defines every Config flag on flagSet with its default.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file with defaults for any of these flags, keyed by flag name. Flags given on the command line take precedence.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")

	// Flags that control the checkpoint sequence.
	flagSet.String("engine", "criu", "engine used to capture and restore the process: criu (default), pause, sim, or the path of an engine plugin (.so).")
	flagSet.String("image-dir", "", "directory the engine writes the image to and restores it from.")
	flagSet.String("checkpoint-policy", "", "file with the rules applied to open descriptors before a checkpoint.")
	flagSet.String("restore-policy", "", "file with the rules applied to dormant descriptors after a checkpoint or restore.")
	flagSet.String("ignore-fds", "", "comma-separated descriptor numbers and path prefixes exempt from reconciliation, in addition to the built-in defaults and $"+policy.IgnoreEnv+".")
	flagSet.Duration("quiesce-timeout", quiesce.DefaultTimeout, "how long to wait for every thread to park before giving up. Failing to park is fatal.")
	flagSet.Var(inspectModePtr(InspectAuto), "rseq-inspect", "restartable sequence inspection before quiescing: auto (default), off, required.")
	flagSet.String("inspector", "", "binary run to inspect threads, default is this binary.")
	flagSet.String("socket", "", "trigger socket of the process to checkpoint. Defaults to $XDG_RUNTIME_DIR/warmstart.sock or /var/run/warmstart.sock.")
	flagSet.Bool("leave-running", true, "keep the process running once the image is captured.")

	// Flags for the criu engine.
	flagSet.String("criu-binary", "", "criu executable, default is criu from $PATH.")
	flagSet.Int("criu-log-level", 2, "criu log verbosity, 0-4.")
	flagSet.String("criu-work-dir", "", "directory for criu logs and temporary files, default is the image directory.")
	flagSet.Bool("criu-tcp-close", false, "close established TCP connections instead of failing on them.")
	flagSet.Bool("criu-shell-job", false, "allow capturing a process attached to a terminal session.")
	flagSet.Bool("criu-file-locks", false, "capture file locks.")
	flagSet.Bool("criu-link-remap", false, "allow capturing open files that have been unlinked.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags, falling back to the --config file for flags not given.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	if fl := flagSet.Lookup("config"); fl != nil && fl.Value.String() != "" {
		if err := applyFile(flagSet, fl.Value.String()); err != nil {
			return nil, err
		}
	}

	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// Not configurable from the command line.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if conf.Socket == "" {
		conf.Socket = defaultSocket()
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// applyFile sets every flag named in the TOML file at path that was not set
// on the command line.
func applyFile(flagSet *flag.FlagSet, path string) error {
	var values map[string]any
	if _, err := toml.DecodeFile(path, &values); err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	explicit := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "config" || flagSet.Lookup(name) == nil {
			return fmt.Errorf("config file %q: unknown setting %q", path, name)
		}
		if explicit[name] {
			continue
		}
		var s string
		switch v := values[name].(type) {
		case string:
			s = v
		case bool:
			s = strconv.FormatBool(v)
		case int64:
			s = strconv.FormatInt(v, 10)
		case float64:
			s = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			return fmt.Errorf("config file %q: setting %q has unsupported type %T", path, name, v)
		}
		if err := flagSet.Set(name, s); err != nil {
			return fmt.Errorf("config file %q: setting %q: %w", path, name, err)
		}
	}
	return nil
}

// ToFlags renders c as command line flags, in field order. The rseq
// inspector child is started with these so it sees the same settings.
func (c *Config) ToFlags() []string {
	var rv []string

	// Only the flag names are needed here.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// Not configurable from the command line.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
