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

//go:build linux
// +build linux

package quiesce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"unsafe"

	"github.com/moby/sys/capability"
	"golang.org/x/sys/unix"
	"warmstart.dev/warmstart/pkg/log"
)

// _PTRACE_GET_RSEQ_CONFIGURATION appeared in Linux 5.13.
const _PTRACE_GET_RSEQ_CONFIGURATION = 0x420f

// rseqConfiguration is struct ptrace_rseq_configuration.
type rseqConfiguration struct {
	rseqABIPointer uint64
	rseqABISize    uint32
	signature      uint32
	flags          uint32
	_              uint32
}

const yamaScopePath = "/proc/sys/kernel/yama/ptrace_scope"

// Probe reports whether threads of this process can be inspected.
func Probe() Capability {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return Capability{Reason: fmt.Sprintf("uname: %v", err)}
	}
	release := unix.ByteSliceToString(uts.Release[:])
	major, minor, ok := parseKernelVersion(release)
	if !ok {
		return Capability{Reason: fmt.Sprintf("unparsable kernel release %q", release)}
	}
	if major < 5 || (major == 5 && minor < 13) {
		return Capability{Reason: fmt.Sprintf("kernel %s lacks PTRACE_GET_RSEQ_CONFIGURATION (needs 5.13)", release)}
	}

	scope := 0
	if data, err := os.ReadFile(yamaScopePath); err == nil {
		scope, _ = strconv.Atoi(strings.TrimSpace(string(data)))
	}
	switch scope {
	case 0, 1:
		// The inspector is granted access with PR_SET_PTRACER.
		return Capability{Supported: true}
	case 2:
		if hasPtraceCap() {
			return Capability{Supported: true}
		}
		return Capability{Reason: "yama ptrace_scope is 2 and CAP_SYS_PTRACE is not effective"}
	}
	return Capability{Reason: fmt.Sprintf("yama ptrace_scope is %d", scope)}
}

func hasPtraceCap() bool {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return false
	}
	if err := caps.Load(); err != nil {
		return false
	}
	return caps.Get(capability.EFFECTIVE, capability.CAP_SYS_PTRACE)
}

func parseKernelVersion(release string) (major, minor int, ok bool) {
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	digits := parts[1]
	if i := strings.IndexFunc(digits, func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
		digits = digits[:i]
	}
	minor, err = strconv.Atoi(digits)
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

// InspectCommand is the hidden subcommand that runs InspectThreads.
const InspectCommand = "rseq-inspect"

// ExecInspector inspects threads from a short-lived child process, since a
// process cannot ptrace its own threads.
type ExecInspector struct {
	// Path is the binary to run. Defaults to /proc/self/exe.
	Path string

	// Args precede the pid and tids on the command line. Defaults to
	// []string{InspectCommand}.
	Args []string
}

// Inspect implements Inspector.
func (e *ExecInspector) Inspect(ctx context.Context, tids []int, out []RSeqConfig) error {
	if len(out) != len(tids) {
		return fmt.Errorf("output has %d slots for %d threads", len(out), len(tids))
	}
	path := e.Path
	if path == "" {
		path = "/proc/self/exe"
	}
	args := e.Args
	if args == nil {
		args = []string{InspectCommand}
	}
	args = append(append([]string(nil), args...), strconv.Itoa(os.Getpid()))
	for _, tid := range tids {
		args = append(args, strconv.Itoa(tid))
	}

	// Allow any process to attach for the duration of the inspection; the
	// child's pid is not known before it starts.
	if err := unix.Prctl(unix.PR_SET_PTRACER, ^uintptr(0), 0, 0, 0); err != nil && err != unix.EINVAL {
		return fmt.Errorf("PR_SET_PTRACER: %w", err)
	}
	defer unix.Prctl(unix.PR_SET_PTRACER, 0, 0, 0, 0)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	log.Debugf("Running inspector: %s %s", path, strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("inspector %s failed: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	var configs []RSeqConfig
	if err := json.Unmarshal(stdout.Bytes(), &configs); err != nil {
		return fmt.Errorf("decoding inspector output: %w", err)
	}
	if len(configs) != len(tids) {
		return fmt.Errorf("inspector returned %d configurations for %d threads", len(configs), len(tids))
	}
	copy(out, configs)
	return nil
}

// InspectThreads attaches to each thread of process pid, reads its rseq
// configuration and detaches again. It runs in the inspector child.
func InspectThreads(pid int, tids []int) ([]RSeqConfig, error) {
	// All ptrace requests must come from the thread that attached.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	out := make([]RSeqConfig, len(tids))
	for i, tid := range tids {
		if err := checkThread(pid, tid); err != nil {
			return nil, err
		}
		cfg, err := inspectThread(tid)
		if err != nil {
			return nil, fmt.Errorf("thread %d: %w", tid, err)
		}
		out[i] = cfg
	}
	return out, nil
}

// checkThread verifies that tid belongs to pid.
func checkThread(pid, tid int) error {
	if _, err := os.Stat(fmt.Sprintf("/proc/%d/task/%d", pid, tid)); err != nil {
		return fmt.Errorf("thread %d of process %d: %w", tid, pid, err)
	}
	return nil
}

func ptrace(req int, tid int, addr, data uintptr) (uintptr, error) {
	r, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, uintptr(req), uintptr(tid), addr, data, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

func inspectThread(tid int) (cfg RSeqConfig, err error) {
	if _, err := ptrace(unix.PTRACE_SEIZE, tid, 0, 0); err != nil {
		return cfg, fmt.Errorf("PTRACE_SEIZE: %w", err)
	}
	defer func() {
		if _, derr := ptrace(unix.PTRACE_DETACH, tid, 0, 0); derr != nil && err == nil {
			err = fmt.Errorf("PTRACE_DETACH: %w", derr)
		}
	}()
	if _, err := ptrace(unix.PTRACE_INTERRUPT, tid, 0, 0); err != nil {
		return cfg, fmt.Errorf("PTRACE_INTERRUPT: %w", err)
	}
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(tid, &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return cfg, fmt.Errorf("wait4: %w", err)
		}
		break
	}
	if !ws.Stopped() {
		return cfg, fmt.Errorf("thread did not stop: status %#x", uint32(ws))
	}

	var raw rseqConfiguration
	if _, err := ptrace(_PTRACE_GET_RSEQ_CONFIGURATION, tid, unsafe.Sizeof(raw), uintptr(unsafe.Pointer(&raw))); err != nil {
		return cfg, fmt.Errorf("PTRACE_GET_RSEQ_CONFIGURATION: %w", err)
	}
	return RSeqConfig{
		Pointer:   raw.rseqABIPointer,
		Size:      raw.rseqABISize,
		Signature: raw.signature,
		Flags:     raw.flags,
	}, nil
}

// WriteConfigs writes configs in the format ExecInspector reads.
func WriteConfigs(w io.Writer, configs []RSeqConfig) error {
	return json.NewEncoder(w).Encode(configs)
}
