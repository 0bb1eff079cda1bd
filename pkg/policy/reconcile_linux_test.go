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

package policy

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"warmstart.dev/warmstart/pkg/inventory"
)

// openFile opens path read-write, creating it with content, and returns the
// raw descriptor. At the end of the test the descriptor is closed if it still
// refers to the file or to a placeholder.
func openFile(t *testing.T, path, content string) int {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	id := identityOf(t, fd)
	t.Cleanup(func() {
		var st unix.Stat_t
		if unix.Fstat(fd, &st) != nil {
			return
		}
		if (inventory.Identity{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}).SameFile(id) || isDevNull(t, fd) {
			unix.Close(fd)
		}
	})
	return fd
}

func describe(t *testing.T, fds ...int) []inventory.Record {
	t.Helper()
	sc := &inventory.Scanner{}
	var records []inventory.Record
	for _, fd := range fds {
		records = append(records, sc.Describe(fd))
	}
	inventory.ResolveAliases(records)
	return records
}

func identityOf(t *testing.T, fd int) inventory.Identity {
	t.Helper()
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		t.Fatalf("fstat(%d): %v", fd, err)
	}
	return inventory.Identity{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}
}

func isDevNull(t *testing.T, fd int) bool {
	t.Helper()
	link, err := os.Readlink(filepath.Join("/proc/self/fd", strconv.Itoa(fd)))
	return err == nil && link == os.DevNull
}

func TestThreeFiles(t *testing.T) {
	dir := t.TempDir()
	closeFD := openFile(t, filepath.Join(dir, "close.tmp"), "c")
	reopenFD := openFile(t, filepath.Join(dir, "reopen.log"), "r")
	otherFD := openFile(t, filepath.Join(dir, "other.dat"), "o")

	rules, err := ParseRulesString(`
type: file
path: /**/*.tmp
action: close
---
type: file
path: /**/*.log
action: reopen
`, CheckpointSide)
	if err != nil {
		t.Fatal(err)
	}

	records := describe(t, closeFD, reopenFD, otherFD)
	plan, report := PlanCheckpoint(records, rules, Env{})
	if diff := cmp.Diff([]int{otherFD}, failedFDs(report)); diff != "" {
		t.Fatalf("failed descriptors mismatch (-want +got):\n%s", diff)
	}

	// Drop the failing record and apply the rest.
	plan, report = PlanCheckpoint(describe(t, closeFD, reopenFD), rules, Env{})
	if !report.Empty() {
		t.Fatalf("unexpected failures: %v", report)
	}
	dormant, err := plan.Apply()
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := unix.FcntlInt(uintptr(closeFD), unix.F_GETFD, 0); err != unix.EBADF {
		t.Errorf("closed descriptor still valid: %v", err)
	}
	if !isDevNull(t, reopenFD) {
		t.Errorf("reopen descriptor is not a dormant placeholder")
	}
	if dormant.Len() != 1 || dormant.Entries[0].FD != reopenFD {
		t.Fatalf("dormant = %+v", dormant)
	}
}

func TestReopenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.log")
	fd := openFile(t, path, "0123456789")
	if _, err := unix.Seek(fd, 4, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	before := identityOf(t, fd)

	rules, err := ParseRulesString("type: file\naction: reopen\n", CheckpointSide)
	if err != nil {
		t.Fatal(err)
	}
	plan, report := PlanCheckpoint(describe(t, fd), rules, Env{})
	if !report.Empty() {
		t.Fatalf("unexpected failures: %v", report)
	}
	dormant, err := plan.Apply()
	if err != nil {
		t.Fatal(err)
	}

	deferred, report := Restore(dormant, nil)
	if !report.Empty() {
		t.Fatalf("restore failures: %v", report)
	}
	if deferred.Len() != 0 {
		t.Errorf("unexpected deferred actions: %d", deferred.Len())
	}
	if diff := cmp.Diff(before, identityOf(t, fd)); diff != "" {
		t.Errorf("identity changed (-before +after):\n%s", diff)
	}
	off, err := unix.Seek(fd, 0, io.SeekCurrent)
	if err != nil {
		t.Fatal(err)
	}
	if off != 4 {
		t.Errorf("offset = %d, want 4", off)
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		t.Fatal(err)
	}
	if flags&unix.FD_CLOEXEC == 0 {
		t.Errorf("close-on-exec lost")
	}
	if fl, _ := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0); fl&unix.O_ACCMODE != unix.O_RDWR {
		t.Errorf("access mode = %#x, want O_RDWR", fl&unix.O_ACCMODE)
	}
}

func TestReopenIdentityMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swap.log")
	fd := openFile(t, path, "old")

	rules, err := ParseRulesString("type: file\naction: reopen\n", CheckpointSide)
	if err != nil {
		t.Fatal(err)
	}
	plan, report := PlanCheckpoint(describe(t, fd), rules, Env{})
	if !report.Empty() {
		t.Fatalf("unexpected failures: %v", report)
	}
	dormant, err := plan.Apply()
	if err != nil {
		t.Fatal(err)
	}

	// Replace the file with a new inode at the same path. The replacement
	// is created while the old inode still exists so the filesystem cannot
	// hand out the same inode number again.
	tmp := path + ".new"
	if err := os.WriteFile(tmp, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	_, report = Restore(dormant, nil)
	if report.Len() != 1 || !strings.Contains(report.Failures[0].Reason, "different file") {
		t.Errorf("report = %v, want one identity mismatch", report)
	}

	// Missing file is a failure too.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	_, report = Restore(dormant, nil)
	if report.Len() != 1 {
		t.Errorf("report = %v, want one failure for a missing file", report)
	}
}

func TestRestoreActions(t *testing.T) {
	dir := t.TempDir()
	keepFD := openFile(t, filepath.Join(dir, "keep.log"), "k")
	otherFD := openFile(t, filepath.Join(dir, "other.log"), "o")
	lateFD := openFile(t, filepath.Join(dir, "late.log"), "l")
	replacement := filepath.Join(dir, "replacement.log")
	if err := os.WriteFile(replacement, []byte("replacement"), 0o644); err != nil {
		t.Fatal(err)
	}

	cpRules, err := ParseRulesString("type: file\naction: reopen\n", CheckpointSide)
	if err != nil {
		t.Fatal(err)
	}
	rsRules, err := ParseRulesString(`
type: file
path: /**/keep.log
action: keep_closed
---
type: file
path: /**/other.log
action: open_other
target: `+replacement+`
---
type: file
path: /**/late.log
action: reopen_at_end
`, RestoreSide)
	if err != nil {
		t.Fatal(err)
	}

	plan, report := PlanCheckpoint(describe(t, keepFD, otherFD, lateFD), cpRules, Env{})
	if !report.Empty() {
		t.Fatalf("unexpected failures: %v", report)
	}
	dormant, err := plan.Apply()
	if err != nil {
		t.Fatal(err)
	}
	lateID := dormant.Entries[2].Identity

	deferred, report := Restore(dormant, rsRules)
	if !report.Empty() {
		t.Fatalf("restore failures: %v", report)
	}
	if _, err := unix.FcntlInt(uintptr(keepFD), unix.F_GETFD, 0); err != unix.EBADF {
		t.Errorf("keep_closed descriptor still valid")
	}
	buf := make([]byte, 32)
	n, err := unix.Pread(otherFD, buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(buf[:n]); got != "replacement" {
		t.Errorf("open_other content = %q, want %q", got, "replacement")
	}
	if deferred.Len() != 1 || !isDevNull(t, lateFD) {
		t.Fatalf("reopen_at_end ran early (deferred %d)", deferred.Len())
	}
	if report := deferred.Run(); !report.Empty() {
		t.Fatalf("deferred failures: %v", report)
	}
	if diff := cmp.Diff(lateID, identityOf(t, lateFD)); diff != "" {
		t.Errorf("deferred reopen identity mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmatchedSocketDetail(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	conn, err := net.Dial("tcp4", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	raw, err := conn.(*net.TCPConn).SyscallConn()
	if err != nil {
		t.Fatal(err)
	}
	var records []inventory.Record
	raw.Control(func(fd uintptr) {
		records = describe(t, int(fd))
	})

	_, report := PlanCheckpoint(records, nil, Env{})
	if report.Len() != 1 {
		t.Fatalf("got %d failures, want 1", report.Len())
	}
	detail := report.Failures[0].Detail()
	for _, addr := range []string{conn.LocalAddr().String(), conn.RemoteAddr().String()} {
		if !strings.Contains(detail, addr) {
			t.Errorf("detail %q does not contain %q", detail, addr)
		}
	}
}
