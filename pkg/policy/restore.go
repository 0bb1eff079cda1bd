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

package policy

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
	"warmstart.dev/warmstart/pkg/inventory"
	"warmstart.dev/warmstart/pkg/log"
)

// creationFlags must not be replayed when reopening.
const creationFlags = unix.O_CREAT | unix.O_EXCL | unix.O_TRUNC | unix.O_NOCTTY

type deferredOp struct {
	entry  DormantEntry
	action Action
	target string
}

// Deferred holds restore actions that run after all other restore work.
type Deferred struct {
	ops []deferredOp
}

// Len returns the number of deferred actions.
func (d *Deferred) Len() int {
	if d == nil {
		return 0
	}
	return len(d.ops)
}

// Run performs the deferred actions in order.
func (d *Deferred) Run() *Report {
	report := &Report{Side: RestoreSide}
	if d == nil {
		return report
	}
	for _, op := range d.ops {
		runRestoreAction(op.entry, op.action, op.target, report)
	}
	d.ops = nil
	return report
}

// Restore runs the restore side for every dormant descriptor. A descriptor
// with no matching rule is reopened. Deferred actions are returned for the
// caller to run once everything else has been restored.
func Restore(dormant *Dormant, rules RuleList) (*Deferred, *Report) {
	deferred := &Deferred{}
	report := &Report{Side: RestoreSide}
	if dormant == nil {
		return deferred, report
	}
	for _, e := range dormant.Entries {
		action, target := Reopen, ""
		if rule, ok := rules.Match(e.record()); ok {
			action, target = rule.Action, rule.Target
		}
		if action.Deferred() {
			deferred.ops = append(deferred.ops, deferredOp{entry: e, action: action, target: target})
			continue
		}
		runRestoreAction(e, action, target, report)
	}
	return deferred, report
}

func runRestoreAction(e DormantEntry, action Action, target string, report *Report) {
	rec := e.record()
	var err error
	switch action {
	case Reopen, ReopenAtEnd:
		err = reopen(e, e.Path, true)
	case OpenOther, OpenOtherAtEnd:
		err = reopen(e, target, false)
	case KeepClosed:
		err = unix.Close(e.FD)
	default:
		err = fmt.Errorf("unexpected restore action %s", action)
	}
	if err != nil {
		report.add(newFailure(rec, err.Error()))
		return
	}
	log.Debugf("restored %s with %s", rec.String(), action)
}

// reopen opens path with the entry's access mode and installs it at the
// entry's descriptor number. When same is set the new object must be the one
// seen at checkpoint time and the file position is restored.
func reopen(e DormantEntry, path string, same bool) error {
	fd, err := unix.Open(path, (e.Flags&^creationFlags)|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("reopening %q: %w", path, err)
	}
	defer unix.Close(fd)

	if same {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return fmt.Errorf("stat %q: %w", path, err)
		}
		got := inventory.Identity{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}
		if !got.SameFile(e.Identity) {
			return fmt.Errorf("%q is a different file now (dev %d ino %d, was dev %d ino %d)", path, got.Dev, got.Ino, e.Identity.Dev, e.Identity.Ino)
		}
		if e.Kind == inventory.File && e.Flags&unix.O_APPEND == 0 {
			if _, err := unix.Seek(fd, e.Offset, io.SeekStart); err != nil {
				return fmt.Errorf("seeking %q to %d: %w", path, e.Offset, err)
			}
		}
	}
	if err := dupInto(fd, e.FD, e.CloseOnExec); err != nil {
		return fmt.Errorf("installing %q at fd %d: %w", path, e.FD, err)
	}
	return nil
}
