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
	"os"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
	"warmstart.dev/warmstart/pkg/inventory"
	"warmstart.dev/warmstart/pkg/log"
)

// Env is what reconciliation needs besides the records and the rules.
type Env struct {
	// Claims lists descriptors owned by other subsystems.
	Claims *Claims

	// Snapshot is the descriptor table seen at process start.
	Snapshot inventory.Snapshot

	// Ignore exempts descriptors by number or path prefix.
	Ignore IgnoreList
}

// Exemption explains why a record was not reconciled.
type Exemption int

// Exemptions.
const (
	NotExempt Exemption = iota
	ExemptClosed
	ExemptClaimed
	ExemptInherited
	ExemptIgnored
)

// String implements fmt.Stringer.
func (e Exemption) String() string {
	switch e {
	case ExemptClosed:
		return "closed"
	case ExemptClaimed:
		return "claimed"
	case ExemptInherited:
		return "inherited"
	case ExemptIgnored:
		return "ignored"
	}
	return ""
}

// Decision is the planned treatment of one record.
type Decision struct {
	Record inventory.Record

	// Exempt is set when the record is skipped entirely.
	Exempt Exemption

	// Owner is the claiming subsystem for ExemptClaimed.
	Owner string

	// Action is the planned action. Error if no rule matched.
	Action Action

	// Rule is the matching rule, or nil.
	Rule *Rule
}

// Plan is the outcome of PlanCheckpoint.
type Plan struct {
	Decisions []Decision
}

// PlanCheckpoint decides the checkpoint-side action for every record. It has
// no side effects. Every record that is unclaimed, not inherited, not ignored
// and either matches no rule or matches an Error rule yields exactly one
// failure, as does a Reopen of a descriptor that cannot be reopened by path.
func PlanCheckpoint(records []inventory.Record, rules RuleList, env Env) (*Plan, *Report) {
	plan := &Plan{Decisions: make([]Decision, 0, len(records))}
	report := &Report{Side: CheckpointSide}
	for _, rec := range records {
		d := Decision{Record: rec, Action: Error}
		switch {
		case rec.State == inventory.Closed:
			d.Exempt = ExemptClosed
		case env.Ignore.Ignored(rec):
			d.Exempt = ExemptIgnored
		default:
			if owner, ok := env.Claims.Owner(rec); ok {
				d.Exempt, d.Owner = ExemptClaimed, owner
			} else if env.Snapshot.Inherited(rec) {
				d.Exempt = ExemptInherited
			}
		}
		if d.Exempt != NotExempt {
			plan.Decisions = append(plan.Decisions, d)
			continue
		}

		rule, ok := rules.Match(rec)
		switch {
		case !ok:
			report.add(newFailure(rec, "no matching checkpoint rule"))
		case rule.Action == Error:
			d.Rule = rule
			report.add(newFailure(rec, fmt.Sprintf("rejected by rule #%d", rule.Index)))
		default:
			d.Rule, d.Action = rule, rule.Action
			if d.Action == Reopen {
				if reason := reopenable(rec); reason != "" {
					report.add(newFailure(rec, reason))
				}
			}
		}
		plan.Decisions = append(plan.Decisions, d)
	}
	return plan, report
}

func reopenable(rec inventory.Record) string {
	switch rec.Kind {
	case inventory.File, inventory.Directory, inventory.CharDevice, inventory.BlockDevice:
	default:
		return fmt.Sprintf("%s descriptors cannot be reopened", rec.Kind)
	}
	if rec.Restorability&inventory.NotReopenable != 0 {
		return fmt.Sprintf("cannot reopen by path (%s)", rec.Restorability)
	}
	if rec.Path == "" || rec.Path[0] != '/' {
		return "no path to reopen"
	}
	return ""
}

// DormantEntry is a descriptor parked behind a placeholder until restore.
type DormantEntry struct {
	FD          int
	Kind        inventory.Kind
	Path        string
	Flags       int
	CloseOnExec bool
	Offset      int64
	Identity    inventory.Identity
}

func (e *DormantEntry) record() inventory.Record {
	return inventory.Record{
		FD:          e.FD,
		Kind:        e.Kind,
		Path:        e.Path,
		Identity:    e.Identity,
		AliasOf:     inventory.NoAlias,
		OpenFlags:   e.Flags,
		CloseOnExec: e.CloseOnExec,
		Offset:      e.Offset,
	}
}

// Dormant holds the descriptors that Apply parked for Reopen.
type Dormant struct {
	Entries []DormantEntry
}

// Len returns the number of parked descriptors.
func (d *Dormant) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Entries)
}

// Apply performs the planned checkpoint actions. Close and WarnAndClose
// close their descriptors. Reopen replaces the descriptor with a /dev/null
// placeholder, so the number stays valid and cannot be reused until restore.
//
// Apply must only be called when the planning report was empty. Errors for
// individual descriptors are combined; the Dormant set is valid either way.
func (p *Plan) Apply() (*Dormant, error) {
	dormant := &Dormant{}
	var errs error
	for i := range p.Decisions {
		d := &p.Decisions[i]
		if d.Exempt != NotExempt {
			continue
		}
		fd := d.Record.FD
		switch d.Action {
		case Ignore:
		case WarnAndClose:
			msg := d.Rule.Warn
			if msg == "" {
				msg = "closing descriptor for checkpoint"
			}
			log.Warningf("%s: %s", d.Record.String(), msg)
			fallthrough
		case Close:
			if err := unix.Close(fd); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("closing fd %d: %w", fd, err))
			}
		case Reopen:
			if err := parkDescriptor(fd, d.Record.CloseOnExec); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("parking fd %d: %w", fd, err))
				continue
			}
			dormant.Entries = append(dormant.Entries, DormantEntry{
				FD:          fd,
				Kind:        d.Record.Kind,
				Path:        d.Record.Path,
				Flags:       d.Record.OpenFlags,
				CloseOnExec: d.Record.CloseOnExec,
				Offset:      d.Record.Offset,
				Identity:    d.Record.Identity,
			})
			log.Debugf("parked %s for reopen", d.Record.String())
		default:
			errs = multierr.Append(errs, fmt.Errorf("fd %d: unexpected checkpoint action %s", fd, d.Action))
		}
	}
	return dormant, errs
}

// parkDescriptor replaces fd with a descriptor for /dev/null.
func parkDescriptor(fd int, cloexec bool) error {
	null, err := unix.Open(os.DevNull, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(null)
	return dupInto(null, fd, cloexec)
}
