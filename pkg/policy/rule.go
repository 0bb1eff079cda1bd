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

// Package policy decides what happens to each open descriptor across a
// checkpoint and the following restore.
//
// Rules are read once at configuration load into a RuleList. Reconciliation
// is split into a pure planning step, which only produces decisions and an
// aggregate Report, and an apply step that performs the side effects. A
// checkpoint is refused if planning produced any failure, so a refused
// checkpoint leaves the descriptor table untouched.
package policy

import (
	"fmt"
	"net/netip"
	"strings"

	"warmstart.dev/warmstart/pkg/inventory"
)

// Side selects which set of actions a rule list may use.
type Side int

// Rule list sides.
const (
	CheckpointSide Side = iota
	RestoreSide
)

// String implements fmt.Stringer.
func (s Side) String() string {
	if s == RestoreSide {
		return "restore"
	}
	return "checkpoint"
}

// Action is what a rule does with a matching descriptor.
type Action int

// Checkpoint-side actions.
const (
	Error Action = iota
	Close
	WarnAndClose
	Reopen
	Ignore
)

// Restore-side actions. Reopen is valid on both sides.
const (
	ReopenAtEnd Action = iota + Ignore + 1
	OpenOther
	OpenOtherAtEnd
	KeepClosed
)

var actionNames = map[Action]string{
	Error:          "error",
	Close:          "close",
	WarnAndClose:   "warn_close",
	Reopen:         "reopen",
	Ignore:         "ignore",
	ReopenAtEnd:    "reopen_at_end",
	OpenOther:      "open_other",
	OpenOtherAtEnd: "open_other_at_end",
	KeepClosed:     "keep_closed",
}

// actionKeywords is keyed by the normalized keyword; see normalizeKeyword.
var actionKeywords = map[string]Action{
	"error":          Error,
	"close":          Close,
	"warnclose":      WarnAndClose,
	"warnandclose":   WarnAndClose,
	"reopen":         Reopen,
	"ignore":         Ignore,
	"reopenatend":    ReopenAtEnd,
	"openother":      OpenOther,
	"openotheratend": OpenOtherAtEnd,
	"keepclosed":     KeepClosed,
}

// String implements fmt.Stringer.
func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// ValidOn reports whether a may appear in a rule list for side s.
func (a Action) ValidOn(s Side) bool {
	switch a {
	case Reopen:
		return true
	case Error, Close, WarnAndClose, Ignore:
		return s == CheckpointSide
	case ReopenAtEnd, OpenOther, OpenOtherAtEnd, KeepClosed:
		return s == RestoreSide
	}
	return false
}

// Deferred reports whether a runs after all other restore work.
func (a Action) Deferred() bool {
	return a == ReopenAtEnd || a == OpenOtherAtEnd
}

// NeedsTarget reports whether a requires a target path.
func (a Action) NeedsTarget() bool {
	return a == OpenOther || a == OpenOtherAtEnd
}

// ParseAction parses an action keyword. Matching is case-insensitive and
// treats '-' and '_' as equivalent (or absent).
func ParseAction(s string) (Action, error) {
	if a, ok := actionKeywords[normalizeKeyword(s)]; ok {
		return a, nil
	}
	return Error, fmt.Errorf("unknown action %q", s)
}

func normalizeKeyword(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "", "_", "", " ", "").Replace(s)
}

// AddrPattern matches one side of a socket. A pattern is a CIDR prefix, a
// single IP address, or a path glob for unix sockets.
type AddrPattern struct {
	raw    string
	prefix netip.Prefix
	glob   *Glob
}

// ParseAddrPattern parses s.
func ParseAddrPattern(s string) (*AddrPattern, error) {
	p := &AddrPattern{raw: s}
	if pfx, err := netip.ParsePrefix(s); err == nil {
		p.prefix = pfx.Masked()
		return p, nil
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		p.prefix = netip.PrefixFrom(addr, addr.BitLen())
		return p, nil
	}
	g, err := CompileGlob(s)
	if err != nil {
		return nil, fmt.Errorf("address %q is neither an IP, a prefix nor a path pattern: %w", s, err)
	}
	p.glob = g
	return p, nil
}

// String returns the source pattern.
func (p *AddrPattern) String() string {
	return p.raw
}

// Match reports whether ep is matched.
func (p *AddrPattern) Match(ep inventory.Endpoint) bool {
	if p.glob != nil {
		return ep.Family == "unix" && p.glob.Match(ep.Address)
	}
	addr, err := netip.ParseAddr(ep.Address)
	if err != nil {
		return false
	}
	return p.prefix.Contains(addr.Unmap())
}

// Rule is one entry of a rule list.
type Rule struct {
	// Index is the position of the rule's document in its source.
	Index int

	Type inventory.Kind

	// Path, if set, must match the record's path.
	Path *Glob

	// Family, if set, must equal the socket family ("ipv4", "ipv6",
	// "unix").
	Family string

	LocalAddress  *AddrPattern
	LocalPort     int
	RemoteAddress *AddrPattern
	RemotePort    int

	Action Action

	// Target is the replacement path for OpenOther and OpenOtherAtEnd.
	Target string

	// Warn overrides the diagnostic emitted by WarnAndClose.
	Warn string
}

// Matches reports whether rec satisfies every matcher of r.
func (r *Rule) Matches(rec inventory.Record) bool {
	if rec.Kind != r.Type {
		return false
	}
	if r.Path != nil && !r.Path.Match(rec.Path) {
		return false
	}
	id := rec.Identity
	if r.Family != "" && r.Family != id.Family {
		return false
	}
	if r.LocalAddress != nil && !r.LocalAddress.Match(id.Local) {
		return false
	}
	if r.LocalPort != 0 && r.LocalPort != id.Local.Port {
		return false
	}
	if r.RemoteAddress != nil && !r.RemoteAddress.Match(id.Remote) {
		return false
	}
	if r.RemotePort != 0 && r.RemotePort != id.Remote.Port {
		return false
	}
	return true
}

// String renders the rule on one line.
func (r *Rule) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d type=%s", r.Index, r.Type)
	if r.Path != nil {
		fmt.Fprintf(&b, " path=%s", r.Path)
	}
	if r.Family != "" {
		fmt.Fprintf(&b, " family=%s", r.Family)
	}
	if r.LocalAddress != nil {
		fmt.Fprintf(&b, " localAddress=%s", r.LocalAddress)
	}
	if r.LocalPort != 0 {
		fmt.Fprintf(&b, " localPort=%d", r.LocalPort)
	}
	if r.RemoteAddress != nil {
		fmt.Fprintf(&b, " remoteAddress=%s", r.RemoteAddress)
	}
	if r.RemotePort != 0 {
		fmt.Fprintf(&b, " remotePort=%d", r.RemotePort)
	}
	fmt.Fprintf(&b, " action=%s", r.Action)
	if r.Target != "" {
		fmt.Fprintf(&b, " target=%s", r.Target)
	}
	return b.String()
}

// RuleList is an ordered rule list. The first matching rule wins.
type RuleList []Rule

// Match returns the first rule matching rec.
func (l RuleList) Match(rec inventory.Record) (*Rule, bool) {
	for i := range l {
		if l[i].Matches(rec) {
			return &l[i], true
		}
	}
	return nil, false
}
