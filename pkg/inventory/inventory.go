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

// Package inventory enumerates and classifies the OS resources held by the
// current process.
//
// A scan walks the descriptor table once and produces one Record per open
// descriptor. Records are built fresh for every checkpoint attempt and are
// never persisted; they only feed the policy engine.
package inventory

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

// Kind classifies a descriptor by the type of object it refers to.
type Kind int

// Descriptor kinds.
const (
	Unknown Kind = iota
	File
	Directory
	Socket
	Pipe
	CharDevice
	BlockDevice
)

var kindNames = map[Kind]string{
	Unknown:     "Unknown",
	File:        "File",
	Directory:   "Directory",
	Socket:      "Socket",
	Pipe:        "Pipe",
	CharDevice:  "CharDevice",
	BlockDevice: "BlockDevice",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind parses a kind name case-insensitively. "fifo" is accepted as an
// alias for Pipe.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file":
		return File, nil
	case "directory", "dir":
		return Directory, nil
	case "socket":
		return Socket, nil
	case "pipe", "fifo":
		return Pipe, nil
	case "chardevice", "char":
		return CharDevice, nil
	case "blockdevice", "block":
		return BlockDevice, nil
	case "unknown":
		return Unknown, nil
	}
	return Unknown, fmt.Errorf("unknown resource type %q", s)
}

// Endpoint is one side of a socket.
type Endpoint struct {
	// Family is "ipv4", "ipv6" or "unix". Empty means the side is not
	// bound or not connected.
	Family string

	// Address is the textual IP address or the unix socket path. Abstract
	// unix socket names are prefixed with '@'.
	Address string

	// Port is the IP port; zero for unix sockets.
	Port int
}

// IsZero reports whether the endpoint carries no information.
func (e Endpoint) IsZero() bool {
	return e == Endpoint{}
}

// String implements fmt.Stringer.
func (e Endpoint) String() string {
	switch e.Family {
	case "":
		return "none"
	case "unix":
		if e.Address == "" {
			return "unnamed"
		}
		return e.Address
	}
	addr, err := netip.ParseAddr(e.Address)
	if err != nil {
		return e.Address + ":" + strconv.Itoa(e.Port)
	}
	return netip.AddrPortFrom(addr, uint16(e.Port)).String()
}

// Identity identifies the object behind a descriptor. Two descriptors with
// equal identities refer to the same object; identity is used for alias
// detection only, never for ownership.
type Identity struct {
	Dev uint64
	Ino uint64

	// The following are set for sockets only.
	Family    string
	Transport string
	Local     Endpoint
	Remote    Endpoint
}

// IsZero reports whether nothing is known about the object.
func (i Identity) IsZero() bool {
	return i == Identity{}
}

// SameFile reports whether i and o name the same inode.
func (i Identity) SameFile(o Identity) bool {
	return i.Dev == o.Dev && i.Ino == o.Ino
}

// Restorability records why a descriptor might not be reopened by path
// after a restore.
type Restorability uint32

// Restorability flags.
const (
	// Deleted is set when the target has no links left or the kernel
	// reports the resolved path as deleted.
	Deleted Restorability = 1 << iota

	// SillyRenamed is set when the name matches the NFS
	// rename-on-unlink pattern.
	SillyRenamed

	// NotReopenable is set whenever the path cannot be trusted to name the
	// same object again.
	NotReopenable
)

// String implements fmt.Stringer.
func (r Restorability) String() string {
	if r == 0 {
		return "ok"
	}
	var parts []string
	if r&Deleted != 0 {
		parts = append(parts, "deleted")
	}
	if r&SillyRenamed != 0 {
		parts = append(parts, "silly-renamed")
	}
	if r&NotReopenable != 0 {
		parts = append(parts, "not-reopenable")
	}
	return strings.Join(parts, "|")
}

// State is the observed state of a descriptor.
type State int

const (
	// Open means the descriptor was successfully inspected.
	Open State = iota

	// Closed means inspection failed, usually because the descriptor was
	// closed while the scan ran.
	Closed
)

// String implements fmt.Stringer.
func (s State) String() string {
	if s == Closed {
		return "closed"
	}
	return "open"
}

// NoAlias is the AliasOf value of a record that does not alias an earlier
// one.
const NoAlias = -1

// Record describes one open descriptor.
type Record struct {
	// FD is the descriptor number.
	FD int

	// Kind is the object type.
	Kind Kind

	// Identity identifies the object behind FD.
	Identity Identity

	// Path is the best-effort path as reported by the kernel, with any
	// " (deleted)" suffix removed.
	Path string

	// AliasOf is the descriptor of the first earlier record with the same
	// identity, or NoAlias. It is informational only.
	AliasOf int

	// Restorability holds the reopen hazards found for the record.
	Restorability Restorability

	// State is Closed if the descriptor could not be inspected.
	State State

	// OpenFlags is the F_GETFL value (access mode and status flags).
	OpenFlags int

	// CloseOnExec is the FD_CLOEXEC descriptor flag.
	CloseOnExec bool

	// Offset is the file position of regular files.
	Offset int64

	// TCPState is the best-effort TCP state of connected TCP sockets.
	TCPState string
}

// String implements fmt.Stringer.
func (r *Record) String() string {
	if r.Kind == Socket {
		return fmt.Sprintf("fd %d (%s %s, local %s, remote %s)", r.FD, r.Kind, r.Identity.Transport, r.Identity.Local, r.Identity.Remote)
	}
	return fmt.Sprintf("fd %d (%s %q)", r.FD, r.Kind, r.Path)
}

// sillyRename matches names NFS clients give to files unlinked while open.
var sillyRename = regexp.MustCompile(`^\.nfs[0-9a-fA-F]{8,}$`)

// IsSillyRenamed reports whether base is an NFS silly-rename name.
func IsSillyRenamed(base string) bool {
	return sillyRename.MatchString(base)
}

// ResolveAliases sets AliasOf for every record whose identity equals that of
// an earlier record. Records with an empty identity or in the Closed state
// never alias.
func ResolveAliases(records []Record) {
	for i := range records {
		records[i].AliasOf = NoAlias
		if records[i].State == Closed || records[i].Identity.IsZero() {
			continue
		}
		for j := 0; j < i; j++ {
			if records[j].State == Closed {
				continue
			}
			if records[j].Identity == records[i].Identity {
				records[i].AliasOf = records[j].FD
				break
			}
		}
	}
}

// Find returns the record for fd, if any.
func Find(records []Record, fd int) (Record, bool) {
	for _, r := range records {
		if r.FD == fd {
			return r, true
		}
	}
	return Record{}, false
}
