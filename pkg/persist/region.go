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

// Package persist moves large file-backed memory regions off their backing
// files for the duration of a checkpoint and back onto (possibly new) files
// afterwards, without changing their addresses.
//
// Regions are owned by the subsystems that created them; this package only
// transforms their mappings in place.
package persist

import (
	"fmt"
	"os"
)

// Prot is the protection of a region.
type Prot int

// Protections.
const (
	ProtNone Prot = iota
	ProtRead
	ProtReadWrite
	ProtReadWriteExec
)

// String implements fmt.Stringer.
func (p Prot) String() string {
	switch p {
	case ProtNone:
		return "---"
	case ProtRead:
		return "r--"
	case ProtReadWrite:
		return "rw-"
	case ProtReadWriteExec:
		return "rwx"
	}
	return fmt.Sprintf("Prot(%d)", int(p))
}

// Region describes a mapped memory region.
type Region struct {
	// Addr is the page-aligned start address.
	Addr uintptr

	// Len is the length in bytes, a non-zero multiple of the page size.
	Len uintptr

	Prot Prot

	// BackingPath is the file the region is mapped from. Empty for
	// anonymous regions.
	BackingPath string
}

// String implements fmt.Stringer.
func (r Region) String() string {
	s := fmt.Sprintf("[%#x, %#x) %s", r.Addr, r.Addr+r.Len, r.Prot)
	if r.BackingPath != "" {
		s += " " + r.BackingPath
	}
	return s
}

// Anonymous reports whether the region has no backing file.
func (r Region) Anonymous() bool {
	return r.BackingPath == ""
}

// Validate checks alignment and size.
func (r Region) Validate() error {
	page := uintptr(os.Getpagesize())
	switch {
	case r.Addr == 0:
		return fmt.Errorf("region %s: nil address", r)
	case r.Addr%page != 0:
		return fmt.Errorf("region %s: address not page aligned", r)
	case r.Len == 0:
		return fmt.Errorf("region %s: empty", r)
	case r.Len%page != 0:
		return fmt.Errorf("region %s: length not a multiple of the page size", r)
	case r.Addr+r.Len < r.Addr:
		return fmt.Errorf("region %s: wraps around", r)
	case r.Prot < ProtNone || r.Prot > ProtReadWriteExec:
		return fmt.Errorf("region %s: invalid protection", r)
	}
	return nil
}

// Error is a failed persist operation. The region's mapping is unchanged
// unless the failing step was the final remap.
type Error struct {
	Op     string
	Region Region
	Err    error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Region, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}
