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

package inventory

import (
	"sort"

	"github.com/mohae/deepcopy"
)

// Snapshot is the descriptor table as seen once at process start.
// Descriptors present in the snapshot with an unchanged identity are
// inherited and are not subject to reconciliation.
//
// Snapshot is a value: it is captured once and handed to each reconciliation
// pass explicitly.
type Snapshot struct {
	fds map[int]Identity
}

// NewSnapshot builds a snapshot from scanned records. Closed records are
// dropped.
func NewSnapshot(records []Record) Snapshot {
	s := Snapshot{fds: make(map[int]Identity, len(records))}
	for _, r := range records {
		if r.State == Closed {
			continue
		}
		s.fds[r.FD] = r.Identity
	}
	return s
}

// TakeSnapshot scans the descriptor table and records it.
func TakeSnapshot(sc *Scanner) (Snapshot, error) {
	records, err := sc.Scan()
	if err != nil {
		return Snapshot{}, err
	}
	return NewSnapshot(records), nil
}

// Inherited reports whether r was open at process start and still refers to
// the same object.
func (s Snapshot) Inherited(r Record) bool {
	id, ok := s.fds[r.FD]
	return ok && id == r.Identity
}

// Len returns the number of descriptors in the snapshot.
func (s Snapshot) Len() int {
	return len(s.fds)
}

// FDs returns the snapshot's descriptors in ascending order.
func (s Snapshot) FDs() []int {
	fds := make([]int, 0, len(s.fds))
	for fd := range s.fds {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	return fds
}

// Clone returns an independent copy of s.
func (s Snapshot) Clone() Snapshot {
	if s.fds == nil {
		return Snapshot{}
	}
	return Snapshot{fds: deepcopy.Copy(s.fds).(map[int]Identity)}
}
