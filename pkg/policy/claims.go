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
	"sort"
	"strconv"
	"strings"
	"sync"

	"warmstart.dev/warmstart/pkg/inventory"
)

// Claims is the set of descriptors owned by subsystems that manage them
// across a checkpoint themselves. Claimed descriptors are never reconciled.
//
// A nil *Claims claims nothing. Claims is safe for concurrent use.
type Claims struct {
	mu    sync.Mutex
	fds   map[int]string
	paths map[string]string
}

// NewClaims returns an empty claim set.
func NewClaims() *Claims {
	return &Claims{
		fds:   make(map[int]string),
		paths: make(map[string]string),
	}
}

// ClaimFD marks fd as owned by owner.
func (c *Claims) ClaimFD(fd int, owner string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fds[fd] = owner
}

// ReleaseFD drops the claim on fd.
func (c *Claims) ReleaseFD(fd int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.fds, fd)
}

// ClaimPath marks every descriptor whose path equals path as owned by owner.
func (c *Claims) ClaimPath(path, owner string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths[path] = owner
}

// ReleasePath drops the claim on path.
func (c *Claims) ReleasePath(path string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.paths, path)
}

// Owner returns the owner of rec, if it is claimed.
func (c *Claims) Owner(rec inventory.Record) (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner, ok := c.fds[rec.FD]; ok {
		return owner, true
	}
	if rec.Path != "" {
		if owner, ok := c.paths[rec.Path]; ok {
			return owner, true
		}
	}
	return "", false
}

// IgnoreEnv names the environment variable holding extra ignore entries.
const IgnoreEnv = "WARMSTART_IGNORE_FDS"

// DefaultIgnore exempts descriptors the Go runtime opens for itself.
const DefaultIgnore = "anon_inode:[eventpoll],anon_inode:[eventfd],anon_inode:[pidfd]"

// IgnoreList exempts descriptors from reconciliation by number or by path
// prefix.
type IgnoreList struct {
	FDs      map[int]struct{}
	Prefixes []string
}

// ParseIgnoreList parses a comma-separated list of descriptor numbers and
// path prefixes, e.g. "3,7,/dev/shm/,anon_inode:[eventpoll]".
func ParseIgnoreList(s string) (IgnoreList, error) {
	var l IgnoreList
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if item[0] >= '0' && item[0] <= '9' {
			fd, err := strconv.Atoi(item)
			if err != nil || fd < 0 {
				return IgnoreList{}, fmt.Errorf("invalid descriptor %q in ignore list", item)
			}
			if l.FDs == nil {
				l.FDs = make(map[int]struct{})
			}
			l.FDs[fd] = struct{}{}
			continue
		}
		l.Prefixes = append(l.Prefixes, item)
	}
	return l, nil
}

// IgnoreListFromEnv combines DefaultIgnore, extra and the value of
// IgnoreEnv.
func IgnoreListFromEnv(extra string) (IgnoreList, error) {
	return ParseIgnoreList(strings.Join([]string{DefaultIgnore, extra, os.Getenv(IgnoreEnv)}, ","))
}

// Ignored reports whether rec is exempt.
func (l IgnoreList) Ignored(rec inventory.Record) bool {
	if _, ok := l.FDs[rec.FD]; ok {
		return true
	}
	for _, p := range l.Prefixes {
		if strings.HasPrefix(rec.Path, p) {
			return true
		}
	}
	return false
}

// String renders the list in the form accepted by ParseIgnoreList.
func (l IgnoreList) String() string {
	items := make([]string, 0, len(l.FDs)+len(l.Prefixes))
	fds := make([]int, 0, len(l.FDs))
	for fd := range l.FDs {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	for _, fd := range fds {
		items = append(items, strconv.Itoa(fd))
	}
	return strings.Join(append(items, l.Prefixes...), ",")
}
