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

package persist

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"runtime"

	"golang.org/x/sync/errgroup"
	"warmstart.dev/warmstart/pkg/cleanup"
	"warmstart.dev/warmstart/pkg/log"
)

// Persister detaches regions from their backing files and reattaches them.
//
// Writes to a region between the copy and the remap of Checkpoint or
// Restore are lost; callers quiesce writers first.
type Persister struct {
	// Parallelism bounds the regions processed at once by CheckpointAll
	// and RestoreAll. Zero means GOMAXPROCS.
	Parallelism int
}

// Checkpoint replaces a file-backed region with anonymous memory holding the
// same bytes at the same address, then removes the backing file. Anonymous
// regions are left alone.
func (p *Persister) Checkpoint(r Region) error {
	if r.Anonymous() {
		return nil
	}
	if err := r.Validate(); err != nil {
		return &Error{Op: "checkpoint", Region: r, Err: err}
	}
	fail := func(err error) error { return &Error{Op: "checkpoint", Region: r, Err: err} }

	tmp, err := MapAnon(0, r.Len, ProtReadWrite)
	if err != nil {
		return fail(err)
	}
	cu := cleanup.Make(func() { Unmap(tmp, r.Len) })
	defer cu.Clean()

	if err := copyOut(r, tmp); err != nil {
		return fail(err)
	}
	if err := Remap(tmp, r.Addr, r.Len); err != nil {
		return fail(err)
	}
	cu.Release()

	if err := os.Remove(r.BackingPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		// The region itself is already detached.
		log.Warningf("Removing backing file of %s: %v", r, err)
	}
	log.Debugf("Detached %s", r)
	return nil
}

// Restore backs the region with a new file at path (the original backing
// path if empty), holding the region's current bytes, mapped at the same
// address. It returns the region with its new backing path.
func (p *Persister) Restore(r Region, path string) (Region, error) {
	if path == "" {
		path = r.BackingPath
	}
	if path == "" {
		return r, nil
	}
	if err := r.Validate(); err != nil {
		return r, &Error{Op: "restore", Region: r, Err: err}
	}
	fail := func(err error) (Region, error) { return r, &Error{Op: "restore", Region: r, Err: err} }

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fail(err)
	}
	defer f.Close()
	if err := f.Truncate(int64(r.Len)); err != nil {
		return fail(err)
	}
	tmp, err := MapFile(0, r.Len, ProtReadWrite, int(f.Fd()))
	if err != nil {
		return fail(err)
	}
	cu := cleanup.Make(func() { Unmap(tmp, r.Len) })
	defer cu.Clean()

	if err := copyOut(r, tmp); err != nil {
		return fail(err)
	}
	if err := Remap(tmp, r.Addr, r.Len); err != nil {
		return fail(err)
	}
	cu.Release()

	r.BackingPath = path
	log.Debugf("Reattached %s", r)
	return r, nil
}

// copyOut copies the region's bytes into the read-write mapping at dst and
// gives dst the region's protection.
func copyOut(r Region, dst uintptr) error {
	if r.Prot == ProtNone {
		if err := Protect(r.Addr, r.Len, ProtRead); err != nil {
			return err
		}
		defer Protect(r.Addr, r.Len, ProtNone)
	}
	copy(Bytes(dst, r.Len), Bytes(r.Addr, r.Len))
	if r.Prot != ProtReadWrite {
		return Protect(dst, r.Len, r.Prot)
	}
	return nil
}

func (p *Persister) limit() int {
	if p.Parallelism > 0 {
		return p.Parallelism
	}
	return runtime.GOMAXPROCS(0)
}

// CheckpointAll checkpoints every region. Regions are independent, so a
// failure of one does not stop the others. It returns the regions that were
// detached, in input order, and the first error. Only detached regions may
// be passed to RestoreAll: restoring a region still mapped from its backing
// file would truncate the file under it.
func (p *Persister) CheckpointAll(ctx context.Context, regions []Region) ([]Region, error) {
	done := make([]bool, len(regions))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(p.limit())
	for i, r := range regions {
		i, r := i, r
		g.Go(func() error {
			if err := p.Checkpoint(r); err != nil {
				return err
			}
			done[i] = !r.Anonymous()
			return nil
		})
	}
	err := g.Wait()
	var detached []Region
	for i, r := range regions {
		if done[i] {
			detached = append(detached, r)
		}
	}
	return detached, err
}

// RestoreAll restores every region. pathFor, if set, picks the new backing
// path of each region. The returned slice holds the updated regions in
// input order; failed regions are returned unchanged.
func (p *Persister) RestoreAll(ctx context.Context, regions []Region, pathFor func(Region) string) ([]Region, error) {
	out := make([]Region, len(regions))
	copy(out, regions)
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(p.limit())
	for i, r := range regions {
		i, r := i, r
		g.Go(func() error {
			path := ""
			if pathFor != nil {
				path = pathFor(r)
			}
			nr, err := p.Restore(r, path)
			if err != nil {
				return err
			}
			out[i] = nr
			return nil
		})
	}
	return out, g.Wait()
}

// MapNewFile creates a file of length bytes at path and maps it shared at a
// kernel-chosen address. It is how owning subsystems create persistable
// regions.
func MapNewFile(path string, length uintptr, prot Prot) (Region, error) {
	r := Region{Len: length, Prot: prot, BackingPath: path}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return r, &Error{Op: "map", Region: r, Err: err}
	}
	defer f.Close()
	if err := f.Truncate(int64(length)); err != nil {
		return r, &Error{Op: "map", Region: r, Err: err}
	}
	addr, err := MapFile(0, length, prot, int(f.Fd()))
	if err != nil {
		return r, &Error{Op: "map", Region: r, Err: err}
	}
	r.Addr = addr
	return r, nil
}
