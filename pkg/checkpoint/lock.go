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

package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
)

// LockFile is the name of the lock taken inside the image directory for the
// duration of an operation.
const LockFile = ".warmstart.lock"

// DefaultLockTimeout bounds how long an operation waits for the image
// directory lock.
const DefaultLockTimeout = 5 * time.Second

// lockImageDir takes an exclusive lock on dir, creating it if needed. It
// retries until the lock is free or timeout expires. The returned path is
// the lock file, which stays open while the lock is held.
func lockImageDir(ctx context.Context, dir string, timeout time.Duration) (string, func() error, error) {
	if err := os.MkdirAll(dir, 0711); err != nil {
		return "", nil, fmt.Errorf("creating image directory %q: %w", dir, err)
	}
	// Claims match the resolved path the descriptor table reports.
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", nil, err
	}
	path, err := filepath.Abs(filepath.Join(resolved, LockFile))
	if err != nil {
		return "", nil, err
	}
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	l := flock.NewFlock(path)
	op := func() error {
		locked, err := l.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !locked {
			return fmt.Errorf("image directory %q is busy", dir)
		}
		return nil
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(100*time.Millisecond), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return "", nil, fmt.Errorf("locking image directory: %w", err)
	}
	return path, l.Unlock, nil
}
