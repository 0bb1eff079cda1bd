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

//go:build !linux
// +build !linux

package quiesce

import (
	"runtime"
	"sync/atomic"
	"time"
)

// futexWait polls *addr, yielding between checks. Without a futex the park
// loop spins, so release latency is bounded by the poll interval rather than
// by a kernel wake-up.
func futexWait(addr *uint32, val uint32) {
	for atomic.LoadUint32(addr) == val {
		runtime.Gosched()
		time.Sleep(50 * time.Microsecond)
	}
}

// futexWakeAll is a no-op; waiters poll.
func futexWakeAll(*uint32) {}

func gettid() int {
	return 0
}
