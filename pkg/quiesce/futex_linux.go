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

//go:build linux
// +build linux

package quiesce

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	_FUTEX_WAIT         = 0
	_FUTEX_WAKE         = 1
	_FUTEX_PRIVATE_FLAG = 128
)

// futexWait blocks while *addr == val. Spurious returns are possible;
// callers re-check the word.
func futexWait(addr *uint32, val uint32) {
	// Syscall6 rather than RawSyscall6, so the runtime can hand the P to
	// another thread while this one sleeps.
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), _FUTEX_WAIT|_FUTEX_PRIVATE_FLAG, uintptr(val), 0, 0, 0)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
	default:
		panic("futex wait: " + errno.Error())
	}
}

// futexWakeAll wakes every waiter on addr.
func futexWakeAll(addr *uint32) {
	for {
		_, _, errno := unix.RawSyscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), _FUTEX_WAKE|_FUTEX_PRIVATE_FLAG, uintptr(^uint32(0)>>1), 0, 0, 0)
		if errno != unix.EINTR {
			return
		}
	}
}

func gettid() int {
	return unix.Gettid()
}
