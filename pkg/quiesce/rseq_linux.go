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

import "golang.org/x/sys/unix"

const _RSEQ_FLAG_UNREGISTER = 1

func rseqSyscall(c RSeqConfig, flags uintptr) error {
	_, _, errno := unix.RawSyscall6(unix.SYS_RSEQ, uintptr(c.Pointer), uintptr(c.Size), flags, uintptr(c.Signature), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// rseqUnregister drops the calling thread's rseq registration.
func rseqUnregister(c RSeqConfig) error {
	return rseqSyscall(c, _RSEQ_FLAG_UNREGISTER)
}

// rseqRegister restores a registration dropped by rseqUnregister.
func rseqRegister(c RSeqConfig) error {
	return rseqSyscall(c, 0)
}
