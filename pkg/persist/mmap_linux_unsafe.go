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

package persist

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func (p Prot) bits() uintptr {
	switch p {
	case ProtRead:
		return unix.PROT_READ
	case ProtReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	case ProtReadWriteExec:
		return unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	}
	return unix.PROT_NONE
}

func mmap(addr, length, prot, flags uintptr, fd int) (uintptr, error) {
	if addr != 0 {
		flags |= unix.MAP_FIXED
	}
	m, _, errno := unix.RawSyscall6(unix.SYS_MMAP, addr, length, prot, flags, uintptr(fd), 0)
	if errno != 0 {
		return 0, errno
	}
	return m, nil
}

// MapFile maps length bytes of fd shared. A non-zero addr is used as a fixed
// address, replacing whatever is mapped there.
func MapFile(addr, length uintptr, prot Prot, fd int) (uintptr, error) {
	m, err := mmap(addr, length, prot.bits(), unix.MAP_SHARED, fd)
	if err != nil {
		return 0, fmt.Errorf("mmap(fd %d, %d bytes): %w", fd, length, err)
	}
	return m, nil
}

// MapAnon maps length bytes of private anonymous memory.
func MapAnon(addr, length uintptr, prot Prot) (uintptr, error) {
	m, err := mmap(addr, length, prot.bits(), unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, -1)
	if err != nil {
		return 0, fmt.Errorf("mmap(anonymous, %d bytes): %w", length, err)
	}
	return m, nil
}

// Unmap removes the mapping at [addr, addr+length).
func Unmap(addr, length uintptr) error {
	if _, _, errno := unix.RawSyscall(unix.SYS_MUNMAP, addr, length, 0); errno != 0 {
		return fmt.Errorf("munmap(%#x, %d): %w", addr, length, errno)
	}
	return nil
}

// Remap moves the mapping at from onto to in one step, replacing whatever
// is mapped at to. The mapping at from is gone afterwards.
func Remap(from, to, length uintptr) error {
	if _, _, errno := unix.RawSyscall6(unix.SYS_MREMAP, from, length, length, unix.MREMAP_MAYMOVE|unix.MREMAP_FIXED, to, 0); errno != 0 {
		return fmt.Errorf("mremap(%#x -> %#x, %d): %w", from, to, length, errno)
	}
	return nil
}

// Protect changes the protection of [addr, addr+length).
func Protect(addr, length uintptr, prot Prot) error {
	if _, _, errno := unix.RawSyscall(unix.SYS_MPROTECT, addr, length, prot.bits()); errno != 0 {
		return fmt.Errorf("mprotect(%#x, %d, %s): %w", addr, length, prot, errno)
	}
	return nil
}

// Bytes returns the memory at [addr, addr+length) as a slice. The caller
// must keep the mapping alive while using it.
//
// addr comes from mmap and lies outside the Go heap, so reinterpreting its
// bits as a pointer is safe; the GC never moves or frees it.
func Bytes(addr, length uintptr) []byte {
	ptr := *(*unsafe.Pointer)(unsafe.Pointer(&addr))
	return unsafe.Slice((*byte)(ptr), int(length))
}
