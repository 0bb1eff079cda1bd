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

package inventory

import (
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
	"warmstart.dev/warmstart/pkg/log"
)

// DefaultFDDir lists the descriptors of the calling process.
const DefaultFDDir = "/proc/self/fd"

// deletedSuffix is appended by the kernel to the link text of unlinked files.
const deletedSuffix = " (deleted)"

// Scanner walks the descriptor table of the current process.
type Scanner struct {
	// FDDir is the descriptor directory to walk. Defaults to DefaultFDDir.
	FDDir string

	// SocketDiag enables the netlink sock_diag lookup of TCP state.
	SocketDiag bool
}

func (s *Scanner) fdDir() string {
	if s == nil || s.FDDir == "" {
		return DefaultFDDir
	}
	return s.FDDir
}

// Scan returns one record per open descriptor, in ascending descriptor
// order, with aliases resolved. The descriptor used to read the directory is
// not included. Failing to inspect an individual descriptor marks its record
// Closed; only failing to list the table is an error.
func (s *Scanner) Scan() ([]Record, error) {
	dir, err := os.Open(s.fdDir())
	if err != nil {
		return nil, fmt.Errorf("opening descriptor table %q: %w", s.fdDir(), err)
	}
	self := int(dir.Fd())
	names, err := dir.Readdirnames(-1)
	dir.Close()
	if err != nil {
		return nil, fmt.Errorf("reading descriptor table %q: %w", s.fdDir(), err)
	}

	fds := make([]int, 0, len(names))
	for _, name := range names {
		fd, err := strconv.Atoi(name)
		if err != nil || fd == self {
			continue
		}
		fds = append(fds, fd)
	}
	sort.Ints(fds)

	records := make([]Record, 0, len(fds))
	for _, fd := range fds {
		records = append(records, s.Describe(fd))
	}
	ResolveAliases(records)
	return records, nil
}

// Describe inspects a single descriptor. AliasOf is left as NoAlias.
func (s *Scanner) Describe(fd int) Record {
	rec := Record{FD: fd, AliasOf: NoAlias}

	link, _ := os.Readlink(filepath.Join(s.fdDir(), strconv.Itoa(fd)))
	deleted := strings.HasSuffix(link, deletedSuffix)
	rec.Path = strings.TrimSuffix(link, deletedSuffix)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		log.Debugf("fstat(%d) failed, marking closed: %v", fd, err)
		rec.State = Closed
		return rec
	}
	rec.Kind = kindOf(st.Mode)
	rec.Identity.Dev = uint64(st.Dev)
	rec.Identity.Ino = uint64(st.Ino)

	if fl, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0); err == nil {
		rec.OpenFlags = fl
	}
	if fl, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err == nil {
		rec.CloseOnExec = fl&unix.FD_CLOEXEC != 0
	}

	switch rec.Kind {
	case File:
		if deleted || st.Nlink == 0 {
			rec.Restorability |= Deleted
		}
		if IsSillyRenamed(filepath.Base(rec.Path)) {
			rec.Restorability |= SillyRenamed
		}
		if rec.Restorability != 0 {
			rec.Restorability |= NotReopenable
		}
		if off, err := unix.Seek(fd, 0, io.SeekCurrent); err == nil {
			rec.Offset = off
		}
	case Socket:
		s.describeSocket(fd, &rec)
	}
	return rec
}

func kindOf(mode uint32) Kind {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return File
	case unix.S_IFDIR:
		return Directory
	case unix.S_IFSOCK:
		return Socket
	case unix.S_IFIFO:
		return Pipe
	case unix.S_IFCHR:
		return CharDevice
	case unix.S_IFBLK:
		return BlockDevice
	default:
		return Unknown
	}
}

func (s *Scanner) describeSocket(fd int, rec *Record) {
	if domain, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DOMAIN); err == nil {
		rec.Identity.Family = familyName(domain)
		if typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE); err == nil {
			rec.Identity.Transport = transportName(domain, typ)
		}
	}
	if sa, err := unix.Getsockname(fd); err == nil {
		rec.Identity.Local = endpointOf(sa)
	}
	if sa, err := unix.Getpeername(fd); err == nil {
		rec.Identity.Remote = endpointOf(sa)
	}
	if s != nil && s.SocketDiag && rec.Identity.Transport == "tcp" && !rec.Identity.Remote.IsZero() {
		rec.TCPState = tcpStateOf(rec.Identity.Local, rec.Identity.Remote)
	}
}

func familyName(domain int) string {
	switch domain {
	case unix.AF_INET:
		return "ipv4"
	case unix.AF_INET6:
		return "ipv6"
	case unix.AF_UNIX:
		return "unix"
	case unix.AF_NETLINK:
		return "netlink"
	default:
		return "af" + strconv.Itoa(domain)
	}
}

func transportName(domain, typ int) string {
	typ &^= unix.SOCK_NONBLOCK | unix.SOCK_CLOEXEC
	if domain == unix.AF_INET || domain == unix.AF_INET6 {
		switch typ {
		case unix.SOCK_STREAM:
			return "tcp"
		case unix.SOCK_DGRAM:
			return "udp"
		case unix.SOCK_RAW:
			return "raw"
		}
	}
	switch typ {
	case unix.SOCK_STREAM:
		return "stream"
	case unix.SOCK_DGRAM:
		return "dgram"
	case unix.SOCK_SEQPACKET:
		return "seqpacket"
	case unix.SOCK_RAW:
		return "raw"
	}
	return "type" + strconv.Itoa(typ)
}

func endpointOf(sa unix.Sockaddr) Endpoint {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return Endpoint{Family: "ipv4", Address: netip.AddrFrom4(sa.Addr).String(), Port: sa.Port}
	case *unix.SockaddrInet6:
		return Endpoint{Family: "ipv6", Address: netip.AddrFrom16(sa.Addr).String(), Port: sa.Port}
	case *unix.SockaddrUnix:
		name := sa.Name
		if name == "@" {
			// Unnamed sockets come back with an empty abstract name.
			name = ""
		}
		return Endpoint{Family: "unix", Address: name}
	}
	return Endpoint{}
}
