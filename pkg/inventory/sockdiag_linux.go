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
	"net"

	"github.com/vishvananda/netlink"
	"warmstart.dev/warmstart/pkg/log"
)

// tcpStates maps the kernel's TCP state numbers (include/net/tcp_states.h)
// to names.
var tcpStates = map[uint8]string{
	1:  "ESTABLISHED",
	2:  "SYN_SENT",
	3:  "SYN_RECV",
	4:  "FIN_WAIT1",
	5:  "FIN_WAIT2",
	6:  "TIME_WAIT",
	7:  "CLOSE",
	8:  "CLOSE_WAIT",
	9:  "LAST_ACK",
	10: "LISTEN",
	11: "CLOSING",
}

// tcpStateOf asks sock_diag for the state of the connection between local
// and remote. Any failure yields an empty state.
func tcpStateOf(local, remote Endpoint) string {
	l := &net.TCPAddr{IP: net.ParseIP(local.Address), Port: local.Port}
	r := &net.TCPAddr{IP: net.ParseIP(remote.Address), Port: remote.Port}
	if l.IP == nil || r.IP == nil {
		return ""
	}
	sock, err := netlink.SocketGet(l, r)
	if err != nil {
		log.Debugf("sock_diag lookup %v -> %v failed: %v", l, r, err)
		return ""
	}
	return tcpStates[sock.State]
}
