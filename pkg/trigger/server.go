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

package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"warmstart.dev/warmstart/pkg/inventory"
	"warmstart.dev/warmstart/pkg/log"
	"warmstart.dev/warmstart/pkg/policy"
)

// owner is the claim owner for trigger descriptors.
const owner = "trigger"

// DefaultTimeout bounds reading a request and writing a response.
const DefaultTimeout = 10 * time.Second

// curUID is the user ID the server runs as.
var curUID = os.Getuid()

// ServerOptions selects what a server can do. Operations whose provider is
// nil fail.
type ServerOptions struct {
	Checkpointer Checkpointer
	Gatherer     prometheus.Gatherer
	Scanner      *inventory.Scanner

	// Claims receives the server's descriptors.
	Claims *policy.Claims

	// Timeout overrides DefaultTimeout. It does not bound the checkpoint.
	Timeout time.Duration
}

// Server serves trigger requests.
type Server struct {
	opts     ServerOptions
	listener *net.UnixListener
	fd       int
	ctx      context.Context
	cancel   context.CancelFunc

	// wg waits for the accept loop to terminate.
	wg sync.WaitGroup
}

// Listen binds a server to the socket at path, replacing a stale socket.
func Listen(path string, opts ServerOptions) (*Server, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	fd, err := rawFD(l)
	if err != nil {
		l.Close()
		return nil, err
	}
	opts.Claims.ClaimFD(fd, owner)
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:     opts,
		listener: l,
		fd:       fd,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// FD returns the listening descriptor.
func (s *Server) FD() int {
	return s.fd
}

// Addr returns the socket path.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// StartServing spawns the accept loop. It does not block; call Wait to wait
// for the loop to exit.
func (s *Server) StartServing() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve()
	}()
}

// Wait waits for the accept loop to exit.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Stop closes the listener and waits for the request in progress, if any.
// It must be called once.
func (s *Server) Stop() {
	s.cancel()
	s.listener.Close()
	s.wg.Wait()
	s.opts.Claims.ReleaseFD(s.fd)
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warningf("Trigger accept: %v", err)
			}
			return
		}
		s.handle(conn)
	}
}

// handle serves a single connection.
func (s *Server) handle(conn *net.UnixConn) {
	defer conn.Close()
	fd, err := rawFD(conn)
	if err != nil {
		log.Warningf("Trigger connection: %v", err)
		return
	}
	s.opts.Claims.ClaimFD(fd, owner)
	defer s.opts.Claims.ReleaseFD(fd)

	pid, uid, err := peerCred(fd)
	if err != nil {
		log.Warningf("Trigger couldn't get credentials: %v", err)
		return
	}
	// Only allow this user and root.
	if uid != curUID && uid != 0 {
		log.Warningf("Trigger auth failure: other UID = %d, current UID = %d", uid, curUID)
		return
	}

	timeout := s.opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	var req Request
	resp := &Response{}
	if err := json.NewDecoder(io.LimitReader(conn, 1<<16)).Decode(&req); err != nil {
		resp.Error = fmt.Sprintf("malformed request: %v", err)
	} else {
		log.Infof("Trigger request from pid %d: %s %v", pid, req.Op, req.Args)
		resp = s.dispatch(&req)
	}
	conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		log.Warningf("Trigger response: %v", err)
	}
}

func (s *Server) dispatch(req *Request) *Response {
	switch req.Op {
	case OpCheckpoint:
		if s.opts.Checkpointer == nil {
			return &Response{Error: "checkpoint not available"}
		}
		return responseFor(s.opts.Checkpointer.Checkpoint(s.ctx, req.Args))
	case OpInventory:
		if s.opts.Scanner == nil {
			return &Response{Error: "inventory not available"}
		}
		records, err := s.opts.Scanner.Scan()
		if err != nil {
			return &Response{Error: err.Error()}
		}
		return &Response{OK: true, Records: records}
	case OpMetrics:
		text, err := s.metrics()
		if err != nil {
			return &Response{Error: err.Error()}
		}
		return &Response{OK: true, Metrics: text}
	}
	return &Response{Error: fmt.Sprintf("unknown operation %q", req.Op)}
}

func (s *Server) metrics() (string, error) {
	if s.opts.Gatherer == nil {
		return "", fmt.Errorf("metrics not available")
	}
	mfs, err := s.opts.Gatherer.Gather()
	if err != nil {
		return "", fmt.Errorf("gathering metrics: %w", err)
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return "", fmt.Errorf("encoding metrics: %w", err)
		}
	}
	return buf.String(), nil
}

// rawFD returns the descriptor number behind c. The number stays valid for
// as long as c is open.
func rawFD(c interface {
	SyscallConn() (syscall.RawConn, error)
}) (int, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := rc.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, err
	}
	return fd, nil
}
