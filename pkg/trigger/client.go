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
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"warmstart.dev/warmstart/pkg/inventory"
)

// DefaultDialTimeout bounds how long the client waits for the socket to
// accept connections.
const DefaultDialTimeout = 5 * time.Second

// Client sends trigger requests to a server.
type Client struct {
	// Path is the server socket.
	Path string

	// DialTimeout overrides DefaultDialTimeout.
	DialTimeout time.Duration
}

// Checkpoint requests a checkpoint. args are passed to the engine. A
// rejected or failed checkpoint is returned as *Error along with the
// response.
func (c *Client) Checkpoint(ctx context.Context, args []string) (*Response, error) {
	return c.Do(ctx, &Request{Op: OpCheckpoint, Args: args})
}

// Metrics returns the server's metrics in text exposition format.
func (c *Client) Metrics(ctx context.Context) (string, error) {
	resp, err := c.Do(ctx, &Request{Op: OpMetrics})
	if err != nil {
		return "", err
	}
	return resp.Metrics, nil
}

// Inventory returns the server process's descriptor table.
func (c *Client) Inventory(ctx context.Context) ([]inventory.Record, error) {
	resp, err := c.Do(ctx, &Request{Op: OpInventory})
	if err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Do sends req and waits for the response.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if err := conn.CloseWrite(); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if !resp.OK {
		return &resp, &Error{Message: resp.Error, Failures: resp.Failures}
	}
	return &resp, nil
}

// dial connects to the server, retrying while the socket is missing or not
// yet accepting.
func (c *Client) dial(ctx context.Context) (*net.UnixConn, error) {
	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = timeout

	var conn *net.UnixConn
	op := func() error {
		var err error
		conn, err = net.DialUnix("unix", nil, &net.UnixAddr{Name: c.Path, Net: "unix"})
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("connecting to %q: %w", c.Path, err)
	}
	return conn, nil
}
