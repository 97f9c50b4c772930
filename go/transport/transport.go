// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport provides the duplex byte-stream capability the driver
// runs on: plain TCP (or Unix sockets), TLS negotiated behind the PostgreSQL
// SSLRequest preamble, and QUIC streams adapted to net.Conn. The driver is
// transport-agnostic; it only sees net.Conn.
package transport

import (
	"context"
	"net"
	"time"
)

// Target identifies one server endpoint.
type Target struct {
	// Network is "tcp" or "unix".
	Network string

	// Addr is a host:port pair for tcp, or a socket path for unix.
	Addr string
}

// String returns the target in network://addr form.
func (t Target) String() string {
	return t.Network + "://" + t.Addr
}

// Dialer establishes an ordered, reliable duplex byte stream to a target.
// Implementations must return a connection ready to carry wire-protocol
// bytes; any transport-level negotiation (TLS handshake, QUIC stream setup)
// happens inside Dial.
type Dialer interface {
	Dial(ctx context.Context, target Target) (net.Conn, error)
}

// TCPDialer dials plain TCP or Unix-socket connections.
type TCPDialer struct {
	// Timeout bounds connection establishment. Zero means no timeout beyond
	// the context's.
	Timeout time.Duration

	// KeepAlive configures TCP keep-alive probes. Zero selects the
	// net package default; negative disables them.
	KeepAlive time.Duration
}

// Dial implements Dialer.
func (d *TCPDialer) Dial(ctx context.Context, target Target) (net.Conn, error) {
	nd := &net.Dialer{
		Timeout:   d.Timeout,
		KeepAlive: d.KeepAlive,
	}
	network := target.Network
	if network == "" {
		network = "tcp"
	}
	return nd.DialContext(ctx, network, target.Addr)
}
