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

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/pgpipe/pgpipe/go/pgwire"
)

// TLSDialer wraps a lower dialer and negotiates TLS the PostgreSQL way: an
// SSLRequest packet goes out first, the server answers with a single byte,
// and only on 'S' does the TLS handshake begin.
type TLSDialer struct {
	// Inner dials the underlying byte stream. Nil selects a plain TCPDialer.
	Inner Dialer

	// Config is the TLS client configuration. An empty ServerName is
	// defaulted to the dialed host so certificate verification can succeed.
	Config *tls.Config
}

// Dial implements Dialer.
func (d *TLSDialer) Dial(ctx context.Context, target Target) (net.Conn, error) {
	inner := d.Inner
	if inner == nil {
		inner = &TCPDialer{}
	}

	raw, err := inner.Dial(ctx, target)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := raw.SetDeadline(deadline); err != nil {
			raw.Close()
			return nil, err
		}
	}

	if err := d.negotiate(raw); err != nil {
		raw.Close()
		return nil, err
	}

	tlsConn := tls.Client(raw, d.clientConfig(target))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("TLS handshake with %s failed: %w", target, err)
	}

	// Clear the negotiation deadline; the driver manages its own.
	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		tlsConn.Close()
		return nil, err
	}

	return tlsConn, nil
}

// clientConfig clones the configuration, filling in ServerName from the
// target when the caller left it empty.
func (d *TLSDialer) clientConfig(target Target) *tls.Config {
	cfg := d.Config.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(target.Addr)
		if err != nil {
			host = target.Addr
		}
		cfg.ServerName = host
	}
	return cfg
}

// negotiate sends the SSLRequest preamble and checks the server's answer.
func (d *TLSDialer) negotiate(conn net.Conn) error {
	if _, err := conn.Write(pgwire.AppendSSLRequest(nil)); err != nil {
		return fmt.Errorf("failed to send SSL request: %w", err)
	}

	var response [1]byte
	if _, err := conn.Read(response[:]); err != nil {
		return fmt.Errorf("failed to read SSL response: %w", err)
	}

	switch response[0] {
	case 'S':
		return nil
	case 'N':
		return fmt.Errorf("server does not support SSL")
	default:
		return fmt.Errorf("unexpected SSL response: %c", response[0])
	}
}
