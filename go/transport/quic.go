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

	"github.com/quic-go/quic-go"

	"github.com/pgpipe/pgpipe/go/pgwire"
)

// QUICDialer opens a bidirectional QUIC stream and presents it as a
// net.Conn. The peer must be a proxy that translates QUIC stream framing to
// the plain wire protocol; the driver itself speaks unmodified protocol
// bytes over the stream.
type QUICDialer struct {
	// TLSConfig is the TLS configuration for the QUIC handshake. The
	// PostgreSQL ALPN identifier is added if no protocols are set.
	TLSConfig *tls.Config

	// QUICConfig optionally tunes the QUIC session.
	QUICConfig *quic.Config
}

// Dial implements Dialer.
func (d *QUICDialer) Dial(ctx context.Context, target Target) (net.Conn, error) {
	tlsConf := d.TLSConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	} else {
		tlsConf = tlsConf.Clone()
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{pgwire.ALPNProtocol}
	}

	session, err := quic.DialAddr(ctx, target.Addr, tlsConf, d.QUICConfig)
	if err != nil {
		return nil, fmt.Errorf("QUIC dial %s failed: %w", target, err)
	}

	stream, err := session.OpenStreamSync(ctx)
	if err != nil {
		session.CloseWithError(0, "")
		return nil, fmt.Errorf("failed to open QUIC stream to %s: %w", target, err)
	}

	return &quicStreamConn{session: session, stream: stream}, nil
}

// quicStreamConn adapts one bidirectional QUIC stream to net.Conn. Closing
// the conn tears down the whole session; the driver owns exactly one stream
// per connection.
type quicStreamConn struct {
	session *quic.Conn
	stream  *quic.Stream
}

func (c *quicStreamConn) Read(p []byte) (int, error) {
	return c.stream.Read(p)
}

func (c *quicStreamConn) Write(p []byte) (int, error) {
	return c.stream.Write(p)
}

func (c *quicStreamConn) Close() error {
	c.stream.CancelRead(0)
	_ = c.stream.Close()
	return c.session.CloseWithError(0, "")
}

func (c *quicStreamConn) LocalAddr() net.Addr {
	return c.session.LocalAddr()
}

func (c *quicStreamConn) RemoteAddr() net.Addr {
	return c.session.RemoteAddr()
}

func (c *quicStreamConn) SetDeadline(t time.Time) error {
	return c.stream.SetDeadline(t)
}

func (c *quicStreamConn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

func (c *quicStreamConn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}
