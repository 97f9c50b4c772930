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

package driver

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/pgpipe/pgpipe/go/pgwire"
	"github.com/pgpipe/pgpipe/go/transport"
)

const (
	// defaultPipelineDepth bounds the number of requests in flight on one
	// connection before submission applies backpressure.
	defaultPipelineDepth = 64

	// defaultReadBufferSize is the transport read chunk size.
	defaultReadBufferSize = 16 * 1024
)

// Config holds the configuration for connecting to a PostgreSQL server.
type Config struct {
	// Hosts are tried in order; the first successful connection wins.
	Hosts []transport.Target

	// Dialer establishes the byte stream. Nil selects a TCPDialer, or a
	// TLSDialer over TCP when TLSConfig is set.
	Dialer transport.Dialer

	// TLSConfig enables TLS via the SSLRequest preamble when Dialer is nil.
	TLSConfig *tls.Config

	// User is the PostgreSQL user name. Required.
	User string

	// Password is the user's password (optional for trust auth).
	Password string

	// Database is the database name; the server defaults it to the user name.
	Database string

	// ApplicationName is reported to the server as application_name.
	ApplicationName string

	// Parameters are additional startup parameters.
	Parameters map[string]string

	// DialTimeout bounds establishing the transport connection.
	DialTimeout time.Duration

	// PipelineDepth is the pipeline queue capacity. Zero selects the
	// default.
	PipelineDepth int

	// MaxFrameSize bounds a single inbound frame before the connection is
	// quarantined with a protocol violation. Zero selects the codec default.
	MaxFrameSize int

	// OnNotification receives LISTEN/NOTIFY payloads. Must not block; the
	// read loop delivers it inline.
	OnNotification func(pgwire.Notification)

	// OnNotice receives server notices. Must not block.
	OnNotice func(*Notice)

	// TypeMapper converts parameter values and row bytes. Nil selects the
	// built-in text mapper.
	TypeMapper TypeMapper

	// Logger is used for connection lifecycle logging. Nil selects
	// slog.Default().
	Logger *slog.Logger
}

// withDefaults returns a copy with zero values replaced by defaults.
func (c *Config) withDefaults() *Config {
	out := *c
	if out.Dialer == nil {
		if out.TLSConfig != nil {
			out.Dialer = &transport.TLSDialer{
				Inner:  &transport.TCPDialer{Timeout: out.DialTimeout},
				Config: out.TLSConfig,
			}
		} else {
			out.Dialer = &transport.TCPDialer{Timeout: out.DialTimeout}
		}
	}
	if out.PipelineDepth <= 0 {
		out.PipelineDepth = defaultPipelineDepth
	}
	if out.MaxFrameSize <= 0 {
		out.MaxFrameSize = pgwire.DefaultMaxFrameSize
	}
	if out.TypeMapper == nil {
		out.TypeMapper = TextMapper{}
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return &out
}

// startupParams assembles the startup packet parameter list.
func (c *Config) startupParams() []pgwire.StartupParam {
	params := []pgwire.StartupParam{{Name: "user", Value: c.User}}
	if c.Database != "" {
		params = append(params, pgwire.StartupParam{Name: "database", Value: c.Database})
	}
	if c.ApplicationName != "" {
		params = append(params, pgwire.StartupParam{Name: "application_name", Value: c.ApplicationName})
	}
	for key, value := range c.Parameters {
		params = append(params, pgwire.StartupParam{Name: key, Value: value})
	}
	return params
}
