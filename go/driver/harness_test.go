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
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pgpipe/pgpipe/go/pgwire"
	"github.com/pgpipe/pgpipe/go/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// pipeDialer hands out the client half of a net.Pipe per dial and delivers
// the server half to the test.
type pipeDialer struct {
	serverSide chan net.Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{serverSide: make(chan net.Conn, 4)}
}

func (d *pipeDialer) Dial(context.Context, transport.Target) (net.Conn, error) {
	client, server := net.Pipe()
	d.serverSide <- server
	return client, nil
}

// testServer speaks the backend protocol over one pipe half.
type testServer struct {
	t    *testing.T
	conn net.Conn
}

// frontendFrame is one decoded client message.
type frontendFrame struct {
	typ  byte
	body []byte
}

// readStartup consumes the startup packet and returns its parameters.
func (s *testServer) readStartup() map[string]string {
	var lenBuf [4]byte
	_, err := io.ReadFull(s.conn, lenBuf[:])
	require.NoError(s.t, err)
	length := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, length-4)
	_, err = io.ReadFull(s.conn, body)
	require.NoError(s.t, err)

	version := binary.BigEndian.Uint32(body[:4])
	require.Equal(s.t, uint32(pgwire.ProtocolVersionNumber), version)

	params := map[string]string{}
	rest := body[4:]
	for len(rest) > 1 {
		var name, value string
		name, rest = cutString(rest)
		value, rest = cutString(rest)
		params[name] = value
	}
	return params
}

func cutString(b []byte) (string, []byte) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:]
		}
	}
	return string(b), nil
}

// readFrame reads one typed frontend message.
func (s *testServer) readFrame() frontendFrame {
	var header [5]byte
	_, err := io.ReadFull(s.conn, header[:])
	require.NoError(s.t, err)
	length := binary.BigEndian.Uint32(header[1:])
	body := make([]byte, length-4)
	_, err = io.ReadFull(s.conn, body)
	require.NoError(s.t, err)
	return frontendFrame{typ: header[0], body: body}
}

// readUntilSync consumes frontend messages through the next Sync, returning
// them in order (Sync included).
func (s *testServer) readUntilSync() []frontendFrame {
	var frames []frontendFrame
	for {
		f := s.readFrame()
		frames = append(frames, f)
		if f.typ == pgwire.MsgSync {
			return frames
		}
	}
}

// parseSQL extracts the SQL text from a Parse message body.
func parseSQL(f frontendFrame) string {
	_, rest := cutString(f.body) // statement name
	sql, _ := cutString(rest)
	return sql
}

func (s *testServer) write(msgs ...[]byte) {
	var out []byte
	for _, m := range msgs {
		out = append(out, m...)
	}
	_, err := s.conn.Write(out)
	require.NoError(s.t, err)
}

// Backend message builders.

func frame(typ byte, build func(w *pgwire.MessageWriter)) []byte {
	w := pgwire.NewMessageWriter()
	if build != nil {
		build(w)
	}
	return pgwire.AppendFrame(nil, typ, w.Bytes())
}

func msgAuthOk() []byte {
	return frame(pgwire.MsgAuthenticationRequest, func(w *pgwire.MessageWriter) {
		w.WriteInt32(pgwire.AuthOk)
	})
}

func msgParameterStatus(name, value string) []byte {
	return frame(pgwire.MsgParameterStatus, func(w *pgwire.MessageWriter) {
		w.WriteString(name)
		w.WriteString(value)
	})
}

func msgBackendKeyData(pid, key uint32) []byte {
	return frame(pgwire.MsgBackendKeyData, func(w *pgwire.MessageWriter) {
		w.WriteUint32(pid)
		w.WriteUint32(key)
	})
}

func msgReadyForQuery(status pgwire.TransactionStatus) []byte {
	return frame(pgwire.MsgReadyForQuery, func(w *pgwire.MessageWriter) {
		w.WriteByte(byte(status))
	})
}

func msgParseComplete() []byte {
	return frame(pgwire.MsgParseComplete, nil)
}

func msgBindComplete() []byte {
	return frame(pgwire.MsgBindComplete, nil)
}

func msgCloseComplete() []byte {
	return frame(pgwire.MsgCloseComplete, nil)
}

func msgNoData() []byte {
	return frame(pgwire.MsgNoData, nil)
}

func msgParameterDescription(oids ...uint32) []byte {
	return frame(pgwire.MsgParameterDescription, func(w *pgwire.MessageWriter) {
		w.WriteInt16(int16(len(oids)))
		for _, oid := range oids {
			w.WriteUint32(oid)
		}
	})
}

// msgRowDescription describes text columns with the given names, all typed
// as text.
func msgRowDescription(names ...string) []byte {
	return frame(pgwire.MsgRowDescription, func(w *pgwire.MessageWriter) {
		w.WriteInt16(int16(len(names)))
		for _, name := range names {
			w.WriteString(name)
			w.WriteUint32(0) // table OID
			w.WriteInt16(0)  // attribute number
			w.WriteUint32(pgwire.OIDText)
			w.WriteInt16(-1) // type size
			w.WriteInt32(-1) // type modifier
			w.WriteInt16(pgwire.FormatText)
		}
	})
}

func msgDataRow(values ...string) []byte {
	return frame(pgwire.MsgDataRow, func(w *pgwire.MessageWriter) {
		w.WriteInt16(int16(len(values)))
		for _, v := range values {
			w.WriteByteString([]byte(v))
		}
	})
}

func msgCommandComplete(tag string) []byte {
	return frame(pgwire.MsgCommandComplete, func(w *pgwire.MessageWriter) {
		w.WriteString(tag)
	})
}

func msgEmptyQueryResponse() []byte {
	return frame(pgwire.MsgEmptyQueryResponse, nil)
}

func msgPortalSuspended() []byte {
	return frame(pgwire.MsgPortalSuspended, nil)
}

func msgErrorResponse(code, message string) []byte {
	return frame(pgwire.MsgErrorResponse, func(w *pgwire.MessageWriter) {
		w.WriteByte(pgwire.FieldSeverity)
		w.WriteString("ERROR")
		w.WriteByte(pgwire.FieldCode)
		w.WriteString(code)
		w.WriteByte(pgwire.FieldMessage)
		w.WriteString(message)
		w.WriteByte(0)
	})
}

func msgNoticeResponse(message string) []byte {
	return frame(pgwire.MsgNoticeResponse, func(w *pgwire.MessageWriter) {
		w.WriteByte(pgwire.FieldSeverity)
		w.WriteString("NOTICE")
		w.WriteByte(pgwire.FieldCode)
		w.WriteString("00000")
		w.WriteByte(pgwire.FieldMessage)
		w.WriteString(message)
		w.WriteByte(0)
	})
}

func msgNotification(pid uint32, channel, payload string) []byte {
	return frame(pgwire.MsgNotificationResponse, func(w *pgwire.MessageWriter) {
		w.WriteUint32(pid)
		w.WriteString(channel)
		w.WriteString(payload)
	})
}

func msgCopyInResponse(cols int) []byte {
	return frame(pgwire.MsgCopyInResponse, func(w *pgwire.MessageWriter) {
		w.WriteByte(0) // overall text format
		w.WriteInt16(int16(cols))
		for range cols {
			w.WriteInt16(pgwire.FormatText)
		}
	})
}

func msgCopyOutResponse(cols int) []byte {
	return frame(pgwire.MsgCopyOutResponse, func(w *pgwire.MessageWriter) {
		w.WriteByte(0)
		w.WriteInt16(int16(cols))
		for range cols {
			w.WriteInt16(pgwire.FormatText)
		}
	})
}

func msgCopyData(data []byte) []byte {
	return pgwire.AppendFrame(nil, pgwire.MsgCopyData, data)
}

func msgCopyDone() []byte {
	return frame(pgwire.MsgCopyDone, nil)
}

// handshake serves the default startup: auth ok, a couple of parameters,
// key data, ready.
func (s *testServer) handshake() {
	s.readStartup()
	s.write(
		msgAuthOk(),
		msgParameterStatus("server_version", "16.3"),
		msgParameterStatus("client_encoding", "UTF8"),
		msgBackendKeyData(1234, 5678),
		msgReadyForQuery(pgwire.TxnStatusIdle),
	)
}

// serveExecOK answers one extended-protocol unit with a single-column result
// containing the given row values.
func (s *testServer) serveExecOK(column string, rows ...string) {
	s.readUntilSync()
	msgs := [][]byte{msgParseComplete(), msgBindComplete(), msgRowDescription(column)}
	for _, r := range rows {
		msgs = append(msgs, msgDataRow(r))
	}
	msgs = append(msgs, msgCommandComplete("SELECT 1"), msgReadyForQuery(pgwire.TxnStatusIdle))
	s.write(msgs...)
}

// startConn connects a driver to a scripted server. The returned cleanup is
// registered automatically; handler runs on its own goroutine after the
// handshake completes.
func startConn(t *testing.T, cfg *Config, handler func(s *testServer)) (*Conn, *pipeDialer) {
	t.Helper()

	dialer := newPipeDialer()
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Dialer = dialer
	if cfg.User == "" {
		cfg.User = "test"
	}

	handlerDone := make(chan struct{})
	go func() {
		defer close(handlerDone)
		s := &testServer{t: t, conn: <-dialer.serverSide}
		defer s.conn.Close()
		s.handshake()
		if handler != nil {
			handler(s)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Connect(ctx, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		select {
		case <-handlerDone:
		case <-time.After(5 * time.Second):
			t.Error("test server handler did not finish")
		}
	})
	return conn, dialer
}
