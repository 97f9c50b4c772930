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

// Package driver implements the PostgreSQL connection driver: it owns the
// transport, runs the protocol state machine, and multiplexes pipelined
// requests from concurrent callers over the single ordered wire stream.
package driver

import (
	"context"
	"crypto/md5" //nolint:gosec // MD5 is required by PostgreSQL's legacy authentication protocol
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgpipe/pgpipe/go/bufpool"
	"github.com/pgpipe/pgpipe/go/pgwire"
	"github.com/pgpipe/pgpipe/go/transport"
)

// writeBufPool recycles outbound encode buffers across connections.
var writeBufPool = bufpool.New(256, 64*1024)

// Conn is a single physical connection to a PostgreSQL server. It is safe
// for concurrent use: submissions are serialized onto the wire in call
// order, and responses are demultiplexed back to the matching caller.
type Conn struct {
	cfg    *Config
	logger *slog.Logger
	mapper TypeMapper

	transport net.Conn
	target    transport.Target
	decoder   *pgwire.Decoder
	rbuf      []byte

	// writeMu is the single ownership point for the outbound stream: frame
	// writes and queue pushes happen together under it, which is what makes
	// wire order equal queue order.
	writeMu sync.Mutex

	// copyBarrier, when non-nil, holds back new submissions until the
	// in-flight copy-in stream has written its CopyDone or CopyFail: the
	// server aborts copy-in on any interleaved non-copy message. Guarded by
	// writeMu.
	copyBarrier chan struct{}

	queue *pipelineQueue

	state  atomic.Int32
	closed atomic.Bool
	seq    atomic.Uint64

	closeMu    sync.Mutex
	closeCause error

	readerDone chan struct{}

	paramMu      sync.RWMutex
	serverParams map[string]string
	txnStatus    pgwire.TransactionStatus

	keyData pgwire.BackendKeyData

	stmtCounter atomic.Uint64
}

// Connect establishes a connection, trying each configured host in order
// and returning the first success. The returned Conn's read loop runs as
// its own goroutine until the connection closes.
func Connect(ctx context.Context, cfg *Config) (*Conn, error) {
	if cfg.User == "" {
		return nil, fmt.Errorf("config: user is required")
	}
	cfg = cfg.withDefaults()

	hosts := cfg.Hosts
	if len(hosts) == 0 {
		hosts = []transport.Target{{Network: "tcp", Addr: "localhost:5432"}}
	}

	var lastErr error
	for _, host := range hosts {
		conn, err := connectHost(ctx, cfg, host)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		cfg.Logger.DebugContext(ctx, "connect attempt failed",
			"target", host.String(), "error", err)
	}
	return nil, lastErr
}

func connectHost(ctx context.Context, cfg *Config, host transport.Target) (*Conn, error) {
	raw, err := cfg.Dialer.Dial(ctx, host)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to connect to %s: %w", host, err)}
	}

	c := &Conn{
		cfg:          cfg,
		logger:       cfg.Logger,
		mapper:       cfg.TypeMapper,
		transport:    raw,
		target:       host,
		decoder:      pgwire.NewDecoder(cfg.MaxFrameSize),
		rbuf:         make([]byte, defaultReadBufferSize),
		queue:        newPipelineQueue(cfg.PipelineDepth),
		readerDone:   make(chan struct{}),
		serverParams: make(map[string]string),
		txnStatus:    pgwire.TxnStatusIdle,
	}
	c.state.Store(int32(StateConnecting))

	// Bound the handshake with the caller's deadline.
	if deadline, ok := ctx.Deadline(); ok {
		if err := raw.SetDeadline(deadline); err != nil {
			raw.Close()
			return nil, &TransportError{Err: err}
		}
	}

	if err := c.startup(ctx); err != nil {
		raw.Close()
		return nil, err
	}

	if err := raw.SetDeadline(time.Time{}); err != nil {
		raw.Close()
		return nil, &TransportError{Err: err}
	}

	c.state.Store(int32(StateIdle))
	go c.readLoop()

	c.logger.DebugContext(ctx, "connection established",
		"target", host.String(),
		"backend_pid", c.keyData.ProcessID)

	return c, nil
}

// startup performs the startup handshake: startup packet, authentication
// exchange, then parameter collection until ReadyForQuery.
func (c *Conn) startup(ctx context.Context) error {
	if err := c.writeRaw(pgwire.AppendStartup(nil, c.cfg.startupParams())); err != nil {
		return &TransportError{Err: fmt.Errorf("failed to send startup message: %w", err)}
	}

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		default:
		}

		frame, err := c.readFrameSync()
		if err != nil {
			return err
		}

		switch frame.Type {
		case pgwire.MsgAuthenticationRequest:
			if err := c.handleAuthRequest(frame.Body); err != nil {
				return err
			}

		case pgwire.MsgBackendKeyData:
			k, err := pgwire.ParseBackendKeyData(frame.Body)
			if err != nil {
				return &pgwire.ProtocolError{Reason: err.Error()}
			}
			c.keyData = k

		case pgwire.MsgParameterStatus:
			name, value, err := pgwire.ParseParameterStatus(frame.Body)
			if err != nil {
				return &pgwire.ProtocolError{Reason: err.Error()}
			}
			c.serverParams[name] = value

		case pgwire.MsgReadyForQuery:
			status, err := pgwire.ParseReadyForQuery(frame.Body)
			if err != nil {
				return &pgwire.ProtocolError{Reason: err.Error()}
			}
			c.txnStatus = status
			return nil

		case pgwire.MsgErrorResponse:
			return startupError(frame.Body)

		case pgwire.MsgNoticeResponse:
			// Notices during startup are not routable yet; drop them.

		default:
			return &pgwire.ProtocolError{
				Reason: fmt.Sprintf("unexpected message type during startup: %c (0x%02x)", frame.Type, frame.Type),
			}
		}
	}
}

// handleAuthRequest answers one AuthenticationRequest challenge.
func (c *Conn) handleAuthRequest(body []byte) error {
	c.state.Store(int32(StateAuthenticating))

	auth, err := pgwire.ParseAuthRequest(body)
	if err != nil {
		return &pgwire.ProtocolError{Reason: err.Error()}
	}

	switch auth.Code {
	case pgwire.AuthOk:
		return nil

	case pgwire.AuthCleartextPassword:
		return c.writeRaw(pgwire.AppendPassword(nil, c.cfg.Password))

	case pgwire.AuthMD5Password:
		return c.writeRaw(pgwire.AppendPassword(nil, md5Password(c.cfg.User, c.cfg.Password, auth.Salt)))

	case pgwire.AuthSASL:
		if !slices.Contains(auth.Mechanisms, scramSHA256Mechanism) {
			return &AuthError{
				Method: "SASL",
				Err:    fmt.Errorf("server does not support %s (available: %v)", scramSHA256Mechanism, auth.Mechanisms),
			}
		}
		return newScramClient(c, c.cfg.User, c.cfg.Password).authenticate()

	default:
		return &AuthError{
			Method: fmt.Sprintf("code %d", auth.Code),
			Err:    errors.New("unsupported authentication method"),
		}
	}
}

// md5Password derives the legacy MD5 password response:
// "md5" + md5(md5(password + user) + salt).
func md5Password(user, password string, salt []byte) string {
	h1 := md5.New() //nolint:gosec // Required by the PostgreSQL protocol
	h1.Write([]byte(password))
	h1.Write([]byte(user))
	inner := hex.EncodeToString(h1.Sum(nil))

	h2 := md5.New() //nolint:gosec // Required by the PostgreSQL protocol
	h2.Write([]byte(inner))
	h2.Write(salt)
	return "md5" + hex.EncodeToString(h2.Sum(nil))
}

// startupError classifies an ErrorResponse received before the connection
// was established.
func startupError(body []byte) error {
	pgErr := &PGError{ErrorFields: pgwire.ParseErrorFields(body)}
	// Class 28 is invalid authorization.
	if strings.HasPrefix(pgErr.Code, "28") {
		return &AuthError{Method: "password", Err: pgErr}
	}
	return pgErr
}

// readFrameSync reads the next frame directly from the transport. Only used
// before the read loop starts (startup and SCRAM exchange).
func (c *Conn) readFrameSync() (*pgwire.Frame, error) {
	for {
		frame, err := c.decoder.Next()
		if err != nil {
			return nil, err
		}
		if frame != nil {
			return frame, nil
		}

		n, err := c.transport.Read(c.rbuf)
		if err != nil {
			return nil, &TransportError{Err: err}
		}
		c.decoder.Feed(c.rbuf[:n])
	}
}

// writeRaw writes pre-encoded bytes to the transport.
func (c *Conn) writeRaw(b []byte) error {
	_, err := c.transport.Write(b)
	return err
}

// submit claims a pipeline slot, writes the unit's frames, and appends the
// unit to the queue, atomically with respect to other submitters. With
// wait=false a full queue fails fast with ErrQueueFull.
func (c *Conn) submit(ctx context.Context, wait bool, unit *pipelineUnit, encode func(dst []byte) []byte) error {
	if c.closed.Load() {
		return c.closedErr()
	}

	if err := c.queue.acquire(ctx, wait); err != nil {
		return err
	}

	bufp := writeBufPool.Get(0)
	b := (*bufp)[:0]
	b = encode(b)

	c.writeMu.Lock()
	for c.copyBarrier != nil {
		barrier := c.copyBarrier
		c.writeMu.Unlock()
		select {
		case <-barrier:
		case <-c.readerDone:
			c.queue.releaseSlot()
			*bufp = b
			writeBufPool.Put(bufp)
			return c.closedErr()
		case <-ctx.Done():
			c.queue.releaseSlot()
			*bufp = b
			writeBufPool.Put(bufp)
			cause := context.Cause(ctx)
			if errors.Is(cause, context.DeadlineExceeded) {
				return ErrRequestTimeout
			}
			return cause
		}
		c.writeMu.Lock()
	}
	if c.closed.Load() {
		c.writeMu.Unlock()
		c.queue.releaseSlot()
		*bufp = b
		writeBufPool.Put(bufp)
		return c.closedErr()
	}

	_, err := c.transport.Write(b)
	if err == nil {
		unit.seq = c.seq.Add(1)
		c.queue.push(unit)
		c.state.CompareAndSwap(int32(StateIdle), int32(StateActive))
		if len(unit.sinks) == 1 && unit.sinks[0].kind == sinkCopyIn {
			c.copyBarrier = make(chan struct{})
		}
	}
	c.writeMu.Unlock()

	*bufp = b
	writeBufPool.Put(bufp)

	if err != nil {
		c.queue.releaseSlot()
		terr := &TransportError{Err: err}
		c.shutdown(terr)
		return terr
	}
	return nil
}

// endCopy lifts the copy-in submission barrier. Idempotent; runs on every
// CopyIn exit path, including transport failure.
func (c *Conn) endCopy() {
	c.writeMu.Lock()
	if c.copyBarrier != nil {
		close(c.copyBarrier)
		c.copyBarrier = nil
	}
	c.writeMu.Unlock()
}

// writeMidStream writes frames for an already-queued unit (CopyData and
// friends). The unit keeps its queue position; no new slot is claimed.
func (c *Conn) writeMidStream(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return c.closedErr()
	}
	if _, err := c.transport.Write(b); err != nil {
		terr := &TransportError{Err: err}
		c.shutdown(terr)
		return terr
	}
	return nil
}

// shutdown records the closing cause and tears down the transport. The read
// loop observes the transport failure and fails all pending requests in
// order; callers that need to wait for that use Wait.
func (c *Conn) shutdown(cause error) {
	c.closeMu.Lock()
	if c.closeCause == nil {
		c.closeCause = cause
	}
	c.closeMu.Unlock()

	if c.closed.CompareAndSwap(false, true) {
		c.transport.Close()
	}
}

// Close terminates the connection. A Terminate message is sent best-effort,
// then the transport closes; in-flight requests fail with ErrConnClosed in
// submission order.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	if c.closeCause == nil {
		c.closeCause = ErrConnClosed
	}
	c.closeMu.Unlock()

	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.writeMu.Lock()
	_, _ = c.transport.Write(pgwire.AppendTerminate(nil))
	c.writeMu.Unlock()

	err := c.transport.Close()

	// The read loop finishes failing pending requests before exiting.
	<-c.readerDone
	return err
}

// closedErr returns ErrConnClosed carrying the cause that closed the
// connection.
func (c *Conn) closedErr() error {
	c.closeMu.Lock()
	cause := c.closeCause
	c.closeMu.Unlock()
	if cause == nil || cause == ErrConnClosed {
		return ErrConnClosed
	}
	return &closedError{cause: cause}
}

// Cancel requests cancellation of whatever the backend is currently
// executing. Per protocol this opens a fresh connection, writes the
// CancelRequest with the stored key data, and tears it down. Best-effort:
// the targeted request may already have completed.
func (c *Conn) Cancel(ctx context.Context) error {
	if c.keyData.ProcessID == 0 {
		return fmt.Errorf("no backend key data; cancellation unavailable")
	}

	side, err := c.cfg.Dialer.Dial(ctx, c.target)
	if err != nil {
		return &TransportError{Err: fmt.Errorf("cancel dial failed: %w", err)}
	}
	defer side.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = side.SetDeadline(deadline)
	}

	if _, err := side.Write(pgwire.AppendCancelRequest(nil, c.keyData.ProcessID, c.keyData.SecretKey)); err != nil {
		return &TransportError{Err: fmt.Errorf("cancel write failed: %w", err)}
	}

	// The server replies by closing the connection; a short read confirms
	// delivery without trusting the payload.
	_, _ = side.Read(make([]byte, 1))
	return nil
}

// State returns the connection lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// IsClosed reports whether the connection reached its terminal state.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Err returns the cause that closed the connection, nil while it is usable.
func (c *Conn) Err() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if !c.closed.Load() {
		return nil
	}
	return c.closeCause
}

// Wait returns a channel closed when the read loop has exited and all
// pending requests are resolved.
func (c *Conn) Wait() <-chan struct{} {
	return c.readerDone
}

// BackendKeyData returns the server's process ID and secret key.
func (c *Conn) BackendKeyData() pgwire.BackendKeyData {
	return c.keyData
}

// ServerParameter returns a negotiated parameter (server_version,
// client_encoding, TimeZone, ...), tracking ParameterStatus updates.
func (c *Conn) ServerParameter(name string) string {
	c.paramMu.RLock()
	defer c.paramMu.RUnlock()
	return c.serverParams[name]
}

// TxnStatus returns the transaction status from the latest ReadyForQuery.
func (c *Conn) TxnStatus() pgwire.TransactionStatus {
	c.paramMu.RLock()
	defer c.paramMu.RUnlock()
	return c.txnStatus
}

// PipelineDepth reports the number of requests currently in flight.
func (c *Conn) PipelineDepth() int {
	return c.queue.depth()
}
