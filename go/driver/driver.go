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
	"fmt"

	"github.com/pgpipe/pgpipe/go/pgwire"
)

// readLoop is the connection's single reader goroutine. It owns the decoder
// and all demultiplexing state; every inbound message is attributed to the
// pipeline queue's head unit. It exits when the transport or the protocol
// fails, failing all outstanding requests in submission order.
func (c *Conn) readLoop() {
	defer close(c.readerDone)

	var cause error
	for {
		frame, err := c.decoder.Next()
		if err != nil {
			cause = err
			break
		}
		if frame == nil {
			n, rerr := c.transport.Read(c.rbuf)
			if n > 0 {
				c.decoder.Feed(c.rbuf[:n])
			}
			if rerr != nil {
				cause = &TransportError{Err: rerr}
				break
			}
			continue
		}
		if err := c.dispatch(frame); err != nil {
			cause = err
			break
		}
	}

	c.finishReadLoop(cause)
}

// finishReadLoop moves the connection to its terminal state and fails every
// outstanding request, preserving submission order. Runs exactly once, on
// the reader goroutine, so no other goroutine ever closes sink channels.
func (c *Conn) finishReadLoop(cause error) {
	c.closeMu.Lock()
	if c.closeCause == nil {
		if cause == nil {
			cause = ErrConnClosed
		}
		c.closeCause = cause
	}
	recorded := c.closeCause
	c.closeMu.Unlock()

	c.closed.Store(true)
	c.transport.Close()
	c.state.Store(int32(StateClosed))

	failErr := recorded
	if recorded != ErrConnClosed {
		failErr = &closedError{cause: recorded}
	}

	for _, unit := range c.queue.drain() {
		for ; unit.cur < len(unit.sinks); unit.cur++ {
			unit.sinks[unit.cur].finalize(failErr)
		}
		close(unit.done)
	}

	if recorded != ErrConnClosed {
		c.logger.Debug("connection terminated", "error", recorded)
	}
}

// dispatch routes one backend message. Returning a non-nil error quarantines
// the connection.
func (c *Conn) dispatch(frame *pgwire.Frame) error {
	// Asynchronous messages are valid at any time and belong to no request.
	switch frame.Type {
	case pgwire.MsgParameterStatus:
		name, value, err := pgwire.ParseParameterStatus(frame.Body)
		if err != nil {
			return &pgwire.ProtocolError{Reason: err.Error()}
		}
		c.paramMu.Lock()
		c.serverParams[name] = value
		c.paramMu.Unlock()
		return nil

	case pgwire.MsgNotificationResponse:
		n, err := pgwire.ParseNotification(frame.Body)
		if err != nil {
			return &pgwire.ProtocolError{Reason: err.Error()}
		}
		if c.cfg.OnNotification != nil {
			c.cfg.OnNotification(n)
		} else {
			c.logger.Debug("notification dropped", "channel", n.Channel, "pid", n.ProcessID)
		}
		return nil

	case pgwire.MsgNoticeResponse:
		notice := &Notice{ErrorFields: pgwire.ParseErrorFields(frame.Body)}
		if c.cfg.OnNotice != nil {
			c.cfg.OnNotice(notice)
		} else {
			c.logger.Debug("server notice", "severity", notice.Severity, "message", notice.Message)
		}
		return nil
	}

	unit := c.queue.head()
	if unit == nil {
		return &pgwire.ProtocolError{
			Reason: fmt.Sprintf("message %c (0x%02x) received with no request in flight", frame.Type, frame.Type),
		}
	}
	sink := unit.currentSink()

	switch frame.Type {
	case pgwire.MsgParseComplete:
		if sink != nil {
			sink.gotParseComplete = true
		}

	case pgwire.MsgBindComplete:
		if sink != nil {
			sink.gotBindComplete = true
		}

	case pgwire.MsgParameterDescription:
		oids, err := pgwire.ParseParameterDescription(frame.Body)
		if err != nil {
			return &pgwire.ProtocolError{Reason: err.Error()}
		}
		if sink != nil {
			sink.paramOIDs = oids
		}

	case pgwire.MsgRowDescription:
		fields, err := pgwire.ParseRowDescription(frame.Body)
		if err != nil {
			return &pgwire.ProtocolError{Reason: err.Error()}
		}
		if sink == nil {
			break
		}
		if sink.kind == sinkSimple {
			sink.current = &Result{Fields: fields}
		} else {
			sink.fields = fields
		}

	case pgwire.MsgNoData:
		if sink != nil {
			sink.noData = true
		}

	case pgwire.MsgDataRow:
		values, err := pgwire.ParseDataRow(frame.Body)
		if err != nil {
			return &pgwire.ProtocolError{Reason: err.Error()}
		}
		if sink == nil {
			break
		}
		switch sink.kind {
		case sinkSimple:
			if sink.current != nil {
				sink.current.Rows = append(sink.current.Rows, values)
			}
		default:
			deliverRow(sink, values)
		}

	case pgwire.MsgCommandComplete:
		tag, err := pgwire.ParseCommandComplete(frame.Body)
		if err != nil {
			return &pgwire.ProtocolError{Reason: err.Error()}
		}
		if sink == nil {
			break
		}
		switch sink.kind {
		case sinkSimple:
			res := sink.current
			if res == nil {
				res = &Result{}
			}
			sink.current = nil
			res.CommandTag = tag
			res.RowsAffected = pgwire.RowsAffected(tag)
			deliverResult(sink, res)
		default:
			sink.tag = tag
			sink.rowsAffected = pgwire.RowsAffected(tag)
			unit.advance(nil)
		}

	case pgwire.MsgEmptyQueryResponse:
		if sink == nil {
			break
		}
		if sink.kind == sinkSimple {
			sink.current = nil
		} else {
			unit.advance(nil)
		}

	case pgwire.MsgPortalSuspended:
		if sink != nil {
			sink.suspended = true
			unit.advance(nil)
		}

	case pgwire.MsgCloseComplete:
		if sink != nil && sink.kind == sinkCloseStmt {
			unit.advance(nil)
		}

	case pgwire.MsgCopyInResponse, pgwire.MsgCopyOutResponse:
		resp, err := pgwire.ParseCopyResponse(frame.Body)
		if err != nil {
			return &pgwire.ProtocolError{Reason: err.Error()}
		}
		if sink != nil && sink.copyStart != nil {
			select {
			case sink.copyStart <- resp:
			default:
			}
		}

	case pgwire.MsgCopyData:
		if sink != nil && sink.kind == sinkCopyOut {
			deliverCopyData(sink, frame.Body)
		}

	case pgwire.MsgCopyDone:
		// The terminal marker for copy-out is the CommandComplete that
		// follows; nothing to record here.

	case pgwire.MsgErrorResponse:
		pgErr := &PGError{ErrorFields: pgwire.ParseErrorFields(frame.Body)}
		unit.aborted = true
		if sink != nil {
			unit.advance(pgErr)
		}

	case pgwire.MsgReadyForQuery:
		status, err := pgwire.ParseReadyForQuery(frame.Body)
		if err != nil {
			return &pgwire.ProtocolError{Reason: err.Error()}
		}
		c.paramMu.Lock()
		c.txnStatus = status
		c.paramMu.Unlock()

		done := c.queue.pop()
		if done != nil {
			done.txnStatus = status
			for ; done.cur < len(done.sinks); done.cur++ {
				s := done.sinks[done.cur]
				if done.aborted {
					s.finalize(ErrPipelineAborted)
				} else {
					s.finalize(nil)
				}
			}
			close(done.done)
		}
		if c.queue.depth() == 0 {
			c.state.CompareAndSwap(int32(StateActive), int32(StateIdle))
		}

	case pgwire.MsgAuthenticationRequest:
		return &pgwire.ProtocolError{Reason: "authentication request after session establishment"}

	default:
		return &pgwire.ProtocolError{
			Reason: fmt.Sprintf("unhandled message type %c (0x%02x)", frame.Type, frame.Type),
		}
	}

	return nil
}

// deliverRow hands a row to the consumer, blocking until it is taken or the
// request is abandoned. The blocking send is the per-request flow control:
// a slow consumer slows the read loop rather than growing a buffer.
func deliverRow(s *resultSink, values [][]byte) {
	select {
	case <-s.dropped:
		return
	default:
	}
	select {
	case s.rows <- values:
	case <-s.dropped:
	}
}

func deliverResult(s *resultSink, res *Result) {
	select {
	case <-s.dropped:
		return
	default:
	}
	select {
	case s.results <- res:
	case <-s.dropped:
	}
}

func deliverCopyData(s *resultSink, body []byte) {
	select {
	case <-s.dropped:
		return
	default:
	}
	// The frame body aliases the decoder buffer; the consumer runs on
	// another goroutine, so it gets a copy.
	data := append([]byte(nil), body...)
	select {
	case s.copyData <- data:
	case <-s.dropped:
	}
}
