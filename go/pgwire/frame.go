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

package pgwire

import (
	"encoding/binary"
	"fmt"
)

// Frame is a single decoded wire message: a type byte plus its body with the
// length header stripped.
type Frame struct {
	Type byte
	Body []byte
}

// ProtocolError reports malformed or unexpected wire bytes. A connection
// that produces one must be quarantined, not reinterpreted.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol violation: " + e.Reason
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// validBackendTypes is the set of message type bytes the backend may send.
var validBackendTypes = [256]bool{
	MsgParseComplete:         true,
	MsgBindComplete:          true,
	MsgCloseComplete:         true,
	MsgNotificationResponse:  true,
	MsgCommandComplete:       true,
	MsgDataRow:               true,
	MsgErrorResponse:         true,
	MsgCopyInResponse:        true,
	MsgCopyOutResponse:       true,
	MsgCopyBothResponse:      true,
	MsgCopyData:              true,
	MsgCopyDone:              true,
	MsgEmptyQueryResponse:    true,
	MsgBackendKeyData:        true,
	MsgNoticeResponse:        true,
	MsgAuthenticationRequest: true,
	MsgParameterStatus:       true,
	MsgRowDescription:        true,
	MsgReadyForQuery:         true,
	MsgNoData:                true,
	MsgPortalSuspended:       true,
	MsgParameterDescription:  true,
}

// AppendFrame appends a typed message frame (type byte, length, body) to dst.
func AppendFrame(dst []byte, typ byte, body []byte) []byte {
	dst = append(dst, typ)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(PacketHeaderSize+len(body)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, body...)
}

// AppendLengthOnlyFrame appends a frame with no type byte (Startup,
// SSLRequest, CancelRequest) to dst.
func AppendLengthOnlyFrame(dst []byte, body []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(PacketHeaderSize+len(body)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, body...)
}

// Decoder is an incremental frame parser. Bytes are fed in with Feed as they
// arrive from the transport, in whatever sized chunks the reads produce, and
// complete frames are pulled out with Next. Partial frames stay buffered
// until the rest arrives.
type Decoder struct {
	buf          []byte
	maxFrameSize int
}

// NewDecoder creates a decoder. maxFrameSize bounds the declared body length
// of a single frame; zero selects DefaultMaxFrameSize.
func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{maxFrameSize: maxFrameSize}
}

// Feed appends transport bytes to the accumulation buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting to be parsed.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next extracts the next complete frame, or returns (nil, nil) if the buffer
// does not yet hold one. The returned frame's body aliases the decoder's
// buffer and is valid only until the next Feed or Next call.
//
// A frame whose declared length is inconsistent, or whose type byte is not a
// known backend message, yields a *ProtocolError.
func (d *Decoder) Next() (*Frame, error) {
	if len(d.buf) < 1+PacketHeaderSize {
		return nil, nil
	}

	typ := d.buf[0]
	if !validBackendTypes[typ] {
		return nil, protocolErrorf("unrecognized backend message type %q (0x%02x)", typ, typ)
	}

	length := binary.BigEndian.Uint32(d.buf[1 : 1+PacketHeaderSize])
	if length < PacketHeaderSize {
		return nil, protocolErrorf("message length %d below header size", length)
	}
	bodyLen := int(length) - PacketHeaderSize
	if bodyLen > d.maxFrameSize {
		return nil, protocolErrorf("message length %d exceeds limit %d", bodyLen, d.maxFrameSize)
	}

	total := 1 + PacketHeaderSize + bodyLen
	if len(d.buf) < total {
		return nil, nil
	}

	frame := &Frame{Type: typ, Body: d.buf[1+PacketHeaderSize : total]}

	// Compact only when the buffer is fully consumed; otherwise shift the
	// read position by reslicing so the body above stays valid.
	d.buf = d.buf[total:]
	if len(d.buf) == 0 {
		d.buf = nil
	}

	return frame, nil
}
