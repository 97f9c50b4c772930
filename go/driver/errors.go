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
	"errors"
	"fmt"

	"github.com/pgpipe/pgpipe/go/pgwire"
)

// Sentinel errors. Check with errors.Is.
var (
	// ErrQueueFull is returned by non-waiting submission when the pipeline
	// queue is at capacity. The connection remains usable.
	ErrQueueFull = errors.New("pipeline queue full")

	// ErrConnClosed is returned when work is submitted to, or was in flight
	// on, a connection that reached its terminal state.
	ErrConnClosed = errors.New("connection closed")

	// ErrPipelineAborted marks a statement that the server skipped because
	// an earlier statement in the same pipeline segment failed. The
	// connection recovers at the following ReadyForQuery.
	ErrPipelineAborted = errors.New("skipped due to prior pipeline error")

	// ErrRequestTimeout is returned when a caller's per-request deadline
	// expires. The driver keeps draining the wire on the caller's behalf;
	// the connection remains usable.
	ErrRequestTimeout = errors.New("request deadline exceeded")
)

// PGError is an ErrorResponse from the server, carried verbatim. It is
// recoverable: the connection is usable again after the ReadyForQuery that
// follows it.
type PGError struct {
	pgwire.ErrorFields
}

func (e *PGError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (SQLSTATE %s)\nDETAIL: %s", e.Severity, e.Message, e.Code, e.Detail)
	}
	return fmt.Sprintf("%s: %s (SQLSTATE %s)", e.Severity, e.Message, e.Code)
}

// SQLState returns the five-character SQLSTATE code.
func (e *PGError) SQLState() string {
	return e.Code
}

// IsSQLState checks if the error has the given SQLSTATE code.
func (e *PGError) IsSQLState(code string) bool {
	return e.Code == code
}

// Notice is a NoticeResponse from the server, delivered out of band.
type Notice struct {
	pgwire.ErrorFields
}

// TransportError wraps an I/O failure on the underlying byte stream. It is
// fatal: the connection closes and every queued request fails with it, in
// submission order.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AuthError reports a rejected authentication handshake. Fatal for the
// connection; the driver does not retry.
type AuthError struct {
	Method string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%s): %v", e.Method, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// closedError pairs ErrConnClosed with the cause that closed the connection,
// so every in-flight request surfaces the triggering failure.
type closedError struct {
	cause error
}

func (e *closedError) Error() string {
	if e.cause == nil {
		return ErrConnClosed.Error()
	}
	return ErrConnClosed.Error() + ": " + e.cause.Error()
}

func (e *closedError) Is(target error) bool {
	return target == ErrConnClosed
}

func (e *closedError) Unwrap() error {
	return e.cause
}
