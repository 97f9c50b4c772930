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
	"errors"

	"github.com/pgpipe/pgpipe/go/pgwire"
)

// Result is one completed result set: the outcome of a single statement.
type Result struct {
	Fields       []pgwire.Field
	Rows         [][][]byte
	CommandTag   string
	RowsAffected uint64
}

// Rows is a lazily-produced, finite, non-restartable stream of result rows
// for one statement. It must be closed when done; abandoning it without
// Close leaves the read loop waiting on the consumer.
type Rows struct {
	conn   *Conn
	sink   *resultSink
	mapper TypeMapper

	values  [][]byte
	err     error
	stopped bool
}

// Next advances to the next row, suspending until one arrives or the stream
// ends. It returns false at the end of the stream or on error; consult Err.
// Cancelling ctx abandons the stream: the driver keeps draining the wire to
// the protocol boundary on the caller's behalf.
func (r *Rows) Next(ctx context.Context) bool {
	if r.stopped {
		return false
	}
	select {
	case values, ok := <-r.sink.rows:
		if !ok {
			r.stop(r.sink.err)
			return false
		}
		r.values = values
		return true
	case <-ctx.Done():
		r.sink.drop()
		cause := context.Cause(ctx)
		if errors.Is(cause, context.DeadlineExceeded) {
			cause = ErrRequestTimeout
		}
		r.stop(cause)
		return false
	}
}

// Values returns the current row's raw column values. A nil value is SQL
// NULL. Valid until the next call to Next.
func (r *Rows) Values() [][]byte {
	return r.values
}

// Decode converts column i of the current row through the connection's type
// mapper.
func (r *Rows) Decode(i int) (any, error) {
	return r.mapper.Decode(r.sink.fields[i], r.values[i])
}

// FieldDescriptions returns the result set's column descriptions. Available
// once Next has returned at least once, or the stream has ended.
func (r *Rows) FieldDescriptions() []pgwire.Field {
	return r.sink.fields
}

// CommandTag returns the statement's completion tag. Valid after Next has
// returned false with a nil Err.
func (r *Rows) CommandTag() string {
	return r.sink.tag
}

// Err returns the terminal error of the stream, if any.
func (r *Rows) Err() error {
	return r.err
}

// Close abandons the stream. Rows not yet consumed are discarded; the driver
// drains the connection to the next protocol boundary.
func (r *Rows) Close() {
	r.sink.drop()
	if !r.stopped {
		r.stopped = true
		r.values = nil
	}
}

func (r *Rows) stop(err error) {
	r.stopped = true
	r.values = nil
	r.err = err
}

// Collect consumes the remainder of the stream into a Result.
func (r *Rows) Collect(ctx context.Context) (*Result, error) {
	var rows [][][]byte
	for r.Next(ctx) {
		rows = append(rows, r.values)
	}
	if r.err != nil {
		return nil, r.err
	}
	return &Result{
		Fields:       r.sink.fields,
		Rows:         rows,
		CommandTag:   r.sink.tag,
		RowsAffected: r.sink.rowsAffected,
	}, nil
}

// waitSink blocks until the sink reaches its terminal state or ctx expires.
// On expiry the sink is dropped and the driver drains on the caller's
// behalf.
func waitSink(ctx context.Context, s *resultSink) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		s.drop()
		cause := context.Cause(ctx)
		if errors.Is(cause, context.DeadlineExceeded) {
			return ErrRequestTimeout
		}
		return cause
	}
}
