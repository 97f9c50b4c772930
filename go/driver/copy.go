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
	"fmt"
	"io"

	"github.com/pgpipe/pgpipe/go/pgwire"
)

// copyChunkSize is the CopyData payload size streamed per frame.
const copyChunkSize = 64 * 1024

// CopyIn executes a "COPY ... FROM STDIN" statement, streaming src as the
// copy payload. It returns the completed result (tag and row count) once the
// server acknowledges the copy.
func (c *Conn) CopyIn(ctx context.Context, sql string, src io.Reader) (*Result, error) {
	sink := newSink(sinkCopyIn)
	unit := &pipelineUnit{sinks: []*resultSink{sink}, done: make(chan struct{})}

	err := c.submit(ctx, true, unit, func(dst []byte) []byte {
		return pgwire.AppendQuery(dst, sql)
	})
	if err != nil {
		return nil, err
	}
	// Other submissions are held back until the copy stream is closed.
	defer c.endCopy()

	if _, err := awaitCopyStart(ctx, sink); err != nil {
		return nil, err
	}

	buf := make([]byte, copyChunkSize)
	frame := make([]byte, 0, copyChunkSize+pgwire.PacketHeaderSize)
	for {
		select {
		case <-ctx.Done():
			return nil, c.copyFail(ctx, sink, context.Cause(ctx))
		case <-sink.done:
			// The server aborted the copy; its error is in the sink.
			return nil, waitSink(ctx, sink)
		default:
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			frame = pgwire.AppendCopyData(frame[:0], buf[:n])
			if werr := c.writeMidStream(frame); werr != nil {
				return nil, werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, c.copyFail(ctx, sink, rerr)
		}
	}

	if err := c.writeMidStream(pgwire.AppendCopyDone(nil)); err != nil {
		return nil, err
	}
	if err := waitSink(ctx, sink); err != nil {
		return nil, err
	}
	return &Result{CommandTag: sink.tag, RowsAffected: sink.rowsAffected}, nil
}

// copyFail aborts an in-progress copy-in with the given cause. The server
// answers with an ErrorResponse; the caller's original cause is what
// surfaces.
func (c *Conn) copyFail(ctx context.Context, sink *resultSink, cause error) error {
	msg := "copy aborted"
	if cause != nil {
		msg = cause.Error()
	}
	if err := c.writeMidStream(pgwire.AppendCopyFail(nil, msg)); err != nil {
		return err
	}
	// Drain to the protocol boundary so the connection stays usable.
	select {
	case <-sink.done:
	case <-c.readerDone:
	}
	if cause != nil {
		if errors.Is(cause, context.DeadlineExceeded) {
			return ErrRequestTimeout
		}
		return cause
	}
	return sink.err
}

// CopyOut executes a "COPY ... TO STDOUT" statement, writing the copy
// payload to dst. It returns the completed result once the stream ends.
func (c *Conn) CopyOut(ctx context.Context, sql string, dst io.Writer) (*Result, error) {
	sink := newSink(sinkCopyOut)
	unit := &pipelineUnit{sinks: []*resultSink{sink}, done: make(chan struct{})}

	err := c.submit(ctx, true, unit, func(b []byte) []byte {
		return pgwire.AppendQuery(b, sql)
	})
	if err != nil {
		return nil, err
	}

	if _, err := awaitCopyStart(ctx, sink); err != nil {
		return nil, err
	}

	for {
		select {
		case data, ok := <-sink.copyData:
			if !ok {
				if err := waitSink(ctx, sink); err != nil {
					return nil, err
				}
				return &Result{CommandTag: sink.tag, RowsAffected: sink.rowsAffected}, nil
			}
			if _, werr := dst.Write(data); werr != nil {
				sink.drop()
				return nil, fmt.Errorf("copy destination: %w", werr)
			}
		case <-ctx.Done():
			sink.drop()
			cause := context.Cause(ctx)
			if errors.Is(cause, context.DeadlineExceeded) {
				return nil, ErrRequestTimeout
			}
			return nil, cause
		}
	}
}

// awaitCopyStart waits for the server's copy response header. A sink that
// terminates first carries the server's rejection (not a COPY statement,
// permission error).
func awaitCopyStart(ctx context.Context, sink *resultSink) (pgwire.CopyResponse, error) {
	select {
	case resp := <-sink.copyStart:
		return resp, nil
	case <-sink.done:
		err := sink.err
		if err == nil {
			err = errors.New("statement did not start a copy")
		}
		return pgwire.CopyResponse{}, err
	case <-ctx.Done():
		sink.drop()
		cause := context.Cause(ctx)
		if errors.Is(cause, context.DeadlineExceeded) {
			return pgwire.CopyResponse{}, ErrRequestTimeout
		}
		return pgwire.CopyResponse{}, cause
	}
}
