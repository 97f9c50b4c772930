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

	"github.com/pgpipe/pgpipe/go/pgwire"
)

// Statement is a server-side prepared statement bound to one connection.
type Statement struct {
	Name      string
	SQL       string
	ParamOIDs []uint32
	Fields    []pgwire.Field
}

// Query executes sql through the extended protocol on the unnamed statement
// and streams the result rows. The call returns as soon as the request is on
// the wire; protocol errors surface through the returned Rows.
//
// Concurrent Query calls pipeline: later requests go on the wire without
// waiting for earlier responses, and responses come back in submission order.
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (*Rows, error) {
	return c.queryExtended(ctx, "", sql, 0, true, args)
}

// TryQuery is Query without backpressure: when the pipeline queue is at
// capacity it fails immediately with ErrQueueFull instead of waiting for a
// slot.
func (c *Conn) TryQuery(ctx context.Context, sql string, args ...any) (*Rows, error) {
	return c.queryExtended(ctx, "", sql, 0, false, args)
}

// QueryLimit is Query with an Execute row limit. When the limit truncates the
// result the portal is suspended; Rows.Suspended reports it.
func (c *Conn) QueryLimit(ctx context.Context, sql string, maxRows int32, args ...any) (*Rows, error) {
	return c.queryExtended(ctx, "", sql, maxRows, true, args)
}

// QueryStatement executes a prepared statement.
func (c *Conn) QueryStatement(ctx context.Context, stmt *Statement, args ...any) (*Rows, error) {
	return c.queryExtended(ctx, stmt.Name, "", 0, true, args)
}

func (c *Conn) queryExtended(ctx context.Context, stmtName, sql string, maxRows int32, wait bool, args []any) (*Rows, error) {
	values, oids, formats, err := encodeParams(c.mapper, args)
	if err != nil {
		return nil, err
	}

	sink := newSink(sinkExec)
	unit := &pipelineUnit{sinks: []*resultSink{sink}, done: make(chan struct{})}

	err = c.submit(ctx, wait, unit, func(dst []byte) []byte {
		if stmtName == "" {
			dst = pgwire.AppendParse(dst, "", sql, oids)
		}
		dst = pgwire.AppendBind(dst, "", stmtName, values, formats, nil)
		dst = pgwire.AppendDescribe(dst, 'P', "")
		dst = pgwire.AppendExecute(dst, "", maxRows)
		dst = pgwire.AppendSync(dst)
		return dst
	})
	if err != nil {
		return nil, err
	}
	return &Rows{conn: c, sink: sink, mapper: c.mapper}, nil
}

// Exec executes sql and collects the complete result.
func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (*Result, error) {
	rows, err := c.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows.Collect(ctx)
}

// ExecStatement executes a prepared statement and collects the complete
// result.
func (c *Conn) ExecStatement(ctx context.Context, stmt *Statement, args ...any) (*Result, error) {
	rows, err := c.QueryStatement(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	return rows.Collect(ctx)
}

// Prepare creates a named server-side prepared statement and describes it.
// An empty name gets a generated one. paramOIDs declares parameter types in
// the Parse message; types left out are inferred by the server.
func (c *Conn) Prepare(ctx context.Context, name, sql string, paramOIDs ...uint32) (*Statement, error) {
	if name == "" {
		name = fmt.Sprintf("pgpipe_%d", c.stmtCounter.Add(1))
	}

	sink := newSink(sinkPrepare)
	unit := &pipelineUnit{sinks: []*resultSink{sink}, done: make(chan struct{})}

	err := c.submit(ctx, true, unit, func(dst []byte) []byte {
		dst = pgwire.AppendParse(dst, name, sql, paramOIDs)
		dst = pgwire.AppendDescribe(dst, 'S', name)
		dst = pgwire.AppendSync(dst)
		return dst
	})
	if err != nil {
		return nil, err
	}
	if err := waitSink(ctx, sink); err != nil {
		return nil, err
	}
	return &Statement{
		Name:      name,
		SQL:       sql,
		ParamOIDs: sink.paramOIDs,
		Fields:    sink.fields,
	}, nil
}

// CloseStatement deallocates a prepared statement on the server.
func (c *Conn) CloseStatement(ctx context.Context, stmt *Statement) error {
	sink := newSink(sinkCloseStmt)
	unit := &pipelineUnit{sinks: []*resultSink{sink}, done: make(chan struct{})}

	err := c.submit(ctx, true, unit, func(dst []byte) []byte {
		dst = pgwire.AppendClose(dst, 'S', stmt.Name)
		dst = pgwire.AppendSync(dst)
		return dst
	})
	if err != nil {
		return err
	}
	return waitSink(ctx, sink)
}

// SimpleQuery executes sql through the simple query protocol. The string may
// contain multiple statements separated by semicolons; one Result is
// returned per statement. Parameters are not supported.
func (c *Conn) SimpleQuery(ctx context.Context, sql string) ([]*Result, error) {
	sink := newSink(sinkSimple)
	unit := &pipelineUnit{sinks: []*resultSink{sink}, done: make(chan struct{})}

	err := c.submit(ctx, true, unit, func(dst []byte) []byte {
		return pgwire.AppendQuery(dst, sql)
	})
	if err != nil {
		return nil, err
	}

	var out []*Result
	for {
		select {
		case res, ok := <-sink.results:
			if !ok {
				if sink.err != nil {
					return nil, sink.err
				}
				return out, nil
			}
			out = append(out, res)
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

// Ping verifies the connection round-trips by sending a bare Sync.
func (c *Conn) Ping(ctx context.Context) error {
	sink := newSink(sinkSync)
	unit := &pipelineUnit{sinks: []*resultSink{sink}, done: make(chan struct{})}

	err := c.submit(ctx, true, unit, func(dst []byte) []byte {
		return pgwire.AppendSync(dst)
	})
	if err != nil {
		return err
	}
	return waitSink(ctx, sink)
}

// Suspended reports whether the server suspended the portal because an
// Execute row limit was reached before the result set ended.
func (r *Rows) Suspended() bool {
	return r.sink.suspended
}

// Pipeline accumulates several statements to be written as one batch closed
// by a single Sync. Statements in the batch execute in order; if one fails,
// the server skips the rest of the batch and each skipped statement resolves
// with ErrPipelineAborted. Not safe for concurrent use.
type Pipeline struct {
	conn     *Conn
	buf      []byte
	sinks    []*resultSink
	pendings []*Pending
	queueErr error
}

// Pipeline starts an explicit batch on the connection.
func (c *Conn) Pipeline() *Pipeline {
	return &Pipeline{conn: c}
}

// Pending resolves to one batched statement's result after Sync.
type Pending struct {
	conn   *Conn
	sink   *resultSink
	mapper TypeMapper
	err    error
}

// Queue adds one statement to the batch. Nothing goes on the wire until
// Sync.
func (p *Pipeline) Queue(sql string, args ...any) *Pending {
	return p.queue("", sql, args)
}

// QueueStatement adds one prepared-statement execution to the batch.
func (p *Pipeline) QueueStatement(stmt *Statement, args ...any) *Pending {
	return p.queue(stmt.Name, "", args)
}

func (p *Pipeline) queue(stmtName, sql string, args []any) *Pending {
	pending := &Pending{conn: p.conn, mapper: p.conn.mapper}

	values, oids, formats, err := encodeParams(p.conn.mapper, args)
	if err != nil {
		pending.err = err
		if p.queueErr == nil {
			p.queueErr = err
		}
		p.pendings = append(p.pendings, pending)
		return pending
	}

	if stmtName == "" {
		p.buf = pgwire.AppendParse(p.buf, "", sql, oids)
	}
	p.buf = pgwire.AppendBind(p.buf, "", stmtName, values, formats, nil)
	p.buf = pgwire.AppendDescribe(p.buf, 'P', "")
	p.buf = pgwire.AppendExecute(p.buf, "", 0)

	pending.sink = newSink(sinkExec)
	p.sinks = append(p.sinks, pending.sink)
	p.pendings = append(p.pendings, pending)
	return pending
}

// Sync writes the whole batch followed by one Sync message. After a
// successful Sync each Pending can be awaited independently; results arrive
// in queue order.
func (p *Pipeline) Sync(ctx context.Context) error {
	if p.queueErr != nil {
		return p.queueErr
	}
	if len(p.sinks) == 0 {
		return errors.New("pipeline: nothing queued")
	}

	unit := &pipelineUnit{sinks: p.sinks, done: make(chan struct{})}
	err := p.conn.submit(ctx, true, unit, func(dst []byte) []byte {
		dst = append(dst, p.buf...)
		return pgwire.AppendSync(dst)
	})
	if err != nil {
		for _, pending := range p.pendings {
			if pending.err == nil {
				pending.err = err
			}
		}
		return err
	}

	// The batch is on the wire; reset for reuse.
	p.buf = nil
	p.sinks = nil
	p.pendings = nil
	return nil
}

// Rows streams the statement's result. Valid once the batch is synced.
func (pe *Pending) Rows() (*Rows, error) {
	if pe.err != nil {
		return nil, pe.err
	}
	return &Rows{conn: pe.conn, sink: pe.sink, mapper: pe.mapper}, nil
}

// Wait collects the statement's complete result.
func (pe *Pending) Wait(ctx context.Context) (*Result, error) {
	rows, err := pe.Rows()
	if err != nil {
		return nil, err
	}
	return rows.Collect(ctx)
}
