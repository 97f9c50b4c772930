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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgpipe/pgpipe/go/pgwire"
)

// TestPipelinedQueriesKeepOrder submits several queries without waiting for
// responses and checks each caller receives the response to its own SQL.
// The server echoes the Parse SQL back as the row value.
func TestPipelinedQueriesKeepOrder(t *testing.T) {
	const n = 8
	conn, _ := startConn(t, nil, func(s *testServer) {
		for range n {
			frames := s.readUntilSync()
			sql := parseSQL(frames[0])
			s.write(
				msgParseComplete(), msgBindComplete(), msgRowDescription("echo"),
				msgDataRow(sql),
				msgCommandComplete("SELECT 1"), msgReadyForQuery(pgwire.TxnStatusIdle),
			)
		}
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range n {
		sql := "SELECT " + string(rune('a'+i))
		rows, err := conn.Query(ctx, sql)
		require.NoError(t, err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := rows.Collect(ctx)
			if assert.NoError(t, err) && assert.Len(t, res.Rows, 1) {
				assert.Equal(t, sql, string(res.Rows[0][0]), "response matched to wrong request")
			}
		}()
	}
	wg.Wait()
}

// TestBatchErrorAbortsRemainder: in one batch of three statements the second
// fails. The first succeeds, the second carries the server error, the third
// is skipped until the Sync boundary.
func TestBatchErrorAbortsRemainder(t *testing.T) {
	conn, _ := startConn(t, nil, func(s *testServer) {
		s.readUntilSync()
		s.write(
			// Statement 1 succeeds.
			msgParseComplete(), msgBindComplete(), msgRowDescription("a"),
			msgDataRow("1"), msgCommandComplete("SELECT 1"),
			// Statement 2 fails; statement 3 is skipped by the server.
			msgErrorResponse("22012", "division by zero"),
			msgReadyForQuery(pgwire.TxnStatusIdle),
		)
		// Connection is usable again.
		s.serveExecOK("ok", "1")
	})

	p := conn.Pipeline()
	first := p.Queue("SELECT 1")
	second := p.Queue("SELECT 2/0")
	third := p.Queue("SELECT 3")

	ctx := context.Background()
	require.NoError(t, p.Sync(ctx))

	res, err := first.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, []byte("1"), res.Rows[0][0])

	_, err = second.Wait(ctx)
	var pgErr *PGError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "22012", pgErr.SQLState())

	_, err = third.Wait(ctx)
	assert.ErrorIs(t, err, ErrPipelineAborted)

	// Recovery at the Sync boundary.
	out, err := conn.Exec(ctx, "SELECT 1")
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)
}

// TestDisconnectFailsAllPending: the server dies with several requests in
// flight; every one fails with ErrConnClosed carrying the transport cause.
func TestDisconnectFailsAllPending(t *testing.T) {
	const n = 4
	received := make(chan struct{})
	conn, _ := startConn(t, nil, func(s *testServer) {
		for range n {
			s.readUntilSync()
		}
		close(received)
		// Dies without answering anything.
		s.conn.Close()
	})

	ctx := context.Background()
	pending := make([]*Rows, 0, n)
	for i := range n {
		rows, err := conn.Query(ctx, "SELECT "+string(rune('0'+i)))
		require.NoError(t, err)
		pending = append(pending, rows)
	}
	<-received

	for i, rows := range pending {
		_, err := rows.Collect(ctx)
		require.Error(t, err, "request %d", i)
		assert.ErrorIs(t, err, ErrConnClosed, "request %d", i)
		var terr *TransportError
		assert.ErrorAs(t, err, &terr, "request %d should carry the transport cause", i)
	}

	assert.True(t, conn.IsClosed())
	var terr *TransportError
	assert.ErrorAs(t, conn.Err(), &terr)

	select {
	case <-conn.Wait():
	case <-time.After(time.Second):
		t.Fatal("reader did not finish")
	}
}

// TestQueueBackpressure: with depth 2 and a silent server, a third
// submission fails fast via TryQuery and waits via Query until a slot frees.
func TestQueueBackpressure(t *testing.T) {
	release := make(chan struct{})
	conn, _ := startConn(t, &Config{PipelineDepth: 2}, func(s *testServer) {
		s.readUntilSync()
		s.readUntilSync()
		<-release
		// Answer the two queued units, then serve the third.
		for range 2 {
			s.write(
				msgParseComplete(), msgBindComplete(), msgNoData(),
				msgCommandComplete("SELECT 0"), msgReadyForQuery(pgwire.TxnStatusIdle),
			)
		}
		s.readUntilSync()
		s.write(
			msgParseComplete(), msgBindComplete(), msgNoData(),
			msgCommandComplete("SELECT 0"), msgReadyForQuery(pgwire.TxnStatusIdle),
		)
	})

	ctx := context.Background()
	r1, err := conn.Query(ctx, "SELECT 1")
	require.NoError(t, err)
	r2, err := conn.Query(ctx, "SELECT 2")
	require.NoError(t, err)
	assert.Equal(t, 2, conn.PipelineDepth())

	// Queue full: fail-fast path.
	_, err = conn.TryQuery(ctx, "SELECT 3")
	assert.ErrorIs(t, err, ErrQueueFull)

	// Waiting path times out while the queue stays full, surfacing the
	// deadline as a request timeout like every other suspension point.
	shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	_, err = conn.Query(shortCtx, "SELECT 3")
	cancel()
	assert.ErrorIs(t, err, ErrRequestTimeout)

	// Server answers; slots free; the submission goes through.
	close(release)
	_, err = r1.Collect(ctx)
	require.NoError(t, err)
	_, err = r2.Collect(ctx)
	require.NoError(t, err)

	r3, err := conn.Query(ctx, "SELECT 3")
	require.NoError(t, err)
	_, err = r3.Collect(ctx)
	require.NoError(t, err)
}

// TestRequestTimeoutKeepsConnectionUsable: a caller deadline abandons the
// request while the driver drains it; the next request still works.
func TestRequestTimeoutKeepsConnectionUsable(t *testing.T) {
	proceed := make(chan struct{})
	conn, _ := startConn(t, nil, func(s *testServer) {
		s.readUntilSync()
		<-proceed
		s.write(
			msgParseComplete(), msgBindComplete(), msgRowDescription("n"),
			msgDataRow("1"), msgCommandComplete("SELECT 1"), msgReadyForQuery(pgwire.TxnStatusIdle),
		)
		s.serveExecOK("ok", "2")
	})

	ctx := context.Background()
	rows, err := conn.Query(ctx, "SELECT pg_sleep(60)")
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.False(t, rows.Next(shortCtx))
	assert.ErrorIs(t, rows.Err(), ErrRequestTimeout)

	// The late response is drained on the caller's behalf.
	close(proceed)

	res, err := conn.Exec(ctx, "SELECT 2")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, []byte("2"), res.Rows[0][0])
	assert.False(t, conn.IsClosed())
}

// TestProtocolViolationQuarantines: an unknown backend message type is fatal
// and surfaces as a protocol error on pending requests.
func TestProtocolViolationQuarantines(t *testing.T) {
	conn, _ := startConn(t, nil, func(s *testServer) {
		s.readUntilSync()
		// '@' is not a backend message type.
		s.conn.Write([]byte{'@', 0, 0, 0, 4})
	})

	ctx := context.Background()
	rows, err := conn.Query(ctx, "SELECT 1")
	require.NoError(t, err)

	_, err = rows.Collect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnClosed)
	var perr *pgwire.ProtocolError
	assert.ErrorAs(t, err, &perr)

	<-conn.Wait()
	assert.True(t, conn.IsClosed())
}

// TestMalformedCountQuarantines: a RowDescription carrying a negative field
// count is a protocol violation that closes the connection; it must never
// crash the reader.
func TestMalformedCountQuarantines(t *testing.T) {
	conn, _ := startConn(t, nil, func(s *testServer) {
		s.readUntilSync()
		s.write(
			msgParseComplete(),
			msgBindComplete(),
			frame(pgwire.MsgRowDescription, func(w *pgwire.MessageWriter) {
				w.WriteInt16(-1)
			}),
		)
	})

	ctx := context.Background()
	rows, err := conn.Query(ctx, "SELECT 1")
	require.NoError(t, err)

	_, err = rows.Collect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnClosed)
	var perr *pgwire.ProtocolError
	assert.ErrorAs(t, err, &perr)

	<-conn.Wait()
	assert.True(t, conn.IsClosed())
}
