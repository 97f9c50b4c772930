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
	"sync"

	"github.com/pgpipe/pgpipe/go/pgwire"
)

// sinkKind selects the response-cursor shape a sink expects.
type sinkKind int

const (
	// sinkExec expects [ParseComplete] BindComplete [RowDescription]
	// DataRow* (CommandComplete | PortalSuspended | EmptyQueryResponse).
	sinkExec sinkKind = iota

	// sinkSimple is a simple Query: any number of result sets, each closed
	// by CommandComplete, until ReadyForQuery.
	sinkSimple

	// sinkPrepare expects ParseComplete ParameterDescription
	// (RowDescription | NoData); it completes at ReadyForQuery.
	sinkPrepare

	// sinkCloseStmt expects CloseComplete.
	sinkCloseStmt

	// sinkCopyIn expects CopyInResponse, then CommandComplete once the
	// caller has streamed CopyData/CopyDone.
	sinkCopyIn

	// sinkCopyOut expects CopyOutResponse, CopyData*, CopyDone,
	// CommandComplete.
	sinkCopyOut

	// sinkSync expects nothing; it completes at ReadyForQuery.
	sinkSync
)

// resultSink is the per-statement response cursor: it records which expected
// messages have arrived and carries results to the waiting caller. All
// mutable fields are written by the read loop only, before done is closed.
type resultSink struct {
	kind sinkKind

	// rows streams decoded DataRow values for sinkExec. Closed at the
	// statement's terminal marker.
	rows chan [][]byte

	// results streams completed result sets for sinkSimple.
	results chan *Result

	// copyStart delivers the CopyInResponse/CopyOutResponse header.
	copyStart chan pgwire.CopyResponse

	// copyData streams CopyData payloads for sinkCopyOut. Closed on
	// CopyDone.
	copyData chan []byte

	// dropped is closed when the caller abandons the request (deadline,
	// explicit close). The read loop keeps draining but stops delivering.
	dropped  chan struct{}
	dropOnce sync.Once

	// done is closed when the sink reaches a terminal state. err, tag and
	// the describe fields are immutable afterwards.
	done chan struct{}

	fields       []pgwire.Field
	paramOIDs    []uint32
	noData       bool
	tag          string
	rowsAffected uint64
	suspended    bool
	err          error
	finished     bool

	gotParseComplete bool
	gotBindComplete  bool

	// current accumulates the in-progress result set for sinkSimple.
	current *Result
}

func newSink(kind sinkKind) *resultSink {
	s := &resultSink{
		kind:    kind,
		dropped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	switch kind {
	case sinkExec:
		s.rows = make(chan [][]byte, 64)
	case sinkSimple:
		s.results = make(chan *Result, 8)
	case sinkCopyIn:
		s.copyStart = make(chan pgwire.CopyResponse, 1)
	case sinkCopyOut:
		s.copyStart = make(chan pgwire.CopyResponse, 1)
		s.copyData = make(chan []byte, 16)
	}
	return s
}

// drop marks the caller as gone. Idempotent and safe from any goroutine.
func (s *resultSink) drop() {
	s.dropOnce.Do(func() { close(s.dropped) })
}

// finalize moves the sink to its terminal state. Read-loop only.
func (s *resultSink) finalize(err error) {
	if s.finished {
		return
	}
	s.finished = true
	s.err = err
	if s.rows != nil {
		close(s.rows)
	}
	if s.results != nil {
		close(s.results)
	}
	if s.copyData != nil {
		close(s.copyData)
	}
	close(s.done)
}

// pipelineUnit is one queue entry: a group of statements written to the wire
// as a batch and closed by a single Sync. Its position in the queue is its
// identity; inbound messages always belong to the queue head's current sink.
type pipelineUnit struct {
	seq   uint64
	sinks []*resultSink

	// cur indexes the sink currently receiving messages.
	cur int

	// aborted is set after an ErrorResponse; the server skips the unit's
	// remaining statements until the Sync boundary.
	aborted bool

	// done is closed when the terminal ReadyForQuery is observed.
	done chan struct{}

	txnStatus pgwire.TransactionStatus
}

// currentSink returns the sink under the cursor, nil when all are finished.
func (u *pipelineUnit) currentSink() *resultSink {
	if u.cur < len(u.sinks) {
		return u.sinks[u.cur]
	}
	return nil
}

// advance finalizes the current sink and moves the cursor forward.
func (u *pipelineUnit) advance(err error) {
	if s := u.currentSink(); s != nil {
		s.finalize(err)
	}
	u.cur++
}

// pipelineQueue is the bounded FIFO of outstanding units. Capacity tokens
// provide submission backpressure; a token is held from submission until the
// unit's ReadyForQuery.
type pipelineQueue struct {
	mu    sync.Mutex
	units []*pipelineUnit
	slots chan struct{}
}

func newPipelineQueue(depth int) *pipelineQueue {
	return &pipelineQueue{
		slots: make(chan struct{}, depth),
	}
}

// acquire claims a capacity slot. With wait=false a full queue returns
// ErrQueueFull immediately; otherwise the caller suspends until a slot frees
// or ctx expires, with an expired deadline surfacing as ErrRequestTimeout
// like every other suspension point.
func (q *pipelineQueue) acquire(ctx context.Context, wait bool) error {
	if !wait {
		select {
		case q.slots <- struct{}{}:
			return nil
		default:
			return ErrQueueFull
		}
	}
	select {
	case q.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		cause := context.Cause(ctx)
		if errors.Is(cause, context.DeadlineExceeded) {
			return ErrRequestTimeout
		}
		return cause
	}
}

// releaseSlot frees one capacity slot.
func (q *pipelineQueue) releaseSlot() {
	<-q.slots
}

// push appends a unit. The caller must already hold a slot.
func (q *pipelineQueue) push(u *pipelineUnit) {
	q.mu.Lock()
	q.units = append(q.units, u)
	q.mu.Unlock()
}

// head returns the unit currently being demultiplexed.
func (q *pipelineQueue) head() *pipelineUnit {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.units) == 0 {
		return nil
	}
	return q.units[0]
}

// pop removes the head and frees its slot.
func (q *pipelineQueue) pop() *pipelineUnit {
	q.mu.Lock()
	if len(q.units) == 0 {
		q.mu.Unlock()
		return nil
	}
	u := q.units[0]
	q.units = q.units[1:]
	q.mu.Unlock()
	q.releaseSlot()
	return u
}

// depth reports the number of outstanding units.
func (q *pipelineQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.units)
}

// drain removes every outstanding unit, in submission order, freeing their
// slots. Used when the connection reaches its terminal state.
func (q *pipelineQueue) drain() []*pipelineUnit {
	q.mu.Lock()
	units := q.units
	q.units = nil
	q.mu.Unlock()
	for range units {
		q.releaseSlot()
	}
	return units
}
