package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/queryboost/queryboost-go/row"
)

var requestSchema = arrow.NewSchema([]arrow.Field{
	{Name: "text", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: row.RowIndexColumn, Type: arrow.PrimitiveTypes.Int64},
}, nil)

var resultSchema = arrow.NewSchema([]arrow.Field{
	{Name: row.RowIndexColumn, Type: arrow.PrimitiveTypes.Int64},
	{Name: "_inference", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

func newRequest(mem memory.Allocator, idx int64, rows int) *RequestBatch {
	b := array.NewRecordBuilder(mem, requestSchema)
	defer b.Release()
	first := idx * int64(rows)
	for i := 0; i < rows; i++ {
		b.Field(0).(*array.StringBuilder).Append("row")
		b.Field(1).(*array.Int64Builder).Append(first + int64(i))
	}
	return &RequestBatch{
		BatchIdx: idx,
		FirstRow: first,
		LastRow:  first + int64(rows) - 1,
		Record:   b.NewRecord(),
	}
}

func rowIndices(b *RequestBatch) []int64 {
	col := b.Record.Column(int(b.Record.NumCols()) - 1).(*array.Int64)
	return append([]int64(nil), col.Int64Values()...)
}

func newResult(mem memory.Allocator, idx int64, indices []int64) *ResultBatch {
	b := array.NewRecordBuilder(mem, resultSchema)
	defer b.Release()
	for _, i := range indices {
		b.Field(0).(*array.Int64Builder).Append(i)
		b.Field(1).(*array.StringBuilder).Append("ok")
	}
	return &ResultBatch{BatchIdx: idx, Record: b.NewRecord()}
}

type reply struct {
	msg Message
	err error
}

// fakeConn is both ends of an in-memory stream: the session uses the Conn methods,
// the server handler uses next/reply/fail
type fakeConn struct {
	requests   chan *RequestBatch
	replies    chan reply
	halfClosed chan struct{}
	closed     chan struct{}
	halfOnce   sync.Once
	closeOnce  sync.Once

	mu   sync.Mutex
	seen []int64
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		requests:   make(chan *RequestBatch),
		replies:    make(chan reply),
		halfClosed: make(chan struct{}),
		closed:     make(chan struct{}),
	}
}

func (c *fakeConn) Send(b *RequestBatch) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	case c.requests <- b:
		return nil
	}
}

func (c *fakeConn) CloseSend() error {
	c.halfOnce.Do(func() { close(c.halfClosed) })
	return nil
}

func (c *fakeConn) Recv() (Message, error) {
	select {
	case r := <-c.replies:
		return r.msg, r.err
	case <-c.closed:
		return Message{}, io.ErrClosedPipe
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// next returns the next request, false once the client half-closed or the conn closed
func (c *fakeConn) next() (*RequestBatch, bool) {
	select {
	case b := <-c.requests:
		c.mu.Lock()
		c.seen = append(c.seen, b.BatchIdx)
		c.mu.Unlock()
		return b, true
	case <-c.halfClosed:
		return nil, false
	case <-c.closed:
		return nil, false
	}
}

func (c *fakeConn) reply(m Message) {
	select {
	case c.replies <- reply{msg: m}:
	case <-c.closed:
		if m.Result != nil {
			m.Result.Release()
		}
	}
}

func (c *fakeConn) fail(err error) {
	select {
	case c.replies <- reply{err: err}:
	case <-c.closed:
	}
}

func (c *fakeConn) received() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.seen...)
}

type handler func(c *fakeConn)

// fakeTransport hands out fakeConns, running handlers[i] as the server of the i'th connection
// (the last handler serves any further connections)
type fakeTransport struct {
	mu       sync.Mutex
	dials    int
	dialErrs []error
	handlers []handler
	conns    []*fakeConn
}

func (t *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if len(t.dialErrs) > 0 {
		err := t.dialErrs[0]
		t.dialErrs = t.dialErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	h := t.handlers[min(len(t.conns), len(t.handlers)-1)]
	t.conns = append(t.conns, c)
	go h(c)
	return c, nil
}

// classifyingTransport is a fakeTransport which rejects errors it wraps in errRejected
type classifyingTransport struct {
	*fakeTransport
}

var errRejected = errors.New("rejected")

func (t classifyingTransport) IsTransient(err error) bool {
	return false
}

func (t classifyingTransport) IsUnrecoverable(err error) bool {
	return errors.Is(err, errRejected)
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[i]
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// echo replies to each request in order and ends the stream once the client half-closes
func echo(mem memory.Allocator) handler {
	return func(c *fakeConn) {
		for {
			b, ok := c.next()
			if !ok {
				c.fail(io.EOF)
				return
			}
			c.reply(Message{Result: newResult(mem, b.BatchIdx, rowIndices(b))})
		}
	}
}

// reversePairs replies to requests two at a time, second first
func reversePairs(mem memory.Allocator) handler {
	return func(c *fakeConn) {
		var held *ResultBatch
		for {
			b, ok := c.next()
			if !ok {
				if held != nil {
					c.reply(Message{Result: held})
				}
				c.fail(io.EOF)
				return
			}
			r := newResult(mem, b.BatchIdx, rowIndices(b))
			if held == nil {
				held = r
				continue
			}
			c.reply(Message{Result: r})
			c.reply(Message{Result: held})
			held = nil
		}
	}
}

// silent reads requests and never replies
func silent(c *fakeConn) {
	for {
		if _, ok := c.next(); !ok {
			<-c.closed
			return
		}
	}
}

func testConfig() Config {
	return Config{
		MaxInFlight:          8,
		ResultQueueSize:      8,
		MaxReconnectAttempts: 3,
		BackoffBase:          time.Millisecond,
		BackoffMax:           5 * time.Millisecond,
	}
}

func sendAll(t *testing.T, ctx context.Context, s *Session, mem memory.Allocator, batches, rows int) {
	t.Helper()
	for i := 0; i < batches; i++ {
		b := newRequest(mem, int64(i), rows)
		if err := s.Send(ctx, b); err != nil {
			b.Release()
			t.Errorf("send batch %d: %v", i, err)
			return
		}
	}
	s.CloseSend()
}

// collect drains the results channel, failing the test if it is not closed in time
func collect(t *testing.T, s *Session) []*ResultBatch {
	t.Helper()
	var out []*ResultBatch
	timeout := time.After(10 * time.Second)
	for {
		select {
		case r, ok := <-s.Results():
			if !ok {
				return out
			}
			out = append(out, r)
		case <-timeout:
			t.Fatal("timed out waiting for results")
		}
	}
}

func releaseAll(results []*ResultBatch) {
	for _, r := range results {
		r.Release()
	}
}

func allIndices(results []*ResultBatch) map[int64]int {
	seen := map[int64]int{}
	for _, r := range results {
		for _, i := range r.RowIndices() {
			seen[i]++
		}
	}
	return seen
}
