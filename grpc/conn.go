package grpc

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/hashicorp/go-hclog"
	"github.com/queryboost/queryboost-go/stream"
)

type received struct {
	msg stream.Message
	err error
}

// conn is one DoExchange call
type conn struct {
	client     flight.Client
	exchange   flight.FlightService_DoExchangeClient
	cancel     func()
	descriptor *flight.FlightDescriptor
	mem        memory.Allocator
	logger     hclog.Logger

	// writer is created by the first Send, with the schema of the first batch
	writer *flight.Writer

	recv      chan received
	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(client flight.Client, exchange flight.FlightService_DoExchangeClient, cancel func(), descriptor *flight.FlightDescriptor, mem memory.Allocator, logger hclog.Logger) *conn {
	return &conn{
		client:     client,
		exchange:   exchange,
		cancel:     cancel,
		descriptor: descriptor,
		mem:        mem,
		logger:     logger,
		recv:       make(chan received),
		closed:     make(chan struct{}),
	}
}

func (c *conn) Send(b *stream.RequestBatch) error {
	if c.writer == nil {
		c.writer = flight.NewRecordWriter(c.exchange, ipc.WithSchema(b.Record.Schema()), ipc.WithAllocator(c.mem))
		c.writer.SetFlightDescriptor(c.descriptor)
	}
	meta, err := encodeBatchMetadata(b.BatchIdx)
	if err != nil {
		return err
	}
	if err := c.writer.WriteWithAppMetadata(b.Record, meta); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return HandleGrpcError(err)
	}
	return nil
}

func (c *conn) CloseSend() error {
	if c.writer != nil {
		if err := c.writer.Close(); err != nil {
			c.logger.Debug("closing record writer", "error", err)
		}
	}
	return c.exchange.CloseSend()
}

func (c *conn) Recv() (stream.Message, error) {
	select {
	case r := <-c.recv:
		return r.msg, r.err
	case <-c.closed:
		return stream.Message{}, net.ErrClosed
	}
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		err = c.client.Close()
	})
	return err
}

func (c *conn) emit(r received) bool {
	select {
	case c.recv <- r:
		return true
	case <-c.closed:
		if r.msg.Result != nil {
			r.msg.Result.Release()
		}
		return false
	}
}

// pump reads the exchange until it ends, handing messages to Recv
func (c *conn) pump() {
	// headers arrive with the first response, or when the call fails
	if md, err := c.exchange.Header(); err == nil {
		if err := checkServerVersion(md); err != nil {
			c.emit(received{err: err})
			return
		}
	}

	msgs := &exchangeReader{exchange: c.exchange, emit: c.emit, logger: c.logger}
	rdr, err := ipc.NewReaderFromMessageReader(msgs, ipc.WithAllocator(c.mem))
	if err != nil {
		c.emit(received{err: recvError(msgs.cause(err))})
		return
	}
	defer rdr.Release()

	for rdr.Next() {
		meta, err := decodeBatchMetadata(msgs.lastMetadata)
		if err != nil {
			c.emit(received{err: err})
			return
		}
		if meta.Event != "" && !c.emit(received{msg: stream.Message{Event: &stream.ServerEvent{Name: meta.Event, Message: meta.Message}}}) {
			return
		}
		rec := rdr.Record()
		rec.Retain()
		result := &stream.ResultBatch{BatchIdx: *meta.BatchIdx, Record: rec}
		if !c.emit(received{msg: stream.Message{Result: result}}) {
			return
		}
	}
	c.emit(received{err: recvError(msgs.cause(rdr.Err()))})
}

// recvError maps the end of the exchange to io.EOF and failures to ServerErrors
func recvError(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return io.EOF
	}
	return HandleGrpcError(err)
}

// exchangeReader feeds the data messages of the exchange to an IPC reader
// metadata-only messages are server events, emitted as they arrive
type exchangeReader struct {
	exchange     flight.FlightService_DoExchangeClient
	emit         func(received) bool
	logger       hclog.Logger
	lastMetadata []byte
	// err is the error which ended the exchange, as returned by gRPC
	err error
}

func (r *exchangeReader) Message() (*ipc.Message, error) {
	for {
		fd, err := r.exchange.Recv()
		if err != nil {
			r.err = err
			return nil, err
		}
		if len(fd.DataHeader) > 0 {
			r.lastMetadata = fd.AppMetadata
			return ipc.NewMessage(memory.NewBufferBytes(fd.DataHeader), memory.NewBufferBytes(fd.DataBody)), nil
		}
		if len(fd.AppMetadata) == 0 {
			continue
		}
		ev, err := decodeServerEvent(fd.AppMetadata)
		if err != nil {
			r.logger.Warn("ignoring server message", "error", err)
			continue
		}
		if !r.emit(received{msg: stream.Message{Event: ev}}) {
			return nil, net.ErrClosed
		}
	}
}

// cause prefers the transport error over the IPC reader's rendition of it
func (r *exchangeReader) cause(err error) error {
	if err != nil && r.err != nil {
		return r.err
	}
	return err
}

func (r *exchangeReader) Retain()  {}
func (r *exchangeReader) Release() {}
