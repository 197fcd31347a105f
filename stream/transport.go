package stream

import "context"

// Transport opens bidirectional streams to the service
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one open bidirectional stream
//
// Send and CloseSend are called from one goroutine and Recv from another.
// Close must unblock any pending Send or Recv and may be called more than once.
type Conn interface {
	Send(b *RequestBatch) error
	// CloseSend half-closes the request direction
	CloseSend() error
	// Recv returns the next message, io.EOF once the server has ended the stream
	Recv() (Message, error)
	Close() error
}

// ErrorClassifier may be implemented by a Transport to decide which of its errors warrant a reconnect
type ErrorClassifier interface {
	IsTransient(err error) bool
	// IsUnrecoverable reports errors which end the session even if they would otherwise count as transient
	IsUnrecoverable(err error) bool
}

// TransportFunc adapts a dial function to a Transport
type TransportFunc func(ctx context.Context) (Conn, error)

func (f TransportFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}
