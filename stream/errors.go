package stream

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	ErrNotOpen          = errors.New("session is not open")
	ErrAlreadyOpen      = errors.New("session is already open")
	ErrSendClosed       = errors.New("send after CloseSend")
	ErrOutOfOrder       = errors.New("request batch out of order")
	ErrDrainTimeout     = errors.New("timed out waiting for in-flight results")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

	// ErrProtocolViolation is returned when the server sends a result for a batch that was never sent
	ErrProtocolViolation = errors.New("protocol violation")

	// errIdleTimeout and errHalfClosed are transient by construction
	errIdleTimeout = errors.New("no response from server within the idle timeout")
	errHalfClosed  = errors.New("server closed the stream with batches still in flight")
)

// ConnectionError is returned by Open when the stream could not be established
type ConnectionError struct {
	Attempts int
	Cause    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect after %d attempt(s): %s", e.Attempts, e.Cause.Error())
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// StreamTerminatedError reports a stream that ended before every batch was acknowledged
type StreamTerminatedError struct {
	// LastAckedBatchIdx is the most recently acknowledged batch, -1 if none
	LastAckedBatchIdx int64
	Retries           int
	// Pending lists the batch indices still unacknowledged
	Pending []int64
	Cause   error
}

func (e *StreamTerminatedError) Error() string {
	return fmt.Sprintf("stream terminated (last acknowledged batch %d, %d pending, %d retries): %s",
		e.LastAckedBatchIdx, len(e.Pending), e.Retries, e.Cause.Error())
}

func (e *StreamTerminatedError) Unwrap() error {
	return e.Cause
}

// IsTransient is the default classification of stream errors which warrant a reconnect
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, errIdleTimeout),
		errors.Is(err, errHalfClosed),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
