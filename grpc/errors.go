package grpc

import (
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServerError is a failure reported by the service, with the Flight noise removed from its message
type ServerError struct {
	Code    codes.Code
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

// HandleGrpcError converts a gRPC status error into a ServerError
// errors which do not carry a status are returned unchanged
func HandleGrpcError(err error) error {
	if err == nil {
		return nil
	}
	s, ok := grpcStatus(err)
	if !ok || s.Code() == codes.OK {
		return err
	}
	return &ServerError{Code: s.Code(), Message: CleanErrorMessage(s.Message())}
}

// CleanErrorMessage strips the Flight prefix and the gRPC client debug context from a message
func CleanErrorMessage(message string) string {
	message, _, _ = strings.Cut(message, ". gRPC client debug context:")
	message = strings.ReplaceAll(message, "Flight error: ", "")
	return strings.TrimSpace(message)
}

func code(err error) (codes.Code, bool) {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Code, true
	}
	s, ok := grpcStatus(err)
	if !ok {
		return codes.Unknown, false
	}
	return s.Code(), true
}

// grpcStatus finds the status in the error chain, keeping the service's own message
// (status.FromError replaces the message of a wrapped status with the whole error text)
func grpcStatus(err error) (*status.Status, bool) {
	var gs interface{ GRPCStatus() *status.Status }
	if errors.As(err, &gs) {
		if s := gs.GRPCStatus(); s != nil {
			return s, true
		}
	}
	return nil, false
}

// IsTransientError returns whether the stream may succeed if reopened
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if c, ok := code(err); ok {
		switch c {
		case codes.Unavailable, codes.Aborted, codes.DeadlineExceeded, codes.ResourceExhausted:
			return true
		}
	}
	return IsGRPCConnectivityError(err)
}

// IsUnrecoverableError returns whether the service rejected the run outright
func IsUnrecoverableError(err error) bool {
	c, ok := code(err)
	if !ok {
		return false
	}
	switch c {
	case codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument, codes.FailedPrecondition, codes.Unimplemented:
		return true
	}
	return false
}

func IsGRPCConnectivityError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "error reading from server: EOF") ||
		strings.Contains(err.Error(), "transport: error while dialing:") ||
		strings.Contains(err.Error(), "connection reset by peer"))
}
