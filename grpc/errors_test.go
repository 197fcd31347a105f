package grpc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestCleanErrorMessage(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected string
	}{
		"flight prefix and debug context": {
			input:    "Flight error: Invalid input. gRPC client debug context: UNKNOWN:Error received from peer",
			expected: "Invalid input",
		},
		"prefix only":   {input: "Flight error: Prompt is required.", expected: "Prompt is required."},
		"context only":  {input: "Quota exceeded. gRPC client debug context: x", expected: "Quota exceeded"},
		"plain message": {input: "connection refused", expected: "connection refused"},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.expected, CleanErrorMessage(test.input))
		})
	}
}

func TestErrorClassification(t *testing.T) {
	tests := map[string]struct {
		err           error
		transient     bool
		unrecoverable bool
	}{
		"unavailable":         {err: status.Error(codes.Unavailable, "down"), transient: true},
		"aborted":             {err: status.Error(codes.Aborted, "restart"), transient: true},
		"deadline":            {err: status.Error(codes.DeadlineExceeded, "slow"), transient: true},
		"resource exhausted":  {err: status.Error(codes.ResourceExhausted, "busy"), transient: true},
		"unauthenticated":     {err: status.Error(codes.Unauthenticated, "bad key"), unrecoverable: true},
		"permission denied":   {err: status.Error(codes.PermissionDenied, "no"), unrecoverable: true},
		"invalid argument":    {err: status.Error(codes.InvalidArgument, "bad prompt"), unrecoverable: true},
		"failed precondition": {err: status.Error(codes.FailedPrecondition, "no gpus"), unrecoverable: true},
		"unimplemented":       {err: status.Error(codes.Unimplemented, "old"), unrecoverable: true},
		"internal":            {err: status.Error(codes.Internal, "bug")},
		"wrapped status":      {err: fmt.Errorf("send: %w", status.Error(codes.Unavailable, "down")), transient: true},
		"server error":        {err: &ServerError{Code: codes.Unavailable, Message: "down"}, transient: true},
		"connectivity":        {err: errors.New("rpc error: transport: error while dialing: refused"), transient: true},
		"reset":               {err: errors.New("read tcp: connection reset by peer"), transient: true},
		"plain":               {err: errors.New("boom")},
		"nil":                 {},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.transient, IsTransientError(test.err))
			assert.Equal(t, test.unrecoverable, IsUnrecoverableError(test.err))
		})
	}
}

func TestHandleGrpcError(t *testing.T) {
	assert.NoError(t, HandleGrpcError(nil))

	plain := errors.New("plain")
	assert.Same(t, plain, HandleGrpcError(plain))

	err := HandleGrpcError(status.Error(codes.InvalidArgument, "Flight error: Column reference(s) not found in data: name. gRPC client debug context: x"))
	var serverErr *ServerError
	assert.ErrorAs(t, err, &serverErr)
	assert.Equal(t, codes.InvalidArgument, serverErr.Code)
	assert.Equal(t, "Column reference(s) not found in data: name.", err.Error())
	assert.True(t, IsUnrecoverableError(err))
}
