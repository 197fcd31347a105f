package error_helpers

import (
	"context"
	"errors"
	"strings"
)

// IsContextCancelledError reports whether err comes from a cancelled context
// a cancellation which crossed a gRPC boundary only survives as status text
func IsContextCancelledError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "code = Canceled") || strings.Contains(msg, context.Canceled.Error())
}
