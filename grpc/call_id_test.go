package grpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunCallId(t *testing.T) {
	assert.Equal(t, "1700000000123.3.reviews.v2", BuildRunCallId("1700000000123", "reviews.v2", 3))
	assert.NotEmpty(t, BuildCallId())
}
