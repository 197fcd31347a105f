package grpc

import (
	"fmt"
	"math/rand"
	"time"
)

// CallIdHeader carries the call id of each exchange, so the service can tell reconnects of one run apart
const CallIdHeader = "queryboost-call-id"

// BuildCallId generates a unique id based on the current time
func BuildCallId() string {
	return fmt.Sprintf("%d%d", time.Now().Unix(), rand.Intn(1000))
}

// BuildRunCallId adds the run name and the dial attempt to the given callId
func BuildRunCallId(callId, runName string, attempt int) string {
	return fmt.Sprintf("%s.%d.%s", callId, attempt, runName)
}
