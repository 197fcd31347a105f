package stream

import "fmt"

type State int32

const (
	Idle State = iota
	Connecting
	Streaming
	Reconnecting
	Draining
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Stats is a point-in-time snapshot of a session
type Stats struct {
	State             State
	LastAckedBatchIdx int64
	InFlight          int
	Reconnects        int
	Sent              int64
	Received          int64
	Duplicates        int64
}
