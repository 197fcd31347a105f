// Package progress carries run progress events from the data path to reporters.
//
// Publishing never blocks: a full event buffer drops the event and counts the drop, so a slow
// reporter cannot stall streaming or flushing.
package progress

import (
	"fmt"
	"time"
)

type Kind int

const (
	BatchSent Kind = iota
	BatchReceived
	DuplicateDiscarded
	Reconnecting
	Reconnected
	FlushCompleted
	FlushFailed
	ServerMessage
	ProcessingStarted
	ProcessingDone
)

func (k Kind) String() string {
	switch k {
	case BatchSent:
		return "batch_sent"
	case BatchReceived:
		return "batch_received"
	case DuplicateDiscarded:
		return "duplicate_discarded"
	case Reconnecting:
		return "reconnecting"
	case Reconnected:
		return "reconnected"
	case FlushCompleted:
		return "flush_completed"
	case FlushFailed:
		return "flush_failed"
	case ServerMessage:
		return "server_message"
	case ProcessingStarted:
		return "processing_started"
	case ProcessingDone:
		return "processing_done"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is one progress notification
// fields not relevant to the Kind are zero
type Event struct {
	Kind     Kind
	Time     time.Time
	BatchIdx int64
	Rows     int64
	Bytes    int64
	Artifact string
	Attempt  int
	Message  string
	Err      error
}

// KindForServerEvent maps a server event name to an event kind
func KindForServerEvent(name string) Kind {
	switch name {
	case "processing_started":
		return ProcessingStarted
	case "processing_done":
		return ProcessingDone
	}
	return ServerMessage
}

// Publisher accepts events; implementations must not block
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to a Publisher
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) {
	f(e)
}

// Discard is a Publisher that drops everything
var Discard Publisher = PublisherFunc(func(Event) {})
