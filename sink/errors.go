package sink

import (
	"errors"
	"fmt"

	"github.com/queryboost/queryboost-go/stream"
)

var ErrDrained = errors.New("sink already drained")

// SinkWriteError is returned when an artifact could not be written within the retry budget
// the batches it lists were not persisted
type SinkWriteError struct {
	Artifact string
	Attempts int
	// Batches are the batch indices of every result still unwritten
	Batches []int64
	// Unsaved carries the unwritten results once the engine has given them up, i.e. when Drain fails
	// while the engine is still open it keeps them buffered and Unsaved is empty
	// the holder of the error owns them and must Release them
	Unsaved []*stream.ResultBatch
	Cause   error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("failed to write %s after %d attempt(s) (%d batches unsaved): %s", e.Artifact, e.Attempts, len(e.Batches), e.Cause.Error())
}

func (e *SinkWriteError) Unwrap() error {
	return e.Cause
}

// Release releases the unsaved results, if any
func (e *SinkWriteError) Release() {
	for _, rb := range e.Unsaved {
		rb.Release()
	}
	e.Unsaved = nil
}
