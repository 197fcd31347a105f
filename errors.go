package queryboost

import (
	"fmt"
	"strings"

	"github.com/gertd/go-pluralize"
	"github.com/queryboost/queryboost-go/stream"
)

// RunError is the terminal error of a run which did not complete
type RunError struct {
	// Saved is set if any artifacts were written before the failure
	Saved     bool
	Flushes   int
	Artifacts []string
	// Unsaved holds results which were received but could not be written, so they can be
	// persisted elsewhere; the holder must Release them
	Unsaved []*stream.ResultBatch
	Cause   error
}

func (e *RunError) Error() string {
	p := pluralize.NewClient()
	var b strings.Builder
	fmt.Fprintf(&b, "run failed: %s.", e.Cause.Error())
	if !e.Saved {
		b.WriteString(" No results were saved.")
	} else {
		verb := "were"
		if len(e.Artifacts) == 1 {
			verb = "was"
		}
		fmt.Fprintf(&b, " %s %s saved before the failure (last %s).",
			p.Pluralize("artifact", len(e.Artifacts), true),
			verb,
			e.Artifacts[len(e.Artifacts)-1])
	}
	if rows := e.UnsavedRows(); rows > 0 {
		fmt.Fprintf(&b, " Received but not written: %s (attached to the error).", p.Pluralize("row", int(rows), true))
	}
	return b.String()
}

func (e *RunError) Unwrap() error {
	return e.Cause
}

// UnsavedRows returns the number of rows in Unsaved
func (e *RunError) UnsavedRows() int64 {
	var n int64
	for _, rb := range e.Unsaved {
		n += rb.NumRows()
	}
	return n
}

// Release releases the unsaved results, if any
func (e *RunError) Release() {
	for _, rb := range e.Unsaved {
		rb.Release()
	}
	e.Unsaved = nil
}
