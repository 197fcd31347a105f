package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gertd/go-pluralize"
	"github.com/hashicorp/go-hclog"
	"github.com/olekukonko/tablewriter"
)

// Reporter renders progress events
// Report is called from a single goroutine
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to a Reporter
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) {
	f(e)
}

// Multi fans events out to several reporters in order
type Multi []Reporter

func (m Multi) Report(e Event) {
	for _, r := range m {
		r.Report(e)
	}
}

// LogReporter writes events to an hclog logger
// per-batch events are logged at trace level, everything else at info or above
type LogReporter struct {
	Logger hclog.Logger
}

func (l *LogReporter) Report(e Event) {
	switch e.Kind {
	case BatchSent, BatchReceived:
		l.Logger.Trace(e.Kind.String(), "batch_idx", e.BatchIdx, "rows", e.Rows)
	case DuplicateDiscarded:
		l.Logger.Debug("duplicate result batch discarded", "batch_idx", e.BatchIdx)
	case Reconnecting:
		l.Logger.Warn("stream interrupted, reconnecting", "attempt", e.Attempt, "error", e.Err)
	case Reconnected:
		l.Logger.Info("stream reconnected", "resent", e.Rows)
	case FlushCompleted:
		l.Logger.Info("results saved", "artifact", e.Artifact, "rows", e.Rows, "bytes", e.Bytes)
	case FlushFailed:
		l.Logger.Error("failed to save results", "artifact", e.Artifact, "attempt", e.Attempt, "error", e.Err)
	case ServerMessage, ProcessingStarted, ProcessingDone:
		l.Logger.Info(e.Message, "event", e.Kind.String())
	}
}

// Summary accumulates run totals and renders them as a table
type Summary struct {
	mu         sync.Mutex
	started    time.Time
	sent       int64
	rowsSent   int64
	received   int64
	rowsDone   int64
	duplicates int64
	reconnects int64
	artifacts  []string
	bytes      int64
	messages   []string
}

func NewSummary() *Summary {
	return &Summary{started: time.Now()}
}

func (s *Summary) Report(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e.Kind {
	case BatchSent:
		s.sent++
		s.rowsSent += e.Rows
	case BatchReceived:
		s.received++
		s.rowsDone += e.Rows
	case DuplicateDiscarded:
		s.duplicates++
	case Reconnecting:
		s.reconnects++
	case FlushCompleted:
		s.artifacts = append(s.artifacts, e.Artifact)
		s.bytes += e.Bytes
	case ServerMessage, ProcessingStarted, ProcessingDone:
		if e.Message != "" {
			s.messages = append(s.messages, e.Message)
		}
	}
}

// RowsReceived returns the number of result rows accepted so far
func (s *Summary) RowsReceived() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rowsDone
}

// Artifacts returns the names of the artifacts saved so far
func (s *Summary) Artifacts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.artifacts...)
}

// Render writes the summary table to w
func (s *Summary) Render(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := pluralize.NewClient()

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"", "Count"})
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Append([]string{p.Pluralize("Batch", int(s.sent), false) + " sent", fmt.Sprintf("%d (%s)", s.sent, p.Pluralize("row", int(s.rowsSent), true))})
	table.Append([]string{p.Pluralize("Batch", int(s.received), false) + " received", fmt.Sprintf("%d (%s)", s.received, p.Pluralize("row", int(s.rowsDone), true))})
	table.Append([]string{"Duplicates discarded", fmt.Sprintf("%d", s.duplicates)})
	table.Append([]string{"Reconnects", fmt.Sprintf("%d", s.reconnects)})
	table.Append([]string{p.Pluralize("Artifact", len(s.artifacts), false) + " saved", fmt.Sprintf("%d (%d bytes)", len(s.artifacts), s.bytes)})
	table.Append([]string{"Elapsed", time.Since(s.started).Round(time.Millisecond).String()})
	table.Render()
}
