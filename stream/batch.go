package stream

import (
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/queryboost/queryboost-go/row"
)

// RequestBatch is a group of consecutive rows sent in one stream write
// the session holds it until the matching result is acknowledged, and may resend it after a reconnect
type RequestBatch struct {
	BatchIdx int64
	// FirstRow and LastRow bound the row indices carried by the batch (inclusive)
	FirstRow int64
	LastRow  int64
	Record   arrow.Record
}

func (b *RequestBatch) NumRows() int64 {
	if b.Record == nil {
		return 0
	}
	return b.Record.NumRows()
}

// RowIndices returns the row indices carried by the batch
// without a row index column every index from FirstRow to LastRow is assumed present
func (b *RequestBatch) RowIndices() []int64 {
	if indices, ok := indexColumn(b.Record); ok {
		return indices
	}
	if b.LastRow < b.FirstRow {
		return nil
	}
	out := make([]int64, 0, b.LastRow-b.FirstRow+1)
	for i := b.FirstRow; i <= b.LastRow; i++ {
		out = append(out, i)
	}
	return out
}

func (b *RequestBatch) Release() {
	if b.Record != nil {
		b.Record.Release()
	}
}

// ResultBatch is the server's output for one RequestBatch
// the holder owns one reference to Record and must Release it
type ResultBatch struct {
	BatchIdx int64
	Record   arrow.Record
	// the row range of the originating request, set by the session on acceptance
	FirstRow int64
	LastRow  int64
	// the row indices of the originating request
	requested []int64
}

func (r *ResultBatch) NumRows() int64 {
	if r.Record == nil {
		return 0
	}
	return r.Record.NumRows()
}

// RowIndices returns the input row indices this batch covers
// they are read from the row index column when the server echoes it, otherwise taken from the request
func (r *ResultBatch) RowIndices() []int64 {
	if indices, ok := indexColumn(r.Record); ok {
		return indices
	}
	return slices.Clone(r.requested)
}

func indexColumn(rec arrow.Record) ([]int64, bool) {
	if rec == nil {
		return nil, false
	}
	cols := rec.Schema().FieldIndices(row.RowIndexColumn)
	if len(cols) == 0 {
		return nil, false
	}
	ints, ok := rec.Column(cols[0]).(*array.Int64)
	if !ok {
		return nil, false
	}
	out := make([]int64, 0, ints.Len())
	for i := 0; i < ints.Len(); i++ {
		if ints.IsValid(i) {
			out = append(out, ints.Value(i))
		}
	}
	return out, true
}

func (r *ResultBatch) Release() {
	if r.Record != nil {
		r.Record.Release()
	}
}

// ServerEvent is a metadata-only message from the server, e.g. {"event": "processing_started", "message": "..."}
type ServerEvent struct {
	Name    string `json:"event"`
	Message string `json:"message"`
}

// Message is one item received from a connection: exactly one of Result or Event is set
type Message struct {
	Result *ResultBatch
	Event  *ServerEvent
}
