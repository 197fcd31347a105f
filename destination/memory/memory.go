// Package memory keeps result artifacts in memory, for tests and for embedding the client
// in programs which consume results directly.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/queryboost/queryboost-go/row"
	"github.com/queryboost/queryboost-go/sink"
)

var _ sink.Writer = (*Writer)(nil)

type Writer struct {
	mu     sync.Mutex
	tables map[string]arrow.Table
	writes int
}

func New() *Writer {
	return &Writer{tables: make(map[string]arrow.Table)}
}

// Write retains the table, replacing an earlier write of the same artifact
func (w *Writer) Write(ctx context.Context, table arrow.Table, artifact string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	table.Retain()

	w.mu.Lock()
	defer w.mu.Unlock()
	if old, ok := w.tables[artifact]; ok {
		old.Release()
	}
	w.tables[artifact] = table
	w.writes++
	return nil
}

// Names returns the stored artifact names in order
func (w *Writer) Names() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.tables))
	for name := range w.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Table returns the stored table for an artifact; the caller must not release it
func (w *Writer) Table(artifact string) (arrow.Table, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tables[artifact]
	return t, ok
}

// Writes is the number of successful writes, counting replacements
func (w *Writer) Writes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes
}

// RowIndices returns the _row_index values of every stored artifact, in artifact order
func (w *Writer) RowIndices() []int64 {
	var out []int64
	for _, name := range w.Names() {
		t, _ := w.Table(name)
		cols := t.Schema().FieldIndices(row.RowIndexColumn)
		if len(cols) == 0 {
			continue
		}
		for _, chunk := range t.Column(cols[0]).Data().Chunks() {
			if ints, ok := chunk.(*array.Int64); ok {
				out = append(out, ints.Int64Values()...)
			}
		}
	}
	return out
}

// Release drops every stored table
func (w *Writer) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for name, t := range w.tables {
		t.Release()
		delete(w.tables, name)
	}
}
