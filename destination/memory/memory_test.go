package memory

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowmem "github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resultTable(mem arrowmem.Allocator, indices ...int64) arrow.Table {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "_inference", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "_row_index", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	for _, i := range indices {
		b.Field(0).(*array.StringBuilder).Append("ok")
		b.Field(1).(*array.Int64Builder).Append(i)
	}
	rec := b.NewRecord()
	defer rec.Release()
	return array.NewTableFromRecords(schema, []arrow.Record{rec})
}

func TestWriter(t *testing.T) {
	mem := arrowmem.NewCheckedAllocator(arrowmem.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	w := New()
	ctx := context.Background()
	for name, indices := range map[string][]int64{
		"part-00001": {3, 4},
		"part-00000": {0, 1, 2},
	} {
		table := resultTable(mem, indices...)
		require.NoError(t, w.Write(ctx, table, name))
		table.Release()
	}
	// replacing releases the earlier table
	replacement := resultTable(mem, 3, 4, 5)
	require.NoError(t, w.Write(ctx, replacement, "part-00001"))
	replacement.Release()

	assert.Equal(t, []string{"part-00000", "part-00001"}, w.Names())
	assert.Equal(t, 3, w.Writes())
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5}, w.RowIndices())

	table, ok := w.Table("part-00000")
	require.True(t, ok)
	assert.Equal(t, int64(3), table.NumRows())

	w.Release()
	assert.Empty(t, w.Names())
}

func TestWriterCancelled(t *testing.T) {
	w := New()
	table := resultTable(arrowmem.NewGoAllocator(), 0)
	defer table.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Write(ctx, table, "part-00000"), context.Canceled)
	assert.Empty(t, w.Names())
}
