package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/queryboost/queryboost-go/row"
	"github.com/queryboost/queryboost-go/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var resultSchema = arrow.NewSchema([]arrow.Field{
	{Name: row.RowIndexColumn, Type: arrow.PrimitiveTypes.Int64},
	{Name: "_inference", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

func newResult(mem memory.Allocator, schema *arrow.Schema, idx int64, rows int) *stream.ResultBatch {
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	for i := 0; i < rows; i++ {
		b.Field(0).(*array.Int64Builder).Append(idx*int64(rows) + int64(i))
		b.Field(1).(*array.StringBuilder).Append("positive")
	}
	return &stream.ResultBatch{BatchIdx: idx, Record: b.NewRecord()}
}

var otherSchema = arrow.NewSchema([]arrow.Field{
	{Name: row.RowIndexColumn, Type: arrow.PrimitiveTypes.Int64},
	{Name: "_inference", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "_error", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

// otherResult is a single row result whose schema differs from resultSchema, row index idx
func otherResult(mem memory.Allocator, idx int64) *stream.ResultBatch {
	b := array.NewRecordBuilder(mem, otherSchema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).Append(idx)
	b.Field(1).(*array.StringBuilder).AppendNull()
	b.Field(2).(*array.StringBuilder).Append("failed")
	return &stream.ResultBatch{BatchIdx: idx, Record: b.NewRecord()}
}

// tenBytesPerRow makes thresholds easy to reason about
func tenBytesPerRow(rec arrow.Record) int64 {
	return rec.NumRows() * 10
}

// recordingWriter keeps the row indices of each artifact it is asked to write
type recordingWriter struct {
	mu        sync.Mutex
	failures  int
	calls     int
	artifacts map[string][]int64
	order     []string
}

func (w *recordingWriter) Write(ctx context.Context, table arrow.Table, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failures > 0 {
		w.failures--
		return errors.New("destination unavailable")
	}
	if w.artifacts == nil {
		w.artifacts = map[string][]int64{}
	}
	var indices []int64
	col := table.Column(0)
	for _, chunk := range col.Data().Chunks() {
		indices = append(indices, chunk.(*array.Int64).Int64Values()...)
	}
	if _, ok := w.artifacts[name]; !ok {
		w.order = append(w.order, name)
	}
	w.artifacts[name] = indices
	return nil
}

func testConfig() Config {
	return Config{
		TargetWriteBytes: 4000,
		Estimator:        tenBytesPerRow,
		MaxWriteAttempts: 3,
		WriteRetryBase:   time.Millisecond,
		WriteRetryMax:    time.Millisecond,
	}
}

func TestEngineThresholdAndResidualDrain(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	w := &recordingWriter{}
	e := NewEngine(w, testConfig())
	ctx := context.Background()

	for i := int64(0); i < 10; i++ {
		require.NoError(t, e.Offer(ctx, newResult(mem, resultSchema, i, 100)))
		switch i {
		case 2:
			assert.Zero(t, w.calls, "no flush below the threshold")
		case 3:
			assert.Equal(t, 1, w.calls, "flush exactly when the threshold is reached")
			assert.Zero(t, e.Stats().BufferedBytes)
		}
	}
	assert.Equal(t, 2, e.Stats().Flushes)
	assert.Equal(t, int64(2000), e.Stats().BufferedBytes)

	require.NoError(t, e.Drain(ctx))

	stats := e.Stats()
	assert.Equal(t, 3, stats.Flushes)
	assert.Equal(t, []string{"part-00000", "part-00001", "part-00002"}, stats.Artifacts)
	assert.Equal(t, int64(1000), stats.RowsWritten)
	assert.Equal(t, int64(10000), stats.BytesWritten)
	assert.Len(t, w.artifacts["part-00002"], 200)

	seen := map[int64]bool{}
	for _, name := range w.order {
		for _, i := range w.artifacts[name] {
			assert.False(t, seen[i], "row %d written twice", i)
			seen[i] = true
		}
	}
	assert.Len(t, seen, 1000)
}

func TestEngineIgnoresDuplicateBatches(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	w := &recordingWriter{}
	cfg := testConfig()
	cfg.TargetWriteBytes = 2000
	e := NewEngine(w, cfg)
	ctx := context.Background()

	// 0 is repeated while buffered, 1 after it has been written
	for _, idx := range []int64{0, 0, 1, 1, 2, 0} {
		require.NoError(t, e.Offer(ctx, newResult(mem, resultSchema, idx, 100)))
	}
	require.NoError(t, e.Drain(ctx))

	stats := e.Stats()
	assert.Equal(t, int64(3), stats.Duplicates)
	assert.Equal(t, int64(300), stats.RowsWritten)
	assert.Equal(t, []string{"part-00000", "part-00001"}, w.order)
}

func TestEngineDrainEmpty(t *testing.T) {
	w := &recordingWriter{}
	e := NewEngine(w, testConfig())
	ctx := context.Background()

	require.NoError(t, e.Drain(ctx))
	assert.Zero(t, w.calls)
	assert.ErrorIs(t, e.Drain(ctx), ErrDrained)
	assert.ErrorIs(t, e.Flush(ctx), ErrDrained)
	assert.ErrorIs(t, e.Offer(ctx, newResult(memory.NewGoAllocator(), resultSchema, 0, 1)), ErrDrained)
}

func TestEngineRetriesWrites(t *testing.T) {
	w := &recordingWriter{failures: 2}
	e := NewEngine(w, testConfig())
	ctx := context.Background()

	require.NoError(t, e.Offer(ctx, newResult(memory.NewGoAllocator(), resultSchema, 0, 400)))
	assert.Equal(t, 3, w.calls)
	assert.Equal(t, []string{"part-00000"}, e.Stats().Artifacts)
}

func TestEngineWriteFailureKeepsBuffer(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	w := &recordingWriter{failures: 3}
	e := NewEngine(w, testConfig())
	ctx := context.Background()

	require.NoError(t, e.Offer(ctx, newResult(mem, resultSchema, 0, 200)))
	err := e.Offer(ctx, newResult(mem, resultSchema, 1, 200))

	var writeErr *SinkWriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "part-00000", writeErr.Artifact)
	assert.Equal(t, 3, writeErr.Attempts)
	assert.Equal(t, []int64{0, 1}, writeErr.Batches)

	stats := e.Stats()
	assert.Equal(t, 2, stats.BufferedBatches)
	assert.Equal(t, int64(4000), stats.BufferedBytes)
	assert.Zero(t, stats.Flushes)

	// the destination recovers: the same artifact is written with the same rows
	require.NoError(t, e.Flush(ctx))
	assert.Equal(t, []string{"part-00000"}, w.order)
	assert.Len(t, w.artifacts["part-00000"], 400)
	require.NoError(t, e.Drain(ctx))
}

func TestEngineDrainFailureHandsBackResults(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	w := &recordingWriter{failures: 10}
	e := NewEngine(w, testConfig())
	ctx := context.Background()

	require.NoError(t, e.Offer(ctx, newResult(mem, resultSchema, 0, 10)))
	require.NoError(t, e.Offer(ctx, newResult(mem, resultSchema, 1, 10)))
	var writeErr *SinkWriteError
	require.ErrorAs(t, e.Drain(ctx), &writeErr)
	defer writeErr.Release()

	assert.Equal(t, []int64{0, 1}, writeErr.Batches)
	require.Len(t, writeErr.Unsaved, 2)
	assert.Equal(t, int64(0), writeErr.Unsaved[0].BatchIdx)
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, writeErr.Unsaved[0].RowIndices())
	assert.Equal(t, int64(10), writeErr.Unsaved[1].Record.NumRows())
	assert.Equal(t, "positive", writeErr.Unsaved[1].Record.Column(1).(*array.String).Value(9))

	stats := e.Stats()
	assert.Zero(t, stats.BufferedBatches)
	assert.Zero(t, stats.BufferedBytes)
}

func TestEngineFailedFlushBeforeAppendKeepsBatch(t *testing.T) {
	tests := map[string]struct {
		cfg      func(*Config)
		second   func(mem memory.Allocator) *stream.ResultBatch
		expected [][]int64
	}{
		"buffer cap": {
			cfg:      func(c *Config) { c.MaxBufferedBytes = 150 },
			second:   func(mem memory.Allocator) *stream.ResultBatch { return newResult(mem, resultSchema, 1, 10) },
			expected: [][]int64{{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19}},
		},
		"schema change": {
			cfg:      func(c *Config) {},
			second:   func(mem memory.Allocator) *stream.ResultBatch { return otherResult(mem, 1) },
			expected: [][]int64{{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, {1}},
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
			defer mem.AssertSize(t, 0)

			w := &recordingWriter{}
			cfg := testConfig()
			test.cfg(&cfg)
			e := NewEngine(w, cfg)
			ctx := context.Background()

			require.NoError(t, e.Offer(ctx, newResult(mem, resultSchema, 0, 10)))
			w.failures = cfg.MaxWriteAttempts

			var writeErr *SinkWriteError
			require.ErrorAs(t, e.Offer(ctx, test.second(mem)), &writeErr)
			assert.Equal(t, []int64{0, 1}, writeErr.Batches)
			assert.Empty(t, writeErr.Unsaved)
			assert.Equal(t, 2, e.Stats().BufferedBatches)

			// the destination recovers: nothing offered has been lost
			require.NoError(t, e.Drain(ctx))
			require.Len(t, w.order, len(test.expected))
			for i, name := range w.order {
				assert.Equal(t, test.expected[i], w.artifacts[name])
			}
		})
	}
}

func TestEngineCancelledWriteIsNotRetried(t *testing.T) {
	calls := 0
	w := WriterFunc(func(ctx context.Context, table arrow.Table, name string) error {
		calls++
		return context.Canceled
	})
	e := NewEngine(w, testConfig())
	err := e.Offer(context.Background(), newResult(memory.NewGoAllocator(), resultSchema, 0, 400))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestEngineSchemaChangeFlushesPrefix(t *testing.T) {
	w := &recordingWriter{}
	e := NewEngine(w, testConfig())
	ctx := context.Background()
	mem := memory.NewGoAllocator()

	require.NoError(t, e.Offer(ctx, newResult(mem, resultSchema, 0, 1)))
	require.NoError(t, e.Offer(ctx, newResult(mem, resultSchema, 1, 1)))
	require.NoError(t, e.Offer(ctx, otherResult(mem, 2)))
	assert.Equal(t, []string{"part-00000"}, w.order)

	require.NoError(t, e.Drain(ctx))
	assert.Equal(t, []string{"part-00000", "part-00001"}, w.order)
	assert.Equal(t, []int64{0, 1}, w.artifacts["part-00000"])
	assert.Equal(t, []int64{2}, w.artifacts["part-00001"])
}

func TestEngineBufferCap(t *testing.T) {
	w := &recordingWriter{}
	cfg := testConfig()
	cfg.MaxBufferedBytes = 2500
	e := NewEngine(w, cfg)
	ctx := context.Background()
	mem := memory.NewGoAllocator()

	for i := int64(0); i < 3; i++ {
		require.NoError(t, e.Offer(ctx, newResult(mem, resultSchema, i, 100)))
	}
	// the third batch would have taken the buffer to 3000 bytes
	assert.Equal(t, []string{"part-00000"}, w.order)
	assert.Len(t, w.artifacts["part-00000"], 200)
	assert.Equal(t, int64(1000), e.Stats().BufferedBytes)
	require.NoError(t, e.Drain(ctx))
}

func TestEngineCustomNaming(t *testing.T) {
	w := &recordingWriter{}
	cfg := testConfig()
	cfg.Naming = func(seq int) string { return "results-" + string(rune('a'+seq)) }
	e := NewEngine(w, cfg)
	require.NoError(t, e.Offer(context.Background(), newResult(memory.NewGoAllocator(), resultSchema, 0, 1)))
	require.NoError(t, e.Drain(context.Background()))
	assert.Equal(t, []string{"results-a"}, w.order)
}

func TestEstimateRecordBytes(t *testing.T) {
	mem := memory.NewGoAllocator()
	small := newResult(mem, resultSchema, 0, 10)
	defer small.Release()
	large := newResult(mem, resultSchema, 0, 1000)
	defer large.Release()

	smallBytes := EstimateRecordBytes(small.Record)
	largeBytes := EstimateRecordBytes(large.Record)
	assert.Positive(t, smallBytes)
	assert.Zero(t, smallBytes%64)
	assert.Zero(t, largeBytes%64)
	// 1000 int64 values alone take 8000 bytes
	assert.GreaterOrEqual(t, largeBytes, int64(8000+1000*len("positive")))
	assert.Greater(t, largeBytes, smallBytes)
}

func TestEstimateRecordBytesNested(t *testing.T) {
	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "scores", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
	}, nil)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	lb := b.Field(0).(*array.ListBuilder)
	vb := lb.ValueBuilder().(*array.Float64Builder)
	for i := 0; i < 100; i++ {
		lb.Append(true)
		vb.AppendValues([]float64{0.1, 0.2, 0.3}, nil)
	}
	rec := b.NewRecord()
	defer rec.Release()

	// child values are counted
	assert.GreaterOrEqual(t, EstimateRecordBytes(rec), int64(300*8))
}

func TestArtifactName(t *testing.T) {
	assert.Equal(t, "part-00000", ArtifactName(0))
	assert.Equal(t, "part-00042", ArtifactName(42))
	assert.Equal(t, "part-123456", ArtifactName(123456))
}
