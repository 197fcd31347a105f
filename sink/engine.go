// Package sink accumulates result batches and persists them in size-bounded artifacts.
//
// The Engine buffers results in arrival order and flushes once the estimated buffered size
// reaches the write threshold, concatenating the buffered records into a single table handed
// to a Writer. Delivery is at-least-once: a failed write keeps the buffer so the same artifact
// can be written again, and Writers must treat repeated writes of one name as a replacement.
// An offered batch is never dropped; if the final write fails the unwritten batches are handed
// back to the caller in the SinkWriteError.
package sink

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/gertd/go-pluralize"
	"github.com/hashicorp/go-hclog"
	"github.com/queryboost/queryboost-go/error_helpers"
	"github.com/queryboost/queryboost-go/logging"
	"github.com/queryboost/queryboost-go/mem"
	"github.com/queryboost/queryboost-go/progress"
	"github.com/queryboost/queryboost-go/stream"
	"github.com/queryboost/queryboost-go/telemetry"
	"github.com/sethvargo/go-retry"
)

const tracerName = "queryboost/sink"

type Config struct {
	// flush once the buffered estimate reaches this many bytes
	TargetWriteBytes int64
	// if set, a batch which would take the buffer past this size flushes the buffer first
	// the cap is soft: if that flush fails the batch is buffered anyway
	MaxBufferedBytes int64
	MaxWriteAttempts int
	WriteRetryBase   time.Duration
	WriteRetryMax    time.Duration

	Estimator Estimator
	Naming    func(seq int) string

	Logger  hclog.Logger
	Metrics *telemetry.Metrics
	Events  progress.Publisher
}

func (c Config) withDefaults() Config {
	if c.TargetWriteBytes <= 0 {
		c.TargetWriteBytes = 256 * 1024 * 1024
	}
	if c.MaxWriteAttempts < 1 {
		c.MaxWriteAttempts = 3
	}
	if c.WriteRetryBase <= 0 {
		c.WriteRetryBase = 500 * time.Millisecond
	}
	if c.WriteRetryMax <= 0 {
		c.WriteRetryMax = 10 * time.Second
	}
	if c.Estimator == nil {
		c.Estimator = EstimateRecordBytes
	}
	if c.Naming == nil {
		c.Naming = ArtifactName
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	if c.Events == nil {
		c.Events = progress.Discard
	}
	return c
}

type Stats struct {
	Flushes         int
	Artifacts       []string
	RowsWritten     int64
	BytesWritten    int64
	BufferedBytes   int64
	BufferedBatches int
	Duplicates      int64
}

type buffered struct {
	rb    *stream.ResultBatch
	bytes int64
}

type Engine struct {
	writer    Writer
	cfg       Config
	logger    hclog.Logger
	pluralize *pluralize.Client

	mu      sync.Mutex
	buffer  []buffered
	bytes   int64
	seq     int
	seen    map[int64]struct{}
	drained bool
	stats   Stats
}

func NewEngine(writer Writer, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		writer:    writer,
		cfg:       cfg,
		logger:    cfg.Logger,
		pluralize: pluralize.NewClient(),
		seen:      make(map[int64]struct{}),
	}
}

// Offer appends a result batch to the buffer, flushing if the threshold is reached
// the engine takes ownership of rb whatever the outcome
// a batch_idx that has been offered before is released and ignored
func (e *Engine) Offer(ctx context.Context, rb *stream.ResultBatch) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.drained {
		rb.Release()
		return ErrDrained
	}
	if _, ok := e.seen[rb.BatchIdx]; ok {
		e.stats.Duplicates++
		e.logger.Debug("ignoring result batch already buffered or written", "batch_idx", rb.BatchIdx)
		rb.Release()
		return nil
	}

	size := e.cfg.Estimator(rb.Record)

	// a table has one schema, so what is buffered is written before a differing batch joins
	var err error
	switch {
	case len(e.buffer) > 0 && !e.buffer[len(e.buffer)-1].rb.Record.Schema().Equal(rb.Record.Schema()):
		e.logger.Debug("result schema changed, flushing buffered results", "batch_idx", rb.BatchIdx)
		err = e.flushLocked(ctx)
	case e.cfg.MaxBufferedBytes > 0 && len(e.buffer) > 0 && e.bytes+size > e.cfg.MaxBufferedBytes:
		e.logger.Debug("buffer cap reached, flushing before append", "buffered", e.bytes, "incoming", size)
		err = e.flushLocked(ctx)
	}

	e.buffer = append(e.buffer, buffered{rb: rb, bytes: size})
	e.seen[rb.BatchIdx] = struct{}{}
	e.bytes += size
	e.logger.Trace("buffered result batch", "batch_idx", rb.BatchIdx, "bytes", size, "buffered", e.bytes)

	if err != nil {
		var writeErr *SinkWriteError
		if errors.As(err, &writeErr) {
			writeErr.Batches = e.batchIndicesLocked()
		}
		return err
	}
	if e.bytes >= e.cfg.TargetWriteBytes {
		return e.flushLocked(ctx)
	}
	return nil
}

// Flush writes whatever is buffered, regardless of the threshold; an empty buffer is a no-op
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.drained {
		return ErrDrained
	}
	return e.flushLocked(ctx)
}

// Drain performs the final flush and closes the engine
// it may only be called once; on failure the unwritten batches are handed over in the
// SinkWriteError's Unsaved field, and the caller becomes responsible for releasing them
func (e *Engine) Drain(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.drained {
		return ErrDrained
	}
	e.drained = true

	err := e.flushLocked(ctx)
	if err != nil {
		var writeErr *SinkWriteError
		if errors.As(err, &writeErr) {
			writeErr.Unsaved = make([]*stream.ResultBatch, len(e.buffer))
			for i, b := range e.buffer {
				writeErr.Unsaved[i] = b.rb
			}
			e.buffer = nil
			e.bytes = 0
		} else {
			e.releaseBufferLocked()
		}
	}
	e.logger.Debug("sink drained", "flushes", e.stats.Flushes, "rows", e.stats.RowsWritten)
	return err
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Artifacts = append([]string(nil), e.stats.Artifacts...)
	s.BufferedBytes = e.bytes
	s.BufferedBatches = len(e.buffer)
	return s
}

// flushLocked writes the whole buffer, one artifact per run of batches sharing a schema
func (e *Engine) flushLocked(ctx context.Context) error {
	for len(e.buffer) > 0 {
		n := 1
		schema := e.buffer[0].rb.Record.Schema()
		for n < len(e.buffer) && e.buffer[n].rb.Record.Schema().Equal(schema) {
			n++
		}
		if err := e.writeLocked(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// writeLocked writes the first n buffered batches as the next artifact
func (e *Engine) writeLocked(ctx context.Context, n int) error {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Engine.flush")
	defer span.End()

	name := e.cfg.Naming(e.seq)
	records := make([]arrow.Record, n)
	var bytes int64
	for i, b := range e.buffer[:n] {
		records[i] = b.rb.Record
		bytes += b.bytes
	}
	table := array.NewTableFromRecords(records[0].Schema(), records)
	defer table.Release()
	rows := table.NumRows()

	attempts := 0
	backoff := retry.NewExponential(e.cfg.WriteRetryBase)
	backoff = retry.WithCappedDuration(e.cfg.WriteRetryMax, backoff)
	backoff = retry.WithMaxRetries(uint64(e.cfg.MaxWriteAttempts-1), backoff)

	start := time.Now()
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := e.writer.Write(ctx, table, name)
		if err == nil {
			return nil
		}
		if error_helpers.IsContextCancelledError(err) || ctx.Err() != nil {
			return err
		}
		e.logger.Warn("write failed", "artifact", name, "attempt", attempts, "error", err)
		e.cfg.Events.Publish(progress.Event{Kind: progress.FlushFailed, Artifact: name, Attempt: attempts, Err: err})
		return retry.RetryableError(err)
	})
	if err != nil {
		span.RecordError(err)
		return &SinkWriteError{Artifact: name, Attempts: attempts, Batches: e.batchIndicesLocked(), Cause: err}
	}

	for _, b := range e.buffer[:n] {
		b.rb.Release()
	}
	e.buffer = slices.Delete(e.buffer, 0, n)
	e.bytes -= bytes
	e.seq++
	e.stats.Flushes++
	e.stats.Artifacts = append(e.stats.Artifacts, name)
	e.stats.RowsWritten += rows
	e.stats.BytesWritten += bytes

	e.logger.Info(fmt.Sprintf("saved %s from %s", e.pluralize.Pluralize("row", int(rows), true), e.pluralize.Pluralize("batch", n, true)),
		"artifact", name,
		"bytes", bytes,
		"duration", time.Since(start).String(),
		"resident_mb", fmt.Sprintf("%.1f", mem.ResidentMb()))
	logging.LogTime("flush " + name)
	e.cfg.Metrics.Flushed(ctx, bytes)
	e.cfg.Events.Publish(progress.Event{Kind: progress.FlushCompleted, Artifact: name, Rows: rows, Bytes: bytes})
	return nil
}

func (e *Engine) batchIndicesLocked() []int64 {
	out := make([]int64, len(e.buffer))
	for i, b := range e.buffer {
		out[i] = b.rb.BatchIdx
	}
	return out
}

func (e *Engine) releaseBufferLocked() {
	for _, b := range e.buffer {
		b.rb.Release()
	}
	e.buffer = nil
	e.bytes = 0
}
