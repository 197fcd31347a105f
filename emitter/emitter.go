// Package emitter groups sequenced rows into Arrow request batches.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/hashicorp/go-hclog"
	"github.com/queryboost/queryboost-go/row"
	"github.com/queryboost/queryboost-go/stream"
	"golang.org/x/time/rate"
)

type Options struct {
	Allocator memory.Allocator
	// RowsPerSecond paces emission, 0 disables pacing
	RowsPerSecond float64
	Logger        hclog.Logger
}

// Emitter pulls rows from a Sequencer and emits them as RequestBatches with consecutive batch indices
type Emitter struct {
	seq     *row.Sequencer
	mem     memory.Allocator
	rps     float64
	limiter *rate.Limiter
	logger  hclog.Logger

	mu      sync.Mutex
	nextIdx int64
	schema  *arrow.Schema
	rows    int64
	done    bool
}

func New(seq *row.Sequencer, opts Options) *Emitter {
	if opts.Allocator == nil {
		opts.Allocator = memory.NewGoAllocator()
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	return &Emitter{
		seq:    seq,
		mem:    opts.Allocator,
		rps:    opts.RowsPerSecond,
		logger: opts.Logger,
	}
}

// Columns returns the input columns, peeking the first row if necessary
// it returns nil for empty input
func (e *Emitter) Columns(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.seq.Peek(ctx); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	return e.seq.Columns(), nil
}

// Rows returns the number of rows emitted so far
func (e *Emitter) Rows() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rows
}

// NextBatch returns the next batch of up to maxRows rows, or nil once the input is exhausted
// it never returns an empty batch
func (e *Emitter) NextBatch(ctx context.Context, maxRows int) (*stream.RequestBatch, error) {
	if maxRows < 1 {
		return nil, fmt.Errorf("max rows per batch must be at least 1, got %d", maxRows)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return nil, nil
	}

	rows := make([]row.Row, 0, maxRows)
	for len(rows) < maxRows {
		r, err := e.seq.Next(ctx)
		if errors.Is(err, io.EOF) {
			e.done = true
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, r)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	if e.schema == nil {
		e.schema = inferSchema(e.seq.Columns(), rows)
		e.logger.Debug("inferred request schema", "schema", e.schema.String())
	}
	if err := e.pace(ctx, len(rows)); err != nil {
		return nil, err
	}

	rec, err := buildRecord(e.mem, e.schema, rows)
	if err != nil {
		return nil, err
	}
	b := &stream.RequestBatch{
		BatchIdx: e.nextIdx,
		FirstRow: rows[0].Index,
		LastRow:  rows[len(rows)-1].Index,
		Record:   rec,
	}
	e.nextIdx++
	e.rows += int64(len(rows))
	return b, nil
}

// pace waits for n rows worth of tokens; the burst is the size of the first batch
func (e *Emitter) pace(ctx context.Context, n int) error {
	if e.rps <= 0 {
		return nil
	}
	if e.limiter == nil {
		e.limiter = rate.NewLimiter(rate.Limit(e.rps), n)
	}
	for n > 0 {
		chunk := min(n, e.limiter.Burst())
		if err := e.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
