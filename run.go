package queryboost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/queryboost/queryboost-go/destination/local"
	"github.com/queryboost/queryboost-go/emitter"
	"github.com/queryboost/queryboost-go/error_helpers"
	"github.com/queryboost/queryboost-go/grpc"
	"github.com/queryboost/queryboost-go/logging"
	"github.com/queryboost/queryboost-go/progress"
	"github.com/queryboost/queryboost-go/prompt"
	"github.com/queryboost/queryboost-go/row"
	"github.com/queryboost/queryboost-go/sink"
	"github.com/queryboost/queryboost-go/stream"
	"github.com/turbot/go-kit/helpers"
	"golang.org/x/sync/errgroup"
)

// progress events buffered ahead of the reporter before they are dropped
const eventBufferSize = 1024

type RunOptions struct {
	// Name identifies the run and its default output directory; a random uuid if empty
	Name string
	// NumGPUs is passed to the service as a hint
	NumGPUs *int
	// NumRows is the input size, when known, for progress reporting on the service
	NumRows *int64

	// Writer receives the result artifacts; if nil they are written as parquet files to OutputDir
	Writer sink.Writer
	// OutputDir defaults to ~/.cache/queryboost/<name>
	OutputDir string
	// Estimator replaces the default Arrow buffer size estimate used for the write threshold
	Estimator sink.Estimator

	// Reporter receives progress events in addition to the run summary
	Reporter progress.Reporter
}

// Result describes a finished run, complete or not
type Result struct {
	Name          string
	RowsSent      int64
	RowsSaved     int64
	Flushes       int
	Artifacts     []string
	Duplicates    int64
	Reconnects    int
	EventsDropped int64
	Summary       *progress.Summary
	Duration      time.Duration
}

// Run is a run in progress
type Run struct {
	name   string
	client *Client
	logger hclog.Logger

	emitter  *emitter.Emitter
	columns  []string
	engine   *sink.Engine
	bus      *progress.Bus
	reporter progress.Reporter
	summary  *progress.Summary
	command  grpc.RunCommand

	ctx        context.Context
	cancel     context.CancelCauseFunc
	cancelOnce sync.Once
	done       chan struct{}
	started    time.Time

	result *Result
	err    error
}

// Run streams src through the prompt and waits for the results to be saved
func (c *Client) Run(ctx context.Context, src row.Source, promptTemplate string, opts RunOptions) (*Result, error) {
	r, err := c.Start(ctx, src, promptTemplate, opts)
	if err != nil {
		return nil, err
	}
	return r.Wait()
}

// Start validates the input and the prompt, then runs in the background
// invalid input fails here, before anything is sent
func (c *Client) Start(ctx context.Context, src row.Source, promptTemplate string, opts RunOptions) (*Run, error) {
	if opts.Name == "" {
		opts.Name = uuid.New().String()
	}
	logger := c.logger.With("run", opts.Name)

	em := emitter.New(row.NewSequencer(src), emitter.Options{
		Allocator:     c.mem,
		RowsPerSecond: c.cfg.RowsPerSecond,
		Logger:        logger.Named("emitter"),
	})
	columns, err := em.Columns(ctx)
	if err != nil {
		return nil, err
	}
	// empty input sends nothing, so there is nothing for the prompt to reference
	if columns != nil {
		if err := prompt.Validate(promptTemplate, columns); err != nil {
			return nil, err
		}
	}

	writer := opts.Writer
	if writer == nil {
		dir := opts.OutputDir
		if dir == "" {
			if dir, err = DefaultOutputDir(opts.Name); err != nil {
				return nil, err
			}
		}
		w, err := local.New(dir, logger.Named("local"))
		if err != nil {
			return nil, err
		}
		logger.Info("saving results as parquet files", "dir", w.Dir())
		writer = w
	}

	bus := progress.NewBus(eventBufferSize)
	summary := progress.NewSummary()
	reporters := progress.Multi{summary, &progress.LogReporter{Logger: logger.Named("progress")}}
	if opts.Reporter != nil {
		reporters = append(reporters, opts.Reporter)
	}

	engine := sink.NewEngine(writer, sink.Config{
		TargetWriteBytes: c.cfg.TargetWriteBytes,
		MaxBufferedBytes: c.cfg.MaxBufferedBytes,
		MaxWriteAttempts: c.cfg.MaxWriteAttempts,
		WriteRetryBase:   c.cfg.WriteRetryBase,
		WriteRetryMax:    c.cfg.WriteRetryMax,
		Estimator:        opts.Estimator,
		Logger:           logger.Named("sink"),
		Metrics:          c.metrics,
		Events:           bus,
	})

	command := grpc.NewRunCommand(opts.Name, promptTemplate)
	command.NumGPUs = opts.NumGPUs
	command.NumRows = opts.NumRows

	r := &Run{
		name:     opts.Name,
		client:   c,
		logger:   logger,
		emitter:  em,
		columns:  columns,
		engine:   engine,
		bus:      bus,
		reporter: reporters,
		summary:  summary,
		command:  command,
		done:     make(chan struct{}),
		started:  time.Now(),
	}
	r.ctx, r.cancel = context.WithCancelCause(ctx)
	go r.run()
	return r, nil
}

func (r *Run) Name() string {
	return r.name
}

// Cancel stops the run; results already received are still saved
// it is safe to call more than once
func (r *Run) Cancel() {
	r.cancelOnce.Do(func() {
		r.logger.Info("run cancelled")
		r.cancel(context.Canceled)
	})
}

// Done is closed once the run has finished
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run has finished
// the result is returned alongside a *RunError when the run failed
func (r *Run) Wait() (*Result, error) {
	<-r.done
	return r.result, r.err
}

func (r *Run) run() {
	defer close(r.done)
	defer r.cancel(nil)

	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		// the reporter outlives the run context so the final flush is reported
		r.bus.Run(context.Background(), r.reporter)
	}()

	var session *stream.Session
	var cause error
	if r.columns == nil {
		r.logger.Info("input is empty, nothing to send")
	} else {
		session, cause = r.stream()
	}

	unsaved, drainErr := r.drain(session)
	if session != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.client.cfg.DrainTimeout)
		if err := session.Close(ctx); err != nil && cause == nil {
			cause = err
		}
		cancel()
	}

	r.bus.Close()
	<-progressDone
	logging.LogTime("run " + r.name)

	r.result = r.buildResult(session)
	cause = error_helpers.CombineErrors(cause, drainErr)
	if cause != nil {
		stats := r.engine.Stats()
		r.err = &RunError{
			Saved:     stats.Flushes > 0,
			Flushes:   stats.Flushes,
			Artifacts: stats.Artifacts,
			Unsaved:   unsaved,
			Cause:     cause,
		}
		r.logger.Error("run failed", "error", r.err)
		return
	}
	r.logger.Info("run complete", "rows", r.result.RowsSaved, "artifacts", len(r.result.Artifacts))
}

// stream runs the send and receive loops until both have finished
func (r *Run) stream() (*stream.Session, error) {
	cfg := r.client.cfg
	transport, err := r.client.transport(cfg, r.command)
	if err != nil {
		return nil, err
	}
	session := stream.NewSession(transport, stream.Config{
		MaxInFlight:          cfg.MaxInFlight,
		ResultQueueSize:      cfg.ResultQueueSize,
		IdleTimeout:          cfg.IdleTimeout,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		BackoffBase:          cfg.BackoffBase,
		BackoffMax:           cfg.BackoffMax,
		DrainTimeout:         cfg.DrainTimeout,
		Logger:               r.logger.Named("session"),
		Metrics:              r.client.metrics,
		Events:               r.bus,
	})
	if err := session.Open(r.ctx); err != nil {
		return session, err
	}

	g, gctx := errgroup.WithContext(r.ctx)
	g.Go(func() error {
		return r.sendLoop(gctx, session)
	})
	g.Go(func() error {
		return r.receiveLoop(gctx, session)
	})
	err = g.Wait()
	if err != nil {
		session.Cancel()
	}
	return session, err
}

func (r *Run) sendLoop(ctx context.Context, session *stream.Session) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = helpers.ToError(p)
		}
	}()
	maxRows := r.client.cfg.MaxRowsPerRequestBatch
	for {
		b, err := r.emitter.NextBatch(ctx, maxRows)
		if err != nil {
			return err
		}
		if b == nil {
			session.CloseSend()
			r.logger.Debug("all rows sent", "rows", r.emitter.Rows())
			return nil
		}
		if err := session.Send(ctx, b); err != nil {
			b.Release()
			return err
		}
	}
}

func (r *Run) receiveLoop(ctx context.Context, session *stream.Session) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = helpers.ToError(p)
		}
	}()
	for rb := range session.Results() {
		if err := r.engine.Offer(ctx, rb); err != nil {
			return err
		}
	}
	return session.Err()
}

// drain saves whatever was received: results still queued in the session, then the sink buffer
// results the destination would not take are returned, owned by the caller
func (r *Run) drain(session *stream.Session) ([]*stream.ResultBatch, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.client.cfg.DrainTimeout)
	defer cancel()

	var errs []error
	if session != nil {
		select {
		case <-session.Done():
		case <-ctx.Done():
			session.Cancel()
			<-session.Done()
		}
		for rb := range session.Results() {
			idx := rb.BatchIdx
			if err := r.engine.Offer(ctx, rb); err != nil && !errors.Is(err, sink.ErrDrained) {
				r.logger.Warn("failed to save queued result", "batch_idx", idx, "error", err)
				errs = append(errs, fmt.Errorf("saving batch %d: %w", idx, err))
			}
		}
	}

	var unsaved []*stream.ResultBatch
	if err := r.engine.Drain(ctx); err != nil {
		var writeErr *sink.SinkWriteError
		if errors.As(err, &writeErr) {
			// ownership moves to the RunError
			unsaved, writeErr.Unsaved = writeErr.Unsaved, nil
		}
		errs = append(errs, fmt.Errorf("saving remaining results: %w", err))
	}
	return unsaved, error_helpers.CombineErrors(errs...)
}

func (r *Run) buildResult(session *stream.Session) *Result {
	stats := r.engine.Stats()
	res := &Result{
		Name:          r.name,
		RowsSent:      r.emitter.Rows(),
		RowsSaved:     stats.RowsWritten,
		Flushes:       stats.Flushes,
		Artifacts:     stats.Artifacts,
		Duplicates:    stats.Duplicates,
		EventsDropped: r.bus.Dropped(),
		Summary:       r.summary,
		Duration:      time.Since(r.started),
	}
	if session != nil {
		s := session.Stats()
		res.Duplicates += s.Duplicates
		res.Reconnects = s.Reconnects
	}
	return res
}
