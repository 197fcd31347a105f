// Package stream manages the bidirectional request/result stream to the service.
//
// A Session accepts request batches from a single producer, keeps every unacknowledged batch
// in an in-flight set, and survives transient transport failures by redialling and resending
// whatever had already been written to the broken connection. Result batches are delivered in
// arrival order on a bounded channel; results for batches no longer in flight are discarded
// as duplicates.
package stream

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/queryboost/queryboost-go/progress"
	"github.com/queryboost/queryboost-go/telemetry"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"
)

const tracerName = "queryboost/stream"

type Config struct {
	// maximum number of unacknowledged batches; Send blocks beyond this
	MaxInFlight int
	// capacity of the results channel
	ResultQueueSize int
	// how long the receive path may be silent while batches are in flight, 0 disables
	IdleTimeout time.Duration
	// dial attempts allowed without an intervening acknowledgement
	MaxReconnectAttempts int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	// how long to wait for outstanding results once input is complete, 0 waits indefinitely
	DrainTimeout time.Duration

	// IsTransient overrides the classification of errors which warrant a reconnect
	IsTransient func(error) bool

	Logger  hclog.Logger
	Metrics *telemetry.Metrics
	Events  progress.Publisher
}

func (c Config) withDefaults() Config {
	if c.MaxInFlight < 1 {
		c.MaxInFlight = 64
	}
	if c.ResultQueueSize < 1 {
		c.ResultQueueSize = 64
	}
	if c.MaxReconnectAttempts < 1 {
		c.MaxReconnectAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	if c.Events == nil {
		c.Events = progress.Discard
	}
	return c
}

type inFlightBatch struct {
	batch *RequestBatch
	// set once the batch has been handed to a connection
	written bool
}

// Session is one logical request/result stream, spanning any number of connections
type Session struct {
	transport   Transport
	cfg         Config
	logger      hclog.Logger
	isTransient func(error) bool

	window    *semaphore.Weighted
	queue     chan *RequestBatch
	results   chan *ResultBatch
	inputDone chan struct{}
	done      chan struct{}

	ctx        context.Context
	cancel     context.CancelCauseFunc
	stopParent func() bool

	mu         sync.Mutex
	state      State
	opened     bool
	inFlight   map[int64]*inFlightBatch
	nextIdx    int64
	lastAcked  int64
	sendClosed bool
	// dial attempts since the last acknowledgement
	failures   int
	reconnects int
	sent       int64
	received   int64
	duplicates int64
	drainTimer *time.Timer
	err        error

	closeSendOnce sync.Once
	cancelOnce    sync.Once
}

func NewSession(transport Transport, cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		transport: transport,
		cfg:       cfg,
		logger:    cfg.Logger,
		window:    semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		queue:     make(chan *RequestBatch, cfg.MaxInFlight),
		results:   make(chan *ResultBatch, cfg.ResultQueueSize),
		inputDone: make(chan struct{}),
		done:      make(chan struct{}),
		inFlight:  make(map[int64]*inFlightBatch),
		lastAcked: -1,
	}
	s.ctx, s.cancel = context.WithCancelCause(context.Background())

	s.isTransient = IsTransient
	if classifier, ok := transport.(ErrorClassifier); ok {
		s.isTransient = func(err error) bool {
			if classifier.IsUnrecoverable(err) {
				return false
			}
			return IsTransient(err) || classifier.IsTransient(err)
		}
	}
	if cfg.IsTransient != nil {
		s.isTransient = cfg.IsTransient
	}
	return s
}

// Open establishes the stream, retrying transient dial failures with exponential backoff
// ctx governs the lifetime of the whole session, not just the dial
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.opened = true
	s.state = Connecting
	s.mu.Unlock()

	s.stopParent = context.AfterFunc(ctx, func() {
		s.cancel(context.Cause(ctx))
	})

	spanCtx, span := telemetry.StartSpan(s.ctx, tracerName, "Session.Open")
	defer span.End()

	conn, attempts, err := s.dial(spanCtx, s.cfg.MaxReconnectAttempts)
	if err != nil {
		err = &ConnectionError{Attempts: attempts, Cause: err}
		span.RecordError(err)
		s.logger.Error("failed to open stream", "attempts", attempts, "error", err)
		s.mu.Lock()
		s.state = Failed
		s.err = err
		s.mu.Unlock()
		s.stopParent()
		s.cancel(err)
		close(s.results)
		close(s.done)
		return err
	}

	s.logger.Debug("stream open", "attempts", attempts)
	go s.run(conn)
	return nil
}

// Send hands a batch to the session, blocking while the in-flight window is full
// batches must be sent in batch_idx order starting from 0
// on success the session owns the batch and releases it once acknowledged
func (s *Session) Send(ctx context.Context, b *RequestBatch) error {
	s.mu.Lock()
	err := s.sendableLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	acquireCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	err = s.window.Acquire(acquireCtx, 1)
	stop()
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.sendableLocked()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sendableLocked(); err != nil {
		s.window.Release(1)
		return err
	}
	if b.BatchIdx != s.nextIdx {
		s.window.Release(1)
		return fmt.Errorf("%w: got batch %d, expected %d", ErrOutOfOrder, b.BatchIdx, s.nextIdx)
	}
	s.inFlight[b.BatchIdx] = &inFlightBatch{batch: b}
	s.nextIdx++
	// never blocks: every queued batch holds a unit of the window and the queue is as large as the window
	s.queue <- b
	return nil
}

func (s *Session) sendableLocked() error {
	switch {
	case !s.opened:
		return ErrNotOpen
	case s.sendClosed:
		return ErrSendClosed
	case s.err != nil:
		return s.err
	case s.state == Closed:
		return ErrSendClosed
	case s.ctx.Err() != nil:
		return context.Cause(s.ctx)
	}
	return nil
}

// Results returns the channel of accepted result batches
// it is closed when the stream completes, fails or is cancelled; Err reports which
func (s *Session) Results() <-chan *ResultBatch {
	return s.results
}

// Err returns the terminal error of the session, nil while running or after a clean completion
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session has stopped
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// CloseSend marks the end of input
// the session keeps receiving until every in-flight batch is acknowledged or the drain timeout expires
func (s *Session) CloseSend() {
	s.closeSendOnce.Do(func() {
		s.mu.Lock()
		s.sendClosed = true
		if s.state == Streaming {
			s.state = Draining
		}
		pending := len(s.inFlight)
		if s.cfg.DrainTimeout > 0 {
			s.drainTimer = time.AfterFunc(s.cfg.DrainTimeout, func() {
				s.logger.Warn("drain timeout expired", "timeout", s.cfg.DrainTimeout)
				s.cancel(ErrDrainTimeout)
			})
		}
		s.mu.Unlock()

		close(s.inputDone)
		s.logger.Debug("input complete, draining", "in_flight", pending)
	})
}

// Cancel stops the session immediately; it is safe to call more than once
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		s.cancel(context.Canceled)
	})
}

// Close ends input, waits for the session to stop (or for ctx, after which it cancels),
// then releases any batches still unacknowledged
// result batches left unread in the results channel remain the caller's to release
func (s *Session) Close(ctx context.Context) error {
	s.CloseSend()

	s.mu.Lock()
	opened := s.opened
	s.mu.Unlock()
	if !opened {
		s.Cancel()
		return nil
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		s.Cancel()
		<-s.done
	}
	s.releasePending()
	return s.Err()
}

// Stats returns a snapshot of the session counters
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:             s.state,
		LastAckedBatchIdx: s.lastAcked,
		InFlight:          len(s.inFlight),
		Reconnects:        s.reconnects,
		Sent:              s.sent,
		Received:          s.received,
		Duplicates:        s.duplicates,
	}
}

func (s *Session) releasePending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, e := range s.inFlight {
		e.batch.Release()
		delete(s.inFlight, idx)
	}
}

func (s *Session) dial(ctx context.Context, attempts int) (Conn, int, error) {
	var conn Conn
	n := 0
	backoff := retry.NewExponential(s.cfg.BackoffBase)
	backoff = retry.WithCappedDuration(s.cfg.BackoffMax, backoff)
	backoff = retry.WithMaxRetries(uint64(attempts-1), backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		n++
		c, err := s.transport.Dial(ctx)
		if err != nil {
			if ctx.Err() == nil && s.isTransient(err) {
				s.logger.Debug("dial failed, retrying", "attempt", n, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		conn = c
		return nil
	})
	return conn, n, err
}

// run serves connections until the stream completes or fails
func (s *Session) run(conn Conn) {
	defer close(s.done)
	defer close(s.results)

	for {
		err := s.serve(conn)
		switch {
		case err == nil:
			s.finish(nil)
			return
		case s.ctx.Err() != nil:
			s.finish(context.Cause(s.ctx))
			return
		case !s.isTransient(err):
			s.finish(err)
			return
		}

		conn, err = s.reconnect(err)
		if err != nil {
			s.finish(err)
			return
		}
	}
}

func (s *Session) finish(cause error) {
	s.mu.Lock()
	if s.drainTimer != nil {
		s.drainTimer.Stop()
	}
	if cause == nil {
		s.state = Closed
	} else {
		s.state = Failed
		var terminated *StreamTerminatedError
		if !errors.As(cause, &terminated) {
			cause = s.terminatedLocked(cause)
		}
		s.err = cause
	}
	stats := s.statsLocked()
	s.mu.Unlock()

	if cause != nil {
		s.logger.Error("stream failed", "error", cause, "received", stats.Received, "pending", stats.InFlight)
	} else {
		s.logger.Debug("stream complete", "sent", stats.Sent, "received", stats.Received, "duplicates", stats.Duplicates)
	}
	s.stopParent()
	s.cancel(cause)
}

func (s *Session) statsLocked() Stats {
	return Stats{State: s.state, LastAckedBatchIdx: s.lastAcked, InFlight: len(s.inFlight), Reconnects: s.reconnects, Sent: s.sent, Received: s.received, Duplicates: s.duplicates}
}

func (s *Session) terminatedLocked(cause error) *StreamTerminatedError {
	pending := make([]int64, 0, len(s.inFlight))
	for idx := range s.inFlight {
		pending = append(pending, idx)
	}
	slices.Sort(pending)
	return &StreamTerminatedError{
		LastAckedBatchIdx: s.lastAcked,
		Retries:           s.reconnects,
		Pending:           pending,
		Cause:             cause,
	}
}

func (s *Session) reconnect(cause error) (Conn, error) {
	ctx, span := telemetry.StartSpan(s.ctx, tracerName, "Session.reconnect")
	defer span.End()

	s.mu.Lock()
	s.state = Reconnecting
	s.reconnects++
	n := s.reconnects
	remaining := s.cfg.MaxReconnectAttempts - s.failures
	pending := len(s.inFlight)
	s.mu.Unlock()

	s.logger.Warn("stream interrupted, reconnecting", "error", cause, "in_flight", pending, "reconnect", n)
	s.cfg.Metrics.Reconnected(ctx)
	s.cfg.Events.Publish(progress.Event{Kind: progress.Reconnecting, Attempt: n, Err: cause})

	if remaining < 1 {
		return nil, s.terminated(fmt.Errorf("%w: %w", ErrRetriesExhausted, cause))
	}

	conn, attempts, err := s.dial(ctx, remaining)

	s.mu.Lock()
	s.failures += attempts
	s.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		if s.ctx.Err() != nil {
			return nil, s.terminated(context.Cause(s.ctx))
		}
		if s.isTransient(err) {
			err = fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}
		return nil, s.terminated(err)
	}

	resend := len(s.resendable())
	s.logger.Info("stream reconnected", "attempts", attempts, "resending", resend)
	s.cfg.Events.Publish(progress.Event{Kind: progress.Reconnected, Attempt: n, Rows: int64(resend)})
	return conn, nil
}

func (s *Session) terminated(cause error) *StreamTerminatedError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminatedLocked(cause)
}

// resendable returns the in-flight batches already written to a connection, in batch_idx order
func (s *Session) resendable() []*RequestBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*RequestBatch
	for _, e := range s.inFlight {
		if e.written {
			out = append(out, e.batch)
		}
	}
	slices.SortFunc(out, func(a, b *RequestBatch) int {
		return cmp.Compare(a.BatchIdx, b.BatchIdx)
	})
	return out
}

type received struct {
	msg Message
	err error
}

// serve runs one connection until it ends; a nil return means the stream completed
func (s *Session) serve(conn Conn) error {
	s.mu.Lock()
	if s.sendClosed {
		s.state = Draining
	} else {
		s.state = Streaming
	}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.ctx)
	msgs := make(chan received)
	writeErr := make(chan error, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		writeErr <- s.writeLoop(ctx, conn)
	}()
	go func() {
		defer wg.Done()
		s.recvLoop(ctx, conn, msgs)
	}()

	err := s.dispatch(ctx, msgs, writeErr)

	cancel()
	// unblocks a pending Send or Recv
	if closeErr := conn.Close(); closeErr != nil {
		s.logger.Trace("error closing connection", "error", closeErr)
	}
	wg.Wait()
	return err
}

func (s *Session) writeLoop(ctx context.Context, conn Conn) error {
	for _, b := range s.resendable() {
		if err := conn.Send(b); err != nil {
			return err
		}
		s.logger.Trace("resent batch", "batch_idx", b.BatchIdx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-s.queue:
			if err := s.write(ctx, conn, b); err != nil {
				return err
			}
		case <-s.inputDone:
			for {
				select {
				case b := <-s.queue:
					if err := s.write(ctx, conn, b); err != nil {
						return err
					}
				default:
					return conn.CloseSend()
				}
			}
		}
	}
}

func (s *Session) write(ctx context.Context, conn Conn, b *RequestBatch) error {
	s.mu.Lock()
	e, ok := s.inFlight[b.BatchIdx]
	if ok {
		e.written = true
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := conn.Send(b); err != nil {
		return err
	}

	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	s.cfg.Metrics.BatchSent(ctx)
	s.cfg.Events.Publish(progress.Event{Kind: progress.BatchSent, BatchIdx: b.BatchIdx, Rows: b.NumRows()})
	return nil
}

func (s *Session) recvLoop(ctx context.Context, conn Conn, out chan<- received) {
	for {
		msg, err := conn.Recv()
		select {
		case out <- received{msg: msg, err: err}:
		case <-ctx.Done():
			if msg.Result != nil {
				msg.Result.Release()
			}
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) dispatch(ctx context.Context, msgs <-chan received, writeErr <-chan error) error {
	var idle *time.Timer
	var idleC <-chan time.Time
	if s.cfg.IdleTimeout > 0 {
		idle = time.NewTimer(s.cfg.IdleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-writeErr:
			// the server ending the stream surfaces on Send as io.EOF, its reason arrives on Recv
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			writeErr = nil

		case r := <-msgs:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					return s.endOfStream()
				}
				return r.err
			}
			if idle != nil {
				idle.Reset(s.cfg.IdleTimeout)
			}
			if err := s.handle(ctx, r.msg); err != nil {
				return err
			}

		case <-idleC:
			s.mu.Lock()
			pending, inputDone := len(s.inFlight), s.sendClosed
			s.mu.Unlock()
			switch {
			case pending > 0:
				return errIdleTimeout
			case inputDone:
				// everything acknowledged but the server never ended the stream
				return nil
			}
			idle.Reset(s.cfg.IdleTimeout)
		}
	}
}

func (s *Session) endOfStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendClosed && len(s.inFlight) == 0 {
		return nil
	}
	return errHalfClosed
}

func (s *Session) handle(ctx context.Context, msg Message) error {
	if ev := msg.Event; ev != nil {
		s.logger.Debug("server event", "event", ev.Name, "message", ev.Message)
		s.cfg.Events.Publish(progress.Event{Kind: progress.KindForServerEvent(ev.Name), Message: ev.Message})
		return nil
	}
	rb := msg.Result
	if rb == nil {
		return nil
	}

	s.mu.Lock()
	e, ok := s.inFlight[rb.BatchIdx]
	if !ok && rb.BatchIdx >= 0 && rb.BatchIdx < s.nextIdx {
		s.duplicates++
		s.mu.Unlock()
		rb.Release()
		s.logger.Debug("discarding duplicate result", "batch_idx", rb.BatchIdx)
		s.cfg.Metrics.DuplicateDiscarded(ctx)
		s.cfg.Events.Publish(progress.Event{Kind: progress.DuplicateDiscarded, BatchIdx: rb.BatchIdx})
		return nil
	}
	if !ok || !e.written {
		s.mu.Unlock()
		rb.Release()
		return fmt.Errorf("%w: result for batch %d which was never sent", ErrProtocolViolation, rb.BatchIdx)
	}
	rb.FirstRow, rb.LastRow = e.batch.FirstRow, e.batch.LastRow
	s.mu.Unlock()
	rb.requested = e.batch.RowIndices()

	idx, rows := rb.BatchIdx, rb.NumRows()
	// the batch stays in flight until delivered, so a failure here leaves it pending rather than lost
	select {
	case s.results <- rb:
	case <-s.ctx.Done():
		rb.Release()
		return s.ctx.Err()
	}

	s.mu.Lock()
	delete(s.inFlight, idx)
	s.lastAcked = idx
	s.received++
	s.failures = 0
	s.mu.Unlock()

	e.batch.Release()
	s.window.Release(1)
	s.cfg.Metrics.BatchReceived(ctx)
	s.cfg.Events.Publish(progress.Event{Kind: progress.BatchReceived, BatchIdx: idx, Rows: rows})
	return nil
}
