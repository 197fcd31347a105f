package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Bus is a bounded, non-blocking Publisher feeding a single Reporter
type Bus struct {
	events  chan Event
	dropped atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
	mu        sync.RWMutex
}

func NewBus(size int) *Bus {
	if size < 1 {
		size = 1
	}
	return &Bus{
		events: make(chan Event, size),
		closed: make(chan struct{}),
	}
}

// Publish enqueues e, dropping it if the buffer is full or the bus is closed
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	select {
	case <-b.closed:
		b.dropped.Add(1)
		return
	default:
	}
	select {
	case b.events <- e:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns the number of events dropped so far
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops accepting events; Run delivers what is buffered then returns
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		close(b.closed)
		close(b.events)
	})
}

// Run forwards events to r until the bus is closed and drained, or ctx is done
func (b *Bus) Run(ctx context.Context, r Reporter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-b.events:
			if !ok {
				return nil
			}
			r.Report(e)
		}
	}
}
