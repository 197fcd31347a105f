package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the run counters
// counters are created from the global meter provider, so they are no-ops unless Init enabled metrics
// a nil *Metrics is valid and records nothing
type Metrics struct {
	batchesSent     metric.Int64Counter
	batchesReceived metric.Int64Counter
	duplicates      metric.Int64Counter
	reconnects      metric.Int64Counter
	flushes         metric.Int64Counter
	bytesFlushed    metric.Int64Counter
}

func NewMetrics(service string) (*Metrics, error) {
	meter := otel.GetMeterProvider().Meter(service)
	m := &Metrics{}
	var err error
	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
		unit        string
	}{
		{&m.batchesSent, "queryboost.batches.sent", "request batches written to the stream", "{batch}"},
		{&m.batchesReceived, "queryboost.batches.received", "result batches accepted from the stream", "{batch}"},
		{&m.duplicates, "queryboost.batches.duplicate", "result batches discarded as duplicates", "{batch}"},
		{&m.reconnects, "queryboost.reconnects", "stream reconnections", "{reconnect}"},
		{&m.flushes, "queryboost.flushes", "artifacts written by the sink", "{flush}"},
		{&m.bytesFlushed, "queryboost.bytes.flushed", "estimated bytes written by the sink", "By"},
	}
	for _, c := range counters {
		*c.target, err = meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) BatchSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.batchesSent.Add(ctx, 1)
}

func (m *Metrics) BatchReceived(ctx context.Context) {
	if m == nil {
		return
	}
	m.batchesReceived.Add(ctx, 1)
}

func (m *Metrics) DuplicateDiscarded(ctx context.Context) {
	if m == nil {
		return
	}
	m.duplicates.Add(ctx, 1)
}

func (m *Metrics) Reconnected(ctx context.Context) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1)
}

func (m *Metrics) Flushed(ctx context.Context, bytes int64) {
	if m == nil {
		return
	}
	m.flushes.Add(ctx, 1)
	m.bytesFlushed.Add(ctx, bytes)
}
