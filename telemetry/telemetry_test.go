package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]struct {
		in      string
		level   Level
		tracing bool
		metrics bool
		wantErr bool
	}{
		"empty":   {in: "", level: LevelNone},
		"none":    {in: "none", level: LevelNone},
		"all":     {in: "ALL", level: LevelAll, tracing: true, metrics: true},
		"trace":   {in: " trace ", level: LevelTrace, tracing: true},
		"metrics": {in: "metrics", level: LevelMetrics, metrics: true},
		"invalid": {in: "verbose", level: LevelNone, wantErr: true},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			level, err := ParseLevel(test.in)
			if test.wantErr {
				assert.ErrorContains(t, err, EnvOtelLevel)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, test.level, level)
			assert.Equal(t, test.tracing, level.Tracing())
			assert.Equal(t, test.metrics, level.Metrics())
		})
	}
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv(EnvOtelLevel, "trace")
	t.Setenv(EnvOtelEndpoint, "collector:4317")
	t.Setenv(EnvOtelInsecure, "1")

	opts, err := OptionsFromEnv("queryboost-test", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, Options{
		ServiceName:    "queryboost-test",
		ServiceVersion: "1.0.0",
		Level:          LevelTrace,
		Endpoint:       "collector:4317",
		Insecure:       true,
	}, opts)
}

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{ServiceName: "queryboost-test", Level: LevelNone})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpanWithoutProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "queryboost/test", "op")
	defer span.End()
	assert.NotNil(t, ctx)
	assert.False(t, span.SpanContext().IsValid())
}

func TestMetricsNoop(t *testing.T) {
	ctx := context.Background()

	m, err := NewMetrics("queryboost-test")
	require.NoError(t, err)
	m.BatchSent(ctx)
	m.Flushed(ctx, 1024)

	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.BatchReceived(ctx)
		nilMetrics.Reconnected(ctx)
	})
}
