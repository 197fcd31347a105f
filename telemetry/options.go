package telemetry

import (
	"fmt"
	"os"
	"strings"
)

const (
	EnvOtelLevel    = "QUERYBOOST_OTEL_LEVEL"
	EnvOtelInsecure = "QUERYBOOST_OTEL_INSECURE"
	EnvOtelEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"

	defaultEndpoint = "localhost:4317"
)

// Level selects which signals are exported
type Level string

const (
	LevelNone    Level = "none"
	LevelAll     Level = "all"
	LevelTrace   Level = "trace"
	LevelMetrics Level = "metrics"
)

func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case "":
		return LevelNone, nil
	case LevelNone, LevelAll, LevelTrace, LevelMetrics:
		return l, nil
	default:
		return LevelNone, fmt.Errorf("invalid %s '%s': must be one of none, all, trace, metrics", EnvOtelLevel, s)
	}
}

func (l Level) Tracing() bool {
	return l == LevelAll || l == LevelTrace
}

func (l Level) Metrics() bool {
	return l == LevelAll || l == LevelMetrics
}

type Options struct {
	ServiceName    string
	ServiceVersion string
	Level          Level
	// OTLP gRPC collector address
	Endpoint string
	Insecure bool
}

// OptionsFromEnv reads the export level, collector endpoint and transport security from the environment
func OptionsFromEnv(serviceName, serviceVersion string) (Options, error) {
	level, err := ParseLevel(os.Getenv(EnvOtelLevel))
	if err != nil {
		return Options{}, err
	}
	opts := Options{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Level:          level,
		Endpoint:       defaultEndpoint,
	}
	if endpoint, ok := os.LookupEnv(EnvOtelEndpoint); ok && endpoint != "" {
		opts.Endpoint = endpoint
	}
	_, opts.Insecure = os.LookupEnv(EnvOtelInsecure)
	return opts, nil
}
