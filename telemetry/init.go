package telemetry

import (
	"context"
	"fmt"
	"log"

	"github.com/queryboost/queryboost-go/error_helpers"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Shutdown flushes and stops the exporters
type Shutdown func(ctx context.Context) error

func noShutdown(context.Context) error { return nil }

// Init installs global tracer and meter providers exporting over OTLP gRPC, as selected by opts.Level
// with LevelNone nothing is installed and the returned Shutdown is a no-op
func Init(ctx context.Context, opts Options) (Shutdown, error) {
	log.Printf("[TRACE] telemetry.Init service '%s', level: %s", opts.ServiceName, opts.Level)
	if !opts.Level.Tracing() && !opts.Level.Metrics() {
		return noShutdown, nil
	}

	creds := credentials.NewTLS(nil)
	if opts.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(opts.Endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the telemetry collector at %s: %w", opts.Endpoint, err)
	}
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.ServiceVersion),
		),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialise telemetry: %w", err)
	}

	var shutdowns []Shutdown
	shutdownAll := func(ctx context.Context) error {
		var errs []error
		// providers flush on shutdown; the connection goes last
		for i := len(shutdowns) - 1; i >= 0; i-- {
			if err := shutdowns[i](ctx); err != nil {
				otel.Handle(err)
				errs = append(errs, err)
			}
		}
		errs = append(errs, conn.Close())
		log.Printf("[TRACE] telemetry shutdown complete")
		return error_helpers.CombineErrors(errs...)
	}

	if opts.Level.Tracing() {
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, error_helpers.CombineErrors(fmt.Errorf("failed to create trace exporter: %w", err), shutdownAll(ctx))
		}
		provider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
		otel.SetTracerProvider(provider)
		shutdowns = append(shutdowns, provider.Shutdown)
	}

	if opts.Level.Metrics() {
		exporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, error_helpers.CombineErrors(fmt.Errorf("failed to create metric exporter: %w", err), shutdownAll(ctx))
		}
		provider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		)
		otel.SetMeterProvider(provider)
		shutdowns = append(shutdowns, provider.Shutdown)
	}

	log.Printf("[TRACE] telemetry exporting to %s", opts.Endpoint)
	return shutdownAll, nil
}
