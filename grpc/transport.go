// Package grpc implements the stream transport over an Arrow Flight DoExchange call.
//
// Each Dial opens a new gRPC connection, authenticates with the API key handshake and starts an
// exchange whose descriptor is the JSON run command. Request batches are written as Arrow IPC
// record batches carrying {"batch_idx": N} app metadata; the service answers with result batches
// tagged the same way, interleaved with metadata-only messages which carry server events.
package grpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/hashicorp/go-hclog"
	"github.com/queryboost/queryboost-go/config"
	"github.com/queryboost/queryboost-go/stream"
	"github.com/queryboost/queryboost-go/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const tracerName = "queryboost/grpc"

type TransportOption func(*FlightTransport)

// WithDialOptions appends gRPC dial options, after the transport credentials
func WithDialOptions(opts ...grpc.DialOption) TransportOption {
	return func(t *FlightTransport) {
		t.dialOpts = append(t.dialOpts, opts...)
	}
}

func WithAllocator(mem memory.Allocator) TransportOption {
	return func(t *FlightTransport) {
		t.mem = mem
	}
}

func WithLogger(logger hclog.Logger) TransportOption {
	return func(t *FlightTransport) {
		t.logger = logger
	}
}

// FlightTransport dials exchanges with the service; it implements stream.Transport
type FlightTransport struct {
	addr       string
	apiKey     string
	command    RunCommand
	descriptor *flight.FlightDescriptor
	dialOpts   []grpc.DialOption
	mem        memory.Allocator
	logger     hclog.Logger
	callId     string

	mu       sync.Mutex
	attempts int
}

var (
	_ stream.Transport       = (*FlightTransport)(nil)
	_ stream.ErrorClassifier = (*FlightTransport)(nil)
)

func NewFlightTransport(cfg *config.Config, command RunCommand, opts ...TransportOption) (*FlightTransport, error) {
	addr, useTLS, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	descriptor, err := command.Descriptor()
	if err != nil {
		return nil, fmt.Errorf("failed to encode run command: %w", err)
	}
	creds := insecure.NewCredentials()
	if useTLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	t := &FlightTransport{
		addr:       addr,
		apiKey:     cfg.APIKey,
		command:    command,
		descriptor: descriptor,
		dialOpts:   []grpc.DialOption{grpc.WithTransportCredentials(creds)},
		mem:        memory.DefaultAllocator,
		logger:     hclog.NewNullLogger(),
		callId:     BuildCallId(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *FlightTransport) Addr() string {
	return t.addr
}

// Dial authenticates and opens a new exchange
// ctx bounds the lifetime of the returned connection, not only the dial
func (t *FlightTransport) Dial(ctx context.Context) (stream.Conn, error) {
	t.mu.Lock()
	t.attempts++
	attempt := t.attempts
	t.mu.Unlock()

	dialCtx, span := telemetry.StartSpan(ctx, tracerName, "FlightTransport.Dial",
		attribute.String("addr", t.addr), attribute.Int("attempt", attempt))
	defer span.End()

	auth := &apiKeyAuth{apiKey: t.apiKey}
	client, err := flight.NewClientWithMiddleware(t.addr, auth, nil, t.dialOpts...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create flight client for %s: %w", t.addr, err)
	}
	if err := client.Authenticate(dialCtx); err != nil {
		client.Close()
		span.RecordError(err)
		return nil, HandleGrpcError(err)
	}

	callId := BuildRunCallId(t.callId, t.command.Name, attempt)
	streamCtx, cancel := context.WithCancel(InjectTraceContext(dialCtx))
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, CallIdHeader, callId)

	exchange, err := client.DoExchange(streamCtx)
	if err != nil {
		cancel()
		client.Close()
		span.RecordError(err)
		return nil, HandleGrpcError(err)
	}
	t.logger.Debug("exchange opened", "addr", t.addr, "call_id", callId)

	c := newConn(client, exchange, cancel, t.descriptor, t.mem, t.logger.With("call_id", callId))
	go c.pump()
	return c, nil
}

// IsTransient classifies gRPC failures which are worth a reconnect
func (t *FlightTransport) IsTransient(err error) bool {
	return IsTransientError(err)
}

// IsUnrecoverable picks out rejections of the run, which are not retried even when their
// message looks like a connectivity failure
func (t *FlightTransport) IsUnrecoverable(err error) bool {
	return IsUnrecoverableError(err)
}
