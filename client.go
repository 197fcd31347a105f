package queryboost

import (
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/go-homedir"
	"github.com/queryboost/queryboost-go/config"
	"github.com/queryboost/queryboost-go/grpc"
	"github.com/queryboost/queryboost-go/logging"
	"github.com/queryboost/queryboost-go/stream"
	"github.com/queryboost/queryboost-go/telemetry"
)

// DefaultCacheDir is where results are saved when a run names no destination
const DefaultCacheDir = "~/.cache/queryboost"

// TransportFactory creates the transport for one run
type TransportFactory func(cfg *config.Config, cmd grpc.RunCommand) (stream.Transport, error)

type ClientOption func(*Client)

func WithLogger(logger hclog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTransportFactory replaces the Flight transport
func WithTransportFactory(f TransportFactory) ClientOption {
	return func(c *Client) {
		c.transport = f
	}
}

func WithAllocator(mem memory.Allocator) ClientOption {
	return func(c *Client) {
		c.mem = mem
	}
}

func WithMetrics(m *telemetry.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client runs prompts against the service; it may be used for any number of runs
type Client struct {
	cfg       *config.Config
	logger    hclog.Logger
	transport TransportFactory
	mem       memory.Allocator
	metrics   *telemetry.Metrics
}

func NewClient(cfg *config.Config, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg: cfg,
		mem: memory.DefaultAllocator,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.NewLogger(&hclog.LoggerOptions{Name: "queryboost"})
	}
	if c.transport == nil {
		c.transport = c.flightTransport
	}
	return c, nil
}

func (c *Client) flightTransport(cfg *config.Config, cmd grpc.RunCommand) (stream.Transport, error) {
	return grpc.NewFlightTransport(cfg, cmd,
		grpc.WithAllocator(c.mem),
		grpc.WithLogger(c.logger.Named("transport")))
}

// DefaultOutputDir returns the directory results of the named run are saved to by default
func DefaultOutputDir(name string) (string, error) {
	dir, err := homedir.Expand(DefaultCacheDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}
