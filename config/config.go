// Package config resolves client configuration.
//
// Values are resolved in order of precedence:
//  1. Options passed to Load
//  2. environment variables QUERYBOOST_API_KEY, QUERYBOOST_URL and QUERYBOOST_PORT
//  3. an optional HCL config file
//  4. defaults
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvAPIKey = "QUERYBOOST_API_KEY"
	EnvURL    = "QUERYBOOST_URL"
	EnvPort   = "QUERYBOOST_PORT"

	DefaultURL  = "grpc+tls://api.queryboost.com"
	DefaultPort = 443

	MiB = 1024 * 1024
)

// Config holds every tunable of a run
type Config struct {
	APIKey string
	URL    string
	Port   int

	// rows per request batch
	MaxRowsPerRequestBatch int
	// emitter pacing, 0 means unpaced
	RowsPerSecond float64

	// session
	MaxInFlight          int
	ResultQueueSize      int
	IdleTimeout          time.Duration
	MaxReconnectAttempts int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	DrainTimeout         time.Duration

	// sink
	TargetWriteBytes int64
	MaxBufferedBytes int64
	MaxWriteAttempts int
	WriteRetryBase   time.Duration
	WriteRetryMax    time.Duration
}

// Default returns a config populated with default values and no API key
func Default() *Config {
	return &Config{
		URL:                    DefaultURL,
		Port:                   DefaultPort,
		MaxRowsPerRequestBatch: 16,
		MaxInFlight:            64,
		ResultQueueSize:        64,
		IdleTimeout:            60 * time.Second,
		MaxReconnectAttempts:   5,
		BackoffBase:            200 * time.Millisecond,
		BackoffMax:             10 * time.Second,
		DrainTimeout:           5 * time.Minute,
		TargetWriteBytes:       256 * MiB,
		MaxWriteAttempts:       3,
		WriteRetryBase:         500 * time.Millisecond,
		WriteRetryMax:          10 * time.Second,
	}
}

// Load resolves the configuration; configPath may be empty
func Load(configPath string, opts ...Option) (*Config, error) {
	c := Default()
	if configPath != "" {
		if err := c.loadFile(configPath); err != nil {
			return nil, err
		}
	}
	if err := c.loadEnv(); err != nil {
		return nil, err
	}
	for _, o := range opts {
		o(c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadEnv() error {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv(EnvURL); v != "" {
		c.URL = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &Error{Field: "port", Message: fmt.Sprintf("%s must be an integer, got '%s'", EnvPort, v)}
		}
		c.Port = port
	}
	return nil
}

// Validate checks the config is usable
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return &Error{
			Field:   "api_key",
			Message: "You haven't specified an API key. Please either set the QUERYBOOST_API_KEY environment variable or set 'api_key' in the config file.",
		}
	}
	if _, _, err := c.Location(); err != nil {
		return err
	}
	if c.Port < 1 || c.Port > 65535 {
		return &Error{Field: "port", Message: fmt.Sprintf("port %d is out of range", c.Port)}
	}

	positive := map[string]int64{
		"batch_size":             int64(c.MaxRowsPerRequestBatch),
		"max_in_flight":          int64(c.MaxInFlight),
		"result_queue_size":      int64(c.ResultQueueSize),
		"max_reconnect_attempts": int64(c.MaxReconnectAttempts),
		"backoff_base":           int64(c.BackoffBase),
		"backoff_max":            int64(c.BackoffMax),
		"target_write_bytes":     c.TargetWriteBytes,
		"max_write_attempts":     int64(c.MaxWriteAttempts),
		"write_retry_base":       int64(c.WriteRetryBase),
		"write_retry_max":        int64(c.WriteRetryMax),
	}
	for field, v := range positive {
		if v < 1 {
			return &Error{Field: field, Message: fmt.Sprintf("%s must be greater than zero", field)}
		}
	}

	nonNegative := map[string]int64{
		"idle_timeout":       int64(c.IdleTimeout),
		"drain_timeout":      int64(c.DrainTimeout),
		"max_buffered_bytes": c.MaxBufferedBytes,
		"rows_per_second":    int64(c.RowsPerSecond),
	}
	for field, v := range nonNegative {
		if v < 0 {
			return &Error{Field: field, Message: fmt.Sprintf("%s cannot be negative", field)}
		}
	}
	if c.MaxBufferedBytes > 0 && c.MaxBufferedBytes < c.TargetWriteBytes {
		return &Error{Field: "max_buffered_bytes", Message: "max_buffered_bytes must not be less than target_write_bytes"}
	}
	return nil
}

// Location returns the host:port to dial and whether to use TLS
// supported schemes are grpc+tls, grpc+tcp and grpc
func (c *Config) Location() (addr string, useTLS bool, err error) {
	u, err := url.Parse(c.URL)
	if err != nil || u.Host == "" {
		return "", false, &Error{Field: "url", Message: fmt.Sprintf("invalid url '%s'", c.URL)}
	}
	switch strings.ToLower(u.Scheme) {
	case "grpc+tls":
		useTLS = true
	case "grpc", "grpc+tcp":
	default:
		return "", false, &Error{Field: "url", Message: fmt.Sprintf("unsupported url scheme '%s'", u.Scheme)}
	}
	host := u.Hostname()
	port := c.Port
	if p := u.Port(); p != "" {
		// an explicit port in the url wins
		if port, err = strconv.Atoi(p); err != nil {
			return "", false, &Error{Field: "url", Message: fmt.Sprintf("invalid port in url '%s'", c.URL)}
		}
	}
	return fmt.Sprintf("%s:%d", host, port), useTLS, nil
}

// Error is a configuration error
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
