package config

import "time"

// Option overrides a resolved value
type Option func(*Config)

func WithAPIKey(key string) Option {
	return func(c *Config) {
		if key != "" {
			c.APIKey = key
		}
	}
}

func WithURL(u string) Option {
	return func(c *Config) {
		if u != "" {
			c.URL = u
		}
	}
}

func WithPort(port int) Option {
	return func(c *Config) {
		if port != 0 {
			c.Port = port
		}
	}
}

func WithBatchSize(rows int) Option {
	return func(c *Config) {
		if rows != 0 {
			c.MaxRowsPerRequestBatch = rows
		}
	}
}

func WithTargetWriteBytes(b int64) Option {
	return func(c *Config) {
		if b != 0 {
			c.TargetWriteBytes = b
		}
	}
}

func WithDrainTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.DrainTimeout = d
	}
}

func WithRowsPerSecond(rps float64) Option {
	return func(c *Config) {
		c.RowsPerSecond = rps
	}
}
