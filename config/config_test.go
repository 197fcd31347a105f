package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvURL, "")
	t.Setenv(EnvPort, "")
}

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "queryboost.hcl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	c, err := Load("", WithAPIKey("key"))
	require.NoError(t, err)

	assert.Equal(t, DefaultURL, c.URL)
	assert.Equal(t, DefaultPort, c.Port)
	assert.Equal(t, int64(256*MiB), c.TargetWriteBytes)
	assert.Equal(t, 16, c.MaxRowsPerRequestBatch)
	assert.Equal(t, 5*time.Minute, c.DrainTimeout)
}

func TestLoadMissingAPIKey(t *testing.T) {
	clearEnv(t)
	_, err := Load("")
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "api_key", cfgErr.Field)
	assert.Contains(t, err.Error(), "QUERYBOOST_API_KEY")
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, `
api_key = "file-key"
url     = "grpc+tcp://file.example.com"
port    = 9000
`)
	tests := map[string]struct {
		env      map[string]string
		opts     []Option
		wantKey  string
		wantURL  string
		wantPort int
	}{
		"file only": {
			wantKey:  "file-key",
			wantURL:  "grpc+tcp://file.example.com",
			wantPort: 9000,
		},
		"env over file": {
			env:      map[string]string{EnvAPIKey: "env-key", EnvPort: "9443"},
			wantKey:  "env-key",
			wantURL:  "grpc+tcp://file.example.com",
			wantPort: 9443,
		},
		"options over env": {
			env:      map[string]string{EnvAPIKey: "env-key", EnvURL: "grpc://env.example.com"},
			opts:     []Option{WithAPIKey("opt-key"), WithURL("grpc+tls://opt.example.com")},
			wantKey:  "opt-key",
			wantURL:  "grpc+tls://opt.example.com",
			wantPort: 9000,
		},
		"empty option ignored": {
			env:      map[string]string{EnvAPIKey: "env-key"},
			opts:     []Option{WithAPIKey("")},
			wantKey:  "env-key",
			wantURL:  "grpc+tcp://file.example.com",
			wantPort: 9000,
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range test.env {
				t.Setenv(k, v)
			}
			c, err := Load(path, test.opts...)
			require.NoError(t, err)
			assert.Equal(t, test.wantKey, c.APIKey)
			assert.Equal(t, test.wantURL, c.URL)
			assert.Equal(t, test.wantPort, c.Port)
		})
	}
}

func TestLoadFileBlocks(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
api_key    = "k"
batch_size = 32

session {
  idle_timeout           = "90s"
  max_reconnect_attempts = 8
  drain_timeout          = "10m"
}

sink {
  target_write_bytes = 1048576
  max_write_attempts = 4
  write_retry_base   = "1s"
}
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32, c.MaxRowsPerRequestBatch)
	assert.Equal(t, 90*time.Second, c.IdleTimeout)
	assert.Equal(t, 8, c.MaxReconnectAttempts)
	assert.Equal(t, 10*time.Minute, c.DrainTimeout)
	assert.Equal(t, int64(1048576), c.TargetWriteBytes)
	assert.Equal(t, 4, c.MaxWriteAttempts)
	assert.Equal(t, time.Second, c.WriteRetryBase)
	// untouched values keep their defaults
	assert.Equal(t, 64, c.MaxInFlight)
}

func TestLoadFileExpressions(t *testing.T) {
	clearEnv(t)
	t.Setenv("QB_TEST_KEY", "  from-env \n")
	path := writeConfig(t, `
api_key = trimspace(env.QB_TEST_KEY)
url     = lower("GRPC://localhost")
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.APIKey)
	assert.Equal(t, "grpc://localhost", c.URL)
}

func TestLoadFileErrors(t *testing.T) {
	tests := map[string]string{
		"syntax":           `api_key = `,
		"unknown field":    `colour = "blue"`,
		"bad duration":     "api_key = \"k\"\nsession {\n  idle_timeout = \"soon\"\n}\n",
		"wrong value type": `port = "eighty"`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		mutate    func(c *Config)
		wantField string
	}{
		"valid":              {mutate: func(c *Config) {}},
		"zero batch size":    {mutate: func(c *Config) { c.MaxRowsPerRequestBatch = 0 }, wantField: "batch_size"},
		"zero threshold":     {mutate: func(c *Config) { c.TargetWriteBytes = 0 }, wantField: "target_write_bytes"},
		"negative drain":     {mutate: func(c *Config) { c.DrainTimeout = -1 }, wantField: "drain_timeout"},
		"cap below target":   {mutate: func(c *Config) { c.MaxBufferedBytes = 10 }, wantField: "max_buffered_bytes"},
		"bad scheme":         {mutate: func(c *Config) { c.URL = "http://api.queryboost.com" }, wantField: "url"},
		"port out of range":  {mutate: func(c *Config) { c.Port = 70000 }, wantField: "port"},
		"no host":            {mutate: func(c *Config) { c.URL = "grpc+tls://" }, wantField: "url"},
		"zero max in flight": {mutate: func(c *Config) { c.MaxInFlight = 0 }, wantField: "max_in_flight"},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			c := Default()
			c.APIKey = "k"
			test.mutate(c)
			err := c.Validate()
			if test.wantField == "" {
				require.NoError(t, err)
				return
			}
			var cfgErr *Error
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, test.wantField, cfgErr.Field)
		})
	}
}

func TestLocation(t *testing.T) {
	tests := map[string]struct {
		url      string
		port     int
		wantAddr string
		wantTLS  bool
	}{
		"default":       {DefaultURL, DefaultPort, "api.queryboost.com:443", true},
		"plaintext":     {"grpc+tcp://localhost", 8815, "localhost:8815", false},
		"port in url":   {"grpc://localhost:9999", 8815, "localhost:9999", false},
		"upper scheme":  {"GRPC+TLS://example.com", 443, "example.com:443", true},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			c := &Config{URL: test.url, Port: test.port}
			addr, useTLS, err := c.Location()
			require.NoError(t, err)
			assert.Equal(t, test.wantAddr, addr)
			assert.Equal(t, test.wantTLS, useTLS)
		})
	}
}
