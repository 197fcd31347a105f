package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/queryboost/queryboost-go/error_helpers"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// fileConfig is the HCL shape of a config file, e.g.
//
//	api_key = trimspace(env.QB_KEY)
//	batch_size = 32
//
//	session {
//	  idle_timeout  = "90s"
//	  drain_timeout = "10m"
//	}
//
//	sink {
//	  target_write_bytes = 134217728
//	}
type fileConfig struct {
	APIKey        *string      `hcl:"api_key"`
	URL           *string      `hcl:"url"`
	Port          *int         `hcl:"port"`
	BatchSize     *int         `hcl:"batch_size"`
	RowsPerSecond *float64     `hcl:"rows_per_second"`
	Session       *sessionFile `hcl:"session,block"`
	Sink          *sinkFile    `hcl:"sink,block"`
}

type sessionFile struct {
	MaxInFlight          *int    `hcl:"max_in_flight"`
	ResultQueueSize      *int    `hcl:"result_queue_size"`
	IdleTimeout          *string `hcl:"idle_timeout"`
	MaxReconnectAttempts *int    `hcl:"max_reconnect_attempts"`
	BackoffBase          *string `hcl:"backoff_base"`
	BackoffMax           *string `hcl:"backoff_max"`
	DrainTimeout         *string `hcl:"drain_timeout"`
}

type sinkFile struct {
	TargetWriteBytes *int64  `hcl:"target_write_bytes"`
	MaxBufferedBytes *int64  `hcl:"max_buffered_bytes"`
	MaxWriteAttempts *int    `hcl:"max_write_attempts"`
	WriteRetryBase   *string `hcl:"write_retry_base"`
	WriteRetryMax    *string `hcl:"write_retry_max"`
}

func (c *Config) loadFile(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return c.parse(src, path)
}

func (c *Config) parse(src []byte, filename string) error {
	file, diags := hclsyntax.ParseConfig(src, filename, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return error_helpers.HclDiagsToError(fmt.Sprintf("failed to parse config file '%s'", filename), diags)
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": environment(),
		},
		Functions: map[string]function.Function{
			"trimspace": stdlib.TrimSpaceFunc,
			"lower":     stdlib.LowerFunc,
			"upper":     stdlib.UpperFunc,
		},
	}
	var fc fileConfig
	if diags := gohcl.DecodeBody(file.Body, evalCtx, &fc); diags.HasErrors() {
		return error_helpers.HclDiagsToError(fmt.Sprintf("failed to decode config file '%s'", filename), diags)
	}
	return c.apply(&fc)
}

// environment exposes the process environment to config expressions as env.NAME
func environment() cty.Value {
	vars := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			vars[k] = cty.StringVal(v)
		}
	}
	return cty.ObjectVal(vars)
}

func (c *Config) apply(fc *fileConfig) error {
	setString(&c.APIKey, fc.APIKey)
	setString(&c.URL, fc.URL)
	setInt(&c.Port, fc.Port)
	setInt(&c.MaxRowsPerRequestBatch, fc.BatchSize)
	if fc.RowsPerSecond != nil {
		c.RowsPerSecond = *fc.RowsPerSecond
	}

	if s := fc.Session; s != nil {
		setInt(&c.MaxInFlight, s.MaxInFlight)
		setInt(&c.ResultQueueSize, s.ResultQueueSize)
		setInt(&c.MaxReconnectAttempts, s.MaxReconnectAttempts)
		durations := []struct {
			field string
			src   *string
			dst   *time.Duration
		}{
			{"idle_timeout", s.IdleTimeout, &c.IdleTimeout},
			{"backoff_base", s.BackoffBase, &c.BackoffBase},
			{"backoff_max", s.BackoffMax, &c.BackoffMax},
			{"drain_timeout", s.DrainTimeout, &c.DrainTimeout},
		}
		for _, d := range durations {
			if err := setDuration(d.dst, d.src, d.field); err != nil {
				return err
			}
		}
	}

	if s := fc.Sink; s != nil {
		if s.TargetWriteBytes != nil {
			c.TargetWriteBytes = *s.TargetWriteBytes
		}
		if s.MaxBufferedBytes != nil {
			c.MaxBufferedBytes = *s.MaxBufferedBytes
		}
		setInt(&c.MaxWriteAttempts, s.MaxWriteAttempts)
		if err := setDuration(&c.WriteRetryBase, s.WriteRetryBase, "write_retry_base"); err != nil {
			return err
		}
		if err := setDuration(&c.WriteRetryMax, s.WriteRetryMax, "write_retry_max"); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *string, field string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return &Error{Field: field, Message: fmt.Sprintf("%s: invalid duration '%s'", field, *src)}
	}
	*dst = d
	return nil
}
