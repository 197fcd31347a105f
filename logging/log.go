package logging

import (
	"log"
	"os"

	"github.com/hashicorp/go-hclog"
)

// NewLogger creates a hclog logger with the level specified by the QUERYBOOST_LOG_LEVEL env var
// Output is escaped so that multi-line messages (e.g. server error details) stay on a single line
func NewLogger(options *hclog.LoggerOptions) hclog.Logger {
	if options == nil {
		options = &hclog.LoggerOptions{}
	}
	if options.Level == hclog.NoLevel {
		options.Level = hclog.LevelFromString(LogLevel())
	}
	if options.Output == nil {
		options.Output = NewEscapeNewlineWriter(os.Stderr)
	}
	return hclog.New(options)
}

// RedirectStandardLog routes the standard library logger through the given hclog logger,
// inferring the level from the "[TRACE]", "[INFO]", "[WARN]" prefixes used throughout the client
func RedirectStandardLog(logger hclog.Logger) {
	log.SetFlags(0)
	log.SetOutput(logger.StandardWriter(&hclog.StandardLoggerOptions{InferLevels: true}))
}

func LogLevel() string {
	level, ok := os.LookupEnv(EnvLogLevel)
	if !ok {
		level, ok = os.LookupEnv(LegacyLogLevelEnv)
		if !ok {
			level = defaultLogLevel
		}
	}
	return level
}
