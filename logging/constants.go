package logging

// environment variables controlling the client log level and timing profile
const (
	EnvLogLevel       = "QUERYBOOST_LOG_LEVEL"
	EnvProfile        = "QUERYBOOST_PROFILE"
	LegacyLogLevelEnv = "QB_LOG"
	defaultLogLevel   = "WARN"
)

var newLine = []byte("\n")
var escapedNewLine = []byte("\\n")
var escapedCarriageReturn = []byte("\\r")
