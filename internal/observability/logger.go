package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. Level comes from LOG_LEVEL; every entry carries
// the service name and the configured environment.
func NewLogger(environment string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.Level = parseLogLevel(os.Getenv("LOG_LEVEL"))
	if environment == "" {
		environment = "dev"
	}
	config.InitialFields = map[string]interface{}{
		"service":     "weathernow",
		"environment": environment,
	}

	return config.Build()
}

// IsProduction reports whether upstream error bodies must be kept out of logs.
func IsProduction(environment string) bool {
	return strings.EqualFold(strings.TrimSpace(environment), "production")
}

func parseLogLevel(s string) zap.AtomicLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zap.NewAtomicLevelAt(zap.DebugLevel)
	case "WARN":
		return zap.NewAtomicLevelAt(zap.WarnLevel)
	case "ERROR":
		return zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
}
