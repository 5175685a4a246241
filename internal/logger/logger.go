// Package logger builds the process-wide zap logger.
package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a SugaredLogger configured for the given environment. If env is
// empty it reads APP_ENV, and defaults to production mode.
//
// Development mode: colorized console output at debug level.
// Production mode: JSON to stdout at info level, ISO-8601 timestamps.
func New(env string) (*zap.SugaredLogger, error) {
	if env == "" {
		env = os.Getenv("APP_ENV")
	}

	var config zap.Config

	switch env {
	case "development", "dev":
		config = zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}

	default:
		config = zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}
		config.EncoderConfig.CallerKey = "caller"
		config.EncoderConfig.LevelKey = "level"
		config.EncoderConfig.MessageKey = "message"
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger.Sugar(), nil
}

// Nop returns a no-op logger for tests.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
