package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Development mode gives console output,
// otherwise JSON lines.
func New(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	loggerConfig := zap.NewProductionConfig()
	if development {
		loggerConfig = zap.NewDevelopmentConfig()
	}
	loggerConfig.Level = zap.NewAtomicLevelAt(lvl)
	loggerConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return loggerConfig.Build()
}
