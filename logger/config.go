package logger

import (
	"go.uber.org/zap/zapcore"
)

// Config selects the encoding and minimum level of a logger.
type Config struct {
	// Format is one of auto, console, logfmt or json.
	Format string
	Level  zapcore.Level
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		Format: "auto",
		Level:  zapcore.InfoLevel,
	}
}
