package logger

import (
	. "github.com/go-ozzo/ozzo-validation"
	"io"
	"log/slog"
)

// LevelFatal sits above error for messages logged right before exit.
const LevelFatal = slog.LevelError + 4

type Config struct {
	Level     string
	Format    string
	AddSource bool

	// Output defaults to stdout
	Output io.Writer
}

func (c *Config) Validate() error {
	return ValidateStruct(c,
		Field(&c.Level, Required, In("debug", "info", "warn", "error", "fatal")),
		Field(&c.Format, Required, In("json", "text")),
	)
}

func (c *Config) GetSlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "fatal":
		return LevelFatal
	default:
		return slog.LevelInfo
	}
}
