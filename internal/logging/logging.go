// Package logging configures the agent's zerolog output.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kryptomind/trackd/internal/config"
)

// Setup configures the logger based on configuration. The agent runs
// unattended, so logs go to a size-rotated file as well as stdout.
func Setup(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	writers := []io.Writer{consoleWriter(cfg.Format)}
	if cfg.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}

	return zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
}

func consoleWriter(format string) io.Writer {
	if format == "text" {
		return zerolog.ConsoleWriter{Out: os.Stdout}
	}
	// Default to JSON
	return os.Stdout
}
