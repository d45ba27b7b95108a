// Package logs builds the process logger.
package logs

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/warp/clinic-engine/config"
)

// New builds a zerolog logger from config. Output goes to stdout and, when
// logging.file is set, to a rotated file as well.
func New(cfg *config.Config) zerolog.Logger {
	var stdout io.Writer = os.Stdout
	if strings.EqualFold(cfg.Logging.Format, "console") {
		stdout = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	writers := []io.Writer{stdout}
	if cfg.Logging.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
			Compress:   true,
		})
	}

	return zerolog.New(io.MultiWriter(writers...)).
		Level(ParseLevel(cfg.Logging.Level)).
		With().
		Timestamp().
		Str("service", "clinic-engine").
		Str("env", cfg.Server.Env).
		Logger()
}

// ParseLevel maps a config level to zerolog, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
