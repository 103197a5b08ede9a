// Package logging builds the process slog.Logger from the infra config.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"agentdesk/internal/domain"
)

// Defaults for the rotated log file.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
)

// New returns a logger writing to stderr and, when infra.LogFile is set, to a
// size-rotated file as well. The returned closer releases the file and is
// never nil.
func New(infra domain.InfraConfig, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(infra.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	out := stderr
	var closer io.Closer = nopCloser{}
	if infra.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   infra.LogFile,
			MaxSize:    orDefault(infra.LogMaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: orDefault(infra.LogMaxBackups, DefaultMaxBackups),
			Compress:   true,
		}
		out = io.MultiWriter(stderr, lj)
		closer = lj
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(infra.LogFormat, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h), closer, nil
}

// ParseLevel maps debug, info, warn and error (case-insensitive) to slog
// levels. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logging: unknown level %q", s)
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
