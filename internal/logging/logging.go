package logging

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/Graylog2/go-gelf/gelf"
	"github.com/rs/zerolog"
)

// LogFilePath builds a log file path using OS-appropriate path separators.
func LogFilePath(logsDir, serviceName string, sessionStart time.Time) string {
	return filepath.Join(
		logsDir,
		fmt.Sprintf("%s.%s.log", serviceName, sessionStart.Format("20060102_150405")),
	)
}

// NewGraylogWriter opens a GELF UDP writer to addr (host:port).
func NewGraylogWriter(addr string) (io.WriteCloser, error) {
	w, err := gelf.NewWriter(addr)
	if err != nil {
		return nil, fmt.Errorf("creating graylog writer: %w", err)
	}
	return w, nil
}

// SessionContext returns a ContextProvider that tags records with the session id.
func SessionContext(sessionID string) ContextProvider {
	attrs := []slog.Attr{slog.String("session", sessionID)}
	return func() []slog.Attr {
		return attrs
	}
}

// NewZerolog returns a zerolog logger writing JSON to w at the given level.
func NewZerolog(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", ServiceName).Logger()
}
