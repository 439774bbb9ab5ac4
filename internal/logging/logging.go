// Package logging builds the relay's slog loggers and holds the attribute
// keys shared by every component.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Attribute keys. Components log peers, sockets and control plane requests
// under these names so text and JSON output can be grepped the same way.
const (
	KeyComponent = "component"
	KeySessionID = "session_id"
	KeyState     = "state"

	KeyPeer       = "peer"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyPort       = "port"
	KeyURL        = "url"

	KeyStatus   = "status"
	KeyBytes    = "bytes"
	KeyCount    = "count"
	KeyDuration = "duration"
	KeyError    = "error"
)

// DurationPrecision is the resolution durations are rendered at.
const DurationPrecision = time.Millisecond

// Format selects the handler used for output.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Options configures New.
type Options struct {
	Level  slog.Level
	Format Format
	Output io.Writer
}

// New returns a logger for opts. A nil Output writes to stderr and an
// unrecognised Format falls back to text.
func New(opts Options) *slog.Logger {
	w := opts.Output
	if w == nil {
		w = os.Stderr
	}

	ho := &slog.HandlerOptions{
		Level:       opts.Level,
		ReplaceAttr: roundDurations,
	}

	if Format(strings.ToLower(string(opts.Format))) == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, ho))
	}
	return slog.New(slog.NewTextHandler(w, ho))
}

// NewLogger returns a stderr logger for the configured level and format.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, nil)
}

// NewLoggerWithWriter is NewLogger writing to w.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	return New(Options{
		Level:  ParseLevel(level),
		Format: Format(format),
		Output: w,
	})
}

// ParseLevel maps a configured level name to a slog.Level. It accepts
// anything slog.Level.UnmarshalText does plus "warning". Unknown or empty
// names map to info.
func ParseLevel(level string) slog.Level {
	level = strings.TrimSpace(level)
	if strings.EqualFold(level, "warning") {
		return slog.LevelWarn
	}

	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Component returns logger tagged with the component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String(KeyComponent, name))
}

// NopLogger returns a logger that discards everything.
func NopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// roundDurations renders duration attributes at DurationPrecision so
// callers can log time.Since values directly.
func roundDurations(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindDuration {
		d := a.Value.Duration()
		if d >= DurationPrecision || d <= -DurationPrecision {
			a.Value = slog.DurationValue(d.Round(DurationPrecision))
		}
	}
	return a
}
