package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Format selects the handler used by New.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

var (
	disabled atomic.Bool
	std      atomic.Pointer[slog.Logger]
)

func init() {
	std.Store(New(slog.LevelInfo, FormatText))
}

// New creates an application logger on stderr. Text output is colourised
// when stderr is a terminal. The "error" key is renamed "err" everywhere.
func New(level slog.Level, format Format) *slog.Logger {
	return NewWriter(os.Stderr, level, format)
}

// NewWriter is New with an explicit destination.
func NewWriter(w io.Writer, level slog.Level, format Format) *slog.Logger {
	replace := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == "error" {
			a.Key = "err"
		}
		return a
	}
	if format == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: replace}))
	}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:       level,
			TimeFormat:  time.Kitchen,
			ReplaceAttr: replace,
		}))
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: replace}))
}

// NewNop returns a logger that discards everything.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps debug/info/warn/error to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefault replaces the logger behind the package helpers and slog.Default.
func SetDefault(l *slog.Logger) {
	std.Store(l)
	slog.SetDefault(l)
}

// Default returns the logger behind the package helpers.
func Default() *slog.Logger {
	return std.Load()
}

// Component returns the default logger tagged with a component name.
func Component(name string) *slog.Logger {
	return Default().With("component", name)
}

// Disable turns off the package helpers.
func Disable() {
	disabled.Store(true)
}

// Enable turns the package helpers back on.
func Enable() {
	disabled.Store(false)
}

// Infof logs a formatted info message
func Infof(format string, v ...any) {
	if !disabled.Load() {
		Default().Info(fmt.Sprintf(format, v...))
	}
}

// Warnf logs a formatted warning message
func Warnf(format string, v ...any) {
	if !disabled.Load() {
		Default().Warn(fmt.Sprintf(format, v...))
	}
}

// Errorf logs a formatted error message
func Errorf(format string, v ...any) {
	if !disabled.Load() {
		Default().Error(fmt.Sprintf(format, v...))
	}
}

// Debugf logs a formatted debug message
func Debugf(format string, v ...any) {
	if !disabled.Load() {
		Default().Debug(fmt.Sprintf(format, v...))
	}
}
