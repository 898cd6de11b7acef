package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNewWriterRenamesErrorKey(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, slog.LevelInfo, FormatText)
	l.Info("launch failed", "error", errors.New("boom"))

	out := buf.String()
	if !strings.Contains(out, "err=boom") {
		t.Fatalf("expected err=boom in %q", out)
	}
}

func TestNewWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, slog.LevelDebug, FormatJSON)
	l.Debug("poll", "state", "visible")
	if !strings.Contains(buf.String(), `"state":"visible"`) {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDisableSilencesHelpers(t *testing.T) {
	var buf bytes.Buffer
	prev := Default()
	SetDefault(NewWriter(&buf, slog.LevelDebug, FormatText))
	defer SetDefault(prev)

	Disable()
	Infof("hidden %d", 1)
	Enable()
	Infof("shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown 2") {
		t.Fatalf("unexpected output %q", out)
	}
}
