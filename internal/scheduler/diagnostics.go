package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/neboloop/pagewright/internal/report"
)

const (
	screenshotOn            = "on"
	screenshotOnlyOnFailure = "only-on-failure"
)

// diagnostics writes <outputDir>/<slug>[-retryN]/ for a failed attempt,
// or for any attempt when screenshots are always on. It returns the
// directory, or "" when nothing was written.
func (w *worker) diagnostics(t *T, a report.Attempt) (string, error) {
	dir := w.d.s.opts.OutputDir
	if dir == "" || a.Status == report.StatusSkipped {
		return "", nil
	}
	failed := a.Status != report.StatusPassed
	mode := t.project.Screenshot
	if !failed && mode != screenshotOn {
		return "", nil
	}

	name := slug(t.unit)
	if a.Number > 0 {
		name += fmt.Sprintf("-retry%d", a.Number)
	}
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}

	if failed {
		data, err := json.MarshalIndent(a.Steps, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode steps: %w", err)
		}
		if err := os.WriteFile(filepath.Join(path, "steps.json"), data, 0o644); err != nil {
			return "", err
		}
	}

	if t.page != nil && !t.page.Closed() && (mode == screenshotOn || (failed && mode == screenshotOnlyOnFailure)) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), teardownTimeout)
		defer cancel()
		png, err := t.page.Screenshot(ctx)
		if err != nil {
			w.logger.Warn("capture screenshot", "test", t.unit.ID, "err", err)
			return path, nil
		}
		file := "test-finished.png"
		if failed {
			file = "test-failed.png"
		}
		if err := os.WriteFile(filepath.Join(path, file), png, 0o644); err != nil {
			return "", err
		}
	}
	return path, nil
}

// slug turns a unit into a directory name: file stem, title path and
// project, lowercased with runs of other characters collapsed to "-".
func slug(u *Unit) string {
	stem := strings.TrimSuffix(filepath.Base(u.File), filepath.Ext(u.File))
	parts := append([]string{stem}, u.TitlePath...)
	if u.Project != "" {
		parts = append(parts, u.Project)
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.Join(parts, "-")) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if r := []rune(s); len(r) > 80 {
		s = strings.TrimSuffix(string(r[:80]), "-")
	}
	return s
}
