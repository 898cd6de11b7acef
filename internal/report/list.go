package report

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/muesli/termenv"
)

// List prints one line per finished test and a summary with failure details.
type List struct {
	mu  sync.Mutex
	w   io.Writer
	out *termenv.Output
}

// NewList writes to w. Colors are used only when w is a terminal.
func NewList(w io.Writer) *List {
	return &List{w: w, out: termenv.NewOutput(w)}
}

func (l *List) Begin(_ context.Context, total int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	noun := "tests"
	if total == 1 {
		noun = "test"
	}
	_, err := fmt.Fprintf(l.w, "\nRunning %d %s\n\n", total, noun)
	return err
}

func (l *List) TestEnd(_ context.Context, res TestResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var mark termenv.Style
	switch res.Classification {
	case Passed:
		mark = l.out.String("✓").Foreground(l.out.Color("2"))
	case Flaky:
		mark = l.out.String("±").Foreground(l.out.Color("3"))
	case Failed:
		mark = l.out.String("✘").Foreground(l.out.Color("1"))
	default:
		mark = l.out.String("-").Faint()
	}

	line := fmt.Sprintf("  %s  %s", mark, title(res))
	if res.Classification != Skipped {
		line += l.out.String(fmt.Sprintf(" (%s)", round(res.Duration()))).Faint().String()
	}
	if n := len(res.Attempts); n > 1 {
		line += l.out.String(fmt.Sprintf(" [%d attempts]", n)).Faint().String()
	}
	_, err := fmt.Fprintln(l.w, line)
	return err
}

func (l *List) End(_ context.Context, run *Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b strings.Builder
	b.WriteString("\n")
	n := 0
	for _, res := range run.Results {
		if res.Classification != Failed {
			continue
		}
		n++
		final := res.Final()
		fmt.Fprintf(&b, "  %d) %s\n\n", n, title(res))
		fmt.Fprintf(&b, "     %s\n", l.out.String(final.Error).Foreground(l.out.Color("1")))
		if final.LastState != "" {
			fmt.Fprintf(&b, "     last actionability state: %s\n", final.LastState)
		}
		for _, soft := range final.SoftErrors {
			fmt.Fprintf(&b, "     soft: %s\n", soft)
		}
		if final.DiagnosticsPath != "" {
			fmt.Fprintf(&b, "     diagnostics: %s\n", final.DiagnosticsPath)
		}
		b.WriteString("\n")
	}

	s := run.Summary
	if s.Failed > 0 {
		fmt.Fprintf(&b, "  %s\n", l.out.String(fmt.Sprintf("%d failed", s.Failed)).Foreground(l.out.Color("1")))
	}
	if s.Flaky > 0 {
		fmt.Fprintf(&b, "  %s\n", l.out.String(fmt.Sprintf("%d flaky", s.Flaky)).Foreground(l.out.Color("3")))
	}
	if s.Skipped > 0 {
		fmt.Fprintf(&b, "  %s\n", l.out.String(fmt.Sprintf("%d skipped", s.Skipped)).Faint())
	}
	fmt.Fprintf(&b, "  %s (%s)\n", l.out.String(fmt.Sprintf("%d passed", s.Passed)).Foreground(l.out.Color("2")), round(run.Duration))
	if run.WorkerRestarts > 0 {
		fmt.Fprintf(&b, "  %d worker restarts\n", run.WorkerRestarts)
	}
	if run.Aborted {
		fmt.Fprintf(&b, "  %s\n", l.out.String("run aborted: global timeout reached").Foreground(l.out.Color("1")).Bold())
	}
	_, err := io.WriteString(l.w, b.String())
	return err
}

func title(res TestResult) string {
	parts := make([]string, 0, len(res.TitlePath)+2)
	if res.Project != "" {
		parts = append(parts, "["+res.Project+"]")
	}
	if res.File != "" {
		parts = append(parts, res.File)
	}
	if len(res.TitlePath) > 0 {
		parts = append(parts, res.TitlePath...)
	} else {
		parts = append(parts, res.Title)
	}
	return strings.Join(parts, " › ")
}

func round(d time.Duration) time.Duration {
	if d < time.Second {
		return d.Round(time.Millisecond)
	}
	return d.Round(100 * time.Millisecond)
}
