package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/neboloop/pagewright/internal/action"
	"github.com/neboloop/pagewright/internal/clock"
	"github.com/neboloop/pagewright/internal/locator"
	"github.com/neboloop/pagewright/internal/session"
)

// T is handed to test bodies and hooks. It is valid for one attempt.
type T struct {
	ctx     context.Context
	unit    *Unit
	project *Project
	attempt int
	worker  int
	clock   clock.Clock
	logger  *slog.Logger

	proc   *session.BrowserProcess
	bctx   *session.Context
	page   *session.Page
	engine *action.Engine

	mu   sync.Mutex
	soft []error
}

// SkipError ends an attempt as skipped.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "skipped: " + e.Reason }

// Context is cancelled when the attempt's timeout expires.
func (t *T) Context() context.Context { return t.ctx }

// Unit is the running test.
func (t *T) Unit() *Unit { return t.unit }

// Project is the project name, empty without projects.
func (t *T) Project() string { return t.project.Name }

// Retry is the zero-based attempt number.
func (t *T) Retry() int { return t.attempt }

// Worker is the index of the worker slot running the attempt.
func (t *T) Worker() int { return t.worker }

func (t *T) Logger() *slog.Logger { return t.logger }

func (t *T) Clock() clock.Clock { return t.clock }

// Browser is the worker's process.
func (t *T) Browser() *session.BrowserProcess { return t.proc }

// BrowserContext is nil under the browser fixture.
func (t *T) BrowserContext() *session.Context { return t.bctx }

// Page is nil unless the page fixture is in use.
func (t *T) Page() *session.Page { return t.page }

// Engine records into the attempt's action log.
func (t *T) Engine() *action.Engine { return t.engine }

// TestIDAttribute is the project's test-id attribute.
func (t *T) TestIDAttribute() string {
	if t.project.TestIDAttribute == "" {
		return locator.DefaultTestIDAttribute
	}
	return t.project.TestIDAttribute
}

// Locate builds a locator on the attempt's page from a strategy chain.
func (t *T) Locate(first locator.Strategy, rest ...locator.Strategy) locator.Locator {
	l := locator.New(t.page, first)
	for _, s := range rest {
		l = l.Within(s)
	}
	return l
}

// NewPage opens another page in the attempt's context.
func (t *T) NewPage() (*session.Page, error) {
	if t.bctx == nil {
		c, err := t.proc.NewContext(t.ctx, t.project.Context, t.project.Storage)
		if err != nil {
			return nil, err
		}
		t.bctx = c
	}
	p, err := t.bctx.NewPage(t.ctx)
	if err != nil {
		return nil, err
	}
	if t.page == nil {
		t.page = p
	}
	return p, nil
}

// Soft records a failure without stopping the body. Any soft failure
// fails the attempt.
func (t *T) Soft(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	t.soft = append(t.soft, err)
	t.mu.Unlock()
}

// SoftErrors returns the failures recorded so far.
func (t *T) SoftErrors() []error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]error(nil), t.soft...)
}

// Skip returns an error that marks the attempt skipped when returned from
// the body.
func (t *T) Skip(format string, args ...any) error {
	return &SkipError{Reason: fmt.Sprintf(format, args...)}
}

// Sleep waits on the attempt's clock.
func (t *T) Sleep(d time.Duration) error {
	return t.clock.Sleep(t.ctx, d)
}

func isSkip(err error) bool {
	var s *SkipError
	return errors.As(err, &s)
}
