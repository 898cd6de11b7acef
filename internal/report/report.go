// Package report holds run results and the reporters that render them.
package report

import (
	"context"
	"errors"
	"time"

	"github.com/neboloop/pagewright/internal/action"
	"github.com/neboloop/pagewright/internal/errs"
)

// Status is the outcome of one attempt.
type Status string

const (
	StatusPassed   Status = "passed"
	StatusFailed   Status = "failed"
	StatusTimedOut Status = "timedOut"
	StatusSkipped  Status = "skipped"
)

// Classification is a test's final verdict across its attempts.
type Classification string

const (
	Passed  Classification = "passed"
	Flaky   Classification = "flaky"
	Failed  Classification = "failed"
	Skipped Classification = "skipped"
)

// Attempt is one execution of a test.
type Attempt struct {
	Number          int            `json:"number"`
	Status          Status         `json:"status"`
	Start           time.Time      `json:"start"`
	Duration        time.Duration  `json:"duration"`
	Error           string         `json:"error,omitempty"`
	ErrorCode       errs.Code      `json:"errorCode,omitempty"`
	LastState       string         `json:"lastState,omitempty"`
	SoftErrors      []string       `json:"softErrors,omitempty"`
	DiagnosticsPath string         `json:"diagnosticsPath,omitempty"`
	Worker          int            `json:"worker"`
	Steps           []action.Entry `json:"steps,omitempty"`
}

// SetError fills the error fields from err, including the blocking
// actionability state when err is an action timeout.
func (a *Attempt) SetError(err error) {
	if err == nil {
		return
	}
	a.Error = err.Error()
	a.ErrorCode = errs.CodeOf(err)
	var te *action.TimeoutError
	if errors.As(err, &te) {
		a.LastState = te.LastState.String()
	}
	var ie *action.InterruptedError
	if a.LastState == "" && errors.As(err, &ie) && ie.LastState != 0 {
		a.LastState = ie.LastState.String()
	}
}

// TestResult is a test with every attempt made.
type TestResult struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	TitlePath      []string       `json:"titlePath"`
	File           string         `json:"file"`
	Project        string         `json:"project,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Annotations    []string       `json:"annotations,omitempty"`
	Classification Classification `json:"classification"`
	Attempts       []Attempt      `json:"attempts"`
}

// Duration is the sum of all attempt durations.
func (r TestResult) Duration() time.Duration {
	var d time.Duration
	for _, a := range r.Attempts {
		d += a.Duration
	}
	return d
}

// Final returns the last attempt, or a zero attempt when none ran.
func (r TestResult) Final() Attempt {
	if len(r.Attempts) == 0 {
		return Attempt{Status: StatusSkipped}
	}
	return r.Attempts[len(r.Attempts)-1]
}

// Classify derives the verdict from an ordered attempt list: passed on the
// first attempt, flaky when a later attempt passed, failed when none did.
func Classify(attempts []Attempt) Classification {
	ran := attempts[:0:0]
	for _, a := range attempts {
		if a.Status != StatusSkipped {
			ran = append(ran, a)
		}
	}
	if len(ran) == 0 {
		return Skipped
	}
	if ran[0].Status == StatusPassed {
		return Passed
	}
	for _, a := range ran[1:] {
		if a.Status == StatusPassed {
			return Flaky
		}
	}
	return Failed
}

// Summary counts results by classification.
type Summary struct {
	Passed  int `json:"passed"`
	Flaky   int `json:"flaky"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Total is the number of tests.
func (s Summary) Total() int { return s.Passed + s.Flaky + s.Failed + s.Skipped }

// Add counts one classification.
func (s *Summary) Add(c Classification) {
	switch c {
	case Passed:
		s.Passed++
	case Flaky:
		s.Flaky++
	case Failed:
		s.Failed++
	case Skipped:
		s.Skipped++
	}
}

// Run is a whole test run.
type Run struct {
	ID       string        `json:"id"`
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
	Workers  int           `json:"workers"`
	Results  []TestResult  `json:"results"`
	Summary  Summary       `json:"summary"`
	Aborted  bool          `json:"aborted"`
	// WorkerRestarts counts browser processes replaced after a crash.
	WorkerRestarts int `json:"workerRestarts"`
}

// Summarize recomputes Summary from Results.
func (r *Run) Summarize() {
	r.Summary = Summary{}
	for _, res := range r.Results {
		r.Summary.Add(res.Classification)
	}
}

// OK reports whether the run should exit zero.
func (r *Run) OK() bool {
	return !r.Aborted && r.Summary.Failed == 0
}

// ExitCode is 1 when any test failed or the run aborted.
func (r *Run) ExitCode() int {
	if r.OK() {
		return 0
	}
	return 1
}

// Reporter receives results as the run progresses. TestEnd is called once
// per test after its final attempt, possibly from several goroutines in turn
// but never concurrently.
type Reporter interface {
	Begin(ctx context.Context, total int) error
	TestEnd(ctx context.Context, res TestResult) error
	End(ctx context.Context, run *Run) error
}

type multi []Reporter

// Multi fans out to every reporter and joins their errors.
func Multi(rs ...Reporter) Reporter {
	return multi(rs)
}

func (m multi) Begin(ctx context.Context, total int) error {
	var err error
	for _, r := range m {
		err = errors.Join(err, r.Begin(ctx, total))
	}
	return err
}

func (m multi) TestEnd(ctx context.Context, res TestResult) error {
	var err error
	for _, r := range m {
		err = errors.Join(err, r.TestEnd(ctx, res))
	}
	return err
}

func (m multi) End(ctx context.Context, run *Run) error {
	var err error
	for _, r := range m {
		err = errors.Join(err, r.End(ctx, run))
	}
	return err
}
