package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/neboloop/pagewright/internal/action"
	"github.com/neboloop/pagewright/internal/clock"
	"github.com/neboloop/pagewright/internal/crashlog"
	"github.com/neboloop/pagewright/internal/errs"
	"github.com/neboloop/pagewright/internal/report"
	"github.com/neboloop/pagewright/internal/session"
)

// teardownTimeout bounds context cleanup after an attempt.
const teardownTimeout = 10 * time.Second

// worker owns one BrowserProcess for its whole life. A crash ends the
// worker; the dispatch loop starts a replacement in the same slot.
type worker struct {
	d      *dispatcher
	slot   int
	jobs   <-chan *job
	logger *slog.Logger

	proc   *session.BrowserProcess
	engine *action.Engine
}

func (w *worker) send(ev event) {
	ev.slot = w.slot
	select {
	case w.d.events <- ev:
	case <-w.d.done:
	}
}

func (w *worker) run(replacement bool) error {
	d := w.d
	opts := d.s.opts
	if replacement {
		if err := d.limiter.Wait(d.ctx); err != nil {
			w.send(event{kind: evLaunchFailed, err: errs.Wrap(errs.SessionCreation, "wait for replacement", err)})
			return nil
		}
	}

	proc, err := session.Launch(d.ctx, opts.Launcher, session.ProcessOptions{
		Logger:             w.logger,
		MaxPagesPerContext: opts.MaxPagesPerContext,
	})
	if err != nil {
		w.logger.Error("launch browser", "err", err)
		w.send(event{kind: evLaunchFailed, err: err})
		return nil
	}
	w.proc = proc
	w.engine = action.New(action.Options{
		ActionTimeout: opts.ActionTimeout,
		ExpectTimeout: opts.ExpectTimeout,
		PollInterval:  opts.PollInterval,
		Clock:         d.s.clock,
		Logger:        w.logger,
		Metrics:       opts.Metrics,
	})
	opts.Metrics.WorkerUp()
	defer opts.Metrics.WorkerDown()

	w.logger.Debug("worker ready", "process", proc.ID())
	w.send(event{kind: evReady})

	for j := range w.jobs {
		if w.runJob(j) {
			// The process is discarded; its close error does not matter.
			_ = proc.Close()
			return nil
		}
		w.send(event{kind: evJobDone})
	}
	return proc.Close()
}

// runJob runs a job's units in order and reports whether the worker crashed.
func (w *worker) runJob(j *job) bool {
	d := w.d
	var (
		pending  *report.TestResult
		pendIdx  int
		hooksRan bool
		hookErr  error
		retry    []*unitState
	)
	flush := func() {
		if pending != nil {
			w.send(event{kind: evResult, index: pendIdx, result: *pending})
			pending = nil
		}
	}

	for i, us := range j.units {
		if d.aborting() {
			flush()
			w.send(event{kind: evResult, index: us.index, result: abortedResult(us)})
			continue
		}

		if !hooksRan {
			hooksRan = true
			if j.file.BeforeAll != nil {
				err, fatal := w.runFileHook(j, "beforeAll", j.file.BeforeAll)
				if fatal {
					us.attempts = append(us.attempts, w.hookAttempt(us, err))
					flush()
					w.crash(j, j.units[i:], err)
					return true
				}
				hookErr = err
			}
		}
		if hookErr != nil {
			retry = w.failHook(j.units[i:], hookErr, flush, func(res report.TestResult, idx int) {
				pending, pendIdx = &res, idx
			})
			break
		}

		for {
			a, err, fatal := w.runAttempt(j, us)
			us.attempts = append(us.attempts, a)
			if fatal != nil {
				flush()
				w.crash(j, j.units[i:], fatal)
				return true
			}
			if err == nil || a.Status == report.StatusSkipped || !errs.Retryable(err) || !us.budgetLeft() || d.aborting() {
				break
			}
			w.logger.Info("retrying", "test", us.unit.ID, "attempt", len(us.attempts), "err", err)
		}
		flush()
		res := resultOf(us)
		pending, pendIdx = &res, us.index
	}

	if hooksRan && j.file.AfterAll != nil {
		err, fatal := w.runFileHook(j, "afterAll", j.file.AfterAll)
		if err != nil && pending != nil && len(pending.Attempts) > 0 {
			// The file's last test carries the afterAll failure.
			last := &pending.Attempts[len(pending.Attempts)-1]
			if last.Status == report.StatusPassed {
				last.Status = report.StatusFailed
			}
			if last.Error == "" {
				last.SetError(err)
			} else {
				last.SoftErrors = append(last.SoftErrors, err.Error())
			}
			pending.Classification = report.Classify(pending.Attempts)
		}
		if fatal {
			flush()
			w.crash(j, retry, err)
			return true
		}
	}
	flush()
	if len(retry) > 0 {
		// beforeAll runs again ahead of the retried units.
		w.logger.Info("retrying after beforeAll failure", "file", j.file.Path, "units", len(retry), "err", hookErr)
		return w.runJob(&job{file: j.file, project: j.project, units: retry})
	}
	return false
}

// failHook gives every remaining unit a failed attempt for a beforeAll
// error. Units that may retry are returned; the rest get final results.
func (w *worker) failHook(units []*unitState, err error, flush func(), final func(report.TestResult, int)) []*unitState {
	var retry []*unitState
	for _, us := range units {
		us.attempts = append(us.attempts, w.hookAttempt(us, err))
		if errs.Retryable(err) && us.budgetLeft() && !w.d.aborting() {
			retry = append(retry, us)
			continue
		}
		flush()
		final(resultOf(us), us.index)
	}
	return retry
}

// crash reports the worker lost and hands the unfinished units back. The
// first of them is the one that crashed; it is requeued only when its
// retry budget allows, otherwise its result is final.
func (w *worker) crash(j *job, remaining []*unitState, cause error) {
	w.logger.Warn("worker corrupt", "err", cause)
	var requeue *job
	if len(remaining) > 0 {
		first := remaining[0]
		units := remaining
		if len(first.attempts) > 0 && (!errs.Retryable(cause) || !first.budgetLeft() || w.d.aborting()) {
			w.send(event{kind: evResult, index: first.index, result: resultOf(first)})
			units = remaining[1:]
		}
		if len(units) > 0 {
			requeue = &job{file: j.file, project: j.project, units: append([]*unitState(nil), units...)}
		}
	}
	w.send(event{kind: evCrashed, requeue: requeue, err: cause})
}

func (w *worker) hookAttempt(us *unitState, err error) report.Attempt {
	a := report.Attempt{
		Number: len(us.attempts),
		Status: report.StatusFailed,
		Start:  w.d.s.clock.Now(),
		Worker: w.slot,
	}
	a.SetError(err)
	return a
}

// deadline is the attempt deadline clipped to the run's deadline.
func (w *worker) deadline(timeout time.Duration) (time.Time, error) {
	at := w.d.s.clock.Now().Add(timeout)
	cause := errs.Newf(errs.TestTimeout, "test timeout of %s exceeded", timeout)
	if global, ok := clock.DeadlineOf(w.d.ctx); ok && global.Before(at) {
		return global, w.d.abortErr
	}
	return at, cause
}

func (w *worker) runAttempt(j *job, us *unitState) (report.Attempt, error, error) {
	d := w.d
	opts := d.s.opts
	u := us.unit
	a := report.Attempt{Number: len(us.attempts), Start: d.s.clock.Now(), Worker: w.slot}

	timeout := opts.TestTimeout
	if u.Timeout > 0 {
		timeout = u.Timeout
	}
	if u.Has(AnnotationSlow) {
		timeout *= slowFactor
	}
	at, cause := w.deadline(timeout)
	ctx, cancel := clock.WithDeadline(d.ctx, d.s.clock, at, cause)
	defer cancel()

	log := action.NewLog()
	t := &T{
		ctx:     ctx,
		unit:    u,
		project: j.project,
		attempt: a.Number,
		worker:  w.slot,
		clock:   d.s.clock,
		logger:  w.logger.With("test", u.ID, "retry", a.Number),
		proc:    w.proc,
		engine:  w.engine.WithLog(log),
	}

	err, hung, panicked := w.execute(ctx, u.ID, func() error {
		if err := t.open(u.fixture()); err != nil {
			return err
		}
		return runTest(t, j.file)
	})

	a.Duration = d.s.clock.Now().Sub(a.Start)
	a.Steps = log.Entries()
	soft := t.SoftErrors()
	for _, e := range soft {
		a.SoftErrors = append(a.SoftErrors, e.Error())
	}
	if err == nil && len(soft) > 0 {
		err = errs.Wrap(errs.Assertion, fmt.Sprintf("%d soft assertion(s) failed", len(soft)), errors.Join(soft...))
	}

	switch {
	case err == nil:
		a.Status = report.StatusPassed
	case isSkip(err):
		a.Status = report.StatusSkipped
	case hung || errs.Is(err, errs.TestTimeout) || clock.Expired(ctx, d.s.clock) != nil:
		a.Status = report.StatusTimedOut
		if !errs.Is(err, errs.TestTimeout) {
			err = errs.Wrap(errs.TestTimeout, cause.Error(), err)
		}
	default:
		a.Status = report.StatusFailed
	}
	if err != nil && !isSkip(err) {
		a.SetError(err)
	}

	var fatal error
	switch {
	case hung:
		fatal = errs.Wrap(errs.TestTimeout, "test body did not unwind after its timeout", err)
	case panicked:
		fatal = err
	case errs.WorkerFatal(err):
		fatal = err
	}

	if fatal == nil {
		if path, derr := w.diagnostics(t, a); derr != nil {
			w.logger.Warn("write diagnostics", "test", u.ID, "err", derr)
		} else {
			a.DiagnosticsPath = path
		}
	}
	if !hung {
		if cerr := t.close(); cerr != nil {
			if errs.WorkerFatal(cerr) && fatal == nil {
				fatal = cerr
			}
			w.logger.Warn("close context", "test", u.ID, "err", cerr)
		}
	}

	opts.Metrics.ObserveAttempt(string(a.Status))
	w.logger.Debug("attempt finished", "test", u.ID, "retry", a.Number, "status", a.Status, "duration", a.Duration)
	if a.Status == report.StatusPassed || a.Status == report.StatusSkipped {
		return a, nil, fatal
	}
	return a, err, fatal
}

// runTest runs beforeEach, the body and afterEach. afterEach runs even
// when the body failed.
func runTest(t *T, f *File) error {
	var err error
	if f.BeforeEach != nil {
		if herr := f.BeforeEach(t); herr != nil {
			err = fmt.Errorf("beforeEach hook: %w", herr)
		}
	}
	if err == nil {
		err = t.unit.Body(t)
	}
	if f.AfterEach != nil && !isSkip(err) {
		if herr := f.AfterEach(t); herr != nil {
			herr = fmt.Errorf("afterEach hook: %w", herr)
			if err == nil {
				err = herr
			} else {
				err = errors.Join(err, herr)
			}
		}
	}
	return err
}

// runFileHook runs beforeAll or afterAll in a context of its own. fatal
// reports whether the worker is corrupt afterwards.
func (w *worker) runFileHook(j *job, name string, hook Body) (err error, fatal bool) {
	d := w.d
	u := &Unit{
		ID:        unitID(j.project.Name, j.file.Path, []string{name}),
		File:      j.file.Path,
		TitlePath: []string{name},
		Project:   j.project.Name,
	}
	at, cause := w.deadline(d.s.opts.TestTimeout)
	ctx, cancel := clock.WithDeadline(d.ctx, d.s.clock, at, cause)
	defer cancel()

	t := &T{
		ctx:     ctx,
		unit:    u,
		project: j.project,
		worker:  w.slot,
		clock:   d.s.clock,
		logger:  w.logger.With("hook", name, "file", j.file.Path),
		proc:    w.proc,
		engine:  w.engine.WithLog(action.NewLog()),
	}
	err, hung, panicked := w.execute(ctx, u.ID, func() error {
		if err := t.open(FixturePage); err != nil {
			return err
		}
		return hook(t)
	})
	if !hung {
		if cerr := t.close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		err = fmt.Errorf("%s hook: %w", name, err)
	}
	if hung {
		err = errs.Wrap(errs.TestTimeout, name+" hook did not unwind after its timeout", err)
	}
	return err, hung || panicked || errs.WorkerFatal(err)
}

// execute runs fn on its own goroutine so a body that ignores its context
// cannot stall the worker past the unwind grace period.
func (w *worker) execute(ctx context.Context, id string, fn func() error) (err error, hung, panicked bool) {
	done := make(chan error, 1)
	var didPanic atomic.Bool
	go func() {
		defer func() {
			if r := recover(); r != nil {
				didPanic.Store(true)
				crashlog.LogPanic("worker", r, map[string]string{
					"worker": fmt.Sprint(w.slot),
					"test":   id,
				})
				done <- errs.Newf(errs.Internal, "panic: %v", r)
			}
		}()
		done <- fn()
	}()

	select {
	case err = <-done:
		return err, false, didPanic.Load()
	case <-ctx.Done():
	}

	grace := time.NewTimer(w.d.s.opts.UnwindGrace)
	defer grace.Stop()
	select {
	case err = <-done:
		return err, false, didPanic.Load()
	case <-grace.C:
		return context.Cause(ctx), true, false
	}
}

// open sets up the fixture's context and page.
func (t *T) open(f Fixture) error {
	if f == FixtureBrowser {
		return nil
	}
	c, err := t.proc.NewContext(t.ctx, t.project.Context, t.project.Storage)
	if err != nil {
		return err
	}
	t.bctx = c
	if f == FixtureContext {
		return nil
	}
	p, err := c.NewPage(t.ctx)
	if err != nil {
		return err
	}
	t.page = p
	return nil
}

// close releases the attempt's context. It runs after the attempt's own
// context may have expired.
func (t *T) close() error {
	if t.bctx == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), teardownTimeout)
	defer cancel()
	return t.bctx.Close(ctx)
}
