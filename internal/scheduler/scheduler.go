// Package scheduler runs collected test units across a pool of workers,
// each owning one browser process, with retries, timeouts and crash
// containment.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/neboloop/pagewright/internal/clock"
	"github.com/neboloop/pagewright/internal/crashlog"
	"github.com/neboloop/pagewright/internal/errs"
	"github.com/neboloop/pagewright/internal/metrics"
	"github.com/neboloop/pagewright/internal/report"
	"github.com/neboloop/pagewright/internal/session"
)

const (
	DefaultTestTimeout       = 30 * time.Second
	DefaultUnwindGrace       = 5 * time.Second
	DefaultRestartInterval   = time.Second
	DefaultMaxLaunchFailures = 3

	// slowFactor multiplies the timeout of units annotated slow.
	slowFactor = 3
)

// Options configure a Scheduler.
type Options struct {
	Workers int
	// Retries is the default retry budget per unit.
	Retries     int
	TestTimeout time.Duration
	// GlobalTimeout bounds the whole run; zero means none.
	GlobalTimeout time.Duration

	ActionTimeout time.Duration
	ExpectTimeout time.Duration
	PollInterval  time.Duration

	FullyParallel bool
	Filter        Filter
	Projects      []Project

	Launcher           session.Launcher
	MaxPagesPerContext int

	// OutputDir receives per-attempt diagnostics; empty disables them.
	OutputDir string
	// UnwindGrace is how long a body may keep running after its timeout
	// before the worker is declared corrupt.
	UnwindGrace time.Duration
	// RestartInterval is the minimum spacing between replacement launches.
	RestartInterval time.Duration
	// MaxLaunchFailures consecutive launch failures end the run.
	MaxLaunchFailures int

	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Reporter report.Reporter
}

// Scheduler runs test files.
type Scheduler struct {
	opts   Options
	clock  clock.Clock
	logger *slog.Logger
}

// New applies defaults to opts.
func New(opts Options) (*Scheduler, error) {
	if opts.Launcher == nil {
		return nil, errs.New(errs.InvalidArgument, "scheduler: launcher is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Retries < 0 {
		return nil, errs.Newf(errs.InvalidArgument, "scheduler: negative retries %d", opts.Retries)
	}
	if opts.TestTimeout <= 0 {
		opts.TestTimeout = DefaultTestTimeout
	}
	if opts.UnwindGrace <= 0 {
		opts.UnwindGrace = DefaultUnwindGrace
	}
	if opts.RestartInterval <= 0 {
		opts.RestartInterval = DefaultRestartInterval
	}
	if opts.MaxLaunchFailures <= 0 {
		opts.MaxLaunchFailures = DefaultMaxLaunchFailures
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Reporter == nil {
		opts.Reporter = report.Multi()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		opts:   opts,
		clock:  opts.Clock,
		logger: logger.With("component", "scheduler"),
	}, nil
}

// Run executes files and returns the run once every unit has a verdict.
// The returned error only carries reporter failures; test failures are in
// the run.
func (s *Scheduler) Run(ctx context.Context, files []*File) (*report.Run, error) {
	pl, err := collect(files, s.opts.Projects, s.opts.Filter, s.opts.Retries, s.opts.FullyParallel)
	if err != nil {
		return nil, err
	}

	start := s.clock.Now()
	run := &report.Run{ID: uuid.NewString(), Start: start, Workers: s.opts.Workers}

	abortErr := errs.Newf(errs.TestTimeout, "global timeout of %s exceeded: run aborted", s.opts.GlobalTimeout)
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if s.opts.GlobalTimeout > 0 {
		runCtx, cancel = clock.WithDeadline(ctx, s.clock, start.Add(s.opts.GlobalTimeout), abortErr)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// Reporters keep working after the run context ends.
	repCtx := context.WithoutCancel(ctx)
	d := &dispatcher{
		s:        s,
		ctx:      runCtx,
		repCtx:   repCtx,
		abortErr: abortErr,
		events:   make(chan event),
		done:     make(chan struct{}),
		results:  make([]*report.TestResult, pl.total),
		limiter:  rate.NewLimiter(rate.Every(s.opts.RestartInterval), 1),
		slots:    make([]*slot, min(s.opts.Workers, max(1, len(pl.jobs)))),
		queue:    pl.jobs,
	}
	d.repErr = s.opts.Reporter.Begin(repCtx, pl.total)
	for _, us := range pl.skipped {
		d.record(us.index, resultOf(us))
	}

	s.logger.Info("run started", "run", run.ID, "tests", pl.total, "jobs", len(pl.jobs), "workers", len(d.slots))
	if len(pl.jobs) > 0 {
		d.loop()
	}
	teardownErr := d.group.Wait()
	if teardownErr != nil {
		s.logger.Warn("worker teardown", "err", teardownErr)
	}

	for _, r := range d.results {
		if r != nil {
			run.Results = append(run.Results, *r)
		}
	}
	run.Summarize()
	run.Duration = s.clock.Now().Sub(start)
	run.Aborted = d.aborted
	run.WorkerRestarts = d.restarts

	s.logger.Info("run finished", "run", run.ID,
		"passed", run.Summary.Passed, "flaky", run.Summary.Flaky,
		"failed", run.Summary.Failed, "skipped", run.Summary.Skipped,
		"aborted", run.Aborted, "duration", run.Duration)
	return run, errors.Join(d.repErr, s.opts.Reporter.End(repCtx, run))
}

type eventKind int

const (
	evReady eventKind = iota
	evLaunchFailed
	evResult
	evJobDone
	evCrashed
)

// event is a worker's message to the dispatch loop.
type event struct {
	kind    eventKind
	slot    int
	index   int
	result  report.TestResult
	requeue *job
	err     error
}

type slotState int

const (
	slotLaunching slotState = iota
	slotIdle
	slotBusy
	slotDead
)

// slot is owned by the dispatch loop; workers never touch it.
type slot struct {
	state slotState
	jobs  chan *job
}

type dispatcher struct {
	s        *Scheduler
	ctx      context.Context
	repCtx   context.Context
	abortErr error
	events   chan event
	done     chan struct{}
	group    errgroup.Group
	limiter  *rate.Limiter

	slots       []*slot
	queue       []*job
	results     []*report.TestResult
	repErr      error
	restarts    int
	launchFails int
	launchErr   error
	aborted     bool
	gaveUp      bool
}

func (d *dispatcher) loop() {
	for i := range d.slots {
		d.slots[i] = &slot{}
		d.start(i, false)
	}
	ctxDone := d.ctx.Done()
	for {
		if !d.aborted && d.aborting() {
			d.abort()
		}
		d.assign()
		if d.finished() {
			break
		}
		select {
		case ev := <-d.events:
			d.handle(ev)
		case <-ctxDone:
			ctxDone = nil
			if !d.aborted {
				d.abort()
			}
		}
	}
	for _, sl := range d.slots {
		if sl.state != slotDead {
			close(sl.jobs)
			sl.state = slotDead
		}
	}
	close(d.done)
}

// aborting reports whether the run budget is spent or the caller cancelled.
func (d *dispatcher) aborting() bool {
	return d.ctx.Err() != nil || clock.Expired(d.ctx, d.s.clock) != nil
}

func (d *dispatcher) start(i int, replacement bool) {
	sl := d.slots[i]
	sl.state = slotLaunching
	sl.jobs = make(chan *job, 1)
	w := &worker{
		d:      d,
		slot:   i,
		jobs:   sl.jobs,
		logger: d.s.logger.With("worker", i),
	}
	d.group.Go(func() error { return w.run(replacement) })
}

func (d *dispatcher) assign() {
	for _, sl := range d.slots {
		if len(d.queue) == 0 {
			return
		}
		if sl.state != slotIdle {
			continue
		}
		j := d.queue[0]
		d.queue = d.queue[1:]
		sl.state = slotBusy
		sl.jobs <- j
	}
}

func (d *dispatcher) finished() bool {
	for _, sl := range d.slots {
		if sl.state == slotBusy {
			return false
		}
	}
	if len(d.queue) == 0 {
		return true
	}
	for _, sl := range d.slots {
		if sl.state != slotDead {
			return false
		}
	}
	// No worker can take the remaining jobs.
	d.failQueue()
	return true
}

func (d *dispatcher) handle(ev event) {
	m := d.s.opts.Metrics
	sl := d.slots[ev.slot]
	switch ev.kind {
	case evReady:
		sl.state = slotIdle
		d.launchFails = 0

	case evLaunchFailed:
		d.launchFails++
		d.launchErr = ev.err
		crashlog.LogError("scheduler", ev.err, map[string]string{"worker": fmt.Sprint(ev.slot)})
		if d.launchFails >= d.s.opts.MaxLaunchFailures || d.aborted {
			sl.state = slotDead
			d.gaveUp = true
			return
		}
		d.restarts++
		m.WorkerRestarted(errs.SessionCreation)
		d.start(ev.slot, true)

	case evResult:
		d.record(ev.index, ev.result)

	case evJobDone:
		sl.state = slotIdle

	case evCrashed:
		d.restarts++
		m.WorkerRestarted(errs.CodeOf(ev.err))
		d.s.logger.Warn("worker crashed, replacing browser", "worker", ev.slot, "err", ev.err)
		crashlog.LogError("worker", ev.err, map[string]string{"worker": fmt.Sprint(ev.slot)})
		if ev.requeue != nil && len(ev.requeue.units) > 0 {
			d.queue = append([]*job{ev.requeue}, d.queue...)
			if d.aborted {
				d.drain()
			}
		}
		if d.gaveUp {
			sl.state = slotDead
			return
		}
		d.start(ev.slot, true)
	}
}

func (d *dispatcher) record(index int, res report.TestResult) {
	d.results[index] = &res
	d.s.opts.Metrics.ObserveTest(string(res.Classification))
	if err := d.s.opts.Reporter.TestEnd(d.repCtx, res); err != nil {
		d.repErr = errors.Join(d.repErr, err)
	}
}

// abort ends the run: queued units are reported skipped and busy workers
// stop after their current attempt.
func (d *dispatcher) abort() {
	d.aborted = true
	d.s.logger.Warn("run aborted", "err", context.Cause(d.ctx), "queued_jobs", len(d.queue))
	d.drain()
}

func (d *dispatcher) drain() {
	for _, j := range d.queue {
		for _, us := range j.units {
			d.record(us.index, abortedResult(us))
		}
	}
	d.queue = nil
}

// failQueue gives every queued unit a failed attempt carrying the launch error.
func (d *dispatcher) failQueue() {
	err := d.launchErr
	if err == nil {
		err = errs.New(errs.SessionCreation, "no worker could be launched")
	}
	now := d.s.clock.Now()
	for _, j := range d.queue {
		for _, us := range j.units {
			a := report.Attempt{Number: len(us.attempts), Status: report.StatusFailed, Start: now, Worker: -1}
			a.SetError(err)
			us.attempts = append(us.attempts, a)
			d.record(us.index, resultOf(us))
		}
	}
	d.queue = nil
}

// resultOf builds a unit's report from its attempts.
func resultOf(us *unitState) report.TestResult {
	u := us.unit
	res := report.TestResult{
		ID:        u.ID,
		Title:     u.Title(),
		TitlePath: append([]string(nil), u.TitlePath...),
		File:      u.File,
		Project:   u.Project,
		Tags:      append([]string(nil), u.Tags...),
		Attempts:  append([]report.Attempt(nil), us.attempts...),
	}
	for _, a := range u.Annotations {
		res.Annotations = append(res.Annotations, string(a))
	}
	res.Classification = report.Classify(res.Attempts)
	return res
}

func abortedResult(us *unitState) report.TestResult {
	res := resultOf(us)
	if len(res.Attempts) == 0 {
		res.Annotations = append(res.Annotations, "run aborted")
	}
	return res
}
