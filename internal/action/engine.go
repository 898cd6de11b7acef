// Package action is the auto-wait engine: it polls a locator's target until
// the preconditions of an action hold, then performs the action exactly once.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/neboloop/pagewright/internal/clock"
	"github.com/neboloop/pagewright/internal/driver"
	"github.com/neboloop/pagewright/internal/errs"
	"github.com/neboloop/pagewright/internal/locator"
	"github.com/neboloop/pagewright/internal/metrics"
	"github.com/neboloop/pagewright/internal/session"
)

const (
	DefaultActionTimeout = 10 * time.Second
	DefaultExpectTimeout = 5 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond
)

// Options configure an Engine. Zero values take the defaults above.
type Options struct {
	ActionTimeout time.Duration
	ExpectTimeout time.Duration
	PollInterval  time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Engine runs actions and assertions. It is safe for concurrent use across
// pages; calls on the same page are serialized through the page's action slot.
type Engine struct {
	opts   Options
	clock  clock.Clock
	logger *slog.Logger
	log    *Log
}

// New creates an engine.
func New(opts Options) *Engine {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = DefaultActionTimeout
	}
	if opts.ExpectTimeout <= 0 {
		opts.ExpectTimeout = DefaultExpectTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		opts:   opts,
		clock:  opts.Clock,
		logger: logger.With("component", "action"),
	}
}

// WithLog returns an engine that records every call into l.
func (e *Engine) WithLog(l *Log) *Engine {
	c := *e
	c.log = l
	return &c
}

// Log returns the attached action log, or nil.
func (e *Engine) Log() *Log { return e.log }

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// Request is one action against a locator.
type Request struct {
	Kind   Kind
	Target locator.Locator
	// Value is the fill text, the key for press, or the attribute name.
	Value string
	// Values are the select options or upload paths.
	Values []string
	// Timeout overrides the engine's action timeout.
	Timeout time.Duration
}

// Result carries what an action produced.
type Result struct {
	Value    string
	Found    bool
	Values   []string
	Data     []byte
	Polls    int
	Duration time.Duration
}

// Do waits for the request's preconditions and performs it. The page's
// action slot is held for the whole call.
func (e *Engine) Do(ctx context.Context, req Request) (*Result, error) {
	start := e.clock.Now()
	target := req.Target.String()

	if err := validate(req); err != nil {
		e.record(string(req.Kind), string(req.Kind), target, start, 0, 0, err)
		return nil, err
	}

	release, err := req.Target.Page().Acquire(ctx)
	if err != nil {
		e.record(string(req.Kind), string(req.Kind), target, start, 0, 0, err)
		return nil, err
	}
	defer release()

	res, polls, last, err := e.run(ctx, req)
	e.record(string(req.Kind), string(req.Kind), target, start, polls, last, err)
	if err != nil {
		return nil, err
	}
	res.Polls = polls
	res.Duration = e.clock.Now().Sub(start)
	return res, nil
}

func validate(req Request) error {
	if req.Target.Page() == nil {
		return errs.Newf(errs.InvalidArgument, "%s: locator is not bound to a page", req.Kind)
	}
	if _, ok := chains[req.Kind]; !ok {
		return errs.Newf(errs.InvalidArgument, "unknown action %q", req.Kind)
	}
	if req.Timeout < 0 {
		return errs.Newf(errs.InvalidArgument, "%s: negative timeout %s", req.Kind, req.Timeout)
	}
	switch req.Kind {
	case Press:
		if req.Value == "" {
			return errs.New(errs.InvalidArgument, "press: key is required")
		}
	case GetAttribute:
		if req.Value == "" {
			return errs.New(errs.InvalidArgument, "attribute: name is required")
		}
	case SelectOption:
		if len(req.Values) == 0 {
			return errs.New(errs.InvalidArgument, "select: at least one value is required")
		}
	case Upload:
		if len(req.Values) == 0 {
			return errs.New(errs.InvalidArgument, "upload: at least one file is required")
		}
		for _, p := range req.Values {
			if _, err := os.Stat(p); err != nil {
				return errs.Wrap(errs.InvalidArgument, "upload", err)
			}
		}
	}
	return nil
}

// readiness is the outcome of one actionability poll.
type readiness struct {
	state State
	ref   *locator.ElementRef
	el    *driver.ElementState
}

func (e *Engine) run(ctx context.Context, req Request) (*Result, int, State, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.opts.ActionTimeout
	}
	chain := chains[req.Kind]

	var (
		last  State
		ready readiness
	)
	polls, expired, err := e.poll(ctx, timeout, func(ctx context.Context) (bool, error) {
		pr, err := e.inspect(ctx, req.Target, chain)
		if err != nil {
			return false, err
		}
		last = pr.state
		if pr.state == StateReady {
			ready = pr
			return true, nil
		}
		return false, nil
	})
	switch {
	case expired:
		return nil, polls, last, &TimeoutError{
			Action:    req.Kind,
			Locator:   req.Target.String(),
			Timeout:   timeout,
			LastState: last,
			Polls:     polls,
		}
	case err != nil && (ctx.Err() != nil || errs.Is(err, errs.TestTimeout)):
		return nil, polls, last, &InterruptedError{Action: req.Kind, Locator: req.Target.String(), LastState: last, Err: interruption(ctx, err)}
	case err != nil:
		return nil, polls, last, fmt.Errorf("%s %s: %w", req.Kind, req.Target, err)
	}

	res, err := e.perform(ctx, req, ready)
	if err != nil {
		return nil, polls, last, fmt.Errorf("%s %s: %w", req.Kind, req.Target, err)
	}
	return res, polls, last, nil
}

// poll calls fn until it reports done, fn fails, or timeout elapses on the
// engine clock. Every iteration counts as one poll; the sleep between polls
// is capped by the time remaining so the deadline is never overshot.
func (e *Engine) poll(ctx context.Context, timeout time.Duration, fn func(context.Context) (bool, error)) (polls int, expired bool, err error) {
	deadline := e.clock.Now().Add(timeout)
	for {
		if ctx.Err() != nil {
			return polls, false, context.Cause(ctx)
		}
		if err := clock.Expired(ctx, e.clock); err != nil {
			return polls, false, err
		}
		polls++
		done, err := fn(ctx)
		if err != nil || done {
			return polls, false, err
		}
		remaining := deadline.Sub(e.clock.Now())
		if remaining <= 0 {
			return polls, true, nil
		}
		if err := e.clock.Sleep(ctx, min(e.opts.PollInterval, remaining)); err != nil {
			return polls, false, err
		}
	}
}

// interruption prefers the context's cancellation cause over the error
// that surfaced it.
func interruption(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}

// inspect re-resolves the target and walks the precondition chain, stopping
// at the first check that does not hold. A detached element counts as not
// attached.
func (e *Engine) inspect(ctx context.Context, target locator.Locator, chain []State) (readiness, error) {
	ref, err := target.Resolve(ctx)
	if errors.Is(err, driver.ErrDetached) {
		return readiness{state: StateAttached}, nil
	}
	if err != nil {
		return readiness{}, err
	}
	if ref == nil {
		return readiness{state: StateAttached}, nil
	}

	page := target.Page()
	st, err := describe(ctx, page, ref.ID)
	if errors.Is(err, driver.ErrDetached) {
		return readiness{state: StateAttached}, nil
	}
	if err != nil {
		return readiness{}, err
	}

	pr := readiness{ref: ref, el: st}
	for _, s := range chain {
		ok, err := e.check(ctx, page, s, &pr)
		if errors.Is(err, driver.ErrDetached) {
			return readiness{state: StateAttached}, nil
		}
		if err != nil {
			return readiness{}, err
		}
		if !ok {
			pr.state = s
			return pr, nil
		}
	}
	pr.state = StateReady
	return pr, nil
}

func (e *Engine) check(ctx context.Context, page *session.Page, s State, pr *readiness) (bool, error) {
	switch s {
	case StateAttached:
		return true, nil
	case StateVisible:
		return pr.el.Visible, nil
	case StateStable:
		if _, err := page.Send(ctx, driver.Command{Kind: driver.CmdNextFrame}); err != nil {
			return false, err
		}
		next, err := describe(ctx, page, pr.ref.ID)
		if err != nil {
			return false, err
		}
		stable := next.Box == pr.el.Box
		pr.el = next
		return stable, nil
	case StateEnabled:
		return pr.el.Enabled, nil
	case StateReceivesEvents:
		center := pr.el.Box.Center()
		resp, err := page.Send(ctx, driver.Command{Kind: driver.CmdHitTest, ElementID: pr.ref.ID, Point: &center})
		if err != nil {
			return false, err
		}
		return resp.Hit, nil
	case StateEditable:
		return pr.el.Editable, nil
	}
	return false, fmt.Errorf("unknown actionability state %d", s)
}

func describe(ctx context.Context, page *session.Page, id string) (*driver.ElementState, error) {
	resp, err := page.Send(ctx, driver.Command{Kind: driver.CmdDescribe, ElementID: id})
	if err != nil {
		return nil, err
	}
	if resp.Element == nil {
		return nil, fmt.Errorf("%w: %s", driver.ErrDetached, id)
	}
	return resp.Element, nil
}

// perform dispatches the action once against a ready element.
func (e *Engine) perform(ctx context.Context, req Request, pr readiness) (*Result, error) {
	page := req.Target.Page()
	id := pr.ref.ID
	center := pr.el.Box.Center()

	input := func(in driver.Input) (driver.Response, error) {
		return page.Send(ctx, driver.Command{Kind: driver.CmdDispatch, ElementID: id, Input: &in})
	}

	switch req.Kind {
	case GetText:
		return &Result{Value: pr.el.Text, Found: true}, nil
	case GetAttribute:
		v, ok := pr.el.Attributes[req.Value]
		return &Result{Value: v, Found: ok}, nil
	case Screenshot:
		resp, err := page.Send(ctx, driver.Command{Kind: driver.CmdScreenshot, ElementID: id})
		if err != nil {
			return nil, err
		}
		return &Result{Data: resp.Data}, nil
	case Check, Uncheck:
		want := req.Kind == Check
		if pr.el.Checked == nil {
			return nil, errs.New(errs.InvalidArgument, "element is not a checkbox or radio button")
		}
		if *pr.el.Checked == want {
			return &Result{}, nil
		}
		if _, err := input(driver.Input{Type: driver.InputClick, Point: &center}); err != nil {
			return nil, err
		}
		after, err := describe(ctx, page, id)
		if err != nil {
			return nil, err
		}
		if after.Checked == nil || *after.Checked != want {
			return nil, errs.New(errs.Internal, "clicking the element did not change its checked state")
		}
		return &Result{}, nil
	case Click:
		_, err := input(driver.Input{Type: driver.InputClick, Point: &center})
		return &Result{}, err
	case Hover:
		_, err := input(driver.Input{Type: driver.InputHover, Point: &center})
		return &Result{}, err
	case Fill:
		_, err := input(driver.Input{Type: driver.InputFill, Text: req.Value})
		return &Result{}, err
	case Press:
		_, err := input(driver.Input{Type: driver.InputPress, Text: req.Value})
		return &Result{}, err
	case SelectOption:
		resp, err := input(driver.Input{Type: driver.InputSelect, Values: req.Values})
		if err != nil {
			return nil, err
		}
		return &Result{Values: resp.Values}, nil
	case Upload:
		_, err := input(driver.Input{Type: driver.InputUpload, Values: req.Values})
		return &Result{}, err
	}
	return nil, errs.Newf(errs.InvalidArgument, "unknown action %q", req.Kind)
}

// record appends to the action log, observes metrics and logs the call.
func (e *Engine) record(kind, label, target string, start time.Time, polls int, last State, err error) {
	d := e.clock.Now().Sub(start)
	e.log.Add(entryFor(kind, target, start, d, polls, last, err))

	outcome := "ok"
	if err != nil {
		outcome = string(errs.CodeOf(err))
	}
	e.opts.Metrics.ObserveAction(label, outcome, polls, d)

	if err != nil {
		e.logger.Debug("action failed", "kind", kind, "locator", target, "polls", polls, "elapsed", d, "error", err)
		return
	}
	e.logger.Debug("action", "kind", kind, "locator", target, "polls", polls, "elapsed", d)
}
