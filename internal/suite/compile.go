package suite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/neboloop/pagewright/internal/action"
	"github.com/neboloop/pagewright/internal/errs"
	"github.com/neboloop/pagewright/internal/locator"
	"github.com/neboloop/pagewright/internal/scheduler"
	"github.com/neboloop/pagewright/internal/session"
)

// step is a compiled Step.
type step func(t *scheduler.T) error

// Compile turns a parsed suite into a scheduler file. name is the file's
// display path; dir resolves relative upload paths.
func Compile(name, dir string, s *Suite) (*scheduler.File, error) {
	c := compiler{name: name, dir: dir}
	f := &scheduler.File{Path: name}
	var err error
	if f.BeforeAll, err = c.hook("beforeAll", s.BeforeAll); err != nil {
		return nil, err
	}
	if f.BeforeEach, err = c.hook("beforeEach", s.BeforeEach); err != nil {
		return nil, err
	}
	if f.AfterEach, err = c.hook("afterEach", s.AfterEach); err != nil {
		return nil, err
	}
	if f.AfterAll, err = c.hook("afterAll", s.AfterAll); err != nil {
		return nil, err
	}

	root := Group{Tests: s.Tests, Describe: s.Describe}
	if err := c.group(f, nil, nil, nil, root); err != nil {
		return nil, err
	}
	return f, nil
}

type compiler struct {
	name string
	dir  string
}

func (c compiler) errorf(format string, args ...any) error {
	return errs.Newf(errs.InvalidArgument, "%s: "+format, append([]any{c.name}, args...)...)
}

func (c compiler) hook(name string, steps []Step) (scheduler.Body, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	body, err := c.steps(steps)
	if err != nil {
		return nil, c.errorf("%s: %v", name, err)
	}
	return body, nil
}

func (c compiler) group(f *scheduler.File, path, tags []string, annotations []scheduler.Annotation, g Group) error {
	if g.Name != "" {
		path = append(append([]string(nil), path...), g.Name)
	}
	tags = append(append([]string(nil), tags...), g.Tags...)
	groupAnn, err := parseAnnotations(g.Annotations)
	if err != nil {
		return c.errorf("describe %q: %v", g.Name, err)
	}
	annotations = append(append([]scheduler.Annotation(nil), annotations...), groupAnn...)

	for _, t := range g.Tests {
		u, err := c.test(path, tags, annotations, t)
		if err != nil {
			return err
		}
		f.Units = append(f.Units, u)
	}
	for _, sub := range g.Describe {
		if sub.Name == "" {
			return c.errorf("describe block without a name")
		}
		if err := c.group(f, path, tags, annotations, sub); err != nil {
			return err
		}
	}
	return nil
}

func (c compiler) test(path, tags []string, annotations []scheduler.Annotation, t Test) (*scheduler.Unit, error) {
	if t.Name == "" {
		return nil, c.errorf("test without a name")
	}
	title := append(append([]string(nil), path...), t.Name)
	fail := func(err error) error {
		return c.errorf("test %q: %v", t.Name, err)
	}

	ann, err := parseAnnotations(t.Annotations)
	if err != nil {
		return nil, fail(err)
	}
	fixtures, err := parseFixtures(t.Fixtures)
	if err != nil {
		return nil, fail(err)
	}
	if t.TimeoutMs < 0 {
		return nil, fail(fmt.Errorf("negative timeoutMs %d", t.TimeoutMs))
	}
	if t.Retries != nil && *t.Retries < 0 {
		return nil, fail(fmt.Errorf("negative retries %d", *t.Retries))
	}
	body, err := c.steps(t.Steps)
	if err != nil {
		return nil, fail(err)
	}
	return &scheduler.Unit{
		TitlePath:   title,
		Tags:        append(append([]string(nil), tags...), t.Tags...),
		Annotations: append(append([]scheduler.Annotation(nil), annotations...), ann...),
		Fixtures:    fixtures,
		Retries:     t.Retries,
		Timeout:     time.Duration(t.TimeoutMs) * time.Millisecond,
		Body:        body,
	}, nil
}

func parseAnnotations(in []string) ([]scheduler.Annotation, error) {
	var out []scheduler.Annotation
	for _, a := range in {
		switch ann := scheduler.Annotation(a); ann {
		case scheduler.AnnotationSkip, scheduler.AnnotationFixme, scheduler.AnnotationSlow, scheduler.AnnotationOnly:
			out = append(out, ann)
		default:
			return nil, fmt.Errorf("unknown annotation %q", a)
		}
	}
	return out, nil
}

func parseFixtures(in []string) ([]scheduler.Fixture, error) {
	var out []scheduler.Fixture
	for _, f := range in {
		switch fx := scheduler.Fixture(f); fx {
		case scheduler.FixturePage, scheduler.FixtureContext, scheduler.FixtureBrowser:
			out = append(out, fx)
		default:
			return nil, fmt.Errorf("unknown fixture %q", f)
		}
	}
	return out, nil
}

// steps compiles a step list into a body that runs them in order. A soft
// step records its failure and the body continues, unless the attempt
// timed out or the worker is gone.
func (c compiler) steps(list []Step) (scheduler.Body, error) {
	compiled := make([]step, len(list))
	for i, st := range list {
		fn, err := c.step(st)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, st.Action, err)
		}
		compiled[i] = fn
	}
	return func(t *scheduler.T) error {
		for i, fn := range compiled {
			err := fn(t)
			if err == nil {
				continue
			}
			err = fmt.Errorf("step %d (%s): %w", i+1, list[i].Action, err)
			if list[i].Soft && !errs.Is(err, errs.TestTimeout) && !errs.WorkerFatal(err) {
				t.Soft(err)
				continue
			}
			return err
		}
		return nil
	}, nil
}

func (c compiler) step(st Step) (step, error) {
	for _, spec := range st.Target {
		if err := spec.validate(); err != nil {
			return nil, err
		}
	}
	if st.TimeoutMs < 0 {
		return nil, fmt.Errorf("negative timeoutMs %d", st.TimeoutMs)
	}
	timeout := time.Duration(st.TimeoutMs) * time.Millisecond

	switch st.Action {
	case ActGoto:
		if st.Arg == "" {
			return nil, fmt.Errorf("goto needs a URL")
		}
		return func(t *scheduler.T) error {
			p, err := page(t)
			if err != nil {
				return err
			}
			return t.Engine().Goto(t.Context(), p, st.Arg)
		}, nil

	case ActClick, ActCheck, ActUncheck, ActHover:
		return c.do(st, action.Kind(st.Action), timeout, "", nil)

	case ActFill:
		if st.Value == nil {
			return nil, fmt.Errorf("fill needs a value")
		}
		return c.do(st, action.Fill, timeout, *st.Value, nil)

	case ActPress:
		if st.Value == nil || *st.Value == "" {
			return nil, fmt.Errorf("press needs a key in value")
		}
		return c.do(st, action.Press, timeout, *st.Value, nil)

	case ActSelect:
		values := st.values()
		if len(values) == 0 {
			return nil, fmt.Errorf("select needs value or values")
		}
		return c.do(st, action.SelectOption, timeout, "", values)

	case ActUpload:
		values := st.values()
		if len(values) == 0 {
			return nil, fmt.Errorf("upload needs value or values")
		}
		paths := make([]string, len(values))
		for i, v := range values {
			if !filepath.IsAbs(v) {
				v = filepath.Join(c.dir, v)
			}
			paths[i] = v
		}
		return c.do(st, action.Upload, timeout, "", paths)

	case ActScreenshot:
		return c.screenshot(st, timeout)

	case ActText:
		return c.read(st, action.GetText, timeout, "")

	case ActAttribute:
		if st.Name == "" {
			return nil, fmt.Errorf("attribute needs a name")
		}
		return c.read(st, action.GetAttribute, timeout, st.Name)

	case ActExpect:
		return c.expect(st, timeout)

	case ActSaveStorage:
		if st.Arg == "" {
			return nil, fmt.Errorf("saveStorage needs a path")
		}
		return func(t *scheduler.T) error {
			bc := t.BrowserContext()
			if bc == nil {
				return errs.New(errs.InvalidArgument, "saveStorage needs the page or context fixture")
			}
			snap, err := bc.SnapshotStorage(t.Context())
			if err != nil {
				return err
			}
			return snap.Save(st.Arg)
		}, nil

	case ActWait:
		d, err := parseWait(st.Arg)
		if err != nil {
			return nil, err
		}
		return func(t *scheduler.T) error { return t.Sleep(d) }, nil
	}
	return nil, fmt.Errorf("unknown action %q", st.Action)
}

func (st Step) values() []string {
	if len(st.Values) > 0 {
		return st.Values
	}
	if st.Value != nil {
		return []string{*st.Value}
	}
	return nil
}

// target returns a function building the step's locator on the attempt's
// page. A scalar argument is a CSS selector.
func (c compiler) target(st Step) (func(t *scheduler.T) (locator.Locator, error), error) {
	specs := st.Target
	if len(specs) == 0 {
		if st.Arg == "" {
			return nil, fmt.Errorf("%s needs a locator", st.Action)
		}
		specs = []StrategySpec{{CSS: st.Arg}}
	}
	return func(t *scheduler.T) (locator.Locator, error) {
		if _, err := page(t); err != nil {
			return locator.Locator{}, err
		}
		strategies := chain(specs, t.TestIDAttribute())
		return t.Locate(strategies[0], strategies[1:]...), nil
	}, nil
}

func (c compiler) do(st Step, kind action.Kind, timeout time.Duration, value string, values []string) (step, error) {
	locate, err := c.target(st)
	if err != nil {
		return nil, err
	}
	return func(t *scheduler.T) error {
		l, err := locate(t)
		if err != nil {
			return err
		}
		_, err = t.Engine().Do(t.Context(), action.Request{Kind: kind, Target: l, Value: value, Values: values, Timeout: timeout})
		return err
	}, nil
}

// read runs text or attribute. With a value it also checks the result once.
func (c compiler) read(st Step, kind action.Kind, timeout time.Duration, name string) (step, error) {
	locate, err := c.target(st)
	if err != nil {
		return nil, err
	}
	return func(t *scheduler.T) error {
		l, err := locate(t)
		if err != nil {
			return err
		}
		res, err := t.Engine().Do(t.Context(), action.Request{Kind: kind, Target: l, Value: name, Timeout: timeout})
		if err != nil {
			return err
		}
		t.Logger().Info(string(kind), "locator", l.String(), "value", res.Value)
		if st.Value != nil && res.Value != *st.Value {
			return &action.AssertionError{
				Subject:  l.String(),
				Matcher:  string(kind),
				Expected: strconv.Quote(*st.Value),
				Received: strconv.Quote(res.Value),
				Polls:    res.Polls,
			}
		}
		return nil
	}, nil
}

func (c compiler) screenshot(st Step, timeout time.Duration) (step, error) {
	out := ""
	if st.Value != nil {
		out = *st.Value
	}
	write := func(data []byte) error {
		if out == "" {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return err
		}
		return os.WriteFile(out, data, 0o644)
	}

	if st.Arg == "page" {
		return func(t *scheduler.T) error {
			p, err := page(t)
			if err != nil {
				return err
			}
			data, err := p.Screenshot(t.Context())
			if err != nil {
				return err
			}
			return write(data)
		}, nil
	}
	locate, err := c.target(st)
	if err != nil {
		return nil, err
	}
	return func(t *scheduler.T) error {
		l, err := locate(t)
		if err != nil {
			return err
		}
		res, err := t.Engine().Do(t.Context(), action.Request{Kind: action.Screenshot, Target: l, Timeout: timeout})
		if err != nil {
			return err
		}
		return write(res.Data)
	}, nil
}

// matchers lists the locator matchers and whether each takes a value.
var matchers = map[string]bool{
	"toBeVisible":     false,
	"toBeHidden":      false,
	"toBeEnabled":     false,
	"toBeDisabled":    false,
	"toBeEditable":    false,
	"toBeChecked":     false,
	"toHaveText":      true,
	"toContainText":   true,
	"toHaveValue":     true,
	"toHaveAttribute": true,
	"toHaveCount":     false,
}

// matchesPattern lists the matchers that accept pattern in place of value.
var matchesPattern = []string{"toHaveText", "toHaveURL", "toHaveTitle"}

func (c compiler) expect(st Step, timeout time.Duration) (step, error) {
	value := ""
	if st.Value != nil {
		value = *st.Value
	}
	var re *regexp.Regexp
	if st.Pattern != "" {
		if !slices.Contains(matchesPattern, st.Assert) {
			return nil, fmt.Errorf("%s does not take a pattern", st.Assert)
		}
		if st.Value != nil {
			return nil, fmt.Errorf("%s takes value or pattern, not both", st.Assert)
		}
		var err error
		if re, err = regexp.Compile(st.Pattern); err != nil {
			return nil, fmt.Errorf("%s pattern: %w", st.Assert, err)
		}
	}

	if st.Arg == "page" {
		var check func(ctx context.Context, a *action.PageAssertions) error
		switch {
		case st.Assert == "toHaveURL" && re != nil:
			check = func(ctx context.Context, a *action.PageAssertions) error { return a.ToHaveURLMatching(ctx, re) }
		case st.Assert == "toHaveURL":
			check = func(ctx context.Context, a *action.PageAssertions) error { return a.ToHaveURL(ctx, value) }
		case st.Assert == "toHaveTitle" && re != nil:
			check = func(ctx context.Context, a *action.PageAssertions) error { return a.ToHaveTitleMatching(ctx, re) }
		case st.Assert == "toHaveTitle":
			check = func(ctx context.Context, a *action.PageAssertions) error { return a.ToHaveTitle(ctx, value) }
		default:
			return nil, fmt.Errorf("unknown page matcher %q", st.Assert)
		}
		if st.Value == nil && re == nil {
			return nil, fmt.Errorf("%s needs a value", st.Assert)
		}
		return func(t *scheduler.T) error {
			p, err := page(t)
			if err != nil {
				return err
			}
			a := t.Engine().ExpectPage(p)
			if st.Not {
				a = a.Not()
			}
			if timeout > 0 {
				a = a.WithTimeout(timeout)
			}
			return check(t.Context(), a)
		}, nil
	}

	needsValue, ok := matchers[st.Assert]
	switch {
	case !ok:
		return nil, fmt.Errorf("unknown matcher %q", st.Assert)
	case needsValue && st.Value == nil && re == nil:
		return nil, fmt.Errorf("%s needs a value", st.Assert)
	case st.Assert == "toHaveAttribute" && st.Name == "":
		return nil, fmt.Errorf("toHaveAttribute needs a name")
	case st.Assert == "toHaveCount" && st.Count == nil:
		return nil, fmt.Errorf("toHaveCount needs a count")
	}
	locate, err := c.target(st)
	if err != nil {
		return nil, err
	}
	return func(t *scheduler.T) error {
		l, err := locate(t)
		if err != nil {
			return err
		}
		a := t.Engine().Expect(l)
		if st.Not {
			a = a.Not()
		}
		if timeout > 0 {
			a = a.WithTimeout(timeout)
		}
		ctx := t.Context()
		switch st.Assert {
		case "toBeVisible":
			return a.ToBeVisible(ctx)
		case "toBeHidden":
			return a.ToBeHidden(ctx)
		case "toBeEnabled":
			return a.ToBeEnabled(ctx)
		case "toBeDisabled":
			return a.ToBeDisabled(ctx)
		case "toBeEditable":
			return a.ToBeEditable(ctx)
		case "toBeChecked":
			return a.ToBeChecked(ctx)
		case "toHaveText":
			if re != nil {
				return a.ToHaveTextMatching(ctx, re)
			}
			return a.ToHaveText(ctx, value)
		case "toContainText":
			return a.ToContainText(ctx, value)
		case "toHaveValue":
			return a.ToHaveValue(ctx, value)
		case "toHaveAttribute":
			return a.ToHaveAttribute(ctx, st.Name, value)
		default:
			return a.ToHaveCount(ctx, *st.Count)
		}
	}, nil
}

func page(t *scheduler.T) (*session.Page, error) {
	p := t.Page()
	if p == nil {
		return nil, errs.New(errs.InvalidArgument, "step needs the page fixture")
	}
	return p, nil
}

// parseWait accepts milliseconds or a duration string.
func parseWait(arg string) (time.Duration, error) {
	if arg == "" {
		return 0, fmt.Errorf("wait needs a duration")
	}
	if ms, err := strconv.Atoi(arg); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("negative wait %d", ms)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(arg)
	if err != nil {
		return 0, fmt.Errorf("wait: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative wait %s", d)
	}
	return d, nil
}
