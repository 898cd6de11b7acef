package action

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/neboloop/pagewright/internal/driver"
	"github.com/neboloop/pagewright/internal/errs"
	"github.com/neboloop/pagewright/internal/locator"
	"github.com/neboloop/pagewright/internal/session"
)

// AssertionError is an expectation that did not hold within its budget.
type AssertionError struct {
	Subject  string
	Matcher  string
	Not      bool
	Expected string
	Received string
	Timeout  time.Duration
	Polls    int
}

func (e *AssertionError) Error() string {
	not := ""
	if e.Not {
		not = "not."
	}
	return fmt.Sprintf("expect(%s).%s%s() failed after %s (%d polls): expected %s%s, received %s",
		e.Subject, not, e.Matcher, e.Timeout, e.Polls, not, e.Expected, e.Received)
}

// ErrorCode implements errs.Coder.
func (e *AssertionError) ErrorCode() errs.Code { return errs.Assertion }

// matchFunc evaluates a matcher once. received describes what was observed.
type matchFunc func(ctx context.Context) (ok bool, received string, err error)

// expectation carries what both assertion builders share.
type expectation struct {
	e       *Engine
	subject string
	not     bool
	timeout time.Duration
}

// assert polls fn with the expect budget. Assertions reuse the action poll
// loop but never take the page's action slot.
func (x expectation) assert(ctx context.Context, matcher, expected string, fn matchFunc) error {
	start := x.e.clock.Now()
	timeout := x.timeout
	if timeout <= 0 {
		timeout = x.e.opts.ExpectTimeout
	}
	name := matcher
	if x.not {
		name = "not." + matcher
	}

	var received string
	polls, expired, err := x.e.poll(ctx, timeout, func(ctx context.Context) (bool, error) {
		ok, got, err := fn(ctx)
		if err != nil {
			return false, err
		}
		received = got
		return ok != x.not, nil
	})
	switch {
	case expired:
		err = &AssertionError{
			Subject:  x.subject,
			Matcher:  matcher,
			Not:      x.not,
			Expected: expected,
			Received: received,
			Timeout:  timeout,
			Polls:    polls,
		}
	case err != nil && (ctx.Err() != nil || errs.Is(err, errs.TestTimeout)):
		err = &InterruptedError{Action: Kind("expect." + name), Locator: x.subject, Err: interruption(ctx, err)}
	case err != nil:
		err = fmt.Errorf("expect(%s).%s: %w", x.subject, name, err)
	}
	x.e.record("expect."+name, "expect", x.subject, start, polls, 0, err)
	return err
}

// LocatorAssertions are the matchers on a locator.
type LocatorAssertions struct {
	expectation
	target locator.Locator
}

// Expect starts an assertion on l.
func (e *Engine) Expect(l locator.Locator) *LocatorAssertions {
	return &LocatorAssertions{expectation: expectation{e: e, subject: l.String()}, target: l}
}

// Not negates the following matcher.
func (a *LocatorAssertions) Not() *LocatorAssertions {
	c := *a
	c.not = !c.not
	return &c
}

// WithTimeout overrides the expect budget for the following matcher.
func (a *LocatorAssertions) WithTimeout(d time.Duration) *LocatorAssertions {
	c := *a
	c.timeout = d
	return &c
}

const (
	notFound = "<element not found>"
	detached = "<element detached>"
)

// element adapts a per-element test into a matchFunc. A missing element
// never satisfies the test; under Not that means it passes.
func (a *LocatorAssertions) element(test func(st *driver.ElementState) (bool, string)) matchFunc {
	return func(ctx context.Context) (bool, string, error) {
		ref, err := a.target.Resolve(ctx)
		if errors.Is(err, driver.ErrDetached) {
			return false, detached, nil
		}
		if err != nil {
			return false, "", err
		}
		if ref == nil {
			return false, notFound, nil
		}
		st, err := describe(ctx, a.target.Page(), ref.ID)
		if errors.Is(err, driver.ErrDetached) {
			return false, detached, nil
		}
		if err != nil {
			return false, "", err
		}
		ok, got := test(st)
		return ok, got, nil
	}
}

func visibility(st *driver.ElementState) string {
	if st.Visible {
		return "visible"
	}
	return "hidden"
}

func (a *LocatorAssertions) ToBeVisible(ctx context.Context) error {
	return a.assert(ctx, "toBeVisible", "visible", a.element(func(st *driver.ElementState) (bool, string) {
		return st.Visible, visibility(st)
	}))
}

// ToBeHidden passes for a missing element.
func (a *LocatorAssertions) ToBeHidden(ctx context.Context) error {
	visible := a.element(func(st *driver.ElementState) (bool, string) {
		return st.Visible, visibility(st)
	})
	return a.assert(ctx, "toBeHidden", "hidden", func(ctx context.Context) (bool, string, error) {
		ok, got, err := visible(ctx)
		if got == notFound || got == detached {
			return true, got, err
		}
		return !ok, got, err
	})
}

func enabledness(st *driver.ElementState) string {
	if st.Enabled {
		return "enabled"
	}
	return "disabled"
}

func (a *LocatorAssertions) ToBeEnabled(ctx context.Context) error {
	return a.assert(ctx, "toBeEnabled", "enabled", a.element(func(st *driver.ElementState) (bool, string) {
		return st.Enabled, enabledness(st)
	}))
}

func (a *LocatorAssertions) ToBeDisabled(ctx context.Context) error {
	return a.assert(ctx, "toBeDisabled", "disabled", a.element(func(st *driver.ElementState) (bool, string) {
		return !st.Enabled, enabledness(st)
	}))
}

func (a *LocatorAssertions) ToBeEditable(ctx context.Context) error {
	return a.assert(ctx, "toBeEditable", "editable", a.element(func(st *driver.ElementState) (bool, string) {
		if st.Editable {
			return true, "editable"
		}
		return false, "read-only"
	}))
}

func (a *LocatorAssertions) ToBeChecked(ctx context.Context) error {
	return a.assert(ctx, "toBeChecked", "checked", a.element(func(st *driver.ElementState) (bool, string) {
		switch {
		case st.Checked == nil:
			return false, "not checkable"
		case *st.Checked:
			return true, "checked"
		}
		return false, "unchecked"
	}))
}

// ToHaveText compares normalized text for equality.
func (a *LocatorAssertions) ToHaveText(ctx context.Context, want string) error {
	return a.assert(ctx, "toHaveText", strconv.Quote(want), a.element(func(st *driver.ElementState) (bool, string) {
		return driver.NormalizeText(st.Text) == driver.NormalizeText(want), strconv.Quote(st.Text)
	}))
}

// ToHaveTextMatching matches re against the normalized text.
func (a *LocatorAssertions) ToHaveTextMatching(ctx context.Context, re *regexp.Regexp) error {
	return a.assert(ctx, "toHaveText", reString(re), a.element(func(st *driver.ElementState) (bool, string) {
		return re.MatchString(driver.NormalizeText(st.Text)), strconv.Quote(st.Text)
	}))
}

// ToContainText uses the substring rule: normalized and case-insensitive.
func (a *LocatorAssertions) ToContainText(ctx context.Context, want string) error {
	return a.assert(ctx, "toContainText", strconv.Quote(want), a.element(func(st *driver.ElementState) (bool, string) {
		return driver.ContainsFold(st.Text, want), strconv.Quote(st.Text)
	}))
}

func (a *LocatorAssertions) ToHaveValue(ctx context.Context, want string) error {
	return a.assert(ctx, "toHaveValue", strconv.Quote(want), a.element(func(st *driver.ElementState) (bool, string) {
		return st.Value == want, strconv.Quote(st.Value)
	}))
}

func (a *LocatorAssertions) ToHaveAttribute(ctx context.Context, name, want string) error {
	expected := fmt.Sprintf("%s=%q", name, want)
	return a.assert(ctx, "toHaveAttribute", expected, a.element(func(st *driver.ElementState) (bool, string) {
		v, ok := st.Attributes[name]
		if !ok {
			return false, name + " absent"
		}
		return v == want, fmt.Sprintf("%s=%q", name, v)
	}))
}

// ToHaveCount is not strict: it counts every current match.
func (a *LocatorAssertions) ToHaveCount(ctx context.Context, n int) error {
	return a.assert(ctx, "toHaveCount", strconv.Itoa(n), func(ctx context.Context) (bool, string, error) {
		refs, err := a.target.Evaluate(ctx)
		if err != nil {
			return false, "", err
		}
		return len(refs) == n, strconv.Itoa(len(refs)), nil
	})
}

// PageAssertions are the matchers on a page.
type PageAssertions struct {
	expectation
	page *session.Page
}

// ExpectPage starts an assertion on p.
func (e *Engine) ExpectPage(p *session.Page) *PageAssertions {
	return &PageAssertions{expectation: expectation{e: e, subject: "page"}, page: p}
}

func (a *PageAssertions) Not() *PageAssertions {
	c := *a
	c.not = !c.not
	return &c
}

func (a *PageAssertions) WithTimeout(d time.Duration) *PageAssertions {
	c := *a
	c.timeout = d
	return &c
}

// ToHaveURL matches the current URL. A relative want is resolved against
// the current URL first, so "/dashboard" matches any origin's /dashboard.
func (a *PageAssertions) ToHaveURL(ctx context.Context, want string) error {
	return a.assert(ctx, "toHaveURL", strconv.Quote(want), func(ctx context.Context) (bool, string, error) {
		nav, err := a.page.Refresh(ctx)
		if err != nil {
			return false, "", err
		}
		return urlMatches(nav.URL, want), strconv.Quote(nav.URL), nil
	})
}

func (a *PageAssertions) ToHaveURLMatching(ctx context.Context, re *regexp.Regexp) error {
	return a.assert(ctx, "toHaveURL", reString(re), func(ctx context.Context) (bool, string, error) {
		nav, err := a.page.Refresh(ctx)
		if err != nil {
			return false, "", err
		}
		return re.MatchString(nav.URL), strconv.Quote(nav.URL), nil
	})
}

func urlMatches(got, want string) bool {
	if got == want {
		return true
	}
	ref, err := url.Parse(want)
	if err != nil || ref.IsAbs() {
		return false
	}
	base, err := url.Parse(got)
	if err != nil {
		return false
	}
	return base.ResolveReference(ref).String() == got
}

func (a *PageAssertions) ToHaveTitle(ctx context.Context, want string) error {
	return a.assert(ctx, "toHaveTitle", strconv.Quote(want), func(ctx context.Context) (bool, string, error) {
		nav, err := a.page.Refresh(ctx)
		if err != nil {
			return false, "", err
		}
		return driver.NormalizeText(nav.Title) == driver.NormalizeText(want), strconv.Quote(nav.Title), nil
	})
}

func (a *PageAssertions) ToHaveTitleMatching(ctx context.Context, re *regexp.Regexp) error {
	return a.assert(ctx, "toHaveTitle", reString(re), func(ctx context.Context) (bool, string, error) {
		nav, err := a.page.Refresh(ctx)
		if err != nil {
			return false, "", err
		}
		return re.MatchString(driver.NormalizeText(nav.Title)), strconv.Quote(nav.Title), nil
	})
}

func reString(re *regexp.Regexp) string { return "/" + re.String() + "/" }
