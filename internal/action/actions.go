package action

import (
	"context"
	"errors"

	"github.com/neboloop/pagewright/internal/driver"
	"github.com/neboloop/pagewright/internal/locator"
	"github.com/neboloop/pagewright/internal/session"
)

func (e *Engine) Click(ctx context.Context, l locator.Locator) error {
	_, err := e.Do(ctx, Request{Kind: Click, Target: l})
	return err
}

func (e *Engine) Fill(ctx context.Context, l locator.Locator, value string) error {
	_, err := e.Do(ctx, Request{Kind: Fill, Target: l, Value: value})
	return err
}

// Check and Uncheck leave an element already in the wanted state untouched.
func (e *Engine) Check(ctx context.Context, l locator.Locator) error {
	_, err := e.Do(ctx, Request{Kind: Check, Target: l})
	return err
}

func (e *Engine) Uncheck(ctx context.Context, l locator.Locator) error {
	_, err := e.Do(ctx, Request{Kind: Uncheck, Target: l})
	return err
}

// SelectOption selects options by value or label and returns the selected values.
func (e *Engine) SelectOption(ctx context.Context, l locator.Locator, values ...string) ([]string, error) {
	res, err := e.Do(ctx, Request{Kind: SelectOption, Target: l, Values: values})
	if err != nil {
		return nil, err
	}
	return res.Values, nil
}

func (e *Engine) Hover(ctx context.Context, l locator.Locator) error {
	_, err := e.Do(ctx, Request{Kind: Hover, Target: l})
	return err
}

func (e *Engine) Press(ctx context.Context, l locator.Locator, key string) error {
	_, err := e.Do(ctx, Request{Kind: Press, Target: l, Value: key})
	return err
}

func (e *Engine) Upload(ctx context.Context, l locator.Locator, paths ...string) error {
	_, err := e.Do(ctx, Request{Kind: Upload, Target: l, Values: paths})
	return err
}

// Screenshot captures the element as PNG.
func (e *Engine) Screenshot(ctx context.Context, l locator.Locator) ([]byte, error) {
	res, err := e.Do(ctx, Request{Kind: Screenshot, Target: l})
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// Text returns the element's normalized text content.
func (e *Engine) Text(ctx context.Context, l locator.Locator) (string, error) {
	res, err := e.Do(ctx, Request{Kind: GetText, Target: l})
	if err != nil {
		return "", err
	}
	return res.Value, nil
}

// Attribute returns an attribute value and whether it is present.
func (e *Engine) Attribute(ctx context.Context, l locator.Locator, name string) (string, bool, error) {
	res, err := e.Do(ctx, Request{Kind: GetAttribute, Target: l, Value: name})
	if err != nil {
		return "", false, err
	}
	return res.Value, res.Found, nil
}

// Goto navigates page and records the navigation in the action log.
func (e *Engine) Goto(ctx context.Context, page *session.Page, url string) error {
	start := e.clock.Now()
	err := page.Goto(ctx, url)
	e.record("goto", "goto", url, start, 0, 0, err)
	return err
}

// The instant reads below resolve the locator once and never wait. They
// are still strict: more than one match is an error.

func (e *Engine) IsVisible(ctx context.Context, l locator.Locator) (bool, error) {
	st, err := e.instant(ctx, l)
	if err != nil || st == nil {
		return false, err
	}
	return st.Visible, nil
}

func (e *Engine) IsEnabled(ctx context.Context, l locator.Locator) (bool, error) {
	st, err := e.instant(ctx, l)
	if err != nil || st == nil {
		return false, err
	}
	return st.Enabled, nil
}

func (e *Engine) IsChecked(ctx context.Context, l locator.Locator) (bool, error) {
	st, err := e.instant(ctx, l)
	if err != nil || st == nil {
		return false, err
	}
	return st.Checked != nil && *st.Checked, nil
}

// Count returns the current number of matches. It is not strict.
func (e *Engine) Count(ctx context.Context, l locator.Locator) (int, error) {
	refs, err := l.Evaluate(ctx)
	if err != nil {
		return 0, err
	}
	return len(refs), nil
}

func (e *Engine) instant(ctx context.Context, l locator.Locator) (*driver.ElementState, error) {
	ref, err := l.Resolve(ctx)
	if err != nil || ref == nil {
		return nil, err
	}
	st, err := describe(ctx, l.Page(), ref.ID)
	if errors.Is(err, driver.ErrDetached) {
		return nil, nil
	}
	return st, err
}
