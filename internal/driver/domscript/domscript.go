// Package domscript evaluates the engine's DOM queries inside a real page.
//
// The browser adapters share one embedded script that installs
// window.__pagewright on first use. Every call returns a JSON envelope so
// that the Go side sees the same shapes regardless of the protocol that
// carried the evaluation.
package domscript

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/neboloop/pagewright/internal/driver"
)

//go:embed dom.js
var source string

// Source returns the installer script.
func Source() string { return source }

// EvalFunc evaluates a JavaScript expression in the page's main frame,
// awaits a returned promise and yields the resulting string.
type EvalFunc func(ctx context.Context, expression string) (string, error)

// Expression builds the expression that installs the script if needed and
// calls fn with args.
func Expression(fn string, args ...any) (string, error) {
	if args == nil {
		args = []any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode %s arguments: %w", fn, err)
	}
	name, _ := json.Marshal(fn)
	return fmt.Sprintf("(() => { %s\nreturn window.__pagewright.run(%s, %s); })()", source, name, encoded), nil
}

type envelope struct {
	OK    bool            `json:"ok"`
	Value json.RawMessage `json:"value"`
	Error string          `json:"error"`
}

// Decode unpacks an envelope into out, mapping in-page failures to driver
// errors.
func Decode(raw string, out any) error {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return fmt.Errorf("decode page result: %w", err)
	}
	if !env.OK {
		if env.Error == "detached" {
			return driver.ErrDetached
		}
		return errors.New(env.Error)
	}
	if out == nil || len(env.Value) == 0 {
		return nil
	}
	return json.Unmarshal(env.Value, out)
}

// Page runs script functions through an EvalFunc.
type Page struct {
	eval EvalFunc
}

// New wraps eval.
func New(eval EvalFunc) *Page {
	return &Page{eval: eval}
}

func (p *Page) call(ctx context.Context, out any, fn string, args ...any) error {
	expr, err := Expression(fn, args...)
	if err != nil {
		return err
	}
	raw, err := p.eval(ctx, expr)
	if err != nil {
		return err
	}
	if err := Decode(raw, out); err != nil {
		if errors.Is(err, driver.ErrDetached) && len(args) > 0 {
			return fmt.Errorf("%w: %v", driver.ErrDetached, args[0])
		}
		return err
	}
	return nil
}

// Query returns elements under scope matching pred.
func (p *Page) Query(ctx context.Context, scope string, pred *driver.Predicate) ([]driver.ElementInfo, error) {
	var els []driver.ElementInfo
	if err := p.call(ctx, &els, "query", scope, pred); err != nil {
		return nil, err
	}
	return els, nil
}

// Describe returns the live state of an element.
func (p *Page) Describe(ctx context.Context, id string) (*driver.ElementState, error) {
	var st driver.ElementState
	if err := p.call(ctx, &st, "describe", id); err != nil {
		return nil, err
	}
	return &st, nil
}

// HitTest reports whether the element, or one of its descendants, is the
// topmost element at pt. A nil pt tests the element's center.
func (p *Page) HitTest(ctx context.Context, id string, pt *driver.Point) (bool, error) {
	var hit bool
	err := p.call(ctx, &hit, "hitTest", id, pt)
	return hit, err
}

// NextFrame resolves after the next animation frame.
func (p *Page) NextFrame(ctx context.Context) error {
	return p.call(ctx, nil, "frame")
}

// Focus focuses an element.
func (p *Page) Focus(ctx context.Context, id string) error {
	return p.call(ctx, nil, "focus", id)
}

// Fill replaces an editable element's value and fires input and change.
func (p *Page) Fill(ctx context.Context, id, text string) error {
	return p.call(ctx, nil, "fill", id, text)
}

// Select picks options by value or label and returns the selected values.
func (p *Page) Select(ctx context.Context, id string, values []string) ([]string, error) {
	var selected []string
	if err := p.call(ctx, &selected, "select", id, values); err != nil {
		return nil, err
	}
	return selected, nil
}

// Mark tags an element so protocol-native calls can address it by CSS.
// The returned release func removes the tag.
func (p *Page) Mark(ctx context.Context, id string) (selector string, release func(context.Context), err error) {
	token := uuid.NewString()
	if err := p.call(ctx, nil, "mark", id, token); err != nil {
		return "", nil, err
	}
	release = func(ctx context.Context) {
		_ = p.call(ctx, nil, "unmark", token)
	}
	return fmt.Sprintf(`[data-pagewright-mark=%q]`, token), release, nil
}

// LocalStorage returns the local storage of the page's origin.
func (p *Page) LocalStorage(ctx context.Context) (driver.OriginState, error) {
	var st driver.OriginState
	err := p.call(ctx, &st, "localStorage")
	return st, err
}

// SeedScript returns a document-start script that writes each origin's
// local storage when the document belongs to that origin.
func SeedScript(origins []driver.OriginState) (string, error) {
	if len(origins) == 0 {
		return "", nil
	}
	encoded, err := json.Marshal(origins)
	if err != nil {
		return "", fmt.Errorf("encode local storage: %w", err)
	}
	var b strings.Builder
	b.WriteString("(() => { const seed = ")
	b.Write(encoded)
	b.WriteString(`;
for (const o of seed) {
  if (o.origin !== location.origin) continue;
  try { for (const kv of o.localStorage || []) localStorage.setItem(kv.name, kv.value); } catch (e) {}
}
})();`)
	return b.String(), nil
}

// MergeOrigins adds or replaces origin entries.
func MergeOrigins(origins []driver.OriginState, st driver.OriginState) []driver.OriginState {
	if st.Origin == "" || st.Origin == "null" {
		return origins
	}
	for i, o := range origins {
		if o.Origin == st.Origin {
			origins[i] = st
			return origins
		}
	}
	return append(origins, st)
}
