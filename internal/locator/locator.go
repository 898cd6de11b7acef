// Package locator turns declarative element descriptions into live element
// references. A Locator holds no element handles: every Evaluate call walks
// the chain against the page as it is at that moment.
package locator

import (
	"context"
	"fmt"
	"strings"

	"github.com/neboloop/pagewright/internal/driver"
	"github.com/neboloop/pagewright/internal/errs"
	"github.com/neboloop/pagewright/internal/session"
)

// ElementRef is a match produced by one evaluation. It is only meaningful
// for the page snapshot it was taken from.
type ElementRef struct {
	driver.ElementInfo
}

// Locator is a chain of strategies bound to a page. Each strategy after the
// first is evaluated within the matches of the previous one.
type Locator struct {
	page  *session.Page
	chain []Strategy
}

// New binds a single strategy to page.
func New(page *session.Page, s Strategy) Locator {
	return Locator{page: page, chain: []Strategy{s}}
}

// Within narrows the locator by another strategy. The receiver is not modified.
func (l Locator) Within(s Strategy) Locator {
	chain := make([]Strategy, len(l.chain), len(l.chain)+1)
	copy(chain, l.chain)
	return Locator{page: l.page, chain: append(chain, s)}
}

// Nth, First and Last pick one element from the current matches.
func (l Locator) Nth(i int) Locator { return l.Within(Nth(i)) }
func (l Locator) First() Locator    { return l.Nth(0) }
func (l Locator) Last() Locator     { return l.Nth(-1) }

// Page returns the bound page.
func (l Locator) Page() *session.Page { return l.page }

// Chain returns a copy of the strategies.
func (l Locator) Chain() []Strategy {
	return append([]Strategy(nil), l.chain...)
}

// Equal reports whether both locators target the same page with the same chain.
func (l Locator) Equal(o Locator) bool {
	if l.page != o.page || len(l.chain) != len(o.chain) {
		return false
	}
	for i := range l.chain {
		if l.chain[i] != o.chain[i] {
			return false
		}
	}
	return true
}

func (l Locator) String() string {
	parts := make([]string, len(l.chain))
	for i, s := range l.chain {
		parts[i] = s.String()
	}
	return strings.Join(parts, " >> ")
}

// Evaluate returns the elements currently matching the chain in document
// order, without duplicates. Zero matches is not an error.
func (l Locator) Evaluate(ctx context.Context) ([]ElementRef, error) {
	if l.page == nil {
		return nil, errs.New(errs.InvalidArgument, "locator is not bound to a page")
	}
	if len(l.chain) == 0 {
		return nil, errs.New(errs.InvalidArgument, "empty locator")
	}
	for _, s := range l.chain {
		if err := s.validate(); err != nil {
			return nil, err
		}
	}

	var current []driver.ElementInfo
	scopes := []string{""}
	for i, s := range l.chain {
		if s.kind == KindNth {
			current = pickNth(current, s.index)
		} else {
			next, err := l.step(ctx, s, scopes)
			if err != nil {
				return nil, fmt.Errorf("evaluate %s (step %d): %w", l, i+1, err)
			}
			current = next
		}
		if len(current) == 0 {
			return nil, nil
		}
		scopes = scopes[:0]
		for _, el := range current {
			scopes = append(scopes, el.ID)
		}
	}

	out := make([]ElementRef, len(current))
	for i, el := range current {
		out[i] = ElementRef{el}
	}
	return out, nil
}

func (l Locator) step(ctx context.Context, s Strategy, scopes []string) ([]driver.ElementInfo, error) {
	seen := make(map[string]bool)
	var out []driver.ElementInfo
	for _, scope := range scopes {
		candidates, err := l.page.Query(ctx, scope, s.predicate())
		if err != nil {
			return nil, err
		}
		var matched []driver.ElementInfo
		for _, el := range candidates {
			if s.matches(el) {
				matched = append(matched, el)
			}
		}
		if s.kind == KindText {
			matched = innermost(matched, candidates)
		}
		for _, el := range matched {
			if !seen[el.ID] {
				seen[el.ID] = true
				out = append(out, el)
			}
		}
	}
	return out, nil
}

// innermost drops every match that has a matching descendant. Ancestry is
// followed through the candidate set, which holds every element containing
// the text.
func innermost(matched, candidates []driver.ElementInfo) []driver.ElementInfo {
	if len(matched) < 2 {
		return matched
	}
	parent := make(map[string]string, len(candidates))
	for _, el := range candidates {
		parent[el.ID] = el.ParentID
	}
	isMatch := make(map[string]bool, len(matched))
	for _, el := range matched {
		isMatch[el.ID] = true
	}
	shadowed := make(map[string]bool)
	for _, el := range matched {
		for id := parent[el.ID]; id != ""; id = parent[id] {
			if isMatch[id] {
				shadowed[id] = true
			}
			if _, ok := parent[id]; !ok {
				break
			}
		}
	}
	out := matched[:0:0]
	for _, el := range matched {
		if !shadowed[el.ID] {
			out = append(out, el)
		}
	}
	return out
}

func pickNth(els []driver.ElementInfo, i int) []driver.ElementInfo {
	if i < 0 {
		i += len(els)
	}
	if i < 0 || i >= len(els) {
		return nil
	}
	return []driver.ElementInfo{els[i]}
}

// Resolve evaluates under strict mode: exactly one match is returned, zero
// matches returns (nil, nil) so callers can keep polling, and more than one
// fails with AmbiguousError.
func (l Locator) Resolve(ctx context.Context) (*ElementRef, error) {
	refs, err := l.Evaluate(ctx)
	if err != nil {
		return nil, err
	}
	switch len(refs) {
	case 0:
		return nil, nil
	case 1:
		return &refs[0], nil
	}
	return nil, newAmbiguous(l, refs)
}

// AmbiguousError reports a strict-mode violation.
type AmbiguousError struct {
	Locator string
	Count   int
	Matches []string
}

const maxListedMatches = 5

func newAmbiguous(l Locator, refs []ElementRef) *AmbiguousError {
	e := &AmbiguousError{Locator: l.String(), Count: len(refs)}
	for i, r := range refs {
		if i == maxListedMatches {
			break
		}
		e.Matches = append(e.Matches, describe(r))
	}
	return e
}

func describe(r ElementRef) string {
	var b strings.Builder
	b.WriteString("<" + r.Tag)
	if r.Role != "" {
		fmt.Fprintf(&b, " role=%q", r.Role)
	}
	b.WriteString(">")
	if label := r.Name; label != "" {
		b.WriteString(truncate(driver.NormalizeText(label), 40))
	} else if r.Text != "" {
		b.WriteString(truncate(driver.NormalizeText(r.Text), 40))
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func (e *AmbiguousError) Error() string {
	msg := fmt.Sprintf("strict mode violation: %s resolved to %d elements", e.Locator, e.Count)
	if len(e.Matches) > 0 {
		msg += ": " + strings.Join(e.Matches, ", ")
	}
	return msg
}

// ErrorCode implements errs.Coder.
func (e *AmbiguousError) ErrorCode() errs.Code { return errs.AmbiguousLocator }
