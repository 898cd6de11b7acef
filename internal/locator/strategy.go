package locator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/neboloop/pagewright/internal/driver"
	"github.com/neboloop/pagewright/internal/errs"
)

// Kind tags a Strategy. The set is closed: every switch over Kind in this
// package is exhaustive.
type Kind int

const (
	KindRole Kind = iota + 1
	KindLabel
	KindPlaceholder
	KindText
	KindTestID
	KindStructural
	KindAttribute
	KindTitle
	KindAltText
	KindNth
)

// DefaultTestIDAttribute is the attribute ByTestID matches.
const DefaultTestIDAttribute = "data-testid"

func (k Kind) String() string {
	switch k {
	case KindRole:
		return "role"
	case KindLabel:
		return "label"
	case KindPlaceholder:
		return "placeholder"
	case KindText:
		return "text"
	case KindTestID:
		return "testid"
	case KindStructural:
		return "structural"
	case KindAttribute:
		return "attr"
	case KindTitle:
		return "title"
	case KindAltText:
		return "alt"
	case KindNth:
		return "nth"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Strategy is one step of a locator chain. It is a comparable value; two
// strategies are equal when all their fields are.
type Strategy struct {
	kind  Kind
	role  string
	text  string
	exact bool
	attr  string
	index int
}

// Option modifies a text-matching strategy.
type Option func(*Strategy)

// Exact switches text matching from case-insensitive substring to equality
// after whitespace normalization.
func Exact() Option {
	return func(s *Strategy) { s.exact = true }
}

// Name restricts ByRole to elements whose accessible name matches.
func Name(name string) Option {
	return func(s *Strategy) { s.text = name }
}

func build(s Strategy, opts []Option) Strategy {
	for _, o := range opts {
		o(&s)
	}
	return s
}

// ByRole matches the computed ARIA role, and the accessible name when Name is given.
func ByRole(role string, opts ...Option) Strategy {
	return build(Strategy{kind: KindRole, role: strings.ToLower(strings.TrimSpace(role))}, opts)
}

// ByLabel matches form controls by associated label text.
func ByLabel(text string, opts ...Option) Strategy {
	return build(Strategy{kind: KindLabel, text: text}, opts)
}

// ByPlaceholder matches the placeholder attribute.
func ByPlaceholder(text string, opts ...Option) Strategy {
	return build(Strategy{kind: KindPlaceholder, text: text, attr: "placeholder"}, opts)
}

// ByText matches the innermost elements whose text matches.
func ByText(text string, opts ...Option) Strategy {
	return build(Strategy{kind: KindText, text: text}, opts)
}

// ByTitle matches the title attribute.
func ByTitle(text string, opts ...Option) Strategy {
	return build(Strategy{kind: KindTitle, text: text, attr: "title"}, opts)
}

// ByAltText matches the alt attribute.
func ByAltText(text string, opts ...Option) Strategy {
	return build(Strategy{kind: KindAltText, text: text, attr: "alt"}, opts)
}

// ByTestID matches data-testid exactly.
func ByTestID(id string) Strategy {
	return ByTestIDAttr(DefaultTestIDAttribute, id)
}

// ByTestIDAttr matches a custom test id attribute exactly.
func ByTestIDAttr(attr, id string) Strategy {
	return Strategy{kind: KindTestID, attr: attr, text: id, exact: true}
}

// ByCSS is a structural path written as a CSS selector.
func ByCSS(selector string) Strategy {
	return Strategy{kind: KindStructural, text: selector}
}

// ByXPath is a structural path written as an XPath expression.
func ByXPath(expr string) Strategy {
	return Strategy{kind: KindStructural, text: expr, exact: true}
}

// ByAttr matches an attribute by name and exact value.
func ByAttr(name, value string) Strategy {
	return Strategy{kind: KindAttribute, attr: name, text: value, exact: true}
}

// Nth selects one element of the current match set; negative counts from the end.
func Nth(i int) Strategy {
	return Strategy{kind: KindNth, index: i}
}

// Kind returns the strategy tag.
func (s Strategy) Kind() Kind { return s.kind }

func (s Strategy) isXPath() bool {
	return s.kind == KindStructural && s.exact
}

func (s Strategy) validate() error {
	switch s.kind {
	case KindRole:
		if s.role == "" {
			return errs.New(errs.InvalidArgument, "role strategy needs a role")
		}
	case KindLabel, KindPlaceholder, KindText, KindTitle, KindAltText:
		if strings.TrimSpace(s.text) == "" {
			return errs.Newf(errs.InvalidArgument, "%s strategy needs text", s.kind)
		}
	case KindTestID, KindAttribute:
		if s.attr == "" {
			return errs.Newf(errs.InvalidArgument, "%s strategy needs an attribute name", s.kind)
		}
	case KindStructural:
		if strings.TrimSpace(s.text) == "" {
			return errs.New(errs.InvalidArgument, "structural strategy needs a path")
		}
	case KindNth:
	default:
		return errs.Newf(errs.InvalidArgument, "unknown strategy %s", s.kind)
	}
	return nil
}

// predicate is the driver-side narrowing for the strategy.
func (s Strategy) predicate() driver.Predicate {
	switch s.kind {
	case KindRole:
		return driver.Predicate{Kind: driver.PredicateRole, Role: s.role}
	case KindLabel:
		return driver.Predicate{Kind: driver.PredicateLabel}
	case KindText:
		return driver.Predicate{Kind: driver.PredicateText, Text: s.text}
	case KindPlaceholder, KindTitle, KindAltText, KindTestID, KindAttribute:
		return driver.Predicate{Kind: driver.PredicateAttr, Attr: s.attr}
	case KindStructural:
		if s.isXPath() {
			return driver.Predicate{Kind: driver.PredicateXPath, Selector: s.text}
		}
		return driver.Predicate{Kind: driver.PredicateCSS, Selector: s.text}
	case KindNth:
	}
	return driver.Predicate{Kind: driver.PredicateAll}
}

// matches applies the exact per-strategy rule to one candidate.
func (s Strategy) matches(el driver.ElementInfo) bool {
	switch s.kind {
	case KindRole:
		if !strings.EqualFold(el.Role, s.role) {
			return false
		}
		return s.text == "" || matchText(el.Name, s.text, s.exact)
	case KindLabel:
		for _, l := range el.Labels {
			if matchText(l, s.text, s.exact) {
				return true
			}
		}
		return false
	case KindText:
		return matchText(el.Text, s.text, s.exact)
	case KindPlaceholder, KindTitle, KindAltText:
		v, ok := el.Attr(s.attr)
		return ok && matchText(v, s.text, s.exact)
	case KindTestID, KindAttribute:
		v, ok := el.Attr(s.attr)
		return ok && v == s.text
	case KindStructural:
		return true
	case KindNth:
		return true
	}
	return false
}

func matchText(candidate, want string, exact bool) bool {
	if exact {
		return driver.NormalizeText(candidate) == driver.NormalizeText(want)
	}
	return driver.ContainsFold(candidate, want)
}

func (s Strategy) String() string {
	switch s.kind {
	case KindRole:
		if s.text == "" {
			return "role=" + s.role
		}
		flag := "i"
		if s.exact {
			flag = "s"
		}
		return fmt.Sprintf("role=%s[name=%q %s]", s.role, s.text, flag)
	case KindLabel, KindPlaceholder, KindText, KindTitle, KindAltText:
		if s.exact {
			return fmt.Sprintf("%s=%q", s.kind, s.text)
		}
		return fmt.Sprintf("%s=%s", s.kind, s.text)
	case KindTestID:
		return fmt.Sprintf("testid=[%s=%q]", s.attr, s.text)
	case KindAttribute:
		return fmt.Sprintf("attr=[%s=%q]", s.attr, s.text)
	case KindStructural:
		if s.isXPath() {
			return "xpath=" + s.text
		}
		return "css=" + s.text
	case KindNth:
		return "nth=" + strconv.Itoa(s.index)
	}
	return s.kind.String()
}
