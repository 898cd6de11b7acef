package suite

import (
	"fmt"
	"strings"

	"github.com/neboloop/pagewright/internal/locator"
)

// primary lists the keys that pick a strategy kind.
func (s StrategySpec) primary() []string {
	var keys []string
	for _, kv := range []struct {
		key string
		set bool
	}{
		{"role", s.Role != ""},
		{"label", s.Label != ""},
		{"placeholder", s.Placeholder != ""},
		{"text", s.Text != ""},
		{"testId", s.TestID != ""},
		{"css", s.CSS != ""},
		{"xpath", s.XPath != ""},
		{"attr", s.Attr != ""},
		{"title", s.Title != ""},
		{"alt", s.Alt != ""},
	} {
		if kv.set {
			keys = append(keys, kv.key)
		}
	}
	return keys
}

func (s StrategySpec) validate() error {
	keys := s.primary()
	switch {
	case len(keys) > 1:
		return fmt.Errorf("locator sets %s; pick one", strings.Join(keys, " and "))
	case len(keys) == 0 && s.Nth == nil:
		return fmt.Errorf("locator sets no strategy")
	case s.Name != "" && s.Role == "":
		return fmt.Errorf("name is only valid with role")
	case s.Value != "" && s.Attr == "":
		return fmt.Errorf("value is only valid with attr")
	}
	return nil
}

// strategies converts the spec; testIDAttr is the project's test id attribute.
func (s StrategySpec) strategies(testIDAttr string) []locator.Strategy {
	var opts []locator.Option
	if s.Exact {
		opts = append(opts, locator.Exact())
	}
	var out []locator.Strategy
	switch {
	case s.Role != "":
		if s.Name != "" {
			opts = append(opts, locator.Name(s.Name))
		}
		out = append(out, locator.ByRole(s.Role, opts...))
	case s.Label != "":
		out = append(out, locator.ByLabel(s.Label, opts...))
	case s.Placeholder != "":
		out = append(out, locator.ByPlaceholder(s.Placeholder, opts...))
	case s.Text != "":
		out = append(out, locator.ByText(s.Text, opts...))
	case s.TestID != "":
		out = append(out, locator.ByTestIDAttr(testIDAttr, s.TestID))
	case s.CSS != "":
		out = append(out, locator.ByCSS(s.CSS))
	case s.XPath != "":
		out = append(out, locator.ByXPath(s.XPath))
	case s.Attr != "":
		out = append(out, locator.ByAttr(s.Attr, s.Value))
	case s.Title != "":
		out = append(out, locator.ByTitle(s.Title, opts...))
	case s.Alt != "":
		out = append(out, locator.ByAltText(s.Alt, opts...))
	}
	if s.Nth != nil {
		out = append(out, locator.Nth(*s.Nth))
	}
	return out
}

// chain flattens a target into one strategy chain.
func chain(specs []StrategySpec, testIDAttr string) []locator.Strategy {
	var out []locator.Strategy
	for _, s := range specs {
		out = append(out, s.strategies(testIDAttr)...)
	}
	return out
}
