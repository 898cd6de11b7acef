// Package suite loads declarative YAML test files and compiles them into
// scheduler files.
package suite

import (
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Suite is one YAML test file.
type Suite struct {
	BeforeAll  []Step  `yaml:"beforeAll"`
	BeforeEach []Step  `yaml:"beforeEach"`
	AfterEach  []Step  `yaml:"afterEach"`
	AfterAll   []Step  `yaml:"afterAll"`
	Tests      []Test  `yaml:"tests"`
	Describe   []Group `yaml:"describe"`
}

// Group nests tests under a shared title. Tags and annotations apply to
// every test inside.
type Group struct {
	Name        string   `yaml:"name"`
	Tags        []string `yaml:"tags"`
	Annotations []string `yaml:"annotations"`
	Tests       []Test   `yaml:"tests"`
	Describe    []Group  `yaml:"describe"`
}

type Test struct {
	Name        string   `yaml:"name"`
	Tags        []string `yaml:"tags"`
	Annotations []string `yaml:"annotations"`
	Retries     *int     `yaml:"retries"`
	TimeoutMs   int      `yaml:"timeoutMs"`
	Fixtures    []string `yaml:"fixtures"`
	Steps       []Step   `yaml:"steps"`
}

// Step actions.
const (
	ActGoto        = "goto"
	ActClick       = "click"
	ActFill        = "fill"
	ActCheck       = "check"
	ActUncheck     = "uncheck"
	ActSelect      = "select"
	ActHover       = "hover"
	ActPress       = "press"
	ActUpload      = "upload"
	ActScreenshot  = "screenshot"
	ActText        = "text"
	ActAttribute   = "attribute"
	ActExpect      = "expect"
	ActSaveStorage = "saveStorage"
	ActWait        = "wait"
)

var actions = []string{
	ActGoto, ActClick, ActFill, ActCheck, ActUncheck, ActSelect, ActHover, ActPress,
	ActUpload, ActScreenshot, ActText, ActAttribute, ActExpect, ActSaveStorage, ActWait,
}

// Step is one action. The action is named by its key; the key's value is
// a locator (a strategy map or a chain of them) or a scalar argument.
type Step struct {
	Action string
	// Target is the locator chain, outermost first.
	Target []StrategySpec
	// Arg is the scalar form: a URL, a path, "page", a duration, or a CSS
	// selector for locator actions.
	Arg string

	stepFields
}

type stepFields struct {
	Value     *string  `yaml:"value"`
	Values    []string `yaml:"values"`
	Name      string   `yaml:"name"`
	Assert    string   `yaml:"assert"`
	TimeoutMs int      `yaml:"timeoutMs"`
	Not       bool     `yaml:"not"`
	Soft      bool     `yaml:"soft"`
	Count     *int     `yaml:"count"`
	// Pattern is a regular expression for toHaveText, toHaveURL and
	// toHaveTitle, used in place of value.
	Pattern string `yaml:"pattern"`
}

var fieldKeys = []string{"value", "values", "name", "assert", "timeoutMs", "not", "soft", "count", "pattern"}

// UnmarshalYAML finds the action key and decodes the remaining fields.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: step must be a mapping", node.Line)
	}
	if err := node.Decode(&s.stepFields); err != nil {
		return err
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if !slices.Contains(actions, key.Value) {
			if !slices.Contains(fieldKeys, key.Value) {
				return fmt.Errorf("line %d: unknown step key %q", key.Line, key.Value)
			}
			continue
		}
		if s.Action != "" {
			return fmt.Errorf("line %d: step has both %q and %q", key.Line, s.Action, key.Value)
		}
		s.Action = key.Value
		switch val.Kind {
		case yaml.ScalarNode:
			s.Arg = val.Value
		case yaml.MappingNode:
			var spec StrategySpec
			if err := val.Decode(&spec); err != nil {
				return err
			}
			s.Target = []StrategySpec{spec}
		case yaml.SequenceNode:
			if err := val.Decode(&s.Target); err != nil {
				return err
			}
		default:
			return fmt.Errorf("line %d: unsupported value for %q", val.Line, key.Value)
		}
	}
	if s.Action == "" {
		return fmt.Errorf("line %d: step names no action (one of %s)", node.Line, strings.Join(actions, ", "))
	}
	return nil
}

// StrategySpec is one locator strategy in YAML form. Exactly one of the
// primary keys is set; Nth may follow any of them or stand alone in a chain.
type StrategySpec struct {
	Role        string `yaml:"role"`
	Name        string `yaml:"name"`
	Label       string `yaml:"label"`
	Placeholder string `yaml:"placeholder"`
	Text        string `yaml:"text"`
	TestID      string `yaml:"testId"`
	CSS         string `yaml:"css"`
	XPath       string `yaml:"xpath"`
	Attr        string `yaml:"attr"`
	Value       string `yaml:"value"`
	Title       string `yaml:"title"`
	Alt         string `yaml:"alt"`
	Nth         *int   `yaml:"nth"`
	Exact       bool   `yaml:"exact"`
}
