package scheduler

import (
	"slices"
	"strings"
	"time"

	"github.com/neboloop/pagewright/internal/session"
)

// Body is a test body or hook.
type Body func(t *T) error

// Annotation marks a unit for special handling at collection.
type Annotation string

const (
	AnnotationSkip  Annotation = "skip"
	AnnotationFixme Annotation = "fixme"
	AnnotationSlow  Annotation = "slow"
	AnnotationOnly  Annotation = "only"
)

// Fixture names what the scheduler sets up before the body runs.
type Fixture string

const (
	// FixturePage opens a Context and one Page. It is the default.
	FixturePage Fixture = "page"
	// FixtureContext opens a Context without a Page.
	FixtureContext Fixture = "context"
	// FixtureBrowser only provides the worker's BrowserProcess.
	FixtureBrowser Fixture = "browser"
)

// Unit is one test.
type Unit struct {
	ID          string
	File        string
	TitlePath   []string
	Tags        []string
	Annotations []Annotation
	Fixtures    []Fixture
	// Retries overrides Options.Retries when set.
	Retries *int
	// Timeout overrides Options.TestTimeout when positive.
	Timeout time.Duration
	Project string
	Body    Body
}

// Title is the last element of the title path.
func (u *Unit) Title() string {
	if len(u.TitlePath) == 0 {
		return ""
	}
	return u.TitlePath[len(u.TitlePath)-1]
}

// Has reports whether the unit carries annotation a.
func (u *Unit) Has(a Annotation) bool {
	return slices.Contains(u.Annotations, a)
}

func (u *Unit) fixture() Fixture {
	switch {
	case slices.Contains(u.Fixtures, FixtureBrowser) && !slices.Contains(u.Fixtures, FixturePage) && !slices.Contains(u.Fixtures, FixtureContext):
		return FixtureBrowser
	case slices.Contains(u.Fixtures, FixtureContext) && !slices.Contains(u.Fixtures, FixturePage):
		return FixtureContext
	}
	return FixturePage
}

// grepText is what grep patterns match against.
func (u *Unit) grepText() string {
	parts := append([]string{u.File}, u.TitlePath...)
	parts = append(parts, u.Tags...)
	return strings.Join(parts, " ")
}

func (u *Unit) clone() *Unit {
	c := *u
	c.TitlePath = slices.Clone(u.TitlePath)
	c.Tags = slices.Clone(u.Tags)
	c.Annotations = slices.Clone(u.Annotations)
	c.Fixtures = slices.Clone(u.Fixtures)
	if u.Retries != nil {
		r := *u.Retries
		c.Retries = &r
	}
	return &c
}

// File groups units with their hooks. A file is the default unit of
// dispatch: its units run in order on one worker.
type File struct {
	Path       string
	BeforeAll  Body
	BeforeEach Body
	AfterEach  Body
	AfterAll   Body
	Units      []*Unit
}

// Project repeats the collected files with its own context options.
type Project struct {
	Name    string
	Context session.ContextOptions
	// Storage seeds every Context opened for this project.
	Storage *session.StorageSnapshot
	// Screenshot is off, on, or only-on-failure.
	Screenshot      string
	TestIDAttribute string
}
