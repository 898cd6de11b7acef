package suite

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/neboloop/pagewright/internal/clock"
	"github.com/neboloop/pagewright/internal/driver"
	"github.com/neboloop/pagewright/internal/driver/memdriver"
	"github.com/neboloop/pagewright/internal/errs"
	"github.com/neboloop/pagewright/internal/locator"
	"github.com/neboloop/pagewright/internal/logging"
	"github.com/neboloop/pagewright/internal/report"
	"github.com/neboloop/pagewright/internal/scheduler"
	"github.com/neboloop/pagewright/internal/session"
)

const loginSuite = `
beforeEach:
  - goto: /login
tests:
  - name: signs in
    tags: ["@smoke"]
    retries: 1
    timeoutMs: 5000
    steps:
      - fill: {label: Username}
        value: alice
      - fill: {label: Password}
        value: secret
      - click: {role: button, name: Sign in}
      - expect: page
        assert: toHaveURL
        value: /home
      - expect: {role: heading}
        assert: toHaveText
        value: Welcome
      - expect: page
        assert: toHaveTitle
        pattern: ^Ho
      - expect: page
        assert: toHaveURL
        pattern: /home$
      - expect: {role: heading}
        assert: toHaveText
        pattern: "(?i)^welcome$"
      - expect: [{css: nav}, {testId: badge}]
        assert: toHaveText
        value: "3"
      - attribute: {role: link, name: Logout}
        name: href
        value: /login
      - saveStorage: STORAGE
      - screenshot: page
        value: SHOT
describe:
  - name: form
    tags: ["@form"]
    annotations: [slow]
    tests:
      - name: keeps going after a soft failure
        steps:
          - expect: {text: Nope}
            assert: toBeVisible
            soft: true
          - fill: {label: Username}
            value: bob
          - expect: {label: Username}
            assert: toHaveValue
            value: bob
    describe:
      - name: skipped
        tests:
          - name: later
            annotations: [fixme]
            steps:
              - wait: 10
`

const loginHTML = `<html><head><title>Login</title></head><body>
  <label for="u">Username</label><input id="u">
  <label for="p">Password</label><input id="p" type="password">
  <button data-onclick="cookie:session=abc;goto:/home">Sign in</button>
</body></html>`

const homeHTML = `<html><head><title>Home</title></head><body>
  <h1>Welcome</h1>
  <nav><span data-testid="badge">3</span></nav>
  <aside><span data-testid="badge">9</span></aside>
  <a href="/login">Logout</a>
</body></html>`

func TestParseSuite(t *testing.T) {
	s, err := Parse([]byte(loginSuite))
	require.NoError(t, err)

	require.Len(t, s.BeforeEach, 1)
	assert.Equal(t, ActGoto, s.BeforeEach[0].Action)
	assert.Equal(t, "/login", s.BeforeEach[0].Arg)

	require.Len(t, s.Tests, 1)
	test := s.Tests[0]
	assert.Equal(t, "signs in", test.Name)
	require.NotNil(t, test.Retries)
	assert.Equal(t, 1, *test.Retries)

	fill := test.Steps[0]
	assert.Equal(t, ActFill, fill.Action)
	assert.Equal(t, []StrategySpec{{Label: "Username"}}, fill.Target)
	require.NotNil(t, fill.Value)
	assert.Equal(t, "alice", *fill.Value)

	click := test.Steps[2]
	assert.Equal(t, []StrategySpec{{Role: "button", Name: "Sign in"}}, click.Target)

	titled := test.Steps[5]
	assert.Equal(t, "^Ho", titled.Pattern)
	assert.Nil(t, titled.Value)

	chained := test.Steps[8]
	assert.Equal(t, []StrategySpec{{CSS: "nav"}, {TestID: "badge"}}, chained.Target)
	assert.Equal(t, "toHaveText", chained.Assert)

	attr := test.Steps[9]
	assert.Equal(t, "href", attr.Name)

	require.Len(t, s.Describe, 1)
	assert.Equal(t, "form", s.Describe[0].Name)
	assert.True(t, s.Describe[0].Tests[0].Steps[0].Soft)
	assert.Equal(t, "skipped", s.Describe[0].Describe[0].Name)
}

func TestParseRejectsMalformedSteps(t *testing.T) {
	cases := map[string]string{
		"unknown step key": "tests:\n  - name: x\n    steps:\n      - click: {css: a}\n        vaule: 1\n",
		"two actions":      "tests:\n  - name: x\n    steps:\n      - click: {css: a}\n        hover: {css: b}\n",
		"no action":        "tests:\n  - name: x\n    steps:\n      - value: 1\n",
		"scalar step":      "tests:\n  - name: x\n    steps:\n      - click\n",
		"unknown top key":  "tset:\n  - name: x\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
		})
	}
}

func TestParseEmptyFile(t *testing.T) {
	s, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, s.Tests)
}

func TestCompileRejectsInvalidSuites(t *testing.T) {
	cases := map[string]string{
		"unnamed test":        "tests:\n  - steps: []\n",
		"unknown annotation":  "tests:\n  - name: x\n    annotations: [flaky]\n",
		"unknown fixture":     "tests:\n  - name: x\n    fixtures: [db]\n",
		"negative retries":    "tests:\n  - name: x\n    retries: -1\n",
		"two strategies":      "tests:\n  - name: x\n    steps:\n      - click: {css: a, text: b}\n",
		"empty locator":       "tests:\n  - name: x\n    steps:\n      - click: {exact: true}\n",
		"name without role":   "tests:\n  - name: x\n    steps:\n      - click: {text: a, name: b}\n",
		"fill without value":  "tests:\n  - name: x\n    steps:\n      - fill: {css: input}\n",
		"press without key":   "tests:\n  - name: x\n    steps:\n      - press: {css: input}\n",
		"unknown matcher":     "tests:\n  - name: x\n    steps:\n      - expect: {css: a}\n        assert: toBeShiny\n",
		"count without count": "tests:\n  - name: x\n    steps:\n      - expect: {css: a}\n        assert: toHaveCount\n",
		"page matcher":        "tests:\n  - name: x\n    steps:\n      - expect: page\n        assert: toBeVisible\n",
		"bad pattern":         "tests:\n  - name: x\n    steps:\n      - expect: page\n        assert: toHaveTitle\n        pattern: \"(\"\n",
		"pattern and value":   "tests:\n  - name: x\n    steps:\n      - expect: {css: a}\n        assert: toHaveText\n        value: a\n        pattern: a\n",
		"pattern on value":    "tests:\n  - name: x\n    steps:\n      - expect: {css: a}\n        assert: toHaveValue\n        pattern: a\n",
		"bad wait":            "tests:\n  - name: x\n    steps:\n      - wait: soon\n",
		"goto without url":    "tests:\n  - name: x\n    steps:\n      - goto: {css: a}\n",
		"hook error":          "beforeAll:\n  - attribute: {css: a}\n",
		"unnamed describe":    "describe:\n  - tests: []\n    describe:\n      - tests: []\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			s, err := Parse([]byte(doc))
			require.NoError(t, err)
			_, err = Compile("bad.yaml", ".", s)
			require.Error(t, err)
			assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
			assert.Contains(t, err.Error(), "bad.yaml")
		})
	}
}

func TestCompileTitlesAndInheritance(t *testing.T) {
	s, err := Parse([]byte(loginSuite))
	require.NoError(t, err)
	f, err := Compile("auth/login.yaml", ".", s)
	require.NoError(t, err)

	assert.Equal(t, "auth/login.yaml", f.Path)
	assert.NotNil(t, f.BeforeEach)
	assert.Nil(t, f.BeforeAll)
	require.Len(t, f.Units, 3)

	first := f.Units[0]
	assert.Equal(t, []string{"signs in"}, first.TitlePath)
	assert.Equal(t, []string{"@smoke"}, first.Tags)
	assert.Equal(t, 5*time.Second, first.Timeout)
	require.NotNil(t, first.Retries)

	soft := f.Units[1]
	assert.Equal(t, []string{"form", "keeps going after a soft failure"}, soft.TitlePath)
	assert.Equal(t, []string{"@form"}, soft.Tags)
	assert.Equal(t, []scheduler.Annotation{scheduler.AnnotationSlow}, soft.Annotations)

	nested := f.Units[2]
	assert.Equal(t, []string{"form", "skipped", "later"}, nested.TitlePath)
	assert.Equal(t, []scheduler.Annotation{scheduler.AnnotationSlow, scheduler.AnnotationFixme}, nested.Annotations)
}

func TestSuiteRunsOnScheduler(t *testing.T) {
	dir := t.TempDir()
	storage := filepath.Join(dir, ".auth", "user.json")
	shot := filepath.Join(dir, "shots", "home.png")
	doc := strings.NewReplacer("STORAGE", storage, "SHOT", shot).Replace(loginSuite)

	s, err := Parse([]byte(doc))
	require.NoError(t, err)
	f, err := Compile("login.yaml", dir, s)
	require.NoError(t, err)

	clk := clock.NewVirtual(time.Unix(1_700_000_000, 0))
	sched, err := scheduler.New(scheduler.Options{
		Launcher: func(context.Context) (driver.Driver, error) {
			return memdriver.New(memdriver.Options{Clock: clk, Site: map[string]memdriver.Page{
				"https://app.test/login": {HTML: loginHTML},
				"https://app.test/home":  {HTML: homeHTML},
			}}), nil
		},
		Projects:      []scheduler.Project{{Context: session.ContextOptions{BaseURL: "https://app.test"}}},
		ActionTimeout: 500 * time.Millisecond,
		ExpectTimeout: 500 * time.Millisecond,
		PollInterval:  100 * time.Millisecond,
		Clock:         clk,
		Logger:        logging.NewNop(),
	})
	require.NoError(t, err)
	run, err := sched.Run(context.Background(), []*scheduler.File{f})
	require.NoError(t, err)
	require.Len(t, run.Results, 3)

	signIn := run.Results[0]
	require.Equal(t, report.Passed, signIn.Classification, signIn.Final().Error)
	assert.FileExists(t, storage)
	assert.FileExists(t, shot)
	stored, err := session.LoadSnapshot(storage)
	require.NoError(t, err)
	require.Len(t, stored.Cookies(), 1)
	assert.Equal(t, "session", stored.Cookies()[0].Name)

	soft := run.Results[1]
	assert.Equal(t, report.Failed, soft.Classification)
	require.Len(t, soft.Attempts, 1)
	final := soft.Final()
	assert.Equal(t, errs.Assertion, final.ErrorCode)
	require.Len(t, final.SoftErrors, 1)
	assert.Contains(t, final.SoftErrors[0], "step 1 (expect)")
	var kinds []string
	for _, st := range final.Steps {
		kinds = append(kinds, st.Kind)
	}
	assert.Contains(t, kinds, "fill", "steps after the soft failure still ran")

	assert.Equal(t, report.Skipped, run.Results[2].Classification)
}

func TestStrictLocatorFailsStep(t *testing.T) {
	s, err := Parse([]byte("tests:\n  - name: x\n    steps:\n      - goto: https://app.test/home\n      - text: {testId: badge}\n"))
	require.NoError(t, err)
	f, err := Compile("strict.yaml", ".", s)
	require.NoError(t, err)

	clk := clock.NewVirtual(time.Unix(0, 0))
	sched, err := scheduler.New(scheduler.Options{
		Launcher: func(context.Context) (driver.Driver, error) {
			return memdriver.New(memdriver.Options{Clock: clk, Site: map[string]memdriver.Page{"https://app.test/home": {HTML: homeHTML}}}), nil
		},
		Retries: 2,
		Clock:   clk,
		Logger:  logging.NewNop(),
	})
	require.NoError(t, err)
	run, err := sched.Run(context.Background(), []*scheduler.File{f})
	require.NoError(t, err)

	res := run.Results[0]
	assert.Equal(t, report.Failed, res.Classification)
	require.Len(t, res.Attempts, 1, "ambiguity is not retried")
	assert.Equal(t, errs.AmbiguousLocator, res.Attempts[0].ErrorCode)
	assert.Contains(t, res.Attempts[0].Error, "step 2 (text)")
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, body string) {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	write("b.yaml", "tests:\n  - name: b\n")
	write("a/nested.yml", "tests:\n  - name: n\n")
	write("notes.md", "# not a suite")

	files, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a/nested.yml", files[0].Path)
	assert.Equal(t, "b.yaml", files[1].Path)

	ids, err := scheduler.Collect(files, nil, scheduler.Filter{}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/nested.yml::n", "b.yaml::b"}, ids)

	files, err = LoadPaths(dir, []string{filepath.Join(dir, "b.yaml")})
	require.NoError(t, err)
	require.Len(t, files, 1)

	write("broken.yaml", "tests: [")
	_, err = LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")
}

func TestWatcherReportsChangedSuites(t *testing.T) {
	dir := t.TempDir()
	changed := make(chan []string, 4)
	w := NewWatcher(dir, func(paths []string) { changed <- paths })
	w.debounce = 20 * time.Millisecond
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	path := filepath.Join(dir, "login.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tests: []\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0o644))

	select {
	case paths := <-changed:
		assert.Equal(t, []string{path}, paths)
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
}

func TestParseWait(t *testing.T) {
	d, err := parseWait("250")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	d, err = parseWait("1.5s")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	for _, bad := range []string{"", "-5", "-1s", "later"} {
		_, err := parseWait(bad)
		assert.Error(t, err, bad)
	}
}

func TestSingleStrategySpecsConvert(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		text := rapid.StringMatching(`[A-Za-z][A-Za-z ]{0,12}`).Draw(rt, "text")
		var spec StrategySpec
		switch rapid.IntRange(0, 9).Draw(rt, "kind") {
		case 0:
			spec = StrategySpec{Role: "button", Name: text}
		case 1:
			spec = StrategySpec{Label: text}
		case 2:
			spec = StrategySpec{Placeholder: text}
		case 3:
			spec = StrategySpec{Text: text}
		case 4:
			spec = StrategySpec{TestID: text}
		case 5:
			spec = StrategySpec{CSS: "div"}
		case 6:
			spec = StrategySpec{XPath: "//div"}
		case 7:
			spec = StrategySpec{Attr: "data-x", Value: text}
		case 8:
			spec = StrategySpec{Title: text}
		case 9:
			spec = StrategySpec{Alt: text}
		}
		want := 1
		if rapid.Bool().Draw(rt, "nth") {
			n := rapid.IntRange(-3, 3).Draw(rt, "index")
			spec.Nth = &n
			want = 2
		}
		if err := spec.validate(); err != nil {
			rt.Fatalf("validate %+v: %v", spec, err)
		}
		got := spec.strategies("data-qa")
		if len(got) != want {
			rt.Fatalf("got %d strategies, want %d", len(got), want)
		}
		if want == 2 && got[1].Kind() != locator.KindNth {
			rt.Fatalf("second strategy is %s, want nth", got[1].Kind())
		}
	})
}
