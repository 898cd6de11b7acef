package action

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/neboloop/pagewright/internal/clock"
	"github.com/neboloop/pagewright/internal/driver"
	"github.com/neboloop/pagewright/internal/driver/memdriver"
	"github.com/neboloop/pagewright/internal/errs"
	"github.com/neboloop/pagewright/internal/locator"
	"github.com/neboloop/pagewright/internal/logging"
	"github.com/neboloop/pagewright/internal/metrics"
	"github.com/neboloop/pagewright/internal/session/sessiontest"
)

func newEngine(env *sessiontest.Env, timeout time.Duration) *Engine {
	return New(Options{
		ActionTimeout: timeout,
		ExpectTimeout: timeout,
		PollInterval:  100 * time.Millisecond,
		Clock:         env.Clock,
		Logger:        logging.NewNop(),
	}).WithLog(NewLog())
}

func elapsed(env *sessiontest.Env, start time.Time) time.Duration {
	return env.Clock.Now().Sub(start)
}

func TestClickWaitsForVisibility(t *testing.T) {
	env := sessiontest.Open(t, `<body><button id="go" hidden>Go</button></body>`, memdriver.Mutation{
		After: 400 * time.Millisecond,
		Apply: func(doc *goquery.Document) { doc.Find("#go").RemoveAttr("hidden") },
	})
	e := newEngine(env, time.Second)
	start := env.Clock.Now()

	res, err := e.Do(context.Background(), Request{Kind: Click, Target: locator.New(env.Page, locator.ByRole("button", locator.Name("Go")))})
	require.NoError(t, err)

	assert.Equal(t, 5, res.Polls, "hidden on polls 1-4, visible on poll 5")
	assert.Equal(t, 400*time.Millisecond, elapsed(env, start))
	assert.Equal(t, 1, env.Driver.CountCalls(driver.CmdDispatch))

	entries := e.Log().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "click", entries[0].Kind)
	assert.Equal(t, 5, entries[0].Polls)
	assert.Empty(t, entries[0].Error)
}

func TestCoveredElementTimesOut(t *testing.T) {
	env := sessiontest.Open(t, `<body>
		<button data-box="0,0,100,40">Submit</button>
		<div data-box="0,0,800,600" data-z="10">Loading</div>
	</body>`)
	e := newEngine(env, 500*time.Millisecond)
	start := env.Clock.Now()

	_, err := e.Do(context.Background(), Request{Kind: Click, Target: locator.New(env.Page, locator.ByRole("button"))})
	require.Error(t, err)

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StateReceivesEvents, te.LastState)
	assert.Equal(t, 6, te.Polls)
	assert.Equal(t, 500*time.Millisecond, elapsed(env, start))
	assert.Equal(t, errs.ActionTimeout, errs.CodeOf(err))
	assert.True(t, errs.Retryable(err))
	assert.Contains(t, err.Error(), "covered by another element")
	assert.Zero(t, env.Driver.CountCalls(driver.CmdDispatch), "nothing dispatched on timeout")

	entries := e.Log().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "receives_events", entries[0].LastState)
	assert.Equal(t, errs.ActionTimeout, entries[0].Code)
}

func TestAmbiguousFailsImmediately(t *testing.T) {
	env := sessiontest.Open(t, `<body><button>Save</button><button>Save</button></body>`)
	e := newEngine(env, 5*time.Second)
	start := env.Clock.Now()

	err := e.Click(context.Background(), locator.New(env.Page, locator.ByText("Save")))
	var amb *locator.AmbiguousError
	require.True(t, errors.As(err, &amb))
	assert.Equal(t, 2, amb.Count)
	assert.Zero(t, elapsed(env, start), "no polling on ambiguity")
	assert.Zero(t, env.Driver.CountCalls(driver.CmdDispatch))
	assert.False(t, errs.Retryable(err))
}

func TestWaitsForAnimationToSettle(t *testing.T) {
	env := sessiontest.Open(t, `<body>
		<button data-box="0,0,100,20" data-animate="10,0" data-animate-frames="3">Slide</button>
	</body>`)
	e := newEngine(env, time.Second)

	res, err := e.Do(context.Background(), Request{Kind: Hover, Target: locator.New(env.Page, locator.ByRole("button"))})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Polls, "box moves for three frames")

	hovered, ok, err := e.Attribute(context.Background(), locator.New(env.Page, locator.ByRole("button")), "data-hovered")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "true", hovered)
}

func TestWaitsForEnabled(t *testing.T) {
	env := sessiontest.Open(t, `<body><button id="b" disabled data-onclick="text:#out=done">Pay</button><p id="out"></p></body>`,
		memdriver.Mutation{After: 250 * time.Millisecond, Apply: func(doc *goquery.Document) { doc.Find("#b").RemoveAttr("disabled") }},
	)
	e := newEngine(env, time.Second)
	ctx := context.Background()

	require.NoError(t, e.Click(ctx, locator.New(env.Page, locator.ByRole("button", locator.Name("Pay")))))
	text, err := e.Text(ctx, locator.New(env.Page, locator.ByCSS("#out")))
	require.NoError(t, err)
	assert.Equal(t, "done", text)
}

func TestFillRequiresEditable(t *testing.T) {
	env := sessiontest.Open(t, `<body><input aria-label="Name" readonly><input aria-label="City"></body>`)
	e := newEngine(env, 300*time.Millisecond)
	ctx := context.Background()

	err := e.Fill(ctx, locator.New(env.Page, locator.ByLabel("Name")), "Ada")
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StateEditable, te.LastState)

	city := locator.New(env.Page, locator.ByLabel("City"))
	require.NoError(t, e.Fill(ctx, city, "Paris"))
	require.NoError(t, e.Expect(city).ToHaveValue(ctx, "Paris"))
}

func TestCheckIsIdempotent(t *testing.T) {
	env := sessiontest.Open(t, `<body><input type="checkbox" aria-label="Terms" checked><button>Not a box</button></body>`)
	e := newEngine(env, 300*time.Millisecond)
	ctx := context.Background()
	terms := locator.New(env.Page, locator.ByLabel("Terms"))

	require.NoError(t, e.Check(ctx, terms))
	assert.Zero(t, env.Driver.CountCalls(driver.CmdDispatch), "already checked")

	require.NoError(t, e.Uncheck(ctx, terms))
	assert.Equal(t, 1, env.Driver.CountCalls(driver.CmdDispatch))
	checked, err := e.IsChecked(ctx, terms)
	require.NoError(t, err)
	assert.False(t, checked)

	err = e.Check(ctx, locator.New(env.Page, locator.ByRole("button")))
	assert.True(t, errs.Is(err, errs.InvalidArgument))
}

func TestSelectPressAndUpload(t *testing.T) {
	env := sessiontest.Open(t, `<body>
		<select aria-label="Size"><option value="s">Small</option><option value="l">Large</option></select>
		<input aria-label="Search" data-onenter="show:#results"><ul id="results" hidden><li>one</li></ul>
		<input type="file" aria-label="Avatar">
	</body>`)
	e := newEngine(env, 300*time.Millisecond)
	ctx := context.Background()

	got, err := e.SelectOption(ctx, locator.New(env.Page, locator.ByLabel("Size")), "Large")
	require.NoError(t, err)
	assert.Equal(t, []string{"l"}, got)

	results := locator.New(env.Page, locator.ByCSS("#results"))
	visible, err := e.IsVisible(ctx, results)
	require.NoError(t, err)
	assert.False(t, visible)
	require.NoError(t, e.Press(ctx, locator.New(env.Page, locator.ByLabel("Search")), "Enter"))
	require.NoError(t, e.Expect(results).ToBeVisible(ctx))

	file := filepath.Join(t.TempDir(), "me.png")
	require.NoError(t, os.WriteFile(file, []byte("png"), 0o600))
	avatar := locator.New(env.Page, locator.ByLabel("Avatar"))
	require.NoError(t, e.Upload(ctx, avatar, file))
	require.NoError(t, e.Expect(avatar).ToHaveAttribute(ctx, "data-files", "me.png"))

	err = e.Upload(ctx, avatar, filepath.Join(t.TempDir(), "missing.png"))
	assert.True(t, errs.Is(err, errs.InvalidArgument))
	err = e.Press(ctx, avatar, "")
	assert.True(t, errs.Is(err, errs.InvalidArgument))
}

func TestScreenshotReturnsPNG(t *testing.T) {
	env := sessiontest.Open(t, `<body><img alt="Logo" data-box="0,0,64,32"></body>`)
	e := newEngine(env, 300*time.Millisecond)

	data, err := e.Screenshot(context.Background(), locator.New(env.Page, locator.ByAltText("Logo")))
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(data[:4]))
}

func TestDetachedBetweenPollsKeepsWaiting(t *testing.T) {
	env := sessiontest.Open(t, `<body><div id="slot"><button>Old</button></div></body>`,
		memdriver.Mutation{After: 100 * time.Millisecond, Apply: func(doc *goquery.Document) { doc.Find("#slot button").Remove() }},
		memdriver.Mutation{After: 300 * time.Millisecond, Apply: func(doc *goquery.Document) {
			doc.Find("#slot").AppendHtml(`<button>New</button>`)
		}},
	)
	e := newEngine(env, time.Second)
	btn := locator.New(env.Page, locator.ByCSS("#slot")).Within(locator.ByRole("button"))

	first, err := btn.Resolve(context.Background())
	require.NoError(t, err)
	env.Clock.Advance(100 * time.Millisecond)

	res, err := e.Do(context.Background(), Request{Kind: GetText, Target: btn})
	require.NoError(t, err)
	assert.Equal(t, "New", res.Value)
	second, err := btn.Resolve(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID, "the element was replaced")
}

func TestContextCancelInterruptsPolling(t *testing.T) {
	env := sessiontest.Open(t, `<body></body>`)
	e := newEngine(env, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Click(ctx, locator.New(env.Page, locator.ByRole("button")))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClockDeadlineInterruptsPolling(t *testing.T) {
	env := sessiontest.Open(t, `<body><button hidden>Go</button></body>`)
	e := newEngine(env, time.Minute)
	start := env.Clock.Now()
	timeout := errs.New(errs.TestTimeout, "test timeout of 250ms exceeded")
	ctx, cancel := clock.WithDeadline(context.Background(), env.Clock, start.Add(250*time.Millisecond), timeout)
	defer cancel()

	err := e.Click(ctx, locator.New(env.Page, locator.ByRole("button")))
	var ie *InterruptedError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, StateVisible, ie.LastState)
	assert.ErrorIs(t, err, timeout)
	assert.Equal(t, errs.TestTimeout, errs.CodeOf(err))
	assert.Equal(t, 250*time.Millisecond, elapsed(env, start))
	assert.Zero(t, env.Driver.CountCalls(driver.CmdDispatch))

	err = e.Expect(locator.New(env.Page, locator.ByRole("button"))).ToBeVisible(ctx)
	assert.True(t, errs.Is(err, errs.TestTimeout), "expired deadline stops assertions before the first poll")
}

func TestChannelLossIsNotPolled(t *testing.T) {
	env := sessiontest.Open(t, `<body><button>Go</button></body>`)
	e := newEngine(env, time.Second)
	env.Driver.Sever(errors.New("browser crashed"))
	start := env.Clock.Now()

	err := e.Click(context.Background(), locator.New(env.Page, locator.ByRole("button")))
	assert.True(t, errs.WorkerFatal(err))
	assert.Zero(t, elapsed(env, start))
}

func TestActionMetrics(t *testing.T) {
	env := sessiontest.Open(t, `<body><button>Go</button></body>`)
	m := metrics.New(prometheus.NewRegistry())
	e := New(Options{Clock: env.Clock, Logger: logging.NewNop(), Metrics: m, ActionTimeout: 200 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, e.Click(ctx, locator.New(env.Page, locator.ByRole("button"))))
	_ = e.Click(ctx, locator.New(env.Page, locator.ByRole("link")))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Actions.WithLabelValues("click", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Actions.WithLabelValues("click", string(errs.ActionTimeout))))
}

func TestPreconditionTable(t *testing.T) {
	assert.Equal(t, []State{StateAttached}, Preconditions(GetText))
	assert.Equal(t, []State{StateAttached, StateVisible, StateEnabled}, Preconditions(Press))
	fill := Preconditions(Fill)
	assert.Equal(t, StateEditable, fill[len(fill)-1])
	fill[0] = StateReady
	assert.Equal(t, StateAttached, Preconditions(Fill)[0], "callers get a copy")
	assert.False(t, GetAttribute.Mutating())
	assert.True(t, Upload.Mutating())
}

// A target that never becomes ready times out with exactly
// floor(timeout/interval)+1 polls (one more when the interval does not divide
// the budget), never overshoots the deadline and never dispatches input.
func TestNeverReadyNeverDispatches(t *testing.T) {
	env := sessiontest.Open(t, `<body><select disabled aria-label="x"></select><input disabled aria-label="x" type="checkbox"></body>`)
	target := locator.New(env.Page, locator.ByCSS("input"))

	rapid.Check(t, func(t *rapid.T) {
		budget := time.Duration(rapid.IntRange(1, 40).Draw(t, "budget")) * 50 * time.Millisecond
		interval := time.Duration(rapid.IntRange(1, 10).Draw(t, "interval")) * 30 * time.Millisecond
		kind := rapid.SampledFrom([]Kind{Click, Fill, Check, Uncheck, SelectOption}).Draw(t, "kind")

		e := New(Options{Clock: env.Clock, Logger: logging.NewNop(), ActionTimeout: budget, PollInterval: interval})
		dispatched := env.Driver.CountCalls(driver.CmdDispatch)
		start := env.Clock.Now()

		_, err := e.Do(context.Background(), Request{Kind: kind, Target: target, Value: "v", Values: []string{"v"}})
		var te *TimeoutError
		if !errors.As(err, &te) {
			t.Fatalf("want timeout, got %v", err)
		}
		if te.LastState != StateEnabled {
			t.Fatalf("blocked on %s, want enabled", te.LastState)
		}
		if got := env.Clock.Now().Sub(start); got != budget {
			t.Fatalf("elapsed %s, want %s", got, budget)
		}
		want := int(budget/interval) + 1
		if budget%interval != 0 {
			want++
		}
		if te.Polls != want {
			t.Fatalf("polls %d, want %d", te.Polls, want)
		}
		if n := env.Driver.CountCalls(driver.CmdDispatch); n != dispatched {
			t.Fatalf("%d dispatches", n-dispatched)
		}
	})
}
