package action

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/pagewright/internal/driver/memdriver"
	"github.com/neboloop/pagewright/internal/errs"
	"github.com/neboloop/pagewright/internal/locator"
	"github.com/neboloop/pagewright/internal/session/sessiontest"
)

const listHTML = `<html><head><title>Inbox</title></head><body>
  <ul><li>one</li><li>two</li></ul>
  <a href="/archive">Archive</a>
  <p id="status">Loading   messages</p>
</body></html>`

func TestExpectEventuallyHolds(t *testing.T) {
	env := sessiontest.Open(t, listHTML, memdriver.Mutation{
		After: 300 * time.Millisecond,
		Apply: func(doc *goquery.Document) {
			doc.Find("ul").AppendHtml("<li>three</li>")
			doc.Find("#status").SetText("Done")
		},
	})
	e := newEngine(env, time.Second)
	ctx := context.Background()
	items := locator.New(env.Page, locator.ByRole("listitem"))

	require.NoError(t, e.Expect(items).ToHaveCount(ctx, 3))
	require.NoError(t, e.Expect(locator.New(env.Page, locator.ByCSS("#status"))).ToHaveText(ctx, "Done"))
	assert.Equal(t, 300*time.Millisecond, env.Clock.Now().Sub(time.Unix(1_700_000_000, 0)))
}

func TestExpectFailureReportsReceived(t *testing.T) {
	env := sessiontest.Open(t, listHTML)
	e := newEngine(env, 500*time.Millisecond)
	ctx := context.Background()
	status := locator.New(env.Page, locator.ByCSS("#status"))

	err := e.Expect(status).ToHaveText(ctx, "Done")
	var ae *AssertionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, `"Loading messages"`, ae.Received)
	assert.Equal(t, 6, ae.Polls)
	assert.Equal(t, errs.Assertion, errs.CodeOf(err))
	assert.False(t, errs.Retryable(err))
	assert.Contains(t, err.Error(), `expect(css=#status).toHaveText()`)

	require.NoError(t, e.Expect(status).ToContainText(ctx, "LOADING"))

	err = e.Expect(status).Not().ToContainText(ctx, "loading")
	require.True(t, errors.As(err, &ae))
	assert.True(t, ae.Not)
	assert.Contains(t, err.Error(), ".not.toContainText()")
}

func TestExpectMissingElement(t *testing.T) {
	env := sessiontest.Open(t, listHTML)
	e := newEngine(env, 200*time.Millisecond)
	ctx := context.Background()
	dialog := locator.New(env.Page, locator.ByRole("dialog"))

	require.NoError(t, e.Expect(dialog).ToBeHidden(ctx))
	require.NoError(t, e.Expect(dialog).Not().ToBeVisible(ctx))

	err := e.Expect(dialog).ToBeVisible(ctx)
	var ae *AssertionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "<element not found>", ae.Received)
}

func TestExpectIsStrict(t *testing.T) {
	env := sessiontest.Open(t, listHTML)
	e := newEngine(env, time.Second)
	start := env.Clock.Now()

	err := e.Expect(locator.New(env.Page, locator.ByRole("listitem"))).ToBeVisible(context.Background())
	assert.True(t, errs.Is(err, errs.AmbiguousLocator))
	assert.Zero(t, env.Clock.Now().Sub(start))
}

func TestExpectPage(t *testing.T) {
	env := sessiontest.Open(t, listHTML)
	env.Driver.Serve("https://app.test/archive", memdriver.Page{HTML: `<title>Archive</title><body>old mail</body>`})
	e := newEngine(env, 300*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, e.ExpectPage(env.Page).ToHaveTitle(ctx, "Inbox"))
	require.NoError(t, e.Click(ctx, locator.New(env.Page, locator.ByRole("link", locator.Name("Archive")))))

	require.NoError(t, e.ExpectPage(env.Page).ToHaveURL(ctx, "/archive"))
	require.NoError(t, e.ExpectPage(env.Page).ToHaveURL(ctx, "https://app.test/archive"))
	require.NoError(t, e.ExpectPage(env.Page).Not().ToHaveTitle(ctx, "Inbox"))

	err := e.ExpectPage(env.Page).WithTimeout(100*time.Millisecond).ToHaveURL(ctx, "/inbox")
	var ae *AssertionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, 100*time.Millisecond, ae.Timeout)
	assert.Equal(t, `"https://app.test/archive"`, ae.Received)
}

func TestExpectMatching(t *testing.T) {
	env := sessiontest.Open(t, listHTML)
	e := newEngine(env, 200*time.Millisecond)
	ctx := context.Background()
	status := locator.New(env.Page, locator.ByCSS("#status"))

	require.NoError(t, e.Expect(status).ToHaveTextMatching(ctx, regexp.MustCompile(`^Loading \w+$`)))
	require.NoError(t, e.ExpectPage(env.Page).ToHaveURLMatching(ctx, regexp.MustCompile(`^https://app\.test/`)))
	require.NoError(t, e.ExpectPage(env.Page).ToHaveTitleMatching(ctx, regexp.MustCompile(`(?i)^inbox$`)))
	require.NoError(t, e.ExpectPage(env.Page).Not().ToHaveTitleMatching(ctx, regexp.MustCompile(`Archive`)))

	err := e.Expect(status).ToHaveTextMatching(ctx, regexp.MustCompile(`^Done`))
	var ae *AssertionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "/^Done/", ae.Expected)
	assert.Equal(t, `"Loading messages"`, ae.Received)

	err = e.ExpectPage(env.Page).ToHaveURLMatching(ctx, regexp.MustCompile(`/archive$`))
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "toHaveURL", ae.Matcher)
}

func TestExpectStateMatchers(t *testing.T) {
	env := sessiontest.Open(t, `<body>
		<input type="checkbox" aria-label="Agree" checked>
		<button disabled>Next</button>
		<textarea aria-label="Notes"></textarea>
	</body>`)
	e := newEngine(env, 200*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, e.Expect(locator.New(env.Page, locator.ByLabel("Agree"))).ToBeChecked(ctx))
	require.NoError(t, e.Expect(locator.New(env.Page, locator.ByRole("button"))).ToBeDisabled(ctx))
	require.NoError(t, e.Expect(locator.New(env.Page, locator.ByRole("button"))).Not().ToBeEnabled(ctx))
	require.NoError(t, e.Expect(locator.New(env.Page, locator.ByLabel("Notes"))).ToBeEditable(ctx))

	err := e.Expect(locator.New(env.Page, locator.ByRole("button"))).ToBeChecked(ctx)
	var ae *AssertionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "not checkable", ae.Received)

	assert.Equal(t, 5, e.Log().Len())
	last := e.Log().Entries()[4]
	assert.Equal(t, "expect.toBeChecked", last.Kind)
	assert.Equal(t, errs.Assertion, last.Code)
}
