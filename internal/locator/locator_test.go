package locator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/neboloop/pagewright/internal/driver/memdriver"
	"github.com/neboloop/pagewright/internal/errs"
	"github.com/neboloop/pagewright/internal/session/sessiontest"
)

const formHTML = `<body>
  <section id="billing">
    <label for="card">Card number</label><input id="card" placeholder="1234 5678">
    <button>Save</button>
  </section>
  <section id="shipping">
    <input aria-label="Street" title="Street address">
    <button>Save draft</button>
    <button data-testid="cancel">Cancel</button>
  </section>
  <div><p>Hello <b>world</b></p></div>
  <img src="x.png" alt="Company logo">
</body>`

func ids(t *testing.T, refs []ElementRef) []string {
	t.Helper()
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.Tag + ":" + r.Text
	}
	return out
}

func TestStrategies(t *testing.T) {
	env := sessiontest.Open(t, formHTML)
	ctx := context.Background()

	tests := []struct {
		name string
		s    Strategy
		want int
	}{
		{"role substring", ByRole("button", Name("save")), 2},
		{"role exact", ByRole("button", Name("Save"), Exact()), 1},
		{"role only", ByRole("button"), 3},
		{"label", ByLabel("card"), 1},
		{"aria label", ByLabel("Street", Exact()), 1},
		{"placeholder", ByPlaceholder("1234"), 1},
		{"title", ByTitle("street address"), 1},
		{"alt", ByAltText("logo"), 1},
		{"test id", ByTestID("cancel"), 1},
		{"test id is exact", ByTestID("Cancel"), 0},
		{"css", ByCSS("section button"), 3},
		{"attr", ByAttr("id", "card"), 1},
		{"no match", ByRole("checkbox"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			refs, err := New(env.Page, tt.s).Evaluate(ctx)
			require.NoError(t, err)
			assert.Len(t, refs, tt.want)
		})
	}
}

func TestTextMatchesInnermost(t *testing.T) {
	env := sessiontest.Open(t, formHTML)
	ctx := context.Background()

	refs, err := New(env.Page, ByText("world")).Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b:world"}, ids(t, refs))

	refs, err = New(env.Page, ByText("hello   WORLD")).Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p:Hello world"}, ids(t, refs), "substring match normalizes whitespace and ignores case")

	refs, err = New(env.Page, ByText("Hello world", Exact())).Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p:Hello world"}, ids(t, refs), "the div has the same text but a matching descendant")
}

func TestChainScopesEachStep(t *testing.T) {
	env := sessiontest.Open(t, formHTML)
	ctx := context.Background()

	l := New(env.Page, ByCSS("#shipping")).Within(ByRole("button"))
	refs, err := l.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"button:Save draft", "button:Cancel"}, ids(t, refs))

	refs, err = l.Last().Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"button:Cancel"}, ids(t, refs))

	refs, err = l.Nth(5).Evaluate(ctx)
	require.NoError(t, err)
	assert.Empty(t, refs)

	refs, err = New(env.Page, ByCSS("section")).Within(ByRole("button", Name("Save"))).First().Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"button:Save"}, ids(t, refs))
}

func TestResolveStrictMode(t *testing.T) {
	env := sessiontest.Open(t, formHTML)
	ctx := context.Background()

	ref, err := New(env.Page, ByRole("button", Name("Save"))).Resolve(ctx)
	assert.Nil(t, ref)
	var amb *AmbiguousError
	require.True(t, errors.As(err, &amb))
	assert.Equal(t, 2, amb.Count)
	assert.Equal(t, errs.AmbiguousLocator, errs.CodeOf(err))
	assert.False(t, errs.Retryable(err))
	assert.Contains(t, err.Error(), `role=button[name="Save" i] resolved to 2 elements`)

	ref, err = New(env.Page, ByRole("dialog")).Resolve(ctx)
	assert.NoError(t, err)
	assert.Nil(t, ref)

	ref, err = New(env.Page, ByTestID("cancel")).Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Cancel", ref.Text)
}

func TestEvaluateIsNeverCached(t *testing.T) {
	env := sessiontest.Open(t, `<body><button>Go</button></body>`)
	ctx := context.Background()
	l := New(env.Page, ByRole("button", Name("Go")))

	refs, err := l.Evaluate(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)

	env.Driver.Update(sessiontest.URL, func(doc *goquery.Document) {
		doc.Find("body").AppendHtml(`<button>Go</button>`)
	})
	refs, err = l.Evaluate(ctx)
	require.NoError(t, err)
	assert.Len(t, refs, 2)

	env.Driver.Update(sessiontest.URL, func(doc *goquery.Document) {
		doc.Find("button").Remove()
	})
	refs, err = l.Evaluate(ctx)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestInvalidStrategies(t *testing.T) {
	env := sessiontest.Open(t, formHTML)
	for _, s := range []Strategy{ByRole(" "), ByText(""), ByCSS(""), ByAttr("", "x")} {
		_, err := New(env.Page, s).Evaluate(context.Background())
		assert.True(t, errs.Is(err, errs.InvalidArgument), s.String())
	}
	_, err := Locator{}.Evaluate(context.Background())
	assert.True(t, errs.Is(err, errs.InvalidArgument))
}

func TestEqualAndString(t *testing.T) {
	env := sessiontest.Open(t, formHTML)
	a := New(env.Page, ByCSS("#billing")).Within(ByRole("button", Name("Save"), Exact()))
	b := New(env.Page, ByCSS("#billing")).Within(ByRole("button", Name("Save"), Exact()))
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(a.First()))
	assert.False(t, a.Equal(New(env.Page, ByCSS("#billing"))))

	assert.Equal(t, `css=#billing >> role=button[name="Save" s]`, a.String())
	assert.Equal(t, `text="Hi" >> nth=-1`, New(env.Page, ByText("Hi", Exact())).Last().String())
	assert.Equal(t, `xpath=//a`, ByXPath("//a").String())
	assert.Equal(t, KindStructural, ByXPath("//a").Kind())

	base := New(env.Page, ByCSS("form"))
	_ = base.Within(ByRole("textbox"))
	assert.Len(t, base.Chain(), 1, "Within does not modify the receiver")
}

// Evaluation is a pure function of the page: repeated evaluation returns the
// same elements and the substring rule counts exactly the names containing the needle.
func testEvaluateDeterministic(env *sessiontest.Env) func(*rapid.T) {
	return func(t *rapid.T) {
		names := rapid.SliceOfN(rapid.SampledFrom([]string{"Save", "save all", "Cancel", "Saved", "Open"}), 0, 6).Draw(t, "names")
		needle := rapid.SampledFrom([]string{"save", "SAVE", "cancel", "open"}).Draw(t, "needle")

		var b strings.Builder
		b.WriteString("<body>")
		want := 0
		for _, n := range names {
			fmt.Fprintf(&b, "<button>%s</button>", n)
			if strings.Contains(strings.ToLower(n), strings.ToLower(needle)) {
				want++
			}
		}
		b.WriteString("</body>")

		env.Driver.Serve(sessiontest.URL, memdriver.Page{HTML: b.String()})
		if err := env.Page.Goto(context.Background(), sessiontest.URL); err != nil {
			t.Fatal(err)
		}
		l := New(env.Page, ByRole("button", Name(needle)))
		first, err := l.Evaluate(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		second, err := l.Evaluate(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(first) != want {
			t.Fatalf("got %d matches, want %d", len(first), want)
		}
		for i := range first {
			if first[i].ID != second[i].ID {
				t.Fatalf("match %d changed between evaluations", i)
			}
		}
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	rapid.Check(t, testEvaluateDeterministic(sessiontest.Open(t, "<body></body>")))
}
