package driver

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNormalizeText(t *testing.T) {
	cases := map[string]string{
		"  Sign   in ":        "Sign in",
		"Sign\n\tin":          "Sign in",
		"\u00a0Save\u2009all": "Save all",
		"":                    "",
		"   ":                 "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeText(in), "input %q", in)
	}
}

func TestNormalizeText_Idempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.String().Draw(t, "s")
		once := NormalizeText(s)
		if twice := NormalizeText(once); twice != once {
			t.Fatalf("not idempotent: %q -> %q -> %q", s, once, twice)
		}
		if strings.HasPrefix(once, " ") || strings.HasSuffix(once, " ") || strings.Contains(once, "  ") {
			t.Fatalf("stray whitespace in %q", once)
		}
	})
}

func TestContainsFold(t *testing.T) {
	assert.True(t, ContainsFold("Welcome back,\n  Alice", "back, alice"))
	assert.False(t, ContainsFold("Welcome", "goodbye"))
}

func TestKindMutating(t *testing.T) {
	assert.True(t, CmdDispatch.Mutating())
	assert.True(t, CmdNavigate.Mutating())
	assert.False(t, CmdQuery.Mutating())
	assert.False(t, CmdDescribe.Mutating())
	assert.False(t, CmdHitTest.Mutating())
}

func TestStorageStateClone(t *testing.T) {
	s := &StorageState{
		Cookies: []Cookie{{Name: "sid", Value: "1"}},
		Origins: []OriginState{{Origin: "https://app.test", LocalStorage: []NameValue{{Name: "k", Value: "v"}}}},
	}
	c := s.Clone()
	c.Cookies[0].Value = "2"
	c.Origins[0].LocalStorage[0].Value = "changed"

	assert.Equal(t, "1", s.Cookies[0].Value)
	assert.Equal(t, "v", s.Origins[0].LocalStorage[0].Value)
	assert.Nil(t, (*StorageState)(nil).Clone())
}

type stubDriver struct {
	err error
}

func (s stubDriver) Send(context.Context, Command) (Response, error) { return Response{}, s.err }
func (s stubDriver) Close() error                                    { return nil }

func TestLoggedObservesAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var seen []Kind
	d := Logged(stubDriver{err: ChannelLost(errors.New("eof"))}, logger, func(k Kind, _ time.Duration, err error) {
		seen = append(seen, k)
		assert.Error(t, err)
	})

	_, err := d.Send(context.Background(), Command{Kind: CmdQuery, PageID: "page-1234567890"})
	require.Error(t, err)
	assert.True(t, IsChannelLost(err))
	assert.Equal(t, []Kind{CmdQuery}, seen)
	assert.Contains(t, buf.String(), "driver_channel_lost")
	assert.Contains(t, buf.String(), "page=page-123")
}

func TestRectCenter(t *testing.T) {
	r := Rect{X: 10, Y: 20, Width: 100, Height: 40}
	assert.Equal(t, Point{X: 60, Y: 40}, r.Center())
	assert.True(t, Rect{Width: 0, Height: 10}.Empty())
}
