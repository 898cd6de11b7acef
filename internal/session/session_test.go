package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/pagewright/internal/driver"
	"github.com/neboloop/pagewright/internal/driver/memdriver"
	"github.com/neboloop/pagewright/internal/errs"
	"github.com/neboloop/pagewright/internal/logging"
)

const appHTML = `<body><button data-onclick="cookie:sid=s3cr3t;local:token=t1">Log in</button></body>`

func newProcess(t *testing.T, maxPages int) (*BrowserProcess, *memdriver.Driver) {
	t.Helper()
	drv := memdriver.New(memdriver.Options{Site: map[string]memdriver.Page{"/": {HTML: appHTML}}})
	proc := NewProcess(drv, ProcessOptions{Logger: logging.NewNop(), MaxPagesPerContext: maxPages})
	t.Cleanup(func() { _ = proc.Close() })
	return proc, drv
}

func TestLaunchFailureIsSessionCreation(t *testing.T) {
	_, err := Launch(context.Background(), func(context.Context) (driver.Driver, error) {
		return nil, errors.New("executable not found")
	}, ProcessOptions{})
	require.Error(t, err)
	assert.Equal(t, errs.SessionCreation, errs.CodeOf(err))
}

func TestNewPageResourceExhausted(t *testing.T) {
	proc, _ := newProcess(t, 2)
	ctx := context.Background()

	c, err := proc.NewContext(ctx, ContextOptions{}, nil)
	require.NoError(t, err)
	_, err = c.NewPage(ctx)
	require.NoError(t, err)
	p2, err := c.NewPage(ctx)
	require.NoError(t, err)

	_, err = c.NewPage(ctx)
	assert.True(t, errs.Is(err, errs.ResourceExhausted))

	require.NoError(t, p2.Close(ctx))
	_, err = c.NewPage(ctx)
	assert.NoError(t, err, "closing a page frees a slot")
}

func TestCloseContextCascades(t *testing.T) {
	proc, drv := newProcess(t, 0)
	ctx := context.Background()

	a, err := proc.NewContext(ctx, ContextOptions{}, nil)
	require.NoError(t, err)
	b, err := proc.NewContext(ctx, ContextOptions{}, nil)
	require.NoError(t, err)

	pa, err := a.NewPage(ctx)
	require.NoError(t, err)
	pb, err := b.NewPage(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Close(ctx))
	require.NoError(t, a.Close(ctx), "second close is a no-op")

	assert.True(t, pa.Closed())
	assert.False(t, pb.Closed(), "sibling context pages are untouched")
	assert.Equal(t, 1, drv.CountCalls(driver.CmdCloseContext))

	_, err = pa.Query(ctx, "", driver.Predicate{Kind: driver.PredicateAll})
	assert.True(t, errs.Is(err, errs.UseAfterClose))
	_, err = a.NewPage(ctx)
	assert.True(t, errs.Is(err, errs.UseAfterClose))

	require.NoError(t, pb.Goto(ctx, "https://app.test/"))
	assert.Len(t, proc.Contexts(), 1)
}

func TestClosingLastPageKeepsContext(t *testing.T) {
	proc, _ := newProcess(t, 0)
	ctx := context.Background()

	c, err := proc.NewContext(ctx, ContextOptions{}, nil)
	require.NoError(t, err)
	p, err := c.NewPage(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Close(ctx))
	require.NoError(t, p.Close(ctx))

	assert.False(t, c.Closed())
	assert.Empty(t, c.Pages())
	_, err = c.NewPage(ctx)
	assert.NoError(t, err)
}

func TestProcessCloseClosesEverything(t *testing.T) {
	proc, _ := newProcess(t, 0)
	ctx := context.Background()

	c, err := proc.NewContext(ctx, ContextOptions{}, nil)
	require.NoError(t, err)
	p, err := c.NewPage(ctx)
	require.NoError(t, err)

	require.NoError(t, proc.Close())
	assert.True(t, c.Closed())
	assert.True(t, p.Closed())

	_, err = proc.NewContext(ctx, ContextOptions{}, nil)
	assert.True(t, errs.Is(err, errs.UseAfterClose))
}

func TestStorageSnapshotReuse(t *testing.T) {
	proc, _ := newProcess(t, 0)
	ctx := context.Background()

	login, err := proc.NewContext(ctx, ContextOptions{BaseURL: "https://app.test"}, nil)
	require.NoError(t, err)
	p, err := login.NewPage(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Goto(ctx, "/"))
	assert.Equal(t, "https://app.test/", p.URL())

	els, err := p.Query(ctx, "", driver.Predicate{Kind: driver.PredicateRole, Role: "button"})
	require.NoError(t, err)
	require.Len(t, els, 1)
	_, err = p.Send(ctx, driver.Command{Kind: driver.CmdDispatch, ElementID: els[0].ID, Input: &driver.Input{Type: driver.InputClick}})
	require.NoError(t, err)

	snap, err := login.SnapshotStorage(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Cookies(), 1)

	path := filepath.Join(t.TempDir(), "auth", "user.json")
	require.NoError(t, snap.Save(path))
	loaded, err := LoadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, snap.State(), loaded.State())

	reused, err := proc.NewContext(ctx, ContextOptions{}, loaded)
	require.NoError(t, err)
	again, err := reused.SnapshotStorage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", again.Cookies()[0].Value)
	require.Len(t, again.State().Origins, 1)
	assert.Equal(t, "t1", again.State().Origins[0].LocalStorage[0].Value)
}

func TestSnapshotIsImmutable(t *testing.T) {
	src := &driver.StorageState{Cookies: []driver.Cookie{{Name: "a", Value: "1"}}}
	snap := NewSnapshot(src)
	src.Cookies[0].Value = "changed"

	st := snap.State()
	st.Cookies[0].Value = "changed too"
	assert.Equal(t, "1", snap.Cookies()[0].Value)

	data, err := NewSnapshot(nil).MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"cookies":[],"origins":[]}`, string(data))
}

func TestChannelLossLatches(t *testing.T) {
	proc, drv := newProcess(t, 0)
	ctx := context.Background()

	c, err := proc.NewContext(ctx, ContextOptions{}, nil)
	require.NoError(t, err)
	p, err := c.NewPage(ctx)
	require.NoError(t, err)

	drv.Sever(errors.New("browser crashed"))
	_, err = p.Query(ctx, "", driver.Predicate{Kind: driver.PredicateAll})
	assert.True(t, driver.IsChannelLost(err))
	assert.Error(t, proc.Lost())

	_, err = proc.NewContext(ctx, ContextOptions{}, nil)
	assert.Equal(t, errs.SessionCreation, errs.CodeOf(err))
	assert.True(t, errs.WorkerFatal(err))

	assert.NoError(t, c.Close(ctx), "closing over a dead channel does not fail")
}

func TestAcquireSerializes(t *testing.T) {
	proc, _ := newProcess(t, 0)
	ctx := context.Background()
	c, err := proc.NewContext(ctx, ContextOptions{}, nil)
	require.NoError(t, err)
	p, err := c.NewPage(ctx)
	require.NoError(t, err)

	release, err := p.Acquire(ctx)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	again, err := p.Acquire(ctx)
	require.NoError(t, err)
	again()
}

func TestAcquireReportsCancelCause(t *testing.T) {
	proc, _ := newProcess(t, 0)
	ctx := context.Background()
	c, err := proc.NewContext(ctx, ContextOptions{}, nil)
	require.NoError(t, err)
	p, err := c.NewPage(ctx)
	require.NoError(t, err)

	release, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer release()

	stopped := errors.New("test timed out")
	waitCtx, cancel := context.WithCancelCause(ctx)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel(stopped)
	}()
	_, err = p.Acquire(waitCtx)
	assert.ErrorIs(t, err, stopped)
}
