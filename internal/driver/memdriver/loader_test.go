package memdriver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/pagewright/internal/driver"
)

func TestFetchLoader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<title>Served</title><button>Go</button>`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	file := filepath.Join(dir, "page.html")
	require.NoError(t, os.WriteFile(file, []byte(`<title>On disk</title>`), 0o644))

	load := FetchLoader(srv.Client())
	html, err := load(srv.URL + "/")
	require.NoError(t, err)
	assert.Contains(t, html, "Served")

	_, err = load(srv.URL + "/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	html, err = load("file://" + filepath.ToSlash(file))
	require.NoError(t, err)
	assert.Contains(t, html, "On disk")

	_, err = load("ftp://example.test/")
	assert.ErrorContains(t, err, "unsupported scheme")

	d := New(Options{Loader: load})
	ctx := context.Background()
	resp, err := d.Send(ctx, driver.Command{Kind: driver.CmdNewContext})
	require.NoError(t, err)
	resp, err = d.Send(ctx, driver.Command{Kind: driver.CmdNewPage, ContextID: resp.ContextID})
	require.NoError(t, err)
	resp, err = d.Send(ctx, driver.Command{Kind: driver.CmdNavigate, PageID: resp.PageID, URL: srv.URL + "/"})
	require.NoError(t, err)
	assert.Equal(t, "Served", resp.Title)
}
