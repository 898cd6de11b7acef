// Package sessiontest opens pages on the in-memory driver for tests of the
// packages layered on top of session.
package sessiontest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neboloop/pagewright/internal/clock"
	"github.com/neboloop/pagewright/internal/driver/memdriver"
	"github.com/neboloop/pagewright/internal/logging"
	"github.com/neboloop/pagewright/internal/session"
)

// URL is where Open navigates.
const URL = "https://app.test/"

// Env is an open page and the fakes behind it.
type Env struct {
	Page   *session.Page
	Driver *memdriver.Driver
	Clock  *clock.Virtual
}

// Open serves html at URL, navigates a fresh page to it and registers cleanup.
func Open(t testing.TB, html string, mutations ...memdriver.Mutation) *Env {
	t.Helper()
	clk := clock.NewVirtual(time.Unix(1_700_000_000, 0))
	drv := memdriver.New(memdriver.Options{
		Clock: clk,
		Site:  map[string]memdriver.Page{URL: {HTML: html, Mutations: mutations}},
	})
	proc := session.NewProcess(drv, session.ProcessOptions{Logger: logging.NewNop()})
	t.Cleanup(func() { _ = proc.Close() })

	ctx := context.Background()
	c, err := proc.NewContext(ctx, session.ContextOptions{}, nil)
	require.NoError(t, err)
	p, err := c.NewPage(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Goto(ctx, URL))
	return &Env{Page: p, Driver: drv, Clock: clk}
}
