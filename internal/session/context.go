package session

import (
	"context"
	"sort"
	"sync"

	"github.com/neboloop/pagewright/internal/driver"
	"github.com/neboloop/pagewright/internal/errs"
)

// ContextOptions configure a new Context.
type ContextOptions struct {
	BaseURL     string
	Viewport    *driver.Viewport
	UserAgent   string
	Locale      string
	Permissions []string
	// MaxPages caps open pages; 0 inherits the process setting.
	MaxPages int
}

func (o ContextOptions) driverOptions() *driver.ContextOptions {
	return &driver.ContextOptions{
		BaseURL:     o.BaseURL,
		Viewport:    o.Viewport,
		UserAgent:   o.UserAgent,
		Locale:      o.Locale,
		Permissions: append([]string(nil), o.Permissions...),
	}
}

// Context is an isolated browser session.
type Context struct {
	mu sync.Mutex

	id     string
	proc   *BrowserProcess
	opts   ContextOptions
	pages  map[string]*Page
	seq    int
	closed bool
}

// ID returns the driver's context id.
func (c *Context) ID() string { return c.id }

// Browser returns the owning process.
func (c *Context) Browser() *BrowserProcess { return c.proc }

// Options returns the options the context was created with.
func (c *Context) Options() ContextOptions { return c.opts }

// Closed reports whether the context was closed.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// NewPage opens a tab. It fails with ResourceExhausted when the context
// already has MaxPages open pages.
func (c *Context) NewPage(ctx context.Context) (*Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errs.Newf(errs.UseAfterClose, "context %s is closed", c.id)
	}
	if c.opts.MaxPages > 0 && len(c.pages) >= c.opts.MaxPages {
		return nil, errs.Newf(errs.ResourceExhausted, "context %s already has %d pages", c.id, c.opts.MaxPages)
	}

	resp, err := c.proc.send(ctx, driver.Command{Kind: driver.CmdNewPage, ContextID: c.id})
	if err != nil {
		return nil, err
	}

	c.seq++
	p := newPage(resp.PageID, c, c.seq, resp.URL)
	c.pages[p.id] = p
	c.proc.logger.Debug("page opened", "context", c.id, "page", p.id)
	return p, nil
}

// Pages returns the open pages in creation order.
func (c *Context) Pages() []*Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Page, 0, len(c.pages))
	for _, p := range c.pages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// SnapshotStorage captures cookies and local storage for reuse by other contexts.
func (c *Context) SnapshotStorage(ctx context.Context) (*StorageSnapshot, error) {
	if c.Closed() {
		return nil, errs.Newf(errs.UseAfterClose, "context %s is closed", c.id)
	}
	resp, err := c.proc.send(ctx, driver.Command{Kind: driver.CmdStorage, ContextID: c.id})
	if err != nil {
		return nil, err
	}
	return NewSnapshot(resp.Storage), nil
}

// Close closes the context and every page in it. Closing twice is a no-op.
func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pages := make([]*Page, 0, len(c.pages))
	for _, p := range c.pages {
		pages = append(pages, p)
	}
	c.pages = map[string]*Page{}
	c.mu.Unlock()

	for _, p := range pages {
		p.markClosed()
	}
	c.proc.forget(c)

	if c.proc.Lost() != nil {
		return nil
	}
	_, err := c.proc.send(ctx, driver.Command{Kind: driver.CmdCloseContext, ContextID: c.id})
	return err
}

func (c *Context) forget(p *Page) {
	c.mu.Lock()
	delete(c.pages, p.id)
	c.mu.Unlock()
}

// release drops a context that lost the race with process shutdown.
func (c *Context) release() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_, _ = c.proc.drv.Send(ctx, driver.Command{Kind: driver.CmdCloseContext, ContextID: c.id})
}
