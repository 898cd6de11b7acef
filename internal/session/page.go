package session

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/neboloop/pagewright/internal/driver"
	"github.com/neboloop/pagewright/internal/errs"
)

// LoadState is the navigation lifecycle stage of a page.
type LoadState string

const (
	LoadNone      LoadState = "none"
	LoadCommitted LoadState = "committed"
	LoadComplete  LoadState = "load"
)

// Navigation is a page's current navigation state.
type Navigation struct {
	URL   string
	Title string
	State LoadState
}

// Page is one tab. Actions and navigations on a page are serialized through
// its action slot.
type Page struct {
	mu sync.RWMutex

	id     string
	ctx    *Context
	seq    int
	slot   chan struct{}
	nav    Navigation
	closed bool
}

func newPage(id string, c *Context, seq int, rawURL string) *Page {
	return &Page{
		id:   id,
		ctx:  c,
		seq:  seq,
		slot: make(chan struct{}, 1),
		nav:  Navigation{URL: rawURL, State: LoadNone},
	}
}

// ID returns the driver's page id.
func (p *Page) ID() string { return p.id }

// Context returns the owning context.
func (p *Page) Context() *Context { return p.ctx }

// Closed reports whether the page was closed directly or through its context.
func (p *Page) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Navigation returns the last known navigation state.
func (p *Page) Navigation() Navigation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nav
}

// URL returns the last known URL.
func (p *Page) URL() string {
	return p.Navigation().URL
}

func (p *Page) checkOpen() error {
	if p.Closed() {
		return errs.Newf(errs.UseAfterClose, "page %s is closed", p.id)
	}
	return nil
}

// Acquire takes the page's action slot. At most one holder exists at a
// time; the returned func releases it.
func (p *Page) Acquire(ctx context.Context) (func(), error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	select {
	case p.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
	var once sync.Once
	return func() { once.Do(func() { <-p.slot }) }, nil
}

// Send issues a page-scoped driver command.
func (p *Page) Send(ctx context.Context, cmd driver.Command) (driver.Response, error) {
	if err := p.checkOpen(); err != nil {
		return driver.Response{}, err
	}
	cmd.PageID = p.id
	return p.ctx.proc.send(ctx, cmd)
}

// Query returns the driver's candidates for pred under scope ("" is the document).
func (p *Page) Query(ctx context.Context, scope string, pred driver.Predicate) ([]driver.ElementInfo, error) {
	resp, err := p.Send(ctx, driver.Command{Kind: driver.CmdQuery, Scope: scope, Predicate: &pred})
	if err != nil {
		return nil, err
	}
	return resp.Elements, nil
}

// Goto navigates, resolving rawURL against the context BaseURL.
func (p *Page) Goto(ctx context.Context, rawURL string) error {
	release, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	target, err := p.resolve(rawURL)
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, "goto", err)
	}

	p.mu.Lock()
	p.nav = Navigation{URL: target, State: LoadCommitted}
	p.mu.Unlock()

	resp, err := p.Send(ctx, driver.Command{Kind: driver.CmdNavigate, URL: target})
	if err != nil {
		return fmt.Errorf("goto %s: %w", target, err)
	}

	p.mu.Lock()
	p.nav = Navigation{URL: resp.URL, Title: resp.Title, State: LoadComplete}
	if p.nav.URL == "" {
		p.nav.URL = target
	}
	p.mu.Unlock()
	return nil
}

func (p *Page) resolve(rawURL string) (string, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	base := p.ctx.opts.BaseURL
	if ref.IsAbs() || base == "" {
		return rawURL, nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("base url: %w", err)
	}
	return b.ResolveReference(ref).String(), nil
}

// Refresh reads the current URL and title from the driver.
func (p *Page) Refresh(ctx context.Context) (Navigation, error) {
	resp, err := p.Send(ctx, driver.Command{Kind: driver.CmdPageInfo})
	if err != nil {
		return Navigation{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nav.URL = resp.URL
	p.nav.Title = resp.Title
	return p.nav, nil
}

// Title returns the document title.
func (p *Page) Title(ctx context.Context) (string, error) {
	nav, err := p.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return nav.Title, nil
}

// Screenshot captures the viewport.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	resp, err := p.Send(ctx, driver.Command{Kind: driver.CmdScreenshot})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Close closes the tab. The context stays open even when this was its last page.
func (p *Page) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.ctx.forget(p)
	if p.ctx.proc.Lost() != nil {
		return nil
	}
	_, err := p.ctx.proc.send(ctx, driver.Command{Kind: driver.CmdClosePage, PageID: p.id})
	return err
}

func (p *Page) markClosed() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
