// Package memdriver is an in-process driver over parsed HTML documents.
//
// Layout is declared with attributes instead of computed:
//
//	data-box="x,y,w,h"      bounding box; elements without one are stacked in rows
//	data-z="n"              hit-test stacking order
//	data-animate="dx,dy"    box moves by (dx,dy) per animation frame
//	data-animate-frames="n" animation stops after n frames
//	data-onclick="cmd;..."  behaviour run on click (see input.go)
//
// Pages change over time through Mutation entries scheduled against the
// driver clock, which makes auto-wait scenarios deterministic under a virtual clock.
package memdriver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/neboloop/pagewright/internal/clock"
	"github.com/neboloop/pagewright/internal/driver"
)

// ErrNotFound is returned when navigating to a URL the site does not serve.
var ErrNotFound = errors.New("page not found")

// Mutation changes a page's document After the page was navigated.
type Mutation struct {
	After time.Duration
	Apply func(doc *goquery.Document)
}

// Page is one servable document.
type Page struct {
	HTML      string
	Mutations []Mutation
}

// Options configure a Driver.
type Options struct {
	Clock clock.Clock
	// Site maps URLs (or bare paths) to documents.
	Site map[string]Page
	// Loader is consulted when Site has no entry for a URL.
	Loader func(rawURL string) (string, error)
	// Viewport sizes page screenshots. Defaults to 1280x720.
	Viewport driver.Viewport
}

// Driver is a driver.Driver over in-memory documents.
type Driver struct {
	mu       sync.Mutex
	opts     Options
	contexts map[string]*browserContext
	pages    map[string]*page
	calls    []driver.Command
	lost     error
	closed   bool
}

type browserContext struct {
	id      string
	options driver.ContextOptions
	cookies []driver.Cookie
	storage map[string][]driver.NameValue
	pages   map[string]*page
}

var _ driver.Driver = (*Driver)(nil)

// New creates a driver.
func New(opts Options) *Driver {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Viewport.Width == 0 || opts.Viewport.Height == 0 {
		opts.Viewport = driver.Viewport{Width: 1280, Height: 720}
	}
	if opts.Site == nil {
		opts.Site = map[string]Page{}
	}
	return &Driver{
		opts:     opts,
		contexts: make(map[string]*browserContext),
		pages:    make(map[string]*page),
	}
}

// Serve adds or replaces a document.
func (d *Driver) Serve(rawURL string, p Page) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts.Site[rawURL] = p
}

// Sever breaks the control channel: every later command fails with a
// channel-lost error wrapping cause.
func (d *Driver) Sever(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cause == nil {
		cause = errors.New("connection reset")
	}
	d.lost = cause
}

// Update applies fn to the document of every open page showing rawURL.
func (d *Driver) Update(rawURL string, fn func(doc *goquery.Document)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.pages {
		if p.url == rawURL && p.doc != nil {
			fn(p.doc)
		}
	}
}

// Calls returns every command received, in order.
func (d *Driver) Calls() []driver.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]driver.Command(nil), d.calls...)
}

// CountCalls counts received commands of the given kind.
func (d *Driver) CountCalls(kind driver.Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// OpenContexts returns the number of live contexts.
func (d *Driver) OpenContexts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.contexts)
}

// Close implements driver.Driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.contexts = map[string]*browserContext{}
	d.pages = map[string]*page{}
	return nil
}

// Send implements driver.Driver.
func (d *Driver) Send(ctx context.Context, cmd driver.Command) (driver.Response, error) {
	if err := ctx.Err(); err != nil {
		return driver.Response{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls = append(d.calls, cmd)
	if d.lost != nil {
		return driver.Response{}, driver.ChannelLost(d.lost)
	}
	if d.closed {
		return driver.Response{}, driver.ChannelLost(errors.New("driver closed"))
	}

	resp, err := d.handle(cmd)
	if err != nil {
		return driver.Response{}, &driver.CommandError{Kind: cmd.Kind, Err: err}
	}
	return resp, nil
}

func (d *Driver) handle(cmd driver.Command) (driver.Response, error) {
	switch cmd.Kind {
	case driver.CmdNewContext:
		return d.newContext(cmd)
	case driver.CmdCloseContext:
		bc, err := d.context(cmd.ContextID)
		if err != nil {
			return driver.Response{}, err
		}
		for id := range bc.pages {
			delete(d.pages, id)
		}
		delete(d.contexts, bc.id)
		return driver.Response{}, nil
	case driver.CmdStorage:
		bc, err := d.context(cmd.ContextID)
		if err != nil {
			return driver.Response{}, err
		}
		return driver.Response{Storage: bc.snapshot()}, nil
	case driver.CmdNewPage:
		bc, err := d.context(cmd.ContextID)
		if err != nil {
			return driver.Response{}, err
		}
		p := &page{id: "page-" + uuid.NewString()[:8], ctx: bc, url: "about:blank"}
		bc.pages[p.id] = p
		d.pages[p.id] = p
		return driver.Response{PageID: p.id, URL: p.url}, nil
	}

	p, err := d.page(cmd.PageID)
	if err != nil {
		return driver.Response{}, err
	}

	switch cmd.Kind {
	case driver.CmdClosePage:
		delete(p.ctx.pages, p.id)
		delete(d.pages, p.id)
		return driver.Response{}, nil
	case driver.CmdNavigate:
		if err := d.navigate(p, cmd.URL); err != nil {
			return driver.Response{}, err
		}
		return driver.Response{URL: p.url, Title: p.title()}, nil
	}

	d.tick(p)

	switch cmd.Kind {
	case driver.CmdPageInfo:
		return driver.Response{URL: p.url, Title: p.title()}, nil
	case driver.CmdNextFrame:
		p.frame++
		return driver.Response{}, nil
	case driver.CmdQuery:
		els, err := p.query(cmd.Scope, cmd.Predicate)
		if err != nil {
			return driver.Response{}, err
		}
		return driver.Response{Elements: els}, nil
	case driver.CmdDescribe:
		st, err := p.describe(cmd.ElementID)
		if err != nil {
			return driver.Response{}, err
		}
		return driver.Response{Element: st}, nil
	case driver.CmdHitTest:
		hit, err := p.hitTest(cmd.ElementID, cmd.Point)
		if err != nil {
			return driver.Response{}, err
		}
		return driver.Response{Hit: hit}, nil
	case driver.CmdDispatch:
		if cmd.Input == nil {
			return driver.Response{}, fmt.Errorf("dispatch without input")
		}
		values, err := d.dispatch(p, cmd.ElementID, *cmd.Input)
		if err != nil {
			return driver.Response{}, err
		}
		return driver.Response{Values: values}, nil
	case driver.CmdScreenshot:
		data, err := p.screenshot(cmd.ElementID, d.opts.Viewport)
		if err != nil {
			return driver.Response{}, err
		}
		return driver.Response{Data: data}, nil
	}
	return driver.Response{}, fmt.Errorf("%w: %s", driver.ErrUnsupported, cmd.Kind)
}

func (d *Driver) newContext(cmd driver.Command) (driver.Response, error) {
	bc := &browserContext{
		id:      "ctx-" + uuid.NewString()[:8],
		storage: make(map[string][]driver.NameValue),
		pages:   make(map[string]*page),
	}
	if cmd.Options != nil {
		bc.options = *cmd.Options
	}
	if seed := cmd.Storage.Clone(); seed != nil {
		bc.cookies = seed.Cookies
		for _, o := range seed.Origins {
			bc.storage[o.Origin] = o.LocalStorage
		}
	}
	d.contexts[bc.id] = bc
	return driver.Response{ContextID: bc.id}, nil
}

func (d *Driver) context(id string) (*browserContext, error) {
	bc, ok := d.contexts[id]
	if !ok {
		return nil, fmt.Errorf("%w: context %q", driver.ErrUnknownTarget, id)
	}
	return bc, nil
}

func (d *Driver) page(id string) (*page, error) {
	p, ok := d.pages[id]
	if !ok {
		return nil, fmt.Errorf("%w: page %q", driver.ErrUnknownTarget, id)
	}
	return p, nil
}

func (d *Driver) navigate(p *page, rawURL string) error {
	html, mutations, err := d.lookup(rawURL)
	if err != nil {
		return err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return fmt.Errorf("parse %s: %w", rawURL, err)
	}
	p.load(rawURL, doc, mutations, d.opts.Clock.Now())
	return nil
}

func (d *Driver) lookup(rawURL string) (string, []Mutation, error) {
	if sp, ok := d.opts.Site[rawURL]; ok {
		return sp.HTML, sp.Mutations, nil
	}
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		if sp, ok := d.opts.Site[u.Path]; ok {
			return sp.HTML, sp.Mutations, nil
		}
	}
	if d.opts.Loader != nil {
		html, err := d.opts.Loader(rawURL)
		if err != nil {
			return "", nil, fmt.Errorf("navigate %s: %w", rawURL, err)
		}
		return html, nil, nil
	}
	return "", nil, fmt.Errorf("navigate %s: %w", rawURL, ErrNotFound)
}

// tick applies every scheduled mutation that is due.
func (d *Driver) tick(p *page) {
	if p.doc == nil {
		return
	}
	elapsed := d.opts.Clock.Now().Sub(p.loadedAt)
	for len(p.pending) > 0 && p.pending[0].After <= elapsed {
		m := p.pending[0]
		p.pending = p.pending[1:]
		m.Apply(p.doc)
	}
}

func (bc *browserContext) snapshot() *driver.StorageState {
	st := &driver.StorageState{
		Cookies: append([]driver.Cookie{}, bc.cookies...),
		Origins: []driver.OriginState{},
	}
	for origin, items := range bc.storage {
		st.Origins = append(st.Origins, driver.OriginState{
			Origin:       origin,
			LocalStorage: append([]driver.NameValue(nil), items...),
		})
	}
	sortOrigins(st.Origins)
	return st
}

func (bc *browserContext) setCookie(name, value, rawURL string) {
	domain := ""
	if u, err := url.Parse(rawURL); err == nil {
		domain = u.Hostname()
	}
	for i, c := range bc.cookies {
		if c.Name == name && c.Domain == domain {
			bc.cookies[i].Value = value
			return
		}
	}
	bc.cookies = append(bc.cookies, driver.Cookie{
		Name:     name,
		Value:    value,
		Domain:   domain,
		Path:     "/",
		Expires:  -1,
		SameSite: "Lax",
	})
}

func (bc *browserContext) setLocal(origin, name, value string) {
	items := bc.storage[origin]
	for i, kv := range items {
		if kv.Name == name {
			items[i].Value = value
			return
		}
	}
	bc.storage[origin] = append(items, driver.NameValue{Name: name, Value: value})
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
