// Package browser drives real browsers for the engine. PlaywrightDriver runs
// any of the three engines through playwright; CDPDriver talks to Chromium
// directly through chromedp. Both evaluate DOM queries with domscript.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"

	"github.com/neboloop/pagewright/internal/driver"
	"github.com/neboloop/pagewright/internal/driver/domscript"
	"github.com/neboloop/pagewright/internal/logging"
)

// PlaywrightOptions configure LaunchPlaywright.
type PlaywrightOptions struct {
	// Browser is chromium, firefox or webkit.
	Browser        string
	Headless       bool
	ExecutablePath string
	// CDPURL connects to a running Chromium instead of launching one.
	CDPURL string
	// SkipInstall assumes the browsers are already installed.
	SkipInstall bool
}

var (
	pwOnce     sync.Once
	pwInstance *playwright.Playwright
	pwErr      error
)

// getPlaywright returns the process-wide playwright runtime.
func getPlaywright(skipInstall bool) (*playwright.Playwright, error) {
	pwOnce.Do(func() {
		if !skipInstall {
			if err := playwright.Install(); err != nil {
				pwErr = fmt.Errorf("failed to install playwright browsers: %w", err)
				return
			}
		}
		pw, err := playwright.Run()
		if err != nil {
			pwErr = fmt.Errorf("failed to start playwright: %w", err)
			return
		}
		pwInstance = pw
	})
	return pwInstance, pwErr
}

// StopPlaywright shuts down the playwright runtime if it was started.
func StopPlaywright() error {
	if pwInstance == nil {
		return nil
	}
	return pwInstance.Stop()
}

// PlaywrightDriver is a driver.Driver over one playwright browser.
type PlaywrightDriver struct {
	browser playwright.Browser
	lost    atomic.Bool

	mu       sync.Mutex
	contexts map[string]*pwContext
	pages    map[string]*pwPage
}

type pwContext struct {
	id    string
	ctx   playwright.BrowserContext
	pages map[string]*pwPage
}

type pwPage struct {
	id   string
	page playwright.Page
	bc   *pwContext
	dom  *domscript.Page
}

var _ driver.Driver = (*PlaywrightDriver)(nil)

// LaunchPlaywright starts (or connects to) a browser.
func LaunchPlaywright(ctx context.Context, opts PlaywrightOptions) (*PlaywrightDriver, error) {
	pw, err := getPlaywright(opts.SkipInstall)
	if err != nil {
		return nil, err
	}
	var b playwright.Browser
	switch {
	case opts.CDPURL != "":
		wsURL, err := WebSocketURL(ctx, opts.CDPURL, 5*time.Second)
		if err != nil {
			return nil, err
		}
		b, err = pw.Chromium.ConnectOverCDP(wsURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to CDP at %s: %w", opts.CDPURL, err)
		}
	default:
		bt := pw.Chromium
		switch opts.Browser {
		case "firefox":
			bt = pw.Firefox
		case "webkit":
			bt = pw.WebKit
		}
		launch := playwright.BrowserTypeLaunchOptions{Headless: playwright.Bool(opts.Headless)}
		if opts.ExecutablePath != "" {
			launch.ExecutablePath = playwright.String(opts.ExecutablePath)
		}
		b, err = bt.Launch(launch)
		if err != nil {
			return nil, fmt.Errorf("failed to launch %s: %w", bt.Name(), err)
		}
	}

	d := &PlaywrightDriver{
		browser:  b,
		contexts: make(map[string]*pwContext),
		pages:    make(map[string]*pwPage),
	}
	b.OnDisconnected(func(playwright.Browser) {
		d.lost.Store(true)
		logging.Warnf("[browser] Playwright browser disconnected")
	})
	logging.Debugf("[browser] Playwright %s ready (version %s)", opts.Browser, b.Version())
	return d, nil
}

// Close closes the browser.
func (d *PlaywrightDriver) Close() error {
	d.mu.Lock()
	d.contexts = make(map[string]*pwContext)
	d.pages = make(map[string]*pwPage)
	d.mu.Unlock()
	if d.lost.Load() {
		return nil
	}
	return d.browser.Close()
}

// do runs a blocking playwright call, giving up when ctx ends.
func (d *PlaywrightDriver) do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		if err != nil && (d.lost.Load() || !d.browser.IsConnected()) {
			d.lost.Store(true)
			return driver.ChannelLost(err)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// timeoutMs converts the remaining time on ctx into a playwright timeout.
func timeoutMs(ctx context.Context) *float64 {
	if dl, ok := ctx.Deadline(); ok {
		return playwright.Float(float64(max(time.Until(dl).Milliseconds(), 1)))
	}
	return nil
}

// Send implements driver.Driver.
func (d *PlaywrightDriver) Send(ctx context.Context, cmd driver.Command) (driver.Response, error) {
	if err := ctx.Err(); err != nil {
		return driver.Response{}, err
	}
	if d.lost.Load() || !d.browser.IsConnected() {
		d.lost.Store(true)
		return driver.Response{}, driver.ChannelLost(errors.New("browser disconnected"))
	}
	resp, err := d.handle(ctx, cmd)
	if err != nil {
		if driver.IsChannelLost(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return driver.Response{}, err
		}
		return driver.Response{}, &driver.CommandError{Kind: cmd.Kind, Err: err}
	}
	return resp, nil
}

func (d *PlaywrightDriver) handle(ctx context.Context, cmd driver.Command) (driver.Response, error) {
	switch cmd.Kind {
	case driver.CmdNewContext:
		return d.newContext(ctx, cmd)
	case driver.CmdCloseContext:
		bc, err := d.context(cmd.ContextID)
		if err != nil {
			return driver.Response{}, err
		}
		d.mu.Lock()
		for id := range bc.pages {
			delete(d.pages, id)
		}
		delete(d.contexts, bc.id)
		d.mu.Unlock()
		return driver.Response{}, d.do(ctx, func() error { return bc.ctx.Close() })
	case driver.CmdStorage:
		bc, err := d.context(cmd.ContextID)
		if err != nil {
			return driver.Response{}, err
		}
		var st *playwright.StorageState
		err = d.do(ctx, func() error {
			var err error
			st, err = bc.ctx.StorageState()
			return err
		})
		if err != nil {
			return driver.Response{}, fmt.Errorf("storage state: %w", err)
		}
		return driver.Response{Storage: fromPlaywrightState(st)}, nil
	case driver.CmdNewPage:
		return d.newPage(ctx, cmd)
	}

	p, err := d.page(cmd.PageID)
	if err != nil {
		return driver.Response{}, err
	}

	switch cmd.Kind {
	case driver.CmdClosePage:
		d.mu.Lock()
		delete(p.bc.pages, p.id)
		delete(d.pages, p.id)
		d.mu.Unlock()
		return driver.Response{}, d.do(ctx, func() error { return p.page.Close() })
	case driver.CmdNavigate:
		err := d.do(ctx, func() error {
			_, err := p.page.Goto(cmd.URL, playwright.PageGotoOptions{
				WaitUntil: playwright.WaitUntilStateLoad,
				Timeout:   timeoutMs(ctx),
			})
			return err
		})
		if err != nil {
			return driver.Response{}, fmt.Errorf("navigate %s: %w", cmd.URL, err)
		}
		return d.info(ctx, p)
	case driver.CmdPageInfo:
		return d.info(ctx, p)
	case driver.CmdNextFrame:
		return driver.Response{}, p.dom.NextFrame(ctx)
	case driver.CmdQuery:
		els, err := p.dom.Query(ctx, cmd.Scope, cmd.Predicate)
		return driver.Response{Elements: els}, err
	case driver.CmdDescribe:
		st, err := p.dom.Describe(ctx, cmd.ElementID)
		return driver.Response{Element: st}, err
	case driver.CmdHitTest:
		hit, err := p.dom.HitTest(ctx, cmd.ElementID, cmd.Point)
		return driver.Response{Hit: hit}, err
	case driver.CmdDispatch:
		if cmd.Input == nil {
			return driver.Response{}, fmt.Errorf("dispatch without input")
		}
		values, err := d.dispatch(ctx, p, cmd.ElementID, *cmd.Input)
		return driver.Response{Values: values}, err
	case driver.CmdScreenshot:
		data, err := d.screenshot(ctx, p, cmd.ElementID, cmd.FullPage)
		return driver.Response{Data: data}, err
	}
	return driver.Response{}, fmt.Errorf("%w: %s", driver.ErrUnsupported, cmd.Kind)
}

func (d *PlaywrightDriver) newContext(ctx context.Context, cmd driver.Command) (driver.Response, error) {
	opts := playwright.BrowserNewContextOptions{}
	if o := cmd.Options; o != nil {
		if o.BaseURL != "" {
			opts.BaseURL = playwright.String(o.BaseURL)
		}
		if o.Viewport != nil {
			opts.Viewport = &playwright.Size{Width: o.Viewport.Width, Height: o.Viewport.Height}
		}
		if o.UserAgent != "" {
			opts.UserAgent = playwright.String(o.UserAgent)
		}
		if o.Locale != "" {
			opts.Locale = playwright.String(o.Locale)
		}
		opts.Permissions = o.Permissions
	}
	if cmd.Storage != nil {
		opts.StorageState = toPlaywrightState(cmd.Storage)
	}

	var bctx playwright.BrowserContext
	err := d.do(ctx, func() error {
		var err error
		bctx, err = d.browser.NewContext(opts)
		return err
	})
	if err != nil {
		return driver.Response{}, fmt.Errorf("new context: %w", err)
	}
	bc := &pwContext{id: "ctx-" + uuid.NewString()[:8], ctx: bctx, pages: make(map[string]*pwPage)}
	d.mu.Lock()
	d.contexts[bc.id] = bc
	d.mu.Unlock()
	return driver.Response{ContextID: bc.id}, nil
}

func (d *PlaywrightDriver) newPage(ctx context.Context, cmd driver.Command) (driver.Response, error) {
	bc, err := d.context(cmd.ContextID)
	if err != nil {
		return driver.Response{}, err
	}
	var pg playwright.Page
	err = d.do(ctx, func() error {
		var err error
		pg, err = bc.ctx.NewPage()
		return err
	})
	if err != nil {
		return driver.Response{}, fmt.Errorf("new page: %w", err)
	}
	p := &pwPage{id: "page-" + uuid.NewString()[:8], page: pg, bc: bc}
	p.dom = domscript.New(func(ctx context.Context, expr string) (string, error) {
		var out string
		err := d.do(ctx, func() error {
			v, err := pg.Evaluate(expr)
			if err != nil {
				return err
			}
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("unexpected evaluation result %T", v)
			}
			out = s
			return nil
		})
		return out, err
	})
	pg.OnClose(func(playwright.Page) {
		d.mu.Lock()
		delete(bc.pages, p.id)
		delete(d.pages, p.id)
		d.mu.Unlock()
	})
	d.mu.Lock()
	bc.pages[p.id] = p
	d.pages[p.id] = p
	d.mu.Unlock()
	return driver.Response{PageID: p.id, URL: pg.URL()}, nil
}

func (d *PlaywrightDriver) info(ctx context.Context, p *pwPage) (driver.Response, error) {
	var title string
	err := d.do(ctx, func() error {
		var err error
		title, err = p.page.Title()
		return err
	})
	if err != nil {
		return driver.Response{}, err
	}
	return driver.Response{URL: p.page.URL(), Title: title}, nil
}

func (d *PlaywrightDriver) dispatch(ctx context.Context, p *pwPage, id string, in driver.Input) ([]string, error) {
	switch in.Type {
	case driver.InputClick, driver.InputHover:
		pt := in.Point
		if pt == nil {
			st, err := p.dom.Describe(ctx, id)
			if err != nil {
				return nil, err
			}
			c := st.Box.Center()
			pt = &c
		}
		return nil, d.do(ctx, func() error {
			if in.Type == driver.InputHover {
				return p.page.Mouse().Move(pt.X, pt.Y)
			}
			return p.page.Mouse().Click(pt.X, pt.Y)
		})
	case driver.InputFill:
		return nil, p.dom.Fill(ctx, id, in.Text)
	case driver.InputPress:
		if err := p.dom.Focus(ctx, id); err != nil {
			return nil, err
		}
		return nil, d.do(ctx, func() error { return p.page.Keyboard().Press(in.Text) })
	case driver.InputSelect:
		return p.dom.Select(ctx, id, in.Values)
	case driver.InputUpload:
		sel, release, err := p.dom.Mark(ctx, id)
		if err != nil {
			return nil, err
		}
		defer release(context.WithoutCancel(ctx))
		return nil, d.do(ctx, func() error {
			return p.page.Locator(sel).SetInputFiles(in.Values, playwright.LocatorSetInputFilesOptions{Timeout: timeoutMs(ctx)})
		})
	}
	return nil, fmt.Errorf("%w: input %q", driver.ErrUnsupported, in.Type)
}

func (d *PlaywrightDriver) screenshot(ctx context.Context, p *pwPage, id string, fullPage bool) ([]byte, error) {
	var data []byte
	if id == "" {
		err := d.do(ctx, func() error {
			var err error
			data, err = p.page.Screenshot(playwright.PageScreenshotOptions{FullPage: playwright.Bool(fullPage)})
			return err
		})
		return data, err
	}
	sel, release, err := p.dom.Mark(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release(context.WithoutCancel(ctx))
	err = d.do(ctx, func() error {
		var err error
		data, err = p.page.Locator(sel).Screenshot(playwright.LocatorScreenshotOptions{Timeout: timeoutMs(ctx)})
		return err
	})
	return data, err
}

func (d *PlaywrightDriver) context(id string) (*pwContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bc, ok := d.contexts[id]
	if !ok {
		return nil, fmt.Errorf("%w: context %q", driver.ErrUnknownTarget, id)
	}
	return bc, nil
}

func (d *PlaywrightDriver) page(id string) (*pwPage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pages[id]
	if !ok {
		return nil, fmt.Errorf("%w: page %q", driver.ErrUnknownTarget, id)
	}
	return p, nil
}
