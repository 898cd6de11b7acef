package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/google/uuid"

	"github.com/neboloop/pagewright/internal/driver"
	"github.com/neboloop/pagewright/internal/driver/domscript"
	"github.com/neboloop/pagewright/internal/logging"
)

// CDPOptions configure LaunchCDP.
type CDPOptions struct {
	Headless       bool
	ExecutablePath string
	// CDPURL attaches to a running browser instead of starting one.
	CDPURL string
}

// CDPDriver is a driver.Driver speaking the DevTools protocol to Chromium.
// Each driver context is a separate browser context.
type CDPDriver struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	lost          atomic.Bool

	mu       sync.Mutex
	contexts map[string]*cdpContext
	pages    map[string]*cdpPage
}

type cdpContext struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	options driver.ContextOptions
	seed    string
	origins []driver.OriginState
	pages   map[string]*cdpPage
}

type cdpPage struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	bc     *cdpContext
	dom    *domscript.Page
}

var _ driver.Driver = (*CDPDriver)(nil)

// LaunchCDP starts Chromium, or attaches to opts.CDPURL.
func LaunchCDP(ctx context.Context, opts CDPOptions) (*CDPDriver, error) {
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if opts.CDPURL != "" {
		wsURL, err := WebSocketURL(ctx, opts.CDPURL, 5*time.Second)
		if err != nil {
			return nil, err
		}
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), wsURL)
	} else {
		exe, err := FindChrome(opts.ExecutablePath)
		if err != nil {
			return nil, err
		}
		flags := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", opts.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
		if exe != nil {
			flags = append(flags, chromedp.ExecPath(exe.Path))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), flags...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := allocate(ctx, browserCtx, browserCancel); err != nil {
		allocCancel()
		return nil, fmt.Errorf("failed to start chromium: %w", err)
	}

	d := &CDPDriver{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		contexts:      make(map[string]*cdpContext),
		pages:         make(map[string]*cdpPage),
	}
	go func() {
		<-browserCtx.Done()
		d.lost.Store(true)
	}()
	logging.Debugf("[browser] Chromium ready over CDP")
	return d, nil
}

// Close shuts the browser down.
func (d *CDPDriver) Close() error {
	d.mu.Lock()
	for _, bc := range d.contexts {
		bc.cancel()
	}
	d.contexts = make(map[string]*cdpContext)
	d.pages = make(map[string]*cdpPage)
	d.mu.Unlock()
	d.browserCancel()
	d.allocCancel()
	return nil
}

// allocate performs the first Run on a fresh chromedp context. The first
// Run binds the target's lifetime to the context it is given, so it must
// receive target itself; ctx ending cancels the target instead.
func allocate(ctx, target context.Context, cancel context.CancelFunc, actions ...chromedp.Action) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(target, actions...) }()
	select {
	case err := <-done:
		if err != nil {
			cancel()
		}
		return err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// run executes actions on target, aborting when ctx ends without
// closing the target.
func (d *CDPDriver) run(ctx, target context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(target)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if d.browserCtx.Err() != nil {
		d.lost.Store(true)
		return driver.ChannelLost(err)
	}
	return err
}

// Send implements driver.Driver.
func (d *CDPDriver) Send(ctx context.Context, cmd driver.Command) (driver.Response, error) {
	if err := ctx.Err(); err != nil {
		return driver.Response{}, err
	}
	if d.lost.Load() {
		return driver.Response{}, driver.ChannelLost(errors.New("browser connection closed"))
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

func (d *CDPDriver) handle(ctx context.Context, cmd driver.Command) (driver.Response, error) {
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
		bc.cancel()
		return driver.Response{}, nil
	case driver.CmdStorage:
		bc, err := d.context(cmd.ContextID)
		if err != nil {
			return driver.Response{}, err
		}
		st, err := d.storage(ctx, bc)
		return driver.Response{Storage: st}, err
	case driver.CmdNewPage:
		return d.newPage(ctx, cmd)
	}

	p, err := d.page(cmd.PageID)
	if err != nil {
		return driver.Response{}, err
	}

	switch cmd.Kind {
	case driver.CmdClosePage:
		// Keep the page's local storage for later snapshots.
		if ls, err := p.dom.LocalStorage(ctx); err == nil {
			p.bc.origins = domscript.MergeOrigins(p.bc.origins, ls)
		}
		d.mu.Lock()
		delete(p.bc.pages, p.id)
		delete(d.pages, p.id)
		d.mu.Unlock()
		p.cancel()
		return driver.Response{}, nil
	case driver.CmdNavigate:
		if err := d.run(ctx, p.ctx, chromedp.Navigate(cmd.URL)); err != nil {
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

func (d *CDPDriver) newContext(ctx context.Context, cmd driver.Command) (driver.Response, error) {
	root, cancel := chromedp.NewContext(d.browserCtx, chromedp.WithNewBrowserContext())
	if err := allocate(ctx, root, cancel); err != nil {
		return driver.Response{}, fmt.Errorf("new context: %w", err)
	}
	bc := &cdpContext{
		id:     "ctx-" + uuid.NewString()[:8],
		ctx:    root,
		cancel: cancel,
		pages:  make(map[string]*cdpPage),
	}
	if cmd.Options != nil {
		bc.options = *cmd.Options
	}

	var setup []chromedp.Action
	if len(bc.options.Permissions) > 0 {
		perms := make([]cdpbrowser.PermissionType, 0, len(bc.options.Permissions))
		for _, p := range bc.options.Permissions {
			perms = append(perms, cdpbrowser.PermissionType(p))
		}
		setup = append(setup, browserAction(func(ctx context.Context, id cdp.BrowserContextID) error {
			return cdpbrowser.GrantPermissions(perms).WithBrowserContextID(id).Do(ctx)
		}))
	}
	if seed := cmd.Storage; seed != nil {
		if len(seed.Cookies) > 0 {
			cookies := toCDPCookies(seed.Cookies)
			setup = append(setup, browserAction(func(ctx context.Context, id cdp.BrowserContextID) error {
				return storage.SetCookies(cookies).WithBrowserContextID(id).Do(ctx)
			}))
		}
		script, err := domscript.SeedScript(seed.Origins)
		if err != nil {
			cancel()
			return driver.Response{}, err
		}
		bc.seed = script
		bc.origins = seed.Clone().Origins
	}
	if err := d.run(ctx, root, setup...); err != nil {
		cancel()
		return driver.Response{}, fmt.Errorf("new context: %w", err)
	}

	d.mu.Lock()
	d.contexts[bc.id] = bc
	d.mu.Unlock()
	return driver.Response{ContextID: bc.id}, nil
}

// browserAction runs fn against the browser target with the browser
// context id of the target it runs on.
func browserAction(fn func(ctx context.Context, id cdp.BrowserContextID) error) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		c := chromedp.FromContext(ctx)
		return fn(cdp.WithExecutor(ctx, c.Browser), c.BrowserContextID)
	})
}

func (d *CDPDriver) newPage(ctx context.Context, cmd driver.Command) (driver.Response, error) {
	bc, err := d.context(cmd.ContextID)
	if err != nil {
		return driver.Response{}, err
	}
	pctx, cancel := chromedp.NewContext(bc.ctx)

	var setup []chromedp.Action
	if vp := bc.options.Viewport; vp != nil {
		setup = append(setup, chromedp.EmulateViewport(int64(vp.Width), int64(vp.Height)))
	}
	if ua := bc.options.UserAgent; ua != "" {
		override := emulation.SetUserAgentOverride(ua)
		if bc.options.Locale != "" {
			override = override.WithAcceptLanguage(bc.options.Locale)
		}
		setup = append(setup, override)
	}
	if loc := bc.options.Locale; loc != "" {
		setup = append(setup, emulation.SetLocaleOverride().WithLocale(loc))
	}
	if bc.seed != "" {
		seed := bc.seed
		setup = append(setup, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := cdppage.AddScriptToEvaluateOnNewDocument(seed).Do(ctx)
			return err
		}))
	}
	if err := allocate(ctx, pctx, cancel, setup...); err != nil {
		return driver.Response{}, fmt.Errorf("new page: %w", err)
	}

	p := &cdpPage{id: "page-" + uuid.NewString()[:8], ctx: pctx, cancel: cancel, bc: bc}
	p.dom = domscript.New(func(ctx context.Context, expr string) (string, error) {
		var out string
		err := d.run(ctx, pctx, chromedp.Evaluate(expr, &out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
		return out, err
	})
	d.mu.Lock()
	bc.pages[p.id] = p
	d.pages[p.id] = p
	d.mu.Unlock()
	return driver.Response{PageID: p.id, URL: "about:blank"}, nil
}

func (d *CDPDriver) info(ctx context.Context, p *cdpPage) (driver.Response, error) {
	var url, title string
	if err := d.run(ctx, p.ctx, chromedp.Location(&url), chromedp.Title(&title)); err != nil {
		return driver.Response{}, err
	}
	return driver.Response{URL: url, Title: title}, nil
}

func (d *CDPDriver) storage(ctx context.Context, bc *cdpContext) (*driver.StorageState, error) {
	var cookies []driver.Cookie
	err := d.run(ctx, bc.ctx, browserAction(func(ctx context.Context, id cdp.BrowserContextID) error {
		raw, err := storage.GetCookies().WithBrowserContextID(id).Do(ctx)
		if err != nil {
			return err
		}
		cookies = fromCDPCookies(raw)
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("storage state: %w", err)
	}

	d.mu.Lock()
	pages := make([]*cdpPage, 0, len(bc.pages))
	for _, p := range bc.pages {
		pages = append(pages, p)
	}
	d.mu.Unlock()
	for _, p := range pages {
		ls, err := p.dom.LocalStorage(ctx)
		if err != nil {
			logging.Debugf("[browser] Local storage of %s unavailable: %v", p.id, err)
			continue
		}
		bc.origins = domscript.MergeOrigins(bc.origins, ls)
	}

	st := &driver.StorageState{Cookies: cookies, Origins: []driver.OriginState{}}
	st.Origins = append(st.Origins, bc.origins...)
	return st.Clone(), nil
}

func (d *CDPDriver) dispatch(ctx context.Context, p *cdpPage, id string, in driver.Input) ([]string, error) {
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
		if in.Type == driver.InputHover {
			return nil, d.run(ctx, p.ctx, chromedp.MouseEvent(input.MouseMoved, pt.X, pt.Y))
		}
		return nil, d.run(ctx, p.ctx, chromedp.MouseClickXY(pt.X, pt.Y))
	case driver.InputFill:
		return nil, p.dom.Fill(ctx, id, in.Text)
	case driver.InputPress:
		if err := p.dom.Focus(ctx, id); err != nil {
			return nil, err
		}
		key, mods, err := parseChord(in.Text)
		if err != nil {
			return nil, err
		}
		return nil, d.run(ctx, p.ctx, chromedp.KeyEvent(key, chromedp.KeyModifiers(mods...)))
	case driver.InputSelect:
		return p.dom.Select(ctx, id, in.Values)
	case driver.InputUpload:
		sel, release, err := p.dom.Mark(ctx, id)
		if err != nil {
			return nil, err
		}
		defer release(context.WithoutCancel(ctx))
		return nil, d.run(ctx, p.ctx, chromedp.SetUploadFiles(sel, in.Values, chromedp.ByQuery))
	}
	return nil, fmt.Errorf("%w: input %q", driver.ErrUnsupported, in.Type)
}

func (d *CDPDriver) screenshot(ctx context.Context, p *cdpPage, id string, fullPage bool) ([]byte, error) {
	var buf []byte
	if id == "" {
		var action chromedp.Action = chromedp.CaptureScreenshot(&buf)
		if fullPage {
			action = chromedp.FullScreenshot(&buf, 100)
		}
		return buf, d.run(ctx, p.ctx, action)
	}
	sel, release, err := p.dom.Mark(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release(context.WithoutCancel(ctx))
	return buf, d.run(ctx, p.ctx, chromedp.Screenshot(sel, &buf, chromedp.ByQuery))
}

var namedKeys = map[string]string{
	"Enter":      kb.Enter,
	"Tab":        kb.Tab,
	"Escape":     kb.Escape,
	"Backspace":  kb.Backspace,
	"Delete":     kb.Delete,
	"ArrowUp":    kb.ArrowUp,
	"ArrowDown":  kb.ArrowDown,
	"ArrowLeft":  kb.ArrowLeft,
	"ArrowRight": kb.ArrowRight,
	"Home":       kb.Home,
	"End":        kb.End,
	"PageUp":     kb.PageUp,
	"PageDown":   kb.PageDown,
	"Space":      " ",
}

var modifierKeys = map[string]input.Modifier{
	"Alt":     input.ModifierAlt,
	"Control": input.ModifierCtrl,
	"Meta":    input.ModifierMeta,
	"Shift":   input.ModifierShift,
}

// parseChord splits a key chord such as "Control+Shift+A" into the key and
// its modifiers.
func parseChord(chord string) (string, []input.Modifier, error) {
	parts := strings.Split(chord, "+")
	// "+" itself and chords ending in "+" name the plus key.
	if strings.HasSuffix(chord, "++") || chord == "+" {
		parts = append(parts[:len(parts)-2], "+")
	}
	var mods []input.Modifier
	for _, m := range parts[:len(parts)-1] {
		mod, ok := modifierKeys[m]
		if !ok {
			return "", nil, fmt.Errorf("unknown modifier %q in %q", m, chord)
		}
		mods = append(mods, mod)
	}
	key := parts[len(parts)-1]
	if named, ok := namedKeys[key]; ok {
		return named, mods, nil
	}
	if len([]rune(key)) != 1 {
		return "", nil, fmt.Errorf("unknown key %q", key)
	}
	return key, mods, nil
}
