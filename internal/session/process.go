// Package session owns the BrowserProcess → Context → Page hierarchy and
// rejects operations on objects that were already closed.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neboloop/pagewright/internal/driver"
	"github.com/neboloop/pagewright/internal/errs"
)

// closeTimeout bounds best-effort driver cleanup during Close.
const closeTimeout = 5 * time.Second

// Launcher opens a driver connection to a fresh browser.
type Launcher func(ctx context.Context) (driver.Driver, error)

// ProcessOptions configure a BrowserProcess.
type ProcessOptions struct {
	Logger *slog.Logger
	// MaxPagesPerContext caps Context.NewPage; 0 means unlimited.
	MaxPagesPerContext int
}

// BrowserProcess is one driver connection and the contexts opened through it.
type BrowserProcess struct {
	mu sync.RWMutex

	id       string
	drv      driver.Driver
	logger   *slog.Logger
	maxPages int
	contexts map[string]*Context
	closed   bool
	lost     error
}

// Launch starts a browser through l. Any launcher failure is a
// session creation error.
func Launch(ctx context.Context, l Launcher, opts ProcessOptions) (*BrowserProcess, error) {
	drv, err := l(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.SessionCreation, "launch browser", err)
	}
	return NewProcess(drv, opts), nil
}

// NewProcess wraps an already connected driver.
func NewProcess(drv driver.Driver, opts ProcessOptions) *BrowserProcess {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := "proc-" + uuid.NewString()[:8]
	return &BrowserProcess{
		id:       id,
		drv:      drv,
		logger:   logger.With("component", "session", "process", id),
		maxPages: opts.MaxPagesPerContext,
		contexts: make(map[string]*Context),
	}
}

// ID returns the process id.
func (b *BrowserProcess) ID() string { return b.id }

// Closed reports whether Close was called.
func (b *BrowserProcess) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Lost returns the channel-lost error once the driver connection broke.
func (b *BrowserProcess) Lost() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lost
}

// send forwards to the driver and latches channel loss.
func (b *BrowserProcess) send(ctx context.Context, cmd driver.Command) (driver.Response, error) {
	b.mu.RLock()
	lost := b.lost
	b.mu.RUnlock()
	if lost != nil {
		return driver.Response{}, lost
	}

	resp, err := b.drv.Send(ctx, cmd)
	if err != nil && driver.IsChannelLost(err) {
		b.mu.Lock()
		if b.lost == nil {
			b.lost = err
			b.logger.Warn("driver channel lost", "error", err)
		}
		b.mu.Unlock()
	}
	return resp, err
}

// NewContext opens an isolated context. When snap is non-nil its cookies and
// local storage are seeded before the context is returned, so they are in
// place before any navigation.
func (b *BrowserProcess) NewContext(ctx context.Context, opts ContextOptions, snap *StorageSnapshot) (*Context, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, errs.Newf(errs.UseAfterClose, "browser process %s is closed", b.id)
	}

	cmd := driver.Command{Kind: driver.CmdNewContext, Options: opts.driverOptions()}
	if snap != nil {
		cmd.Storage = snap.State()
	}
	resp, err := b.send(ctx, cmd)
	if err != nil {
		return nil, errs.Wrap(errs.SessionCreation, "create context", err)
	}

	if opts.MaxPages == 0 {
		opts.MaxPages = b.maxPages
	}
	c := &Context{
		id:    resp.ContextID,
		proc:  b,
		opts:  opts,
		pages: make(map[string]*Page),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		c.release()
		return nil, errs.Newf(errs.UseAfterClose, "browser process %s is closed", b.id)
	}
	b.contexts[c.id] = c
	b.mu.Unlock()

	b.logger.Debug("context created", "context", c.id, "seeded", snap != nil)
	return c, nil
}

// Contexts returns the open contexts.
func (b *BrowserProcess) Contexts() []*Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Context, 0, len(b.contexts))
	for _, c := range b.contexts {
		out = append(out, c)
	}
	return out
}

func (b *BrowserProcess) forget(c *Context) {
	b.mu.Lock()
	delete(b.contexts, c.id)
	b.mu.Unlock()
}

// Close closes every context and then the driver. Closing twice is a no-op.
func (b *BrowserProcess) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	contexts := make([]*Context, 0, len(b.contexts))
	for _, c := range b.contexts {
		contexts = append(contexts, c)
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	for _, c := range contexts {
		if err := c.Close(ctx); err != nil {
			b.logger.Debug("context close during shutdown", "context", c.id, "error", err)
		}
	}

	b.logger.Debug("browser process closed")
	return b.drv.Close()
}
