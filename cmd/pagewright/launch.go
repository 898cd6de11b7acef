package cli

import (
	"context"
	"fmt"

	"github.com/neboloop/pagewright/internal/browser"
	"github.com/neboloop/pagewright/internal/config"
	"github.com/neboloop/pagewright/internal/driver"
	"github.com/neboloop/pagewright/internal/driver/memdriver"
	"github.com/neboloop/pagewright/internal/driver/wsdriver"
	"github.com/neboloop/pagewright/internal/logging"
	"github.com/neboloop/pagewright/internal/session"
)

// newLauncher returns the launcher for use.driver and a func that releases
// anything shared between launches.
func newLauncher(use config.Use) (session.Launcher, func(), error) {
	noop := func() {}
	switch use.Driver {
	case config.DriverPlaywright:
		opts := browser.PlaywrightOptions{
			Browser:        use.Browser,
			Headless:       use.IsHeadless(),
			ExecutablePath: use.ExecutablePath,
			CDPURL:         use.CDPURL,
		}
		stop := func() {
			if err := browser.StopPlaywright(); err != nil {
				logging.Warnf("[launch] Stopping playwright: %v", err)
			}
		}
		return func(ctx context.Context) (driver.Driver, error) {
			d, err := browser.LaunchPlaywright(ctx, opts)
			if err != nil {
				return nil, err
			}
			return d, nil
		}, stop, nil

	case config.DriverCDP:
		opts := browser.CDPOptions{
			Headless:       use.IsHeadless(),
			ExecutablePath: use.ExecutablePath,
			CDPURL:         use.CDPURL,
		}
		return func(ctx context.Context) (driver.Driver, error) {
			d, err := browser.LaunchCDP(ctx, opts)
			if err != nil {
				return nil, err
			}
			return d, nil
		}, noop, nil

	case config.DriverRemote:
		if use.RemoteURL == "" {
			return nil, nil, fmt.Errorf("driver %q needs use.remoteURL", use.Driver)
		}
		url := use.RemoteURL
		return func(ctx context.Context) (driver.Driver, error) {
			c, err := wsdriver.Dial(ctx, url, wsdriver.ClientOptions{})
			if err != nil {
				return nil, err
			}
			return c, nil
		}, noop, nil

	case config.DriverStatic:
		opts := memdriver.Options{Loader: memdriver.FetchLoader(nil)}
		if use.Viewport != nil {
			opts.Viewport = *use.Viewport
		}
		return func(context.Context) (driver.Driver, error) {
			return memdriver.New(opts), nil
		}, noop, nil
	}
	return nil, nil, fmt.Errorf("unknown driver %q", use.Driver)
}
