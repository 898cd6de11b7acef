package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/neboloop/pagewright/internal/config"
	"github.com/neboloop/pagewright/internal/driver/wsdriver"
	"github.com/neboloop/pagewright/internal/logging"
)

// ServeDriverCmd hosts local browsers for remote runners.
func ServeDriverCmd() *cobra.Command {
	var (
		addr       string
		driverName string
		maxInfl    int
	)
	cmd := &cobra.Command{
		Use:   "serve-driver",
		Short: "Serve browsers to remote runners over websocket",
		Long: `Serve a browser driver on ws://ADDR/driver. Each connection gets its own
browser, closed when the runner disconnects. Point a runner at it with
use.driver: remote and use.remoteURL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			use := Loaded.Use
			if driverName != "" {
				use.Driver = driverName
			}
			if use.Driver == config.DriverRemote {
				return fmt.Errorf("serve-driver cannot serve a remote driver")
			}
			launcher, release, err := newLauncher(use)
			if err != nil {
				return err
			}
			defer release()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector())
			server := wsdriver.NewServer(wsdriver.ServerOptions{
				Factory:     wsdriver.Factory(launcher),
				Logger:      logging.Component("serve-driver"),
				Registry:    reg,
				MaxInflight: maxInfl,
			})

			ctx, cancel := signalContext()
			defer cancel()
			return serveDriver(ctx, addr, server)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9323", "listen address")
	cmd.Flags().StringVar(&driverName, "driver", "", "playwright, cdp or static (default: use.driver)")
	cmd.Flags().IntVar(&maxInfl, "max-inflight", 0, "concurrent commands per connection (default 64)")
	return cmd
}

func serveDriver(ctx context.Context, addr string, server *wsdriver.Server) error {
	srv := &http.Server{Addr: addr, Handler: server.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		server.Close()
	}()

	logging.Infof("Serving driver on ws://%s%s", addr, wsdriver.Path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
