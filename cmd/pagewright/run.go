package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/neboloop/pagewright/internal/config"
	"github.com/neboloop/pagewright/internal/crashlog"
	"github.com/neboloop/pagewright/internal/db"
	"github.com/neboloop/pagewright/internal/logging"
	"github.com/neboloop/pagewright/internal/metrics"
	"github.com/neboloop/pagewright/internal/report"
	"github.com/neboloop/pagewright/internal/scheduler"
	"github.com/neboloop/pagewright/internal/session"
	"github.com/neboloop/pagewright/internal/suite"
)

// runOptions are the run command's flags after parsing.
type runOptions struct {
	paths       []string
	projects    []string
	watch       bool
	metricsAddr string
}

// RunCmd runs suites and exits non-zero when any test failed.
func RunCmd() *cobra.Command {
	var (
		opts       runOptions
		workers    int
		retries    int
		grep       string
		grepInvert string
		reporters  []string
	)
	cmd := &cobra.Command{
		Use:   "run [paths...]",
		Short: "Run test suites",
		Long: `Run the suites under testDir, or only the files and directories given.

Each worker owns one browser. Failed tests are retried up to --retries times;
a test that passes on a retry is reported as flaky.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := *Loaded
			flags := cmd.Flags()
			if flags.Changed("workers") {
				c.Workers = workers
			}
			if flags.Changed("retries") {
				c.Retries = retries
			}
			if flags.Changed("grep") {
				c.Grep = grep
			}
			if flags.Changed("grep-invert") {
				c.GrepInvert = grepInvert
			}
			if flags.Changed("reporter") {
				c.Reporter = reporters
			}
			if err := c.Validate(); err != nil {
				return err
			}
			opts.paths = args

			ctx, cancel := signalContext()
			defer cancel()
			return runTests(ctx, &c, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "j", 0, "number of parallel workers")
	cmd.Flags().IntVar(&retries, "retries", 0, "retries per failed test")
	cmd.Flags().StringVarP(&grep, "grep", "g", "", "only run tests matching this regexp")
	cmd.Flags().StringVar(&grepInvert, "grep-invert", "", "skip tests matching this regexp")
	cmd.Flags().StringSliceVar(&reporters, "reporter", nil, "list, json or sqlite (repeatable)")
	cmd.Flags().StringSliceVarP(&opts.projects, "project", "p", nil, "only run these projects")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "re-run changed suites until interrupted")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(os.Stderr, "\nReceived signal: %v - stopping...\n", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// runner holds what every run of one invocation shares.
type runner struct {
	cfg      *config.Config
	opts     runOptions
	launcher session.Launcher
	metrics  *metrics.Metrics
	store    *db.Store
	out      io.Writer
}

func runTests(ctx context.Context, c *config.Config, opts runOptions, out io.Writer) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if opts.metricsAddr != "" {
		stop, err := serveMetrics(opts.metricsAddr, reg)
		if err != nil {
			return err
		}
		defer stop()
	}

	launcher, release, err := newLauncher(c.Use)
	if err != nil {
		return err
	}
	defer release()

	r := &runner{cfg: c, opts: opts, launcher: launcher, metrics: metrics.New(reg), out: out}
	if slices.Contains(c.Reporter, "sqlite") {
		store, err := db.NewSQLite(c.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		crashlog.Init(store)
		defer crashlog.Init(nil)
		r.store = store
	}

	if c.Setup != "" {
		if err := r.setup(ctx); err != nil {
			return err
		}
	}

	files, err := suite.LoadPaths(c.TestDir, opts.paths)
	if err != nil {
		return err
	}
	run, err := r.run(ctx, files)
	if err != nil {
		return err
	}
	if opts.watch {
		return r.watch(ctx)
	}
	if !run.OK() {
		return &ExitError{Code: run.ExitCode()}
	}
	return nil
}

// setup runs the setup suite alone. Its storage snapshots are on disk
// before the projects that read them are built.
func (r *runner) setup(ctx context.Context) error {
	f, err := suite.Load(r.cfg.Setup, filepath.ToSlash(filepath.Clean(r.cfg.Setup)))
	if err != nil {
		return err
	}
	use := r.cfg.Use
	s, err := scheduler.New(scheduler.Options{
		Workers:            1,
		Retries:            0,
		TestTimeout:        r.cfg.TestTimeout(),
		ActionTimeout:      r.cfg.ActionTimeout(),
		ExpectTimeout:      r.cfg.ExpectTimeout(),
		PollInterval:       r.cfg.PollInterval(),
		Projects:           []scheduler.Project{{Name: "setup", Context: contextOptions(use), TestIDAttribute: use.TestIDAttribute}},
		Launcher:           r.launcher,
		MaxPagesPerContext: r.cfg.MaxPagesPerContext,
		OutputDir:          r.cfg.OutputDir,
		Logger:             logging.Default(),
		Metrics:            r.metrics,
		Reporter:           report.NewList(r.out),
	})
	if err != nil {
		return err
	}
	run, err := s.Run(ctx, []*scheduler.File{f})
	if err != nil {
		return err
	}
	if !run.OK() {
		return fmt.Errorf("setup %s failed", r.cfg.Setup)
	}
	return nil
}

func (r *runner) run(ctx context.Context, files []*scheduler.File) (*report.Run, error) {
	projects, err := buildProjects(r.cfg, r.opts.projects, true)
	if err != nil {
		return nil, err
	}
	filter, err := buildFilter(r.cfg)
	if err != nil {
		return nil, err
	}
	rep, err := buildReporter(r.cfg, r.out, r.store)
	if err != nil {
		return nil, err
	}
	s, err := scheduler.New(scheduler.Options{
		Workers:            r.cfg.Workers,
		Retries:            r.cfg.Retries,
		TestTimeout:        r.cfg.TestTimeout(),
		GlobalTimeout:      r.cfg.GlobalTimeout(),
		ActionTimeout:      r.cfg.ActionTimeout(),
		ExpectTimeout:      r.cfg.ExpectTimeout(),
		PollInterval:       r.cfg.PollInterval(),
		FullyParallel:      r.cfg.FullyParallel,
		Filter:             filter,
		Projects:           projects,
		Launcher:           r.launcher,
		MaxPagesPerContext: r.cfg.MaxPagesPerContext,
		OutputDir:          r.cfg.OutputDir,
		Logger:             logging.Default(),
		Metrics:            r.metrics,
		Reporter:           rep,
	})
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, files)
}

// watch re-runs changed suite files until ctx ends. Changes that arrive
// during a run are batched into the next one.
func (r *runner) watch(ctx context.Context) error {
	var (
		mu      sync.Mutex
		pending = make(map[string]bool)
		notify  = make(chan struct{}, 1)
	)
	w := suite.NewWatcher(r.cfg.TestDir, func(paths []string) {
		mu.Lock()
		for _, p := range paths {
			pending[p] = true
		}
		mu.Unlock()
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()
	logging.Infof("Watching %s for changes (Ctrl+C to stop)", r.cfg.TestDir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-notify:
		}
		mu.Lock()
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		clear(pending)
		mu.Unlock()
		slices.Sort(paths)

		files, err := loadChanged(r.cfg.TestDir, paths)
		if err != nil {
			logging.Errorf("Reload failed: %v", err)
			continue
		}
		if len(files) == 0 {
			continue
		}
		if _, err := r.run(ctx, files); err != nil {
			logging.Errorf("Run failed: %v", err)
		}
	}
}

// loadChanged loads the suite files among paths that still exist, named
// relative to dir as a full run names them.
func loadChanged(dir string, paths []string) ([]*scheduler.File, error) {
	var files []*scheduler.File
	for _, p := range paths {
		if !suite.IsSuiteFile(p) {
			continue
		}
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		name := filepath.Clean(p)
		if rel, err := filepath.Rel(dir, p); err == nil {
			name = rel
		}
		f, err := suite.Load(p, filepath.ToSlash(name))
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// buildProjects resolves configured projects, keeping only names when any
// are given. Storage snapshots are read from disk when loadStorage is set.
func buildProjects(c *config.Config, names []string, loadStorage bool) ([]scheduler.Project, error) {
	var out []scheduler.Project
	for _, p := range c.ProjectUse() {
		if len(names) > 0 && !slices.Contains(names, p.Name) {
			continue
		}
		sp := scheduler.Project{
			Name:            p.Name,
			Context:         contextOptions(p.Use),
			Screenshot:      p.Use.Screenshot,
			TestIDAttribute: p.Use.TestIDAttribute,
		}
		if loadStorage && p.Use.StorageState != "" {
			snap, err := session.LoadSnapshot(p.Use.StorageState)
			if err != nil {
				return nil, fmt.Errorf("project %q: %w", p.Name, err)
			}
			sp.Storage = snap
		}
		out = append(out, sp)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no project matches %v", names)
	}
	return out, nil
}

func contextOptions(u config.Use) session.ContextOptions {
	return session.ContextOptions{
		BaseURL:     u.BaseURL,
		Viewport:    u.Viewport,
		UserAgent:   u.UserAgent,
		Locale:      u.Locale,
		Permissions: u.Permissions,
	}
}

func buildFilter(c *config.Config) (scheduler.Filter, error) {
	var f scheduler.Filter
	var err error
	if c.Grep != "" {
		if f.Grep, err = regexp.Compile(c.Grep); err != nil {
			return f, fmt.Errorf("grep: %w", err)
		}
	}
	if c.GrepInvert != "" {
		if f.GrepInvert, err = regexp.Compile(c.GrepInvert); err != nil {
			return f, fmt.Errorf("grep-invert: %w", err)
		}
	}
	return f, nil
}

// buildReporter creates fresh reporters for one run.
func buildReporter(c *config.Config, out io.Writer, store *db.Store) (report.Reporter, error) {
	var rs []report.Reporter
	for _, name := range c.Reporter {
		switch name {
		case "list":
			rs = append(rs, report.NewList(out))
		case "json":
			rs = append(rs, report.NewJSONFile(filepath.Join(c.OutputDir, "results.json")))
		case "sqlite":
			if store == nil {
				return nil, fmt.Errorf("sqlite reporter needs an open store")
			}
			rs = append(rs, db.NewReporter(store))
		default:
			return nil, fmt.Errorf("unknown reporter %q", name)
		}
	}
	return report.Multi(rs...), nil
}

// serveMetrics exposes reg on addr until the returned func is called.
func serveMetrics(addr string, reg *prometheus.Registry) (func(), error) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("metrics server: %w", err)
	case <-time.After(50 * time.Millisecond):
	}
	logging.Infof("Serving metrics on http://%s/metrics", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
