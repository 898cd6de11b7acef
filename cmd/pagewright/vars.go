package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neboloop/pagewright/internal/config"
	"github.com/neboloop/pagewright/internal/logging"
)

// Shared CLI flags (used across multiple command files)
var (
	cfgFile   string
	logLevel  string
	logFormat string
)

// Loaded holds the configuration, set before any subcommand runs.
var Loaded *config.Config

// ExitError reports a non-zero exit status that was already explained on
// stdout.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// SetupRootCmd configures the root command with all subcommands and flags
func SetupRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pagewright",
		Short: "Pagewright - browser test runner",
		Long: `Pagewright runs YAML browser test suites across a pool of workers,
each driving its own browser, with auto-waiting locators and retries.

Run 'pagewright run' in a directory with a pagewright.yaml to get started.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultFile, "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides logLevel)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "text or json (overrides logFormat)")

	// Add commands
	rootCmd.AddCommand(RunCmd())
	rootCmd.AddCommand(ListCmd())
	rootCmd.AddCommand(ReportCmd())
	rootCmd.AddCommand(ServeDriverCmd())

	return rootCmd
}

func loadConfig() error {
	c, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := c.ApplyEnv(); err != nil {
		return err
	}
	if logLevel != "" {
		c.LogLevel = logLevel
	}
	if logFormat != "" {
		c.LogFormat = logFormat
	}
	logging.SetDefault(logging.New(logging.ParseLevel(c.LogLevel), logging.Format(c.LogFormat)))
	Loaded = &c
	return nil
}
