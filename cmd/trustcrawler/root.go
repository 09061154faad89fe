package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/trust-crawler/internal/app"
	"github.com/JakeFAU/trust-crawler/internal/config"
	"github.com/JakeFAU/trust-crawler/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory; tests replace it.
var newApp = app.New

// NewRootCmd creates the root command for trustcrawler.
func NewRootCmd() *cobra.Command {
	var (
		cfgFile string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "trustcrawler",
		Short: "Trust-propagating web crawler and keyword search",
		Long: `trustcrawler maintains a link graph seeded by explicitly trusted pages.
Trust flows along links each tick; pages that become trusted enough are crawled
in order of trust, and their keywords become searchable.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the application after config is loaded and before the
		// subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			applyFlagOverrides(cmd, &cfg)
			if verbose {
				cfg.Logging.Level = "debug"
			}
			if cfg.Tracing.ServiceVersion == "" {
				cfg.Tracing.ServiceVersion = getVersion()
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				_ = logger.Sync()
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				appInstance.Close()
			}
			_ = zap.L().Sync()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSubmitCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// applyFlagOverrides copies explicitly set subcommand flags onto cfg.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if f := flags.Lookup("port"); f != nil && f.Changed {
		if port, err := flags.GetInt("port"); err == nil {
			cfg.Server.Port = port
		}
	}
	if f := flags.Lookup("no-scheduler"); f != nil && f.Changed {
		if off, err := flags.GetBool("no-scheduler"); err == nil && off {
			cfg.Scheduler.Enabled = false
		}
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
