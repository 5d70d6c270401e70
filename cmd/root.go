// Package cmd defines the CLI commands of the scholar-scraper executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hivemind-academic/scholar-scraper/internal/config"
	"github.com/hivemind-academic/scholar-scraper/internal/logging"
)

const serviceName = "scholar-scraper"

type runtimeKey struct{}

// runtime carries what PersistentPreRunE loaded to the subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

type rootOptions struct {
	configFile string
	env        string
}

func newRootCmd() *cobra.Command {
	var opts rootOptions
	cmd := &cobra.Command{
		Use:   serviceName,
		Short: "Scrapes YÖK Akademik scholar profiles into Postgres.",
		Long: `scholar-scraper consumes list and detail tasks from RabbitMQ, fetches
department listings and scholar profiles from YÖK Akademik, and persists
every scholar with their publications, courses, theses and duties.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configFile, opts.env)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				Service:     serviceName,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, &runtime{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, err := resolveRuntime(cmd.Context()); err == nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default is config.<env>.yaml)")
	cmd.PersistentFlags().StringVar(&opts.env, "env", "", "environment: development or production (default $SCRAPER_ENV)")

	cmd.AddCommand(newWorkCmd())
	cmd.AddCommand(newEnqueueCmd())
	cmd.AddCommand(newMigrateCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	if ctx == nil {
		return nil, errors.New("configuration not loaded")
	}
	rt, ok := ctx.Value(runtimeKey{}).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
