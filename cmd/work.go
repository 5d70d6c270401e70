package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hivemind-academic/scholar-scraper/internal/app"
	"github.com/hivemind-academic/scholar-scraper/internal/config"
)

// Runner is the long-running worker process.
type Runner interface {
	Run(ctx context.Context) error
	Close()
}

// newRunner builds the worker process. Tests replace it.
var newRunner = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	return app.New(ctx, cfg, logger)
}

func newWorkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Consume list and detail tasks until interrupted",
		Long: `Connects to RabbitMQ, subscribes the list worker and the detail worker,
and serves the ops API. SIGINT or SIGTERM stops consuming, lets in-flight
tasks finish and closes every connection.`,
		Args: cobra.NoArgs,
		RunE: runWork,
	}
}

func runWork(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := newRunner(ctx, rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer runner.Close()

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run workers: %w", err)
	}
	rt.logger.Info("worker stopped")
	return nil
}
