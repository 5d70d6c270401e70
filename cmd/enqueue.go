package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hivemind-academic/scholar-scraper/internal/app"
	"github.com/hivemind-academic/scholar-scraper/internal/broker"
	"github.com/hivemind-academic/scholar-scraper/internal/config"
	"github.com/hivemind-academic/scholar-scraper/internal/task"
)

const flushTimeout = 30 * time.Second

// Enqueuer publishes task bodies; *broker.Client satisfies it.
type Enqueuer interface {
	Connect() error
	Publish(ctx context.Context, queue string, body []byte) error
	Flush(ctx context.Context) error
	Close() error
}

// newEnqueuer builds the publishing client. Tests replace it.
var newEnqueuer = func(cfg config.Config, logger *zap.Logger) Enqueuer {
	return broker.New(app.BrokerConfig(cfg), nil, logger.Named("broker"))
}

type enqueueOptions struct {
	urls       []string
	detail     bool
	externalID string
}

func newEnqueueCmd() *cobra.Command {
	var opts enqueueOptions
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Publish list or detail tasks",
		Example: `  scholar-scraper enqueue --url 'https://akademik.yok.gov.tr/AkademikArama/view/searchResultviewListAuthor.jsp?...'
  scholar-scraper enqueue --detail --url 'https://akademik.yok.gov.tr/AkademikArama/AkademisyenGorevOgrenimBilgileri?authorId=ABC'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEnqueue(cmd, opts)
		},
	}
	cmd.Flags().StringArrayVar(&opts.urls, "url", nil, "listing or profile URL (repeatable)")
	cmd.Flags().BoolVar(&opts.detail, "detail", false, "enqueue detail tasks instead of list tasks")
	cmd.Flags().StringVar(&opts.externalID, "yok-id", "", "author id for a single detail task (default: taken from the URL)")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runEnqueue(cmd *cobra.Command, opts enqueueOptions) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	queue, bodies, err := buildTasks(rt.cfg, opts)
	if err != nil {
		return err
	}

	client := newEnqueuer(rt.cfg, rt.logger)
	defer func() {
		if cerr := client.Close(); cerr != nil {
			rt.logger.Warn("close broker", zap.Error(cerr))
		}
	}()
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), flushTimeout)
	defer cancel()
	for _, body := range bodies {
		if err := client.Publish(ctx, queue, body); err != nil {
			return fmt.Errorf("publish task: %w", err)
		}
	}
	if err := client.Flush(ctx); err != nil {
		return fmt.Errorf("flush tasks: %w", err)
	}
	rt.logger.Info("tasks enqueued", zap.String("queue", queue), zap.Int("count", len(bodies)))
	fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d task(s) on %s\n", len(bodies), queue)
	return nil
}

func buildTasks(cfg config.Config, opts enqueueOptions) (string, [][]byte, error) {
	if len(opts.urls) == 0 {
		return "", nil, errors.New("at least one --url is required")
	}
	if opts.externalID != "" && (!opts.detail || len(opts.urls) > 1) {
		return "", nil, errors.New("--yok-id needs --detail and exactly one --url")
	}
	queue := cfg.Workers.ListQueue
	if opts.detail {
		queue = cfg.Workers.DetailQueue
	}
	bodies := make([][]byte, 0, len(opts.urls))
	for _, u := range opts.urls {
		msg := task.NewList(u)
		if opts.detail {
			id := opts.externalID
			if id == "" {
				var ok bool
				if id, ok = task.ExternalIDFromURL(u); !ok {
					return "", nil, fmt.Errorf("%s has no authorId; pass --yok-id", u)
				}
			}
			msg = task.NewDetail(u, id)
		}
		body, err := task.Encode(msg)
		if err != nil {
			return "", nil, err
		}
		if _, err := task.Decode(body, msg.Kind); err != nil {
			return "", nil, err
		}
		bodies = append(bodies, body)
	}
	return queue, bodies, nil
}
