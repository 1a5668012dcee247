package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/airsend/airsend-core/v1/dispatch"
	"github.com/airsend/airsend-core/v1/pathlock"
)

func newWorkerCommand(a *app) *cobra.Command {
	var sweepEvery time.Duration
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume background topics and replay their events",
		Long: "Consume the configured topics (--topic, repeatable) as member of --groupid and replay\n" +
			"every event to the in-process subscribers, or relay it to --bridge-url when set.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runWorker(cmd.Context(), sweepEvery)
		},
	}
	cmd.Flags().DurationVar(&sweepEvery, "sweep-interval", time.Minute, "how often expired locks are purged; zero disables the sweep")
	return cmd
}

func (a *app) runWorker(ctx context.Context, sweepEvery time.Duration) error {
	var proc dispatch.Processor
	if a.cfg.BridgeURL != "" {
		proc = dispatch.NewBridgeClient(a.cfg.BridgeURL, a.cfg.BridgeSecret, dispatch.WithLogger(a.logger))
	} else {
		watch, err := a.watchBus(ctx)
		if err != nil {
			return err
		}
		c, err := a.eventConsumer(ctx, watch)
		if err != nil {
			return err
		}
		proc = c
	}
	consumer, err := a.consumer()
	if err != nil {
		return err
	}
	var locks *pathlock.Service
	if sweepEvery > 0 {
		if locks, err = a.pathLocks(ctx); err != nil {
			return err
		}
	}

	a.logger.Info("starting worker", "transport", a.cfg.Transport, "group", a.cfg.GroupID, "topics", a.cfg.Topics, "bridge", a.cfg.BridgeURL != "")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatch.NewWorker(proc, dispatch.WithLogger(a.logger)).Run(ctx, consumer)
	})
	if locks != nil {
		g.Go(func() error {
			sweepLoop(ctx, locks, sweepEvery, a.logger)
			return nil
		})
	}
	return g.Wait()
}

func sweepLoop(ctx context.Context, locks *pathlock.Service, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := locks.Sweep(ctx); err != nil {
				logger.Error("lock sweep failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
