package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/clusterforge/pkg/config"
	"github.com/openfroyo/clusterforge/pkg/reconcile"
	"github.com/openfroyo/clusterforge/pkg/tasks"
	"github.com/openfroyo/clusterforge/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand() *cobra.Command {
	var (
		immediate  bool
		withWorker bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciliation scheduler",
		Long: `Run the reconciliation scheduler until interrupted.

Every reconcile.interval a pass is dispatched. Without nats.url the
sub-tasks run in an in-process worker pool; with it they are published for
'clusterforge worker' processes. Metrics are served on
telemetry.metrics.listen_address.

Changes of the config file to reconcile.interval and
telemetry.logging.level apply without a restart.`,
		Example: `  # Single process with the defaults
  clusterforge serve

  # Publish sub-tasks to remote workers and trigger a pass right away
  CLUSTERFORGE_NATS_URL=nats://nats:4222 clusterforge serve --immediate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				return serve(cmd.Context(), a, immediate, withWorker)
			})
		},
	}

	cmd.Flags().BoolVar(&immediate, "immediate", false, "dispatch a pass at startup")
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also consume NATS jobs in this process")
	return cmd
}

func serve(ctx context.Context, a *app, immediate, withWorker bool) error {
	logger := a.logger
	rec := a.reconciler()

	if a.cfg.Policy.Dir != "" {
		pe, loader, err := a.policies(ctx)
		if err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
		logger.Info().Strs("modules", pe.Modules()).Msg("Policies loaded")
		if a.cfg.Policy.Watch {
			if err := loader.Watch(ctx, pe); err != nil {
				return err
			}
			defer loader.Close()
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	var dispatcher tasks.Dispatcher
	if a.cfg.NATS.URL == "" {
		pool := a.pool(rec)
		pool.Start(ctx)
		defer pool.Stop()
		dispatcher = pool
		logger.Info().Int("workers", a.cfg.Workers.Count).Msg("Running sub-tasks in process")
	} else {
		conn, err := tasks.Connect(a.cfg.NATS.URL, "clusterforge-serve", logger)
		if err != nil {
			return err
		}
		defer conn.Close()
		dispatcher = tasks.NewNATSDispatcher(conn, a.cfg.NATS.Subject)
		logger.Info().Str("url", a.cfg.NATS.URL).Str("subject", a.cfg.NATS.Subject).Msg("Publishing sub-tasks")

		if withWorker {
			pool := a.pool(rec)
			pool.Start(ctx)
			defer pool.Stop()
			worker := tasks.NewNATSWorker(conn, a.cfg.NATS.Subject, a.cfg.NATS.Queue, pool, logger)
			g.Go(func() error { return worker.Run(ctx) })
		}
	}
	rec.SetDispatcher(dispatcher)

	intervals := make(chan time.Duration, 1)
	config.Watch(vp, logger, func(next *config.Config) {
		telemetry.SetLevel(next.Telemetry.Logging.Level)
		// keep only the latest interval
		for {
			select {
			case intervals <- next.Reconcile.Interval:
				return
			default:
			}
			select {
			case <-intervals:
			default:
			}
		}
	})

	g.Go(func() error {
		return runScheduler(ctx, dispatcher, a.cfg.Reconcile.Interval, intervals, immediate, logger)
	})

	g.Go(func() error {
		return a.tel.Metrics.Serve(ctx, logger)
	})

	g.Go(func() error {
		return countLoop(ctx, a, rec, a.cfg.Reconcile.Interval)
	})

	logger.Info().Dur("interval", a.cfg.Reconcile.Interval).Msg("Serving")
	err := g.Wait()
	logger.Info().Msg("Shutting down")
	return err
}

// runScheduler keeps one Scheduler running and replaces it whenever a new
// interval arrives.
func runScheduler(ctx context.Context, d tasks.Dispatcher, interval time.Duration, intervals <-chan time.Duration, immediate bool, logger zerolog.Logger) error {
	for {
		sched, err := reconcile.NewScheduler(d, interval, logger)
		if err != nil {
			return err
		}
		if immediate {
			if err := sched.Trigger(ctx); err != nil {
				logger.Error().Err(err).Msg("Failed to dispatch reconciliation")
			}
			immediate = false
		}

		schedCtx, cancel := context.WithCancel(ctx)
		done := sched.Start(schedCtx)

		var next time.Duration
	wait:
		for {
			select {
			case <-ctx.Done():
				break wait
			case next = <-intervals:
				if next != interval {
					break wait
				}
			}
		}
		cancel()
		<-done

		if ctx.Err() != nil {
			return nil
		}
		logger.Info().Dur("from", interval).Dur("to", next).Msg("Reconcile interval changed")
		interval = next
	}
}

// countLoop publishes the cluster state gauge every interval.
func countLoop(ctx context.Context, a *app, rec *reconcile.Reconciler, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		namespaces, err := rec.Namespaces(ctx)
		if err == nil {
			err = a.countClusters(ctx, namespaces)
		}
		if err != nil && ctx.Err() == nil {
			a.logger.Warn().Err(err).Msg("Failed to count clusters")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
