package commands

import (
	"errors"
	"os"

	"github.com/openfroyo/clusterforge/pkg/tasks"
	"github.com/spf13/cobra"
)

func newWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume reconciliation jobs from NATS",
		Long: `Consume reconciliation jobs published by 'clusterforge serve' and run them
in a local worker pool. Workers share a queue group so each job runs once.
Sub-tasks of a reconcile_all job are published back to the subject.

Requires nats.url and a shared cache (cache.backend: redis) so locks hold
across workers.`,
		Example: `  CLUSTERFORGE_NATS_URL=nats://nats:4222 CLUSTERFORGE_CACHE_BACKEND=redis clusterforge worker`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.NATS.URL == "" {
				return errors.New("worker needs nats.url")
			}

			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				if a.cfg.Cache.Backend == "memory" {
					a.logger.Warn().Msg("Memory cache does not share locks with other workers")
				}

				hostname, _ := os.Hostname()
				conn, err := tasks.Connect(a.cfg.NATS.URL, "clusterforge-worker-"+hostname, a.logger)
				if err != nil {
					return err
				}
				defer conn.Close()

				rec := a.reconciler()
				rec.SetDispatcher(tasks.NewNATSDispatcher(conn, a.cfg.NATS.Subject))

				pool := a.pool(rec)
				pool.Start(ctx)
				defer pool.Stop()

				metricsErr := make(chan error, 1)
				go func() { metricsErr <- a.tel.Metrics.Serve(ctx, a.logger) }()

				worker := tasks.NewNATSWorker(conn, a.cfg.NATS.Subject, a.cfg.NATS.Queue, pool, a.logger)
				if err := worker.Run(ctx); err != nil {
					return err
				}
				return <-metricsErr
			})
		},
	}
	return cmd
}
