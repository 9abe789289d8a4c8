package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass",
		Long: `Run one reconciliation pass in process and wait for it to finish.

Every cluster of every organization namespace and of the default namespace
gets its Kubernetes status and backend state refreshed. Clusters stuck in
Deploying longer than reconcile.provision_timeout are moved to Error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				rec := a.reconciler()
				pool := a.pool(rec)
				rec.SetDispatcher(pool)

				start := time.Now()
				pool.Start(ctx)
				passErr := rec.ReconcileAll(ctx)
				// Stop drains the queued sub-tasks
				pool.Stop()

				namespaces, err := rec.Namespaces(ctx)
				if err != nil {
					return err
				}
				if err := a.countClusters(ctx, namespaces); err != nil {
					return err
				}

				type result struct {
					Namespace string `json:"namespace"`
					ID        string `json:"id"`
					Name      string `json:"name"`
					State     string `json:"state"`
					Status    bool   `json:"status_cached"`
					Backend   bool   `json:"backend_cached"`
				}
				var (
					results []result
					rows    [][]string
				)
				for _, ns := range namespaces {
					clusters, err := a.manager.ListClusters(ctx, ns)
					if err != nil {
						return err
					}
					for _, c := range clusters {
						_, hasStatus, _ := rec.CachedStatus(ctx, c.ID())
						_, hasBackend, _ := rec.CachedBackendData(ctx, c.ID())
						r := result{ns, c.ID(), c.Name(), string(c.State()), hasStatus, hasBackend}
						results = append(results, r)
						rows = append(rows, []string{ns, r.ID, r.Name, r.State, boolMark(hasStatus), boolMark(hasBackend)})
					}
				}

				log.Info().
					Int("namespaces", len(namespaces)).
					Int("clusters", len(results)).
					Dur("duration", time.Since(start)).
					Msg("Reconciliation finished")

				if err := printTable(results, []string{"NAMESPACE", "ID", "NAME", "STATE", "STATUS", "BACKEND"}, rows); err != nil {
					return err
				}
				if passErr != nil {
					return fmt.Errorf("reconciliation incomplete: %w", passErr)
				}
				return nil
			})
		},
	}
	return cmd
}
