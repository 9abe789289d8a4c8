package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/openfroyo/clusterforge/pkg/engine"
	"github.com/openfroyo/clusterforge/pkg/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newProvisionerCommand() *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "provisioner",
		Short: "Manage provisioners",
		Long: `Manage provisioners. A provisioner selects an engine and holds the
parameters the engine needs to reach its backend.`,
	}
	cmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "namespace (default: reconcile.default_namespace)")

	ns := func() string {
		if namespace == "" {
			return cfg.Reconcile.DefaultNamespace
		}
		return namespace
	}

	cmd.AddCommand(newProvisionerCreateCommand(ns))
	cmd.AddCommand(newProvisionerListCommand(ns))
	cmd.AddCommand(newProvisionerDeleteCommand(ns))
	cmd.AddCommand(newProvisionerStatusCommand(ns))
	cmd.AddCommand(newProvisionerClustersCommand(ns))
	return cmd
}

func provisionerDict(p *models.Provisioner) map[string]any {
	d := models.Dict(p)
	delete(d, "parameters")
	return d
}

// readParams merges a YAML parameter file with key=value overrides.
func readParams(file string, pairs []string) (map[string]any, error) {
	params := map[string]any{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read parameters: %w", err)
		}
		if err := yaml.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("failed to parse parameters %s: %w", file, err)
		}
	}
	extra, err := parseParams(pairs)
	if err != nil {
		return nil, err
	}
	for k, v := range extra {
		params[k] = v
	}
	return params, nil
}

func newProvisionerCreateCommand(ns func() string) *cobra.Command {
	var (
		engineName  string
		ownerID     string
		paramsFile  string
		params      []string
		checkStatus bool
	)

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a provisioner",
		Long: `Create a provisioner. The parameters are validated against the engine
schema and, with --check-status, the backend is probed before saving.`,
		Example: `  # Register a Jenkins backend
  clusterforge provisioner create ci --engine jenkins \
    --param control_api=https://jenkins.example.com --param job_name=deploy-cluster

  # Register a GKE project from a parameter file
  clusterforge provisioner create gcp --engine gke --params-file gke.yaml --check-status`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			values, err := readParams(paramsFile, params)
			if err != nil {
				return err
			}

			return withApp(ctx, func(a *app) error {
				p := models.NewProvisioner(ns(), args[0], engineName)
				p.SetParameters(values)
				if ownerID != "" {
					owner, err := a.manager.LoadUser(ctx, ownerID)
					if err != nil {
						return fmt.Errorf("failed to load owner %s: %w", ownerID, err)
					}
					p.SetOwner(owner)
				}

				if err := engine.SaveProvisioner(ctx, a.registry, p, checkStatus, a.deps); err != nil {
					return fmt.Errorf("failed to save provisioner: %w", err)
				}

				log.Info().Str("id", p.ID()).Str("engine", engineName).Str("state", string(p.State())).Msg("Provisioner created")
				return printResult(provisionerDict(p), "Created provisioner %s (%s), state %s", p.Name(), p.ID(), p.State())
			})
		},
	}

	cmd.Flags().StringVarP(&engineName, "engine", "e", "", "engine name (see 'clusterforge engine list')")
	cmd.Flags().StringVar(&ownerID, "owner", "", "owning user id")
	cmd.Flags().StringVarP(&paramsFile, "params-file", "f", "", "YAML file with engine parameters")
	cmd.Flags().StringSliceVarP(&params, "param", "p", nil, "engine parameter as key=value")
	cmd.Flags().BoolVar(&checkStatus, "check-status", false, "probe the backend before saving")
	_ = cmd.MarkFlagRequired("engine")

	return cmd
}

func newProvisionerListCommand(ns func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List provisioners of a namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				provs, err := a.manager.ListProvisioners(cmd.Context(), ns())
				if err != nil {
					return err
				}

				data := make([]map[string]any, 0, len(provs))
				rows := make([][]string, 0, len(provs))
				for _, p := range provs {
					data = append(data, provisionerDict(p))
					owner := "-"
					if u := p.Owner(); u != nil {
						owner = u.Username()
					}
					rows = append(rows, []string{p.ID(), p.Name(), p.Engine(), string(p.State()), owner, formatTime(p.CreatedAt())})
				}
				return printTable(data, []string{"ID", "NAME", "ENGINE", "STATE", "OWNER", "CREATED"}, rows)
			})
		},
	}
}

func newProvisionerDeleteCommand(ns func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a provisioner",
		Long:  `Delete a provisioner. Clusters referencing it are left in place.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				p, err := a.manager.LoadProvisioner(ctx, ns(), args[0])
				if err != nil {
					return err
				}
				if err := a.manager.Delete(ctx, p); err != nil {
					return fmt.Errorf("failed to delete provisioner: %w", err)
				}
				log.Info().Str("id", p.ID()).Msg("Provisioner deleted")
				return printResult(map[string]any{"id": p.ID(), "deleted": true}, "Deleted provisioner %s", p.ID())
			})
		},
	}
}

func newProvisionerStatusCommand(ns func() string) *cobra.Command {
	var save bool

	cmd := &cobra.Command{
		Use:   "status ID",
		Short: "Probe the backend of a provisioner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				p, err := a.manager.LoadProvisioner(ctx, ns(), args[0])
				if err != nil {
					return err
				}

				state, err := a.registry.Status(ctx, p.Engine(), p.Parameters(), a.deps)
				if err != nil {
					return err
				}
				if save && state != p.State() {
					p.SetState(state)
					if err := a.manager.Save(ctx, p, false); err != nil {
						return fmt.Errorf("failed to save provisioner state: %w", err)
					}
				}

				return printResult(map[string]any{"id": p.ID(), "engine": p.Engine(), "state": state},
					"%s (%s): %s", p.Name(), p.Engine(), state)
			})
		},
	}

	cmd.Flags().BoolVar(&save, "save", true, "store the probed state")
	return cmd
}

func newProvisionerClustersCommand(ns func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "clusters ID",
		Short: "List the clusters known to a provisioner backend",
		Long: `List the clusters the backend of a provisioner reports, including clusters
not managed by ClusterForge. Engines that cannot enumerate report none.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				p, err := a.manager.LoadProvisioner(ctx, ns(), args[0])
				if err != nil {
					return err
				}
				infos, err := backendClusters(ctx, a, p)
				if err != nil {
					return err
				}

				rows := make([][]string, 0, len(infos))
				for _, info := range infos {
					rows = append(rows, []string{orDash(info.ID), orDash(info.Name), orDash(info.Key), string(info.State)})
				}
				return printTable(infos, []string{"ID", "NAME", "KEY", "STATE"}, rows)
			})
		},
	}
}

// backendClusters enumerates a backend through an engine bound to a
// placeholder cluster.
func backendClusters(ctx context.Context, a *app, p *models.Provisioner) ([]engine.ClusterInfo, error) {
	placeholder := models.NewCluster(p.Namespace(), "")
	placeholder.SetProvisioner(p)

	e, err := a.registry.New(p.Engine(), placeholder, p.Parameters(), a.deps)
	if err != nil {
		return nil, err
	}
	return e.ClusterList(ctx), nil
}
