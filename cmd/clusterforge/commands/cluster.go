package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/openfroyo/clusterforge/pkg/engine"
	"github.com/openfroyo/clusterforge/pkg/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ErrForbidden is returned when the --as user may not perform an action.
var ErrForbidden = errors.New("forbidden")

// clusterScope carries the flags shared by every cluster subcommand.
type clusterScope struct {
	namespace string
	as        string
}

func (s *clusterScope) ns() string {
	if s.namespace == "" {
		return cfg.Reconcile.DefaultNamespace
	}
	return s.namespace
}

// authorize checks action on resource for the --as user. Without --as
// every action is allowed.
func (s *clusterScope) authorize(ctx context.Context, a *app, action string, resource models.Record) error {
	if s.as == "" {
		return nil
	}
	user, err := a.manager.LoadUser(ctx, s.as)
	if err != nil {
		return fmt.Errorf("failed to load user %s: %w", s.as, err)
	}
	if !user.Active() {
		return fmt.Errorf("%w: user %s is inactive", ErrForbidden, user.Username())
	}

	pe, _, err := a.policies(ctx)
	if err != nil {
		return err
	}
	d, err := pe.Authorize(ctx, user, action, resource)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return fmt.Errorf("%w: %s may not %s (rule %s)", ErrForbidden, user.Username(), action, d.Rule)
	}
	return nil
}

// load reads the cluster id and authorizes action on it.
func (s *clusterScope) load(ctx context.Context, a *app, id, action string) (*models.Cluster, error) {
	c, err := a.manager.LoadCluster(ctx, s.ns(), id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, a, action, c); err != nil {
		return nil, err
	}
	return c, nil
}

func newClusterCommand() *cobra.Command {
	scope := &clusterScope{}

	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Manage clusters",
		Long: `Manage clusters. Every cluster references the provisioner whose engine
creates, inspects and removes it on the backend.`,
	}
	cmd.PersistentFlags().StringVarP(&scope.namespace, "namespace", "n", "", "namespace (default: reconcile.default_namespace)")
	cmd.PersistentFlags().StringVar(&scope.as, "as", "", "user id to authorize the action for")

	cmd.AddCommand(newClusterCreateCommand(scope))
	cmd.AddCommand(newClusterListCommand(scope))
	cmd.AddCommand(newClusterGetCommand(scope))
	cmd.AddCommand(newClusterDeleteCommand(scope))
	cmd.AddCommand(newClusterProvisionCommand(scope))
	cmd.AddCommand(newClusterDeprovisionCommand(scope))
	cmd.AddCommand(newClusterStatusCommand(scope))
	cmd.AddCommand(newClusterProgressCommand(scope))
	cmd.AddCommand(newClusterKubeconfigCommand(scope))
	cmd.AddCommand(newClusterResizeCommand(scope))
	cmd.AddCommand(newClusterUpdateCommand(scope))
	return cmd
}

// provision moves c to Deploying and asks its engine to create it. A
// failed request leaves the cluster in Error.
func provision(ctx context.Context, a *app, c *models.Cluster) error {
	e, err := engine.ForCluster(a.registry, c, a.deps)
	if err != nil {
		return err
	}

	c.SetState(models.ClusterStateDeploying)
	if err := a.manager.Save(ctx, c, true); err != nil {
		return fmt.Errorf("failed to save cluster: %w", err)
	}

	if err := e.Provision(ctx); err != nil {
		c.SetState(models.ClusterStateError)
		if serr := a.manager.Save(context.WithoutCancel(ctx), c, false); serr != nil {
			log.Warn().Err(serr).Str("cluster", c.ID()).Msg("Failed to record provisioning failure")
		}
		return fmt.Errorf("failed to provision cluster %s: %w", c.ID(), err)
	}
	return nil
}

func newClusterCreateCommand(scope *clusterScope) *cobra.Command {
	var (
		provisionerID string
		ownerID       string
		meta          []string
		noProvision   bool
	)

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create and provision a cluster",
		Example: `  # Create a cluster on a provisioner
  clusterforge cluster create web --provisioner 7a2e... --meta node_count=3

  # Record the cluster without contacting the backend
  clusterforge cluster create web --provisioner 7a2e... --no-provision`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			metadata, err := parseParams(meta)
			if err != nil {
				return err
			}

			return withApp(ctx, func(a *app) error {
				p, err := a.manager.LoadProvisioner(ctx, scope.ns(), provisionerID)
				if err != nil {
					return fmt.Errorf("failed to load provisioner %s: %w", provisionerID, err)
				}

				c := models.NewCluster(scope.ns(), args[0])
				c.SetProvisioner(p)
				c.SetMetadata(metadata)
				if ownerID == "" {
					ownerID = scope.as
				}
				if ownerID != "" {
					owner, err := a.manager.LoadUser(ctx, ownerID)
					if err != nil {
						return fmt.Errorf("failed to load owner %s: %w", ownerID, err)
					}
					c.SetOwner(owner)
				}
				if err := scope.authorize(ctx, a, "cluster:create", c); err != nil {
					return err
				}

				if noProvision {
					if err := a.manager.Save(ctx, c, true); err != nil {
						return fmt.Errorf("failed to save cluster: %w", err)
					}
				} else if err := provision(ctx, a, c); err != nil {
					return err
				}

				log.Info().Str("id", c.ID()).Str("engine", p.Engine()).Str("state", string(c.State())).Msg("Cluster created")
				return printResult(models.Dict(c), "Created cluster %s (%s), state %s", c.Name(), c.ID(), c.State())
			})
		},
	}

	cmd.Flags().StringVar(&provisionerID, "provisioner", "", "provisioner id")
	cmd.Flags().StringVar(&ownerID, "owner", "", "owning user id (default: --as)")
	cmd.Flags().StringSliceVarP(&meta, "meta", "m", nil, "metadata as key=value, e.g. node_count=3")
	cmd.Flags().BoolVar(&noProvision, "no-provision", false, "only record the cluster")
	_ = cmd.MarkFlagRequired("provisioner")

	return cmd
}

func newClusterListCommand(scope *clusterScope) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List clusters of a namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				if err := scope.authorize(ctx, a, "cluster:list", nil); err != nil {
					return err
				}
				clusters, err := a.manager.ListClusters(ctx, scope.ns())
				if err != nil {
					return err
				}

				data := make([]map[string]any, 0, len(clusters))
				rows := make([][]string, 0, len(clusters))
				for _, c := range clusters {
					d := models.Dict(c)
					delete(d, "kubeconfig")
					data = append(data, d)

					prov := "-"
					if p := c.Provisioner(); p != nil {
						prov = p.Name()
					}
					rows = append(rows, []string{c.ID(), c.Name(), string(c.State()), prov, formatTime(c.CreatedAt())})
				}
				return printTable(data, []string{"ID", "NAME", "STATE", "PROVISIONER", "CREATED"}, rows)
			})
		},
	}
}

func newClusterGetCommand(scope *clusterScope) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "get ID",
		Short: "Show a cluster with its backend view",
		Long: `Show a cluster. The backend view comes from the reconcile cache; with
--refresh it is read from the backend first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				c, err := scope.load(ctx, a, args[0], "cluster:get")
				if err != nil {
					return err
				}

				rec := a.reconciler()
				if refresh {
					if _, err := rec.RefreshBackendData(ctx, scope.ns(), c.ID()); err != nil {
						return err
					}
					if c, err = a.manager.LoadCluster(ctx, scope.ns(), c.ID()); err != nil {
						return err
					}
				}

				out := models.Dict(c)
				delete(out, "kubeconfig")
				data, ok, err := rec.CachedBackendData(ctx, c.ID())
				if err != nil {
					return err
				}
				if ok {
					out["backend"] = data
				}

				if jsonOutput {
					return printJSON(out)
				}
				fmt.Printf("ID:          %s\n", c.ID())
				fmt.Printf("Name:        %s\n", c.Name())
				fmt.Printf("Namespace:   %s\n", c.Namespace())
				fmt.Printf("State:       %s\n", c.State())
				if p := c.Provisioner(); p != nil {
					fmt.Printf("Provisioner: %s (%s)\n", p.Name(), p.Engine())
				}
				if u := c.Owner(); u != nil {
					fmt.Printf("Owner:       %s\n", u.Username())
				}
				fmt.Printf("Created:     %s\n", formatTime(c.CreatedAt()))
				for k, v := range c.Metadata() {
					fmt.Printf("  %s: %v\n", k, v)
				}
				if ok {
					fmt.Printf("Backend:     %s, progress %d%%\n", orDash(string(data.Cluster.State)), data.Progress.Progress)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "read backend state before showing")
	return cmd
}

func newClusterDeleteCommand(scope *clusterScope) *cobra.Command {
	var keepBackend bool

	cmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Deprovision and delete a cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				c, err := scope.load(ctx, a, args[0], "cluster:delete")
				if err != nil {
					return err
				}

				if !keepBackend {
					e, err := engine.ForCluster(a.registry, c, a.deps)
					if err != nil {
						return err
					}
					if err := e.Deprovision(ctx); err != nil {
						return fmt.Errorf("failed to deprovision cluster %s: %w", c.ID(), err)
					}
				}

				if err := a.manager.Delete(ctx, c); err != nil {
					return fmt.Errorf("failed to delete cluster: %w", err)
				}
				log.Info().Str("id", c.ID()).Bool("keep_backend", keepBackend).Msg("Cluster deleted")
				return printResult(map[string]any{"id": c.ID(), "deleted": true}, "Deleted cluster %s", c.ID())
			})
		},
	}

	cmd.Flags().BoolVar(&keepBackend, "keep-backend", false, "delete the record only")
	return cmd
}

func newClusterProvisionCommand(scope *clusterScope) *cobra.Command {
	return &cobra.Command{
		Use:   "provision ID",
		Short: "Provision a recorded cluster on its backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				c, err := scope.load(ctx, a, args[0], "cluster:update")
				if err != nil {
					return err
				}
				if err := provision(ctx, a, c); err != nil {
					return err
				}
				return printResult(map[string]any{"id": c.ID(), "state": c.State()}, "Provisioning cluster %s, state %s", c.ID(), c.State())
			})
		},
	}
}

func newClusterDeprovisionCommand(scope *clusterScope) *cobra.Command {
	return &cobra.Command{
		Use:   "deprovision ID",
		Short: "Remove a cluster from its backend and keep the record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				c, err := scope.load(ctx, a, args[0], "cluster:update")
				if err != nil {
					return err
				}
				e, err := engine.ForCluster(a.registry, c, a.deps)
				if err != nil {
					return err
				}
				if err := e.Deprovision(ctx); err != nil {
					return fmt.Errorf("failed to deprovision cluster %s: %w", c.ID(), err)
				}

				c.SetState(models.ClusterStateDestroying)
				if err := a.manager.Save(ctx, c, true); err != nil {
					return fmt.Errorf("failed to save cluster: %w", err)
				}
				return printResult(map[string]any{"id": c.ID(), "state": c.State()}, "Deprovisioning cluster %s", c.ID())
			})
		},
	}
}

func newClusterStatusCommand(scope *clusterScope) *cobra.Command {
	var cached bool

	cmd := &cobra.Command{
		Use:   "status ID",
		Short: "Show the Kubernetes status of a cluster",
		Long: `Show nodes, pods and resources of a cluster. The status is read from the
reconcile cache and refreshed from the Kubernetes API when absent.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				c, err := scope.load(ctx, a, args[0], "cluster:get")
				if err != nil {
					return err
				}

				rec := a.reconciler()
				st, ok, err := rec.CachedStatus(ctx, c.ID())
				if err != nil {
					return err
				}
				if !ok && !cached {
					if _, err := rec.RefreshStatus(ctx, scope.ns(), c.ID()); err != nil {
						return err
					}
					if st, ok, err = rec.CachedStatus(ctx, c.ID()); err != nil {
						return err
					}
				}
				if !ok {
					return fmt.Errorf("no status available for cluster %s", c.ID())
				}

				if jsonOutput {
					return printJSON(st)
				}
				fmt.Printf("Version:     %s\n", st.Version)
				fmt.Printf("Services:    %d\n", st.Services)
				fmt.Printf("Deployments: %d\n", st.Deployments)
				fmt.Printf("Namespaces:  %d\n\n", len(st.Namespaces))

				rows := make([][]string, 0, len(st.Nodes))
				for _, n := range st.Nodes {
					res := st.ResourcesByNode[n.Name]
					rows = append(rows, []string{
						n.Name, strconv.FormatBool(n.Ready), strconv.Itoa(st.PodsByNode[n.Name]),
						strconv.FormatFloat(res.Requests.CPU, 'f', 2, 64),
						strconv.FormatInt(res.Requests.Memory/(1<<20), 10) + "Mi",
						orDash(n.KubeletVersion),
					})
				}
				return printTable(st, []string{"NODE", "READY", "PODS", "CPU REQ", "MEM REQ", "KUBELET"}, rows)
			})
		},
	}

	cmd.Flags().BoolVar(&cached, "cached", false, "only read the cache")
	return cmd
}

func newClusterProgressCommand(scope *clusterScope) *cobra.Command {
	return &cobra.Command{
		Use:   "progress ID",
		Short: "Estimate provisioning progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				c, err := scope.load(ctx, a, args[0], "cluster:get")
				if err != nil {
					return err
				}
				e, err := engine.ForCluster(a.registry, c, a.deps)
				if err != nil {
					return err
				}

				p := e.GetProgress(ctx)
				if !p.OK() {
					return printResult(p, "Progress of cluster %s is not available (%d)", c.ID(), p.Response)
				}
				return printResult(p, "%s: %d%% (%s)", c.Name(), p.Progress, p.Result)
			})
		},
	}
}

func newClusterKubeconfigCommand(scope *clusterScope) *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "kubeconfig ID",
		Short: "Print the kubeconfig of a cluster",
		Example: `  # Write the kubeconfig and use it
  clusterforge cluster kubeconfig 5b9c... -o web.yaml
  kubectl --kubeconfig web.yaml get nodes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				c, err := scope.load(ctx, a, args[0], "cluster:get")
				if err != nil {
					return err
				}
				e, err := engine.ForCluster(a.registry, c, a.deps)
				if err != nil {
					return err
				}
				kc, err := e.GetKubeconfig(ctx)
				if err != nil {
					return err
				}
				if len(kc) == 0 {
					return fmt.Errorf("cluster %s has no kubeconfig yet", c.ID())
				}

				if jsonOutput && outFile == "" {
					return printJSON(kc)
				}
				data, err := yaml.Marshal(kc)
				if err != nil {
					return fmt.Errorf("failed to encode kubeconfig: %w", err)
				}
				if outFile == "" {
					_, err = os.Stdout.Write(data)
					return err
				}
				if err := os.WriteFile(outFile, data, 0o600); err != nil {
					return fmt.Errorf("failed to write kubeconfig: %w", err)
				}
				log.Info().Str("file", outFile).Msg("Kubeconfig written")
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write to file instead of stdout")
	return cmd
}

func newClusterResizeCommand(scope *clusterScope) *cobra.Command {
	return &cobra.Command{
		Use:   "resize ID NODES",
		Short: "Change the node count of a cluster",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := strconv.Atoi(args[1])
			if err != nil || nodes < 1 {
				return fmt.Errorf("invalid node count %q", args[1])
			}

			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				c, err := scope.load(ctx, a, args[0], "cluster:update")
				if err != nil {
					return err
				}
				e, err := engine.ForCluster(a.registry, c, a.deps)
				if err != nil {
					return err
				}
				if err := e.Resize(ctx, nodes); err != nil {
					if errors.Is(err, engine.ErrNotSupported) {
						return fmt.Errorf("engine %s cannot resize clusters: %w", e.Name(), err)
					}
					return fmt.Errorf("failed to resize cluster %s: %w", c.ID(), err)
				}

				c.SetState(models.ClusterStateResizing)
				if err := a.manager.Save(ctx, c, true); err != nil {
					return fmt.Errorf("failed to save cluster: %w", err)
				}
				return printResult(map[string]any{"id": c.ID(), "node_count": nodes}, "Resizing cluster %s to %d nodes", c.ID(), nodes)
			})
		},
	}
}

// updatableClusterFields are the fields "cluster update --set" may change.
// State and kubeconfig belong to the engines.
var updatableClusterFields = map[string]bool{"name": true, "owner": true, "metadata": true}

func newClusterUpdateCommand(scope *clusterScope) *cobra.Command {
	var (
		sets []string
		meta []string
	)

	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change fields of a cluster record",
		Long: `Change fields of a cluster record without touching the backend. --set
takes the stored form of a field: owner is a user id, metadata a JSON object
that replaces the current one. --meta changes single metadata keys.`,
		Example: `  # Rename a cluster and hand it to another user
  clusterforge cluster update 3f1c... --set name=web-2 --set owner=9b7d...

  # Record a new node count
  clusterforge cluster update 3f1c... --meta node_count=5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := make(map[string]string, len(sets))
			for _, p := range sets {
				k, v, ok := strings.Cut(p, "=")
				if !ok || k == "" {
					return fmt.Errorf("invalid field %q, expected key=value", p)
				}
				if !updatableClusterFields[k] {
					return fmt.Errorf("field %q cannot be updated, expected one of %s", k, strings.Join(sortedKeys(updatableClusterFields), ", "))
				}
				if k == "owner" && !strings.Contains(v, ":") {
					v = models.KindUser + ":" + v
				}
				patch[k] = v
			}
			metadata, err := parseParams(meta)
			if err != nil {
				return err
			}
			if len(patch) == 0 && len(metadata) == 0 {
				return errors.New("nothing to update, use --set or --meta")
			}

			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				c, err := scope.load(ctx, a, args[0], "cluster:update")
				if err != nil {
					return err
				}
				if err := a.manager.Merge(ctx, c, patch); err != nil {
					return err
				}
				if len(metadata) > 0 {
					merged := c.Metadata()
					for k, v := range metadata {
						merged[k] = v
					}
					raw, err := json.Marshal(merged)
					if err != nil {
						return fmt.Errorf("failed to encode metadata: %w", err)
					}
					if err := a.manager.Merge(ctx, c, map[string]string{"metadata": string(raw)}); err != nil {
						return err
					}
				}
				if err := a.manager.Save(ctx, c, true); err != nil {
					return fmt.Errorf("failed to save cluster: %w", err)
				}

				log.Info().Str("id", c.ID()).Strs("fields", sortedKeys(patch)).Int("metadata_keys", len(metadata)).Msg("Cluster updated")
				out := models.Dict(c)
				delete(out, "kubeconfig")
				return printResult(out, "Updated cluster %s", c.ID())
			})
		},
	}

	cmd.Flags().StringSliceVar(&sets, "set", nil, "field as key=value, one of name, owner, metadata")
	cmd.Flags().StringSliceVarP(&meta, "meta", "m", nil, "metadata key as key=value")
	return cmd
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
