package commands

import (
	"context"
	"fmt"

	"github.com/openfroyo/clusterforge/pkg/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// Set by the root PersistentPreRunE
	vp  *viper.Viper
	cfg *config.Config
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clusterforge",
		Short: "ClusterForge - Kubernetes cluster lifecycle manager",
		Long: `ClusterForge provisions and tracks Kubernetes clusters across several
provisioning backends and keeps a cached view of every cluster fresh.

Features:
  - Pluggable provisioning engines (manual, Jenkins, GKE)
  - Records in etcd, badger or SQLite
  - Periodic reconciliation with per-cluster locking
  - In-process or NATS distributed workers
  - Rego authorization policies`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd.Flags(), version)
		},
	}

	// Persistent flags available to all commands
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "config file path")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVar(&jsonOutput, "json", false, "output in JSON format")
	flags.String("store", "", "record store backend (etcd, badger, sqlite)")
	flags.String("cache", "", "cache backend (redis, memory)")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newOrganizationCommand())
	rootCmd.AddCommand(newUserCommand())
	rootCmd.AddCommand(newProvisionerCommand())
	rootCmd.AddCommand(newClusterCommand())
	rootCmd.AddCommand(newEngineCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}

// flagKeys maps persistent flags onto configuration keys.
var flagKeys = map[string]string{
	"store":     "store.backend",
	"cache":     "cache.backend",
	"log-level": "telemetry.logging.level",
}

func loadConfig(flags *pflag.FlagSet, version string) error {
	vp = config.NewViper()
	vp.SetDefault("telemetry.service_version", version)

	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil && f.Changed {
			if err := vp.BindPFlag(key, f); err != nil {
				return fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}
	if verbose {
		vp.Set("telemetry.logging.level", "debug")
	}

	loaded, err := config.Load(vp, configPath)
	if err != nil {
		return err
	}
	cfg = loaded

	if used := vp.ConfigFileUsed(); used != "" {
		log.Debug().Str("file", used).Msg("Configuration loaded")
	}
	return nil
}
