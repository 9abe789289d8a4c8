package commands

import (
	"fmt"
	"strings"

	"github.com/openfroyo/clusterforge/pkg/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newOrganizationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "organization",
		Aliases: []string{"org"},
		Short:   "Manage organizations",
	}
	cmd.AddCommand(newOrganizationCreateCommand())
	cmd.AddCommand(newOrganizationListCommand())
	return cmd
}

func newOrganizationCreateCommand() *cobra.Command {
	var (
		namespace string
		policies  []string
	)

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an organization",
		Long: `Create an organization. Its namespace scopes every cluster and provisioner
the organization owns and defaults to the organization name.

Policies override the default authorization rule of an action.`,
		Example: `  # Create an organization
  clusterforge organization create acme

  # Let every member delete clusters of the organization
  clusterforge organization create acme --policy cluster:delete=ALL`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if namespace == "" {
				namespace = strings.ToLower(name)
			}

			overrides := make(map[string]string, len(policies))
			for _, p := range policies {
				action, rule, ok := strings.Cut(p, "=")
				if !ok {
					return fmt.Errorf("invalid policy %q, expected action=RULE", p)
				}
				overrides[action] = rule
			}

			return withApp(cmd.Context(), func(a *app) error {
				org := models.NewOrganization(name, namespace)
				if len(overrides) > 0 {
					org.SetPolicy(overrides)
				}
				if err := a.manager.Save(cmd.Context(), org, true); err != nil {
					return fmt.Errorf("failed to save organization: %w", err)
				}

				log.Info().Str("id", org.ID()).Str("namespace", namespace).Msg("Organization created")
				return printResult(models.Dict(org), "Created organization %s (%s)", name, org.ID())
			})
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "namespace of the organization (default: lowercased name)")
	cmd.Flags().StringSliceVar(&policies, "policy", nil, "authorization override as action=RULE")

	return cmd
}

func newOrganizationListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List organizations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				orgs, err := a.manager.ListOrganizations(cmd.Context())
				if err != nil {
					return err
				}

				data := make([]map[string]any, 0, len(orgs))
				rows := make([][]string, 0, len(orgs))
				for _, o := range orgs {
					data = append(data, models.Dict(o))
					rows = append(rows, []string{o.ID(), o.Name(), o.NamespaceName(), formatTime(o.CreatedAt())})
				}
				return printTable(data, []string{"ID", "NAME", "NAMESPACE", "CREATED"}, rows)
			})
		},
	}
}
