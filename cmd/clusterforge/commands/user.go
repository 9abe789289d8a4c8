package commands

import (
	"fmt"

	"github.com/openfroyo/clusterforge/pkg/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newUserCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	cmd.AddCommand(newUserCreateCommand())
	cmd.AddCommand(newUserListCommand())
	return cmd
}

// userDict is the user view without the password hash.
func userDict(u *models.User) map[string]any {
	d := models.Dict(u)
	delete(d, "password")
	return d
}

func newUserCreateCommand() *cobra.Command {
	var (
		orgID    string
		email    string
		role     string
		password string
	)

	cmd := &cobra.Command{
		Use:   "create USERNAME",
		Short: "Create a user",
		Example: `  # Create an administrator of an organization
  clusterforge user create alice --org 3f1c... --role admin --email alice@example.com`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				org, err := a.manager.LoadOrganization(ctx, orgID)
				if err != nil {
					return fmt.Errorf("failed to load organization %s: %w", orgID, err)
				}

				u := models.NewUser(args[0], org)
				u.SetRole(models.Role(role))
				if email != "" {
					u.SetEmail(email)
				}
				if password != "" {
					if err := u.SetPassword(password); err != nil {
						return fmt.Errorf("failed to set password: %w", err)
					}
				}

				if err := a.manager.Save(ctx, u, true); err != nil {
					return fmt.Errorf("failed to save user: %w", err)
				}

				log.Info().Str("id", u.ID()).Str("organization", org.Name()).Str("role", role).Msg("User created")
				return printResult(userDict(u), "Created user %s (%s)", u.Username(), u.ID())
			})
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&role, "role", string(models.RoleMember), "role (member, admin, superadmin)")
	cmd.Flags().StringVar(&password, "password", "", "initial password")
	_ = cmd.MarkFlagRequired("org")

	return cmd
}

func newUserListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				users, err := a.manager.ListUsers(cmd.Context())
				if err != nil {
					return err
				}

				data := make([]map[string]any, 0, len(users))
				rows := make([][]string, 0, len(users))
				for _, u := range users {
					data = append(data, userDict(u))
					org := "-"
					if o := u.Organization(); o != nil {
						org = o.Name()
					}
					rows = append(rows, []string{
						u.ID(), u.Username(), orDash(u.Email()), org, string(u.Role()),
						fmt.Sprint(u.Active()), formatTime(u.CreatedAt()),
					})
				}
				return printTable(data, []string{"ID", "USERNAME", "EMAIL", "ORGANIZATION", "ROLE", "ACTIVE", "CREATED"}, rows)
			})
		},
	}
}
