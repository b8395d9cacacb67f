package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/genesis-bot/genesis/pkg/models"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts",
	}
	cmd.AddCommand(newUserAddCmd(), newUserListCmd(), newUserDeleteCmd())
	return cmd
}

func newUserAddCmd() *cobra.Command {
	var (
		email string
		admin bool
	)
	cmd := &cobra.Command{
		Use:   "add <username> <password>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), flagConfig)
			if err != nil {
				return err
			}
			defer app.Close()

			role := models.UserRoleUser
			if admin {
				role = models.UserRoleAdmin
			}
			user, err := app.Users.Create(cmd.Context(), args[0], args[1], email, role)
			if err != nil {
				return err
			}
			fmt.Printf("Created %s user %s (id %d)\n", user.Role, user.Username, user.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin role")
	return cmd
}

func newUserListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), flagConfig)
			if err != nil {
				return err
			}
			defer app.Close()

			users, err := app.Users.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, u := range users {
				fmt.Printf("%d  %-6s %s\n", u.ID, u.Role, u.Username)
			}
			return nil
		},
	}
}

func newUserDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <username>",
		Short: "Remove an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), flagConfig)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Users.Delete(cmd.Context(), args[0])
		},
	}
}
