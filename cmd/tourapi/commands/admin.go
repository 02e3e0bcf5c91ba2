package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/aman-churiwal/cathedral-tour/internal/config"
	"github.com/aman-churiwal/cathedral-tour/internal/repository"
	"github.com/aman-churiwal/cathedral-tour/internal/service"
	"github.com/aman-churiwal/cathedral-tour/internal/storage"
	"github.com/spf13/cobra"
)

// NewAdminCmd creates the admin account command with create and list subcommands.
func NewAdminCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage admin accounts",
		Long:  "Admin accounts can log in and call the report and /admin endpoints.",
	}
	cmd.AddCommand(newAdminCreateCmd(configPath))
	cmd.AddCommand(newAdminListCmd(configPath))
	return cmd
}

func newAdminCreateCmd(configPath *string) *cobra.Command {
	var email, password, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an admin account",
		RunE: func(cmd *cobra.Command, args []string) error {
			email = strings.TrimSpace(email)
			if email == "" || password == "" {
				return fmt.Errorf("--email and --password are required")
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			db, err := storage.NewPostgres(cfg.Database.DSN, cfg.Server.Debug)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer func() { _ = db.Close() }()

			auth := service.NewAuthService(repository.NewUserRepository(db), cfg.Auth.JWTSecret, cfg.JWTExpiry())
			user, err := auth.Register(context.Background(), email, password, name)
			if err != nil {
				return fmt.Errorf("create admin: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Admin %s created (id %s).\n", user.Email, user.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Admin email (required)")
	cmd.Flags().StringVar(&password, "password", "", "Admin password, at least 8 characters (required)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	return cmd
}

func newAdminListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List admin accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			db, err := storage.NewPostgres(cfg.Database.DSN, cfg.Server.Debug)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer func() { _ = db.Close() }()

			users, err := repository.NewUserRepository(db).List(context.Background())
			if err != nil {
				return fmt.Errorf("list admins: %w", err)
			}
			if len(users) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No admin accounts. Use 'admin create' to add one.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEMAIL\tNAME\tLAST LOGIN")
			for _, u := range users {
				lastLogin := "never"
				if u.LastLoginAt != nil {
					lastLogin = u.LastLoginAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.ID, u.Email, u.Name, lastLogin)
			}
			return w.Flush()
		},
	}
}
