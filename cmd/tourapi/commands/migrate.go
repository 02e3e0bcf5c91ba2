package commands

import (
	"fmt"

	"github.com/aman-churiwal/cathedral-tour/internal/config"
	"github.com/aman-churiwal/cathedral-tour/internal/storage"
	"github.com/spf13/cobra"
)

// NewMigrateCmd creates or updates the database tables
func NewMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update database tables",
		Long:  "Runs the schema migration for admin users, request logs and rate limit records.",
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

			if err := db.AutoMigrate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Database migrated.")
			return nil
		},
	}
}
