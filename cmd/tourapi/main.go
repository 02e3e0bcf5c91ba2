package main

import (
	"fmt"
	"os"

	"github.com/aman-churiwal/cathedral-tour/cmd/tourapi/commands"
	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	var rootCmd = &cobra.Command{
		Use:   "tourapi",
		Short: "Cathedral tour guide report API",
		Long:  "Serves the rate limited tour guide report endpoint and manages its database and admin accounts",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a JSON config file (optional, TOUR_* env vars override it)")

	rootCmd.AddCommand(commands.NewServeCmd(&configPath))
	rootCmd.AddCommand(commands.NewMigrateCmd(&configPath))
	rootCmd.AddCommand(commands.NewAdminCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
