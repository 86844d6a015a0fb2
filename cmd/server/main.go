// Package main is the entry point for the Fairtrade loans backend.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const serviceName = "fairtrade-loans"

// Version is set at build time.
var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "loans-backend",
		Short:         "Payroll-linked loans and grants API",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(createAdminCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run migrations, start the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}
