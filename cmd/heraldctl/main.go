package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const version = "v0.1.0"

func main() {
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "heraldctl",
		Short:         "Operator tools for the herald communication engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(migrateCmd())
	root.AddCommand(normalizeCmd())
	root.AddCommand(renderCmd())
	root.AddCommand(templatesCmd())
	return root
}
