package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "kbsearch",
		Short:         "Hybrid semantic search over a document knowledge base",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (YAML, TOML or JSON)")

	rootCmd.AddCommand(
		newServeCmd(&configPath),
		newMCPCmd(&configPath),
		newSearchCmd(&configPath),
		newImportCmd(&configPath),
		newEmbedCmd(&configPath),
		newVersionCmd(),
	)
	return rootCmd
}
