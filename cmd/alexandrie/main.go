package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "alexandrie",
		Short: "An alternative crate registry for the Cargo client",
		Long: `Alexandrie is an alternative crate registry compatible with Cargo.
It serves a git-backed package index, stores crate tarballs on disk or in
S3-compatible object storage, and keeps authoritative metadata in
PostgreSQL or SQLite.`,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to alexandrie.toml (default: look in the working directory)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(indexCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
