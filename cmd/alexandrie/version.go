package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("alexandrie %s (%s)\n", Version, GitCommit)
		fmt.Printf("built with %s\n", runtime.Version())
	},
}
