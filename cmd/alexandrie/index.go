package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hirevo/alexandrie/internal/index"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Registry index commands",
}

var indexInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the registry index",
	Long: `Create the index git repository and commit its config.json, built
from the index.dl_template and index.api_url configuration values.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.close()

		if cfg, err := app.index.Config(); err == nil && cfg.DL != "" {
			color.New(color.FgYellow).Printf("index at %s is already configured\n", app.cfg.Index.Path)
			return nil
		}

		err = app.index.WriteConfig(&index.RegistryConfig{
			DL:  app.cfg.Index.DLTemplate,
			API: app.cfg.Index.APIURL,
		})
		if err != nil {
			return err
		}
		color.New(color.FgGreen, color.Bold).Printf("✓ index initialized at %s\n", app.cfg.Index.Path)
		return nil
	},
}

func init() {
	indexCmd.AddCommand(indexInitCmd)
}
