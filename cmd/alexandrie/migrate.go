package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		app, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer app.close()

		if err := app.database.Migrate(ctx); err != nil {
			return err
		}
		color.New(color.FgGreen, color.Bold).Println("✓ database schema is up to date")
		return nil
	},
}
