package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hirevo/alexandrie/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the registry server",
	Long:  "Apply pending migrations, rebuild the search index, and serve the registry API",
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
		if err := app.registry.RebuildSearch(ctx); err != nil {
			return err
		}
		if err := app.index.Refresh(ctx); err != nil {
			app.logger.Warn("index refresh failed", zap.Error(err))
		}

		handler := api.NewHandler(app.registry, app.meta, app.logger)
		server := api.NewServer(api.DefaultServerConfig(app.cfg.Server.Addr()), handler.Router(), app.logger)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()
		color.New(color.FgGreen, color.Bold).Printf("✓ registry listening on %s\n", app.cfg.Server.Addr())

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case sig := <-stop:
			app.logger.Info("signal received", zap.String("signal", sig.String()))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		}
	},
}
