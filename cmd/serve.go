package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"capture-recorder/app"
	"capture-recorder/backend"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the capture session with the control API and preview",
	Long: `Start the capture session, record to the configured output path and serve
the HTTP control API until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.Info("Starting application",
			zap.String("name", appName),
			zap.String("version", appVersion),
			zap.String("go_version", runtime.Version()),
			zap.String("backend", cfg.Capture.Backend),
			zap.String("config", cfg.Source))

		application, err := newApplication()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := application.Start(ctx); err != nil {
			shutdown(application)
			return fmt.Errorf("failed to start application: %w", err)
		}

		<-ctx.Done()
		logger.Info("Received shutdown signal")
		return shutdown(application)
	},
}

func newApplication() (*app.Application, error) {
	b, err := backend.Resolve(cfg.Capture.Backend, cfg, logger)
	if err != nil {
		return nil, err
	}
	application, err := app.New(cfg, b, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}
	return application, nil
}

// shutdown stops the application within the configured shutdown timeout
func shutdown(application *app.Application) error {
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Timeouts.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := application.Stop(ctx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		return err
	}
	logger.Info("Application stopped")
	return nil
}
