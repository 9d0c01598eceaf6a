// Package cmd implements the capture-recorder command line.
package cmd

import (
	"fmt"
	"os"

	"capture-recorder/config"
	"capture-recorder/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	defaultConfigPath = "config.toml"
	appName           = "Capture Recorder"
	appVersion        = "1.0.0"
)

var (
	cfgFile     string
	logLevel    string
	backendName string
	cfg         *config.Config
	logger      *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "capture-recorder",
	Short: "Capture camera and microphone samples and record them to disk",
	Long: `capture-recorder drives a capture session over a camera and a microphone,
routes the samples to a file recorder and an optional WebRTC preview, and
exposes a small HTTP API to control the session.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}

		var err error
		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if backendName != "" {
			cfg.Capture.Backend = backendName
		}

		logger, err = logging.New(cfg.Logging, logLevel)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		logger.Debug("Configuration loaded", zap.String("source", cfg.Source))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", defaultConfigPath, "path to the TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&backendName, "backend", "", "capture backend (synthetic, gstreamer), overrides config")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(versionCmd)
}
