package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	recordDuration time.Duration
	recordPosition string
)

var recordCmd = &cobra.Command{
	Use:   "record [output-path]",
	Short: "Record the camera and microphone to a file",
	Long: `Attach the configured camera and microphone, record until the duration
elapses or the process is interrupted, and finalize the file.
The output path defaults to the configured capture output path.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			cfg.Capture.OutputPath = args[0]
		}
		if recordPosition != "" {
			cfg.Capture.CameraPosition = recordPosition
		}
		cfg.Preview.Enabled = false
		if err := cfg.Validate(); err != nil {
			return err
		}

		application, err := newApplication()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := application.SetupInputsOutputs(ctx); err != nil {
			shutdown(application)
			return fmt.Errorf("failed to set up session: %w", err)
		}
		if err := application.StartCapture(ctx); err != nil {
			shutdown(application)
			return fmt.Errorf("failed to start capture: %w", err)
		}

		if recordDuration > 0 {
			logger.Info("Recording", zap.String("path", cfg.Capture.OutputPath), zap.Duration("duration", recordDuration))
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, recordDuration)
			defer cancel()
		} else {
			logger.Info("Recording, press Ctrl+C to stop", zap.String("path", cfg.Capture.OutputPath))
		}
		<-ctx.Done()

		if err := shutdown(application); err != nil {
			return err
		}

		st := application.Recorder().Status()
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, %d records, %d bytes in %s, %d dropped\n",
			st.Path, st.State, st.Records, st.Bytes, st.Elapsed.Round(time.Millisecond), st.Dropped)
		if st.LastError != "" {
			return fmt.Errorf("recording failed: %s", st.LastError)
		}
		return nil
	},
}

func init() {
	recordCmd.Flags().DurationVarP(&recordDuration, "duration", "d", 0, "stop after this long (0 records until interrupted)")
	recordCmd.Flags().StringVarP(&recordPosition, "camera", "p", "", "camera position (front, back), overrides config")
}
