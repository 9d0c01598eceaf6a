package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"capture-recorder/backend"
	"capture-recorder/capture"

	"github.com/spf13/cobra"
)

var devicesKind string

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the capture devices of the selected backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds := []capture.DeviceKind{capture.DeviceKindCamera, capture.DeviceKindMicrophone}
		if devicesKind != "" {
			kind, err := capture.ParseDeviceKind(devicesKind)
			if err != nil {
				return err
			}
			kinds = []capture.DeviceKind{kind}
		}

		b, err := backend.Resolve(cfg.Capture.Backend, cfg, logger)
		if err != nil {
			return err
		}
		enumerator := capture.NewEnumerator(b, logger)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tID\tNAME\tPOSITION\tCAPABILITIES")
		for _, kind := range kinds {
			for d := range enumerator.ListDevices(cmd.Context(), kind) {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					d.Kind, d.ID, d.Name, d.Position, strings.Join(d.Capabilities, ","))
			}
		}
		return w.Flush()
	},
}

func init() {
	devicesCmd.Flags().StringVarP(&devicesKind, "kind", "k", "", "only list devices of this kind (camera, microphone)")
}
