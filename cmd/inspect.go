package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"capture-recorder/capture"
	"capture-recorder/recorder"

	"github.com/spf13/cobra"
)

// trackSummary accumulates per-kind totals of a recording
type trackSummary struct {
	samples   int
	keyframes int
	bytes     int
	first     time.Duration
	last      time.Duration
	devices   map[string]struct{}
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <recording>",
	Short: "Print the metadata and track summary of a recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := recorder.OpenContainer(args[0])
		if err != nil {
			return err
		}
		defer c.Close()

		tracks := map[capture.MediaKind]*trackSummary{}
		for {
			buf, err := c.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}

			t := tracks[buf.Kind]
			if t == nil {
				t = &trackSummary{first: buf.PTS, devices: map[string]struct{}{}}
				tracks[buf.Kind] = t
			}
			t.samples++
			t.bytes += len(buf.Data)
			if buf.Keyframe {
				t.keyframes++
			}
			t.last = buf.PTS + buf.Duration
			t.devices[buf.DeviceID] = struct{}{}
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "File:       %s\n", args[0])
		fmt.Fprintf(out, "Version:    %d\n", c.Version)
		fmt.Fprintf(out, "Compressed: %t\n", c.Compressed)
		fmt.Fprintf(out, "Created:    %s\n", c.Metadata.Created.Format(time.RFC3339))
		fmt.Fprintf(out, "Recorder:   %s\n", c.Metadata.RecorderID)
		fmt.Fprintf(out, "Mirrored:   %t\n", c.Metadata.Mirrored)

		for _, kind := range []capture.MediaKind{capture.MediaKindVideo, capture.MediaKindAudio} {
			t := tracks[kind]
			if t == nil {
				continue
			}
			fmt.Fprintf(out, "%s: %d samples (%d keyframes), %d bytes, %s, %d device(s)\n",
				kind, t.samples, t.keyframes, t.bytes, (t.last - t.first).Round(time.Millisecond), len(t.devices))
		}
		return nil
	},
}
