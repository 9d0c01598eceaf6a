// Package backend provides the capture backends the session drives: a
// synthetic generator for tests and headless hosts, and a gst-launch
// pipeline backend for real cameras and microphones.
package backend

import (
	"fmt"
	"time"

	"capture-recorder/capture"
	"capture-recorder/config"

	"go.uber.org/zap"
)

// Names accepted by Resolve
const (
	NameSynthetic = "synthetic"
	NameGStreamer = "gstreamer"
)

// Resolve builds the backend selected by name
func Resolve(name string, cfg *config.Config, logger *zap.Logger) (capture.Backend, error) {
	switch name {
	case NameSynthetic, "":
		return NewSynthetic(cfg.Synthetic, logger), nil
	case NameGStreamer:
		stop := time.Duration(cfg.Timeouts.ProcessStopTimeout) * time.Second
		return NewGStreamer(cfg.GStreamer, stop, logger), nil
	default:
		return nil, fmt.Errorf("unknown capture backend %q", name)
	}
}
