// Package app composes the capture pipeline: backend, session, router,
// recorder, preview and the control API.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"capture-recorder/capture"
	"capture-recorder/config"
	"capture-recorder/mjpeg"
	"capture-recorder/preview"
	"capture-recorder/recorder"
	"capture-recorder/router"
	"capture-recorder/web"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Consumer names registered with the router
const (
	consumerRecorder  = "recorder"
	consumerSampleLog = "sample-log"
	consumerPreview   = "preview"
	consumerMJPEG     = "mjpeg"
)

// Application owns every pipeline component
type Application struct {
	config *config.Config
	logger *zap.Logger

	// Components
	backend    capture.Backend
	enumerator *capture.Enumerator
	router     *router.Router
	session    *capture.Session
	switcher   *capture.Switcher
	recorder   *recorder.Recorder
	sampleLog  *router.LogConsumer
	preview    *preview.Server
	mjpeg      *mjpeg.Streamer
	webServer  *web.Server

	videoOut *capture.SampleOutput
	audioOut *capture.SampleOutput

	// Serializes the start and stop buttons
	mu         sync.Mutex
	previewSub *router.Subscription

	// Lifecycle
	group  *errgroup.Group
	cancel context.CancelFunc
}

// New wires the pipeline around backend. Nothing is started.
func New(cfg *config.Config, backend capture.Backend, logger *zap.Logger) (*Application, error) {
	a := &Application{
		config:  cfg,
		logger:  logger,
		backend: backend,
	}

	a.enumerator = capture.NewEnumerator(backend, logger)
	a.router = router.New(cfg.Router.QueueSize, logger)
	a.session = capture.NewSession(backend, a.router, logger)
	a.session.OnCommit(a.router.UpdateRoutes)
	a.switcher = capture.NewSwitcher(a.session, a.enumerator, logger)
	a.switcher.SetMirrorFront(cfg.Capture.MirrorFront)

	a.recorder = recorder.New(recorder.Options{
		Compress:         cfg.Recorder.Compress,
		CompressionLevel: cfg.Recorder.CompressionLevel,
		BufferSize:       cfg.Recorder.BufferSizeKB * 1024,
		SyncOnClose:      cfg.Recorder.SyncOnClose,
	}, logger)
	a.recorder.AddListener(recorder.ListenerFuncs{
		OnFinish: func(path string, err error) {
			if err != nil {
				a.logger.Error("Recording failed", zap.String("path", path), zap.Error(err))
			}
		},
	})
	sub, err := a.router.Register(consumerRecorder, router.All, a.recorder, cfg.Recorder.QueueSize)
	if err != nil {
		return nil, fmt.Errorf("failed to register recorder: %w", err)
	}
	a.recorder.SetQueue(sub)

	if cfg.Router.LogSamples {
		interval := time.Duration(cfg.Logging.FrameLogInterval) * time.Millisecond
		a.sampleLog = router.NewLogConsumer(interval, logger)
		if _, err := a.router.Register(consumerSampleLog, router.All, a.sampleLog, 0); err != nil {
			return nil, fmt.Errorf("failed to register sample log: %w", err)
		}
	}

	if cfg.Preview.Enabled {
		interval := time.Duration(cfg.Logging.StatsLogInterval) * time.Second
		a.preview = preview.New(cfg.Preview, interval, logger)
	}

	if cfg.MJPEG.Enabled {
		width, height := cfg.Synthetic.Width, cfg.Synthetic.Height
		if cfg.Capture.Backend == "gstreamer" {
			width, height = cfg.GStreamer.Width, cfg.GStreamer.Height
		}
		streamer, err := mjpeg.NewStreamer(cfg.MJPEG, width, height, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create MJPEG streamer: %w", err)
		}
		if _, err := a.router.Register(consumerMJPEG, router.Video, streamer, cfg.Buffers.PreviewQueueSize); err != nil {
			return nil, fmt.Errorf("failed to register MJPEG streamer: %w", err)
		}
		a.mjpeg = streamer
	}

	a.webServer = web.NewServer(cfg, a, logger)
	if a.preview != nil {
		a.webServer.SetPreviewHandler(a.preview.HandleWebSocket)
	}

	return a, nil
}

// Session returns the capture session
func (a *Application) Session() *capture.Session { return a.session }

// Recorder returns the movie file recorder
func (a *Application) Recorder() *recorder.Recorder { return a.recorder }

// Router returns the sample router
func (a *Application) Router() *router.Router { return a.router }

// SetupInputsOutputs attaches the configured camera, the default microphone
// and one sample output per kind in a single transaction.
func (a *Application) SetupInputsOutputs(ctx context.Context) error {
	position, err := capture.ParsePosition(a.config.Capture.CameraPosition)
	if err != nil {
		return err
	}

	camera, err := a.enumerator.Find(ctx, capture.DeviceKindCamera, position)
	if err != nil {
		return fmt.Errorf("no %s camera: %w", position, err)
	}

	var opened []*capture.Input
	release := func() {
		for _, in := range opened {
			in.Close()
		}
	}

	camIn, err := a.session.OpenInput(ctx, camera)
	if err != nil {
		return err
	}
	opened = append(opened, camIn)

	if a.config.Capture.EnableAudio {
		mic, err := a.enumerator.Default(ctx, capture.DeviceKindMicrophone)
		if err != nil {
			release()
			return fmt.Errorf("no microphone: %w", err)
		}
		micIn, err := a.session.OpenInput(ctx, mic)
		if err != nil {
			release()
			return err
		}
		opened = append(opened, micIn)
	}

	a.videoOut = capture.NewVideoDataOutput()
	a.audioOut = capture.NewAudioDataOutput()

	err = a.session.Configure(ctx, func(tx *capture.Transaction) error {
		for _, in := range opened {
			if err := tx.AddInput(in); err != nil {
				return err
			}
		}
		if err := tx.AddOutput(a.videoOut); err != nil {
			return err
		}
		if a.config.Capture.EnableAudio {
			if err := tx.AddOutput(a.audioOut); err != nil {
				return err
			}
		}
		return tx.SetMirrorVideo(a.config.Capture.MirrorFront && camera.Position == capture.PositionFront)
	})
	if err != nil {
		release()
		return fmt.Errorf("failed to configure session: %w", err)
	}

	a.logger.Info("Session configured",
		zap.String("camera", camera.ID),
		zap.String("position", camera.Position.String()),
		zap.Bool("audio", a.config.Capture.EnableAudio))
	return nil
}

// StartCapture attaches the preview, starts the session and starts
// recording to the configured path.
func (a *Application) StartCapture(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.attachPreviewLocked(); err != nil {
		return err
	}
	if err := a.session.Start(ctx); err != nil {
		return err
	}
	return a.StartRecording(a.config.Capture.OutputPath)
}

// StopCapture stops the session, finalizes the recording and detaches the preview
func (a *Application) StopCapture() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if err := a.session.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := a.recorder.Stop(); err != nil {
		errs = append(errs, err)
	}
	a.detachPreviewLocked()
	return errors.Join(errs...)
}

func (a *Application) attachPreviewLocked() error {
	if a.preview == nil || a.previewSub != nil {
		return nil
	}
	sub, err := a.router.Register(consumerPreview, router.Video, a.preview, a.config.Buffers.PreviewQueueSize)
	if err != nil {
		return fmt.Errorf("failed to attach preview: %w", err)
	}
	a.previewSub = sub
	return nil
}

func (a *Application) detachPreviewLocked() {
	if a.previewSub == nil {
		return
	}
	if err := a.previewSub.Unregister(); err != nil {
		a.logger.Warn("Failed to detach preview", zap.Error(err))
	}
	a.previewSub = nil
}

// Devices lists the devices of kind
func (a *Application) Devices(ctx context.Context, kind capture.DeviceKind) []capture.Device {
	var out []capture.Device
	for d := range a.enumerator.ListDevices(ctx, kind) {
		out = append(out, d)
	}
	return out
}

// StartSession starts sample delivery
func (a *Application) StartSession(ctx context.Context) error {
	return a.session.Start(ctx)
}

// StopSession stops sample delivery. An active recording is finalized.
func (a *Application) StopSession() error {
	return a.session.Stop()
}

// StartRecording re-attaches the movie file output and starts recording to
// path, or to the configured path when empty.
func (a *Application) StartRecording(path string) error {
	if path == "" {
		path = a.config.Capture.OutputPath
	}
	if a.recorder.State() == recorder.StateRecording {
		return fmt.Errorf("cannot record to %s: %w", path, capture.ErrAlreadyRecording)
	}

	err := a.session.Configure(context.Background(), func(tx *capture.Transaction) error {
		if tx.Pending().Output(a.recorder.ID()) != nil {
			if err := tx.RemoveOutput(a.recorder); err != nil {
				return err
			}
		}
		return tx.AddOutput(a.recorder)
	})
	if err != nil {
		return fmt.Errorf("failed to attach movie output: %w", err)
	}

	a.recorder.SetMirrored(a.session.Snapshot().MirrorVideo)
	return a.recorder.Start(path)
}

// StopRecording finalizes the current recording
func (a *Application) StopRecording() error {
	return a.recorder.Stop()
}

// SwitchCamera switches to position, or toggles when position is unspecified
func (a *Application) SwitchCamera(ctx context.Context, position capture.Position) error {
	var err error
	if position == capture.PositionUnspecified {
		err = a.switcher.Toggle(ctx)
	} else {
		err = a.switcher.SwitchTo(ctx, position)
	}
	if err != nil {
		return err
	}
	a.recorder.SetMirrored(a.session.Snapshot().MirrorVideo)
	return nil
}

// Status returns the session, camera and recorder state
func (a *Application) Status() map[string]interface{} {
	snap := a.session.Snapshot()

	inputs := make([]capture.Device, 0, len(snap.Inputs))
	for _, in := range snap.Inputs {
		inputs = append(inputs, in.Device())
	}
	outputs := make([]string, 0, len(snap.Outputs))
	for _, out := range snap.Outputs {
		outputs = append(outputs, out.Kind().String())
	}

	return map[string]interface{}{
		"running":       a.session.IsRunning(),
		"active_camera": a.switcher.ActivePosition().String(),
		"mirror_video":  snap.MirrorVideo,
		"inputs":        inputs,
		"outputs":       outputs,
		"recording":     a.recorder.Status(),
	}
}

// Stats returns router, recorder and preview statistics
func (a *Application) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"router":   a.router.Stats(),
		"recorder": a.recorder.Status(),
	}
	if a.preview != nil {
		stats["preview"] = a.preview.Stats()
	}
	if a.mjpeg != nil {
		stats["mjpeg"] = a.mjpeg.Stats()
	}
	return stats
}

// Start configures the session, brings up the control API and starts capture
func (a *Application) Start(ctx context.Context) error {
	a.logger.Info("Starting application components")

	if err := a.SetupInputsOutputs(ctx); err != nil {
		return fmt.Errorf("failed to set up session: %w", err)
	}
	if err := a.webServer.Start(); err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}
	if a.mjpeg != nil {
		if err := a.mjpeg.Start(); err != nil {
			return fmt.Errorf("failed to start MJPEG streamer: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.group, runCtx = errgroup.WithContext(runCtx)
	a.group.Go(func() error {
		a.logStats(runCtx)
		return nil
	})

	if err := a.StartCapture(ctx); err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}

	a.logger.Info("Application started successfully",
		zap.String("web_url", fmt.Sprintf("http://%s:%d", a.config.Server.AdvertiseHost, a.config.Server.WebPort)),
		zap.String("recording", a.recorder.Status().Path))
	return nil
}

// logStats periodically logs router statistics until ctx is done
func (a *Application) logStats(ctx context.Context) {
	if a.config.Logging.StatsLogInterval <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(a.config.Logging.StatsLogInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := a.router.Stats()
			fields := []zap.Field{
				zap.Uint64("received", st.Received),
				zap.Uint64("unrouted", st.Unrouted),
				zap.Uint64("errors", st.Errors),
			}
			for _, c := range st.Consumers {
				fields = append(fields, zap.Uint64(c.Name+"_dropped", c.Dropped))
			}
			a.logger.Info("Pipeline stats", fields...)
		}
	}
}

// Stop stops capture and every component, finishing the recording first
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("Stopping application")

	var g errgroup.Group
	g.Go(a.StopCapture)
	g.Go(a.webServer.Stop)
	if a.preview != nil {
		g.Go(func() error {
			a.preview.Close()
			return nil
		})
	}
	if a.mjpeg != nil {
		g.Go(a.mjpeg.Stop)
	}
	err := g.Wait()

	if a.cancel != nil {
		a.cancel()
		a.group.Wait()
	}

	if cerr := a.session.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}

	done := make(chan struct{})
	go func() {
		a.router.Close()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("All components stopped gracefully")
	case <-ctx.Done():
		a.logger.Warn("Shutdown timeout reached, forcing exit")
	}
	return err
}
