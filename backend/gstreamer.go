package backend

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"capture-recorder/capture"
	"capture-recorder/config"

	"go.uber.org/zap"
)

// GStreamer is a capture backend that runs one gst-launch process per
// attached input. Video is read as length-prefixed H.264 access units and
// audio as raw S16LE chunks.
type GStreamer struct {
	cfg         config.GStreamerConfig
	stopTimeout time.Duration
	logger      *zap.Logger

	// Swappable for tests
	launcher string

	mu        sync.Mutex
	devices   []capture.Device
	open      map[string]bool
	current   capture.Configuration
	handler   capture.SampleHandler
	running   bool
	started   time.Time
	pipelines []*gstPipeline
}

// NewGStreamer creates a gst-launch backend for the configured devices
func NewGStreamer(cfg config.GStreamerConfig, stopTimeout time.Duration, logger *zap.Logger) *GStreamer {
	g := &GStreamer{
		cfg:         cfg,
		stopTimeout: stopTimeout,
		logger:      logger.With(zap.String("component", "gstreamer-backend")),
		launcher:    "gst-launch-1.0",
		open:        make(map[string]bool),
	}

	videoCaps := []string{fmt.Sprintf("%dx%d@%d", cfg.Width, cfg.Height, cfg.FPS), "h264"}
	if cfg.FrontCamera != "" {
		g.devices = append(g.devices, capture.Device{
			ID: cfg.FrontCamera, Name: "Front Camera", Kind: capture.DeviceKindCamera,
			Position: capture.PositionFront, Capabilities: videoCaps,
		})
	}
	if cfg.BackCamera != "" {
		g.devices = append(g.devices, capture.Device{
			ID: cfg.BackCamera, Name: "Back Camera", Kind: capture.DeviceKindCamera,
			Position: capture.PositionBack, Capabilities: videoCaps,
		})
	}
	if cfg.Microphone != "" {
		g.devices = append(g.devices, capture.Device{
			ID: cfg.Microphone, Name: "Microphone", Kind: capture.DeviceKindMicrophone,
			Capabilities: []string{fmt.Sprintf("%dhz", cfg.SampleRate), fmt.Sprintf("%dch", cfg.Channels), "s16le"},
		})
	}
	return g
}

// Devices lists the configured devices of the given kind
func (g *GStreamer) Devices(ctx context.Context, kind capture.DeviceKind) ([]capture.Device, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []capture.Device
	for _, d := range g.devices {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out, nil
}

// OpenDevice reserves a device. Only one input may use a device at a time.
func (g *GStreamer) OpenDevice(ctx context.Context, device capture.Device) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.open[device.ID] {
		return fmt.Errorf("device %s already in use: %w", device.ID, capture.ErrDeviceUnavailable)
	}
	if _, err := exec.LookPath(g.launcher); err != nil {
		return fmt.Errorf("%s not available: %w: %w", g.launcher, capture.ErrDeviceUnavailable, err)
	}
	g.open[device.ID] = true
	return nil
}

// CloseDevice releases a device reservation
func (g *GStreamer) CloseDevice(device capture.Device) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.open, device.ID)
	return nil
}

// Configure applies cfg. While running, the pipelines are relaunched for the
// new inputs; if that fails the previous pipelines are restored.
func (g *GStreamer) Configure(ctx context.Context, cfg capture.Configuration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev := g.current
	g.current = cfg
	if !g.running {
		return nil
	}

	g.stopPipelinesLocked()
	if err := g.startPipelinesLocked(); err != nil {
		g.logger.Warn("Failed to apply configuration, restoring previous pipelines", zap.Error(err))
		g.stopPipelinesLocked()
		g.current = prev
		if rerr := g.startPipelinesLocked(); rerr != nil {
			g.logger.Error("Failed to restore previous pipelines", zap.Error(rerr))
		}
		return err
	}
	return nil
}

// Start launches a pipeline per attached input
func (g *GStreamer) Start(ctx context.Context, handler capture.SampleHandler) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return fmt.Errorf("gstreamer backend already running")
	}
	g.handler = handler
	g.started = time.Now()
	if err := g.startPipelinesLocked(); err != nil {
		g.stopPipelinesLocked()
		return err
	}
	g.running = true
	return nil
}

// Stop terminates every pipeline
func (g *GStreamer) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.running {
		return nil
	}
	g.running = false
	g.stopPipelinesLocked()
	g.logger.Info("GStreamer capture stopped")
	return nil
}

func (g *GStreamer) startPipelinesLocked() error {
	for _, in := range g.current.Inputs {
		kind := in.Device().Kind.MediaKind()
		var conns []capture.Connection
		for _, out := range g.current.Outputs {
			if out.Kind().MediaKind() == kind {
				conns = append(conns, capture.Connection{OutputID: out.ID()})
			}
		}
		if len(conns) == 0 {
			continue
		}

		var desc string
		if kind == capture.MediaKindVideo {
			desc = g.buildVideoPipeline(in.Device(), g.current.MirrorVideo)
		} else {
			desc = g.buildAudioPipeline(in.Device())
		}

		p := &gstPipeline{
			backend: g,
			device:  in.Device(),
			kind:    kind,
			conns:   conns,
			handler: g.handler,
			logger:  g.logger.With(zap.String("device", in.Device().ID), zap.String("kind", kind.String())),
		}
		if err := p.start(g.launcher, desc); err != nil {
			p.cancel()
			return fmt.Errorf("failed to start %s pipeline for %s: %w", kind, in.Device().ID, err)
		}
		g.pipelines = append(g.pipelines, p)
	}
	return nil
}

func (g *GStreamer) stopPipelinesLocked() {
	for _, p := range g.pipelines {
		p.stop(g.stopTimeout)
	}
	g.pipelines = nil
}

// buildVideoPipeline constructs the gst-launch description for a camera
func (g *GStreamer) buildVideoPipeline(device capture.Device, mirror bool) string {
	var pipeline strings.Builder

	// libcamerasrc takes the full device path as camera-name
	pipeline.WriteString(fmt.Sprintf(`libcamerasrc camera-name="%s"`, device.ID))
	pipeline.WriteString(" ! videoconvert")
	pipeline.WriteString(fmt.Sprintf(" ! video/x-raw,format=I420,width=%d,height=%d,framerate=%d/1",
		g.cfg.Width, g.cfg.Height, g.cfg.FPS))
	pipeline.WriteString(" ! queue")

	switch g.cfg.FlipMethod {
	case "rotate-180":
		pipeline.WriteString(" ! videoflip method=rotate-180")
	case "rotate-90":
		pipeline.WriteString(" ! videoflip method=clockwise")
	case "rotate-270":
		pipeline.WriteString(" ! videoflip method=counterclockwise")
	case "vertical-flip":
		pipeline.WriteString(" ! videoflip method=vertical-flip")
	}
	if mirror || g.cfg.FlipMethod == "horizontal-flip" {
		pipeline.WriteString(" ! videoflip method=horizontal-flip")
	}

	// x264enc bitrate is in kbit/s; aud=true inserts access unit delimiters
	pipeline.WriteString(fmt.Sprintf(" ! x264enc speed-preset=%s tune=zerolatency aud=true bitrate=%d key-int-max=%d",
		g.cfg.EncoderPreset, g.cfg.Bitrate/1000, g.cfg.KeyframeInterval))
	pipeline.WriteString(" ! h264parse config-interval=1 ! video/x-h264,stream-format=avc,alignment=au ! fdsink fd=1 sync=false")

	return pipeline.String()
}

// buildAudioPipeline constructs the gst-launch description for a microphone
func (g *GStreamer) buildAudioPipeline(device capture.Device) string {
	src := "autoaudiosrc"
	if device.ID != "default" {
		src = fmt.Sprintf("alsasrc device=%s", device.ID)
	}
	return fmt.Sprintf("%s ! audioconvert ! audioresample ! audio/x-raw,format=S16LE,layout=interleaved,rate=%d,channels=%d ! fdsink fd=1 sync=false",
		src, g.cfg.SampleRate, g.cfg.Channels)
}

// gstPipeline is one running gst-launch process
type gstPipeline struct {
	backend *GStreamer
	device  capture.Device
	kind    capture.MediaKind
	conns   []capture.Connection
	handler capture.SampleHandler
	logger  *zap.Logger

	cmd    *exec.Cmd
	stdout io.ReadCloser
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (p *gstPipeline) start(launcher, desc string) error {
	p.ctx, p.cancel = context.WithCancel(context.Background())

	args := append([]string{"-q"}, strings.Fields(desc)...)
	p.cmd = exec.CommandContext(p.ctx, launcher, args...)

	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe from GStreamer: %w", err)
	}
	p.stdout = stdout

	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe from GStreamer: %w", err)
	}

	p.logger.Info("Starting GStreamer pipeline", zap.String("pipeline", desc))
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start GStreamer: %w: %w", capture.ErrDeviceUnavailable, err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			p.logger.Warn("gstreamer_stderr", zap.String("line", scanner.Text()))
		}
	}()

	p.wg.Add(2)
	if p.kind == capture.MediaKindVideo {
		go p.readVideo()
	} else {
		go p.readAudio()
	}
	go p.monitor()
	return nil
}

func (p *gstPipeline) deliver(buf *capture.SampleBuffer) {
	for _, conn := range p.conns {
		p.handler.OnSample(conn, buf)
	}
}

// readVideo splits the AVC stream into access units on AUD boundaries
func (p *gstPipeline) readVideo() {
	defer p.wg.Done()

	reader := bufio.NewReader(p.stdout)
	maxPayload := uint32(p.backend.cfg.MaxPayloadSizeMB * 1024 * 1024)
	frameDuration := time.Second / time.Duration(p.backend.cfg.FPS)

	var (
		current []byte
		seq     uint64
		lenBuf  = make([]byte, 4)
	)

	emit := func() {
		if len(current) == 0 {
			return
		}
		seq++
		now := time.Now()
		p.deliver(&capture.SampleBuffer{
			Kind:     capture.MediaKindVideo,
			Data:     current,
			PTS:      now.Sub(p.backend.started),
			Duration: frameDuration,
			Captured: now,
			Sequence: seq,
			Keyframe: containsIDR(current),
			DeviceID: p.device.ID,
		})
	}

	for {
		if _, err := io.ReadFull(reader, lenBuf); err != nil {
			p.readFailed("NAL length", err)
			break
		}

		payloadLen := binary.BigEndian.Uint32(lenBuf)
		if payloadLen == 0 {
			continue
		}
		if payloadLen > maxPayload {
			p.logger.Error("NAL payload length too large, stopping",
				zap.Uint32("length", payloadLen),
				zap.Uint32("max_size", maxPayload))
			p.handler.OnError(fmt.Errorf("%s: oversized NAL unit (%d bytes): %w", p.device.ID, payloadLen, capture.ErrEncoding))
			break
		}

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(reader, payload); err != nil {
			p.readFailed("NAL payload", err)
			break
		}

		nal := convertAVCToAnnexB(append(lenBuf, payload...))
		if isAccessUnitDelimiter(nal) && len(current) > 0 {
			emit()
			current = append(make([]byte, 0, len(nal)+1024), nal...)
			continue
		}
		current = append(current, nal...)
	}

	// Flush any pending access unit
	emit()
}

// readAudio delivers fixed-duration PCM chunks
func (p *gstPipeline) readAudio() {
	defer p.wg.Done()

	cfg := p.backend.cfg
	chunk := time.Duration(cfg.AudioChunkMS) * time.Millisecond
	size := cfg.SampleRate * cfg.Channels * 2 * cfg.AudioChunkMS / 1000
	reader := bufio.NewReader(p.stdout)
	var seq uint64

	for {
		pcm := make([]byte, size)
		if _, err := io.ReadFull(reader, pcm); err != nil {
			p.readFailed("PCM chunk", err)
			return
		}
		seq++
		now := time.Now()
		p.deliver(&capture.SampleBuffer{
			Kind:     capture.MediaKindAudio,
			Data:     pcm,
			PTS:      now.Sub(p.backend.started),
			Duration: chunk,
			Captured: now,
			Sequence: seq,
			DeviceID: p.device.ID,
		})
	}
}

// readFailed reports a read error unless the pipeline is being stopped
func (p *gstPipeline) readFailed(what string, err error) {
	if p.ctx.Err() != nil {
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		p.logger.Warn("GStreamer stdout reached EOF", zap.String("reading", what))
		p.handler.OnError(fmt.Errorf("%s pipeline for %s ended unexpectedly: %w", p.kind, p.device.ID, capture.ErrIO))
		return
	}
	p.logger.Error("Error reading from GStreamer", zap.String("reading", what), zap.Error(err))
	p.handler.OnError(fmt.Errorf("reading %s from %s: %w: %w", what, p.device.ID, capture.ErrIO, err))
}

// monitor waits for the process and logs how it ended
func (p *gstPipeline) monitor() {
	defer p.wg.Done()

	err := p.cmd.Wait()
	if p.ctx.Err() != nil {
		p.logger.Info("GStreamer process stopped gracefully by context cancellation")
		return
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.logger.Error("GStreamer process exited with an error",
				zap.Error(err),
				zap.Int("exit_code", exitErr.ExitCode()))
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				p.logger.Error("GStreamer process was terminated by a signal",
					zap.String("signal", ws.Signal().String()))
			}
		} else {
			p.logger.Error("Error waiting for GStreamer process", zap.Error(err))
		}
		return
	}
	p.logger.Info("GStreamer process finished")
}

// stop interrupts the process, then kills it if it has not exited within timeout
func (p *gstPipeline) stop(timeout time.Duration) {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGINT)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn("GStreamer process did not exit within timeout, killing")
		p.cancel()
		_ = p.stdout.Close()
		<-done
	}
	p.cancel()
}

// convertAVCToAnnexB converts length-prefixed NAL units to start-code form
func convertAVCToAnnexB(avc []byte) []byte {
	out := make([]byte, 0, len(avc)+4)
	i := 0
	for i+4 <= len(avc) {
		n := int(binary.BigEndian.Uint32(avc[i : i+4]))
		i += 4
		if n <= 0 || i+n > len(avc) {
			break
		}
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, avc[i:i+n]...)
		i += n
	}
	return out
}

// isAccessUnitDelimiter reports whether an Annex-B NAL unit is an AUD (type 9)
func isAccessUnitDelimiter(nal []byte) bool {
	// 4-byte start code + 1-byte NAL header
	if len(nal) < 5 {
		return false
	}
	return (nal[4] & 0x1F) == 9
}

// containsIDR reports whether an Annex-B access unit holds an IDR slice (type 5)
func containsIDR(au []byte) bool {
	for i := 0; i+4 < len(au); i++ {
		if au[i] == 0 && au[i+1] == 0 && au[i+2] == 0 && au[i+3] == 1 && au[i+4]&0x1F == 5 {
			return true
		}
	}
	return false
}
