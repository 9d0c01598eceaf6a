package backend

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"capture-recorder/capture"
	"capture-recorder/config"

	"go.uber.org/zap"
)

// Synthetic device IDs
const (
	SyntheticFrontCamera = "synthetic-front"
	SyntheticBackCamera  = "synthetic-back"
	SyntheticMicrophone  = "synthetic-mic"
)

// Synthetic is a capture backend that generates an I420 test pattern per
// camera and a sine tone per microphone. It needs no hardware and can
// simulate busy devices and asynchronous failures.
type Synthetic struct {
	cfg    config.SyntheticConfig
	logger *zap.Logger

	mu           sync.Mutex
	devices      []capture.Device
	unavailable  map[string]bool
	open         map[string]bool
	current      capture.Configuration
	configureErr error
	handler      capture.SampleHandler
	running      bool
	started      time.Time
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewSynthetic creates a synthetic backend with a front camera, a back camera
// and one microphone.
func NewSynthetic(cfg config.SyntheticConfig, logger *zap.Logger) *Synthetic {
	videoCaps := []string{
		fmt.Sprintf("%dx%d@%d", cfg.Width, cfg.Height, cfg.FPS),
		"i420",
	}
	audioCaps := []string{
		fmt.Sprintf("%dhz", cfg.SampleRate),
		fmt.Sprintf("%dch", cfg.Channels),
		"s16le",
	}

	s := &Synthetic{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "synthetic-backend")),
		devices: []capture.Device{
			{ID: SyntheticFrontCamera, Name: "Synthetic Front Camera", Kind: capture.DeviceKindCamera, Position: capture.PositionFront, Capabilities: videoCaps},
			{ID: SyntheticBackCamera, Name: "Synthetic Back Camera", Kind: capture.DeviceKindCamera, Position: capture.PositionBack, Capabilities: videoCaps},
			{ID: SyntheticMicrophone, Name: "Synthetic Microphone", Kind: capture.DeviceKindMicrophone, Capabilities: audioCaps},
		},
		unavailable: make(map[string]bool),
		open:        make(map[string]bool),
	}
	for _, id := range cfg.BusyDevices {
		s.unavailable[id] = true
	}
	return s
}

// Devices lists the synthetic devices of the given kind
func (s *Synthetic) Devices(ctx context.Context, kind capture.DeviceKind) ([]capture.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []capture.Device
	for _, d := range s.devices {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out, nil
}

// SetUnavailable marks a device as busy so that opening it fails
func (s *Synthetic) SetUnavailable(deviceID string, unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable[deviceID] = unavailable
}

// SetConfigureError makes every following Configure call fail with err until cleared with nil
func (s *Synthetic) SetConfigureError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configureErr = err
}

// InjectError reports err to the running session as an asynchronous failure
func (s *Synthetic) InjectError(err error) {
	s.mu.Lock()
	handler := s.handler
	running := s.running
	s.mu.Unlock()

	if running && handler != nil {
		handler.OnError(err)
	}
}

// OpenDevice acquires a device exclusively
func (s *Synthetic) OpenDevice(ctx context.Context, device capture.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.known(device.ID) {
		return fmt.Errorf("synthetic device %s: %w", device.ID, capture.ErrDeviceNotFound)
	}
	if s.unavailable[device.ID] {
		return fmt.Errorf("synthetic device %s is busy: %w", device.ID, capture.ErrDeviceUnavailable)
	}
	if s.open[device.ID] {
		return fmt.Errorf("synthetic device %s already open: %w", device.ID, capture.ErrDeviceUnavailable)
	}

	s.open[device.ID] = true
	s.logger.Debug("Device opened", zap.String("device", device.ID))
	return nil
}

// CloseDevice releases a device
func (s *Synthetic) CloseDevice(device capture.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.open, device.ID)
	s.logger.Debug("Device closed", zap.String("device", device.ID))
	return nil
}

// Configure swaps in a new configuration. Generators pick it up on their next tick.
func (s *Synthetic) Configure(ctx context.Context, cfg capture.Configuration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.configureErr != nil {
		return s.configureErr
	}
	for _, in := range cfg.Inputs {
		if !s.open[in.Device().ID] {
			return fmt.Errorf("input %s uses device %s which is not open: %w",
				in.ID(), in.Device().ID, capture.ErrDeviceUnavailable)
		}
	}

	s.current = cfg
	s.logger.Debug("Configuration applied",
		zap.Int("inputs", len(cfg.Inputs)),
		zap.Int("outputs", len(cfg.Outputs)),
		zap.Bool("mirror_video", cfg.MirrorVideo))
	return nil
}

// Start launches the video and audio generators
func (s *Synthetic) Start(ctx context.Context, handler capture.SampleHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("synthetic backend already running")
	}

	genCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.handler = handler
	s.running = true
	s.started = time.Now()

	s.wg.Add(2)
	go s.videoLoop(genCtx)
	go s.audioLoop(genCtx)

	s.logger.Info("Synthetic capture started",
		zap.Int("width", s.cfg.Width),
		zap.Int("height", s.cfg.Height),
		zap.Int("fps", s.cfg.FPS),
		zap.Int("sample_rate", s.cfg.SampleRate))
	return nil
}

// Stop halts the generators and waits for them to exit
func (s *Synthetic) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.handler = nil
	s.mu.Unlock()

	s.logger.Info("Synthetic capture stopped")
	return nil
}

func (s *Synthetic) known(id string) bool {
	for _, d := range s.devices {
		if d.ID == id {
			return true
		}
	}
	return false
}

// targets returns the connections that should receive samples of kind,
// along with the input feeding them.
func (s *Synthetic) targets(kind capture.MediaKind) (*capture.Input, []capture.Connection, bool, capture.SampleHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.current
	var in *capture.Input
	for _, cand := range cfg.Inputs {
		if cand.Device().Kind.MediaKind() == kind {
			in = cand
			break
		}
	}
	if in == nil {
		return nil, nil, false, nil
	}

	var conns []capture.Connection
	for _, out := range cfg.Outputs {
		if out.Kind().MediaKind() == kind {
			conns = append(conns, capture.Connection{OutputID: out.ID()})
		}
	}
	return in, conns, cfg.MirrorVideo, s.handler
}

func (s *Synthetic) videoLoop(ctx context.Context) {
	defer s.wg.Done()

	frameDuration := time.Second / time.Duration(s.cfg.FPS)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	frame := make([]byte, s.cfg.Width*s.cfg.Height*3/2)
	var seq uint64

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			in, conns, mirror, handler := s.targets(capture.MediaKindVideo)
			if in == nil || len(conns) == 0 || handler == nil {
				continue
			}

			seq++
			drawPattern(frame, s.cfg.Width, s.cfg.Height, seq, in.Device().Position, mirror)
			buf := &capture.SampleBuffer{
				Kind:     capture.MediaKindVideo,
				Data:     frame,
				PTS:      now.Sub(s.started),
				Duration: frameDuration,
				Captured: now,
				Sequence: seq,
				Keyframe: true,
				DeviceID: in.Device().ID,
			}
			for _, conn := range conns {
				handler.OnSample(conn, buf)
			}
		}
	}
}

func (s *Synthetic) audioLoop(ctx context.Context) {
	defer s.wg.Done()

	chunk := time.Duration(s.cfg.AudioChunkMS) * time.Millisecond
	ticker := time.NewTicker(chunk)
	defer ticker.Stop()

	samplesPerChunk := s.cfg.SampleRate * s.cfg.AudioChunkMS / 1000
	pcm := make([]byte, samplesPerChunk*s.cfg.Channels*2)
	var seq, position uint64

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			in, conns, _, handler := s.targets(capture.MediaKindAudio)
			if in == nil || len(conns) == 0 || handler == nil {
				continue
			}

			seq++
			position = fillTone(pcm, s.cfg.SampleRate, s.cfg.Channels, s.cfg.ToneHz, position)
			buf := &capture.SampleBuffer{
				Kind:     capture.MediaKindAudio,
				Data:     pcm,
				PTS:      now.Sub(s.started),
				Duration: chunk,
				Captured: now,
				Sequence: seq,
				DeviceID: in.Device().ID,
			}
			for _, conn := range conns {
				handler.OnSample(conn, buf)
			}
		}
	}
}

// drawPattern renders a moving vertical bar into an I420 frame. Front and
// back cameras use different background chroma so switches are visible.
func drawPattern(frame []byte, width, height int, seq uint64, position capture.Position, mirror bool) {
	ySize := width * height
	uvSize := ySize / 4
	yPlane := frame[:ySize]
	uPlane := frame[ySize : ySize+uvSize]
	vPlane := frame[ySize+uvSize:]

	barWidth := width / 8
	barX := int(seq*4) % width
	for y := 0; y < height; y++ {
		row := yPlane[y*width : (y+1)*width]
		for x := range row {
			col := x
			if mirror {
				col = width - 1 - x
			}
			if col >= barX && col < barX+barWidth {
				row[x] = 235
			} else {
				row[x] = byte(16 + (col*128)/width)
			}
		}
	}

	var u, v byte = 128, 128
	switch position {
	case capture.PositionFront:
		u, v = 170, 110
	case capture.PositionBack:
		u, v = 90, 160
	}
	for i := range uPlane {
		uPlane[i] = u
		vPlane[i] = v
	}
}

// fillTone writes interleaved signed 16-bit little-endian sine samples and
// returns the next sample position.
func fillTone(pcm []byte, sampleRate, channels int, hz float64, position uint64) uint64 {
	frames := len(pcm) / (2 * channels)
	for i := 0; i < frames; i++ {
		t := float64(position+uint64(i)) / float64(sampleRate)
		sample := int16(math.Sin(2*math.Pi*hz*t) * 0.25 * math.MaxInt16)
		for c := 0; c < channels; c++ {
			off := (i*channels + c) * 2
			binary.LittleEndian.PutUint16(pcm[off:], uint16(sample))
		}
	}
	return position + uint64(frames)
}
