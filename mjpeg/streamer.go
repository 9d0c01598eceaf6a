// Package mjpeg streams raw routed video frames as RTP/JPEG over UDP, for
// viewers such as `gst-launch-1.0 udpsrc ! rtpjpegdepay ! jpegdec` when the
// backend produces frames the WebRTC preview cannot carry.
package mjpeg

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"capture-recorder/capture"
	"capture-recorder/config"

	"go.uber.org/zap"
)

// ErrNotRunning is returned when the streamer has no socket
var ErrNotRunning = errors.New("streamer not running")

// Streamer is a router consumer that JPEG-encodes I420 frames and sends
// them to a fixed UDP destination
type Streamer struct {
	cfg    config.MJPEGConfig
	width  int
	height int
	logger *zap.Logger

	packetizer *Packetizer

	mu   sync.RWMutex
	conn *net.UDPConn
	dest *net.UDPAddr

	// Consume runs on a single router goroutine
	jpegBuf bytes.Buffer

	frames     atomic.Uint64
	skipped    atomic.Uint64
	sendErrors atomic.Uint64
	warnedSize atomic.Bool
}

// Stats holds streamer statistics
type Stats struct {
	Running     bool            `json:"running"`
	Destination string          `json:"destination"`
	Frames      uint64          `json:"frames"`
	Skipped     uint64          `json:"skipped"`
	SendErrors  uint64          `json:"send_errors"`
	RTP         PacketizerStats `json:"rtp"`
}

// NewStreamer creates a streamer for width x height I420 frames
func NewStreamer(cfg config.MJPEGConfig, width, height int, logger *zap.Logger) (*Streamer, error) {
	if width <= 0 || height <= 0 || width%8 != 0 || height%8 != 0 || width > maxDimension || height > maxDimension {
		return nil, fmt.Errorf("frame size %dx%d must be a multiple of 8 up to %d", width, height, maxDimension)
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 85
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}

	return &Streamer{
		cfg:        cfg,
		width:      width,
		height:     height,
		logger:     logger.With(zap.String("component", "mjpeg")),
		packetizer: NewPacketizer(cfg.SSRC, cfg.MTU),
	}, nil
}

// Start opens the UDP socket
func (s *Streamer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}

	dest, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.cfg.DestHost, strconv.Itoa(s.cfg.DestPort)))
	if err != nil {
		return fmt.Errorf("failed to resolve destination address: %w", err)
	}

	var local *net.UDPAddr
	if s.cfg.LocalPort > 0 {
		local = &net.UDPAddr{Port: s.cfg.LocalPort}
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return fmt.Errorf("failed to create UDP socket: %w", err)
	}
	if err := conn.SetWriteBuffer(1024 * 1024); err != nil {
		s.logger.Warn("Failed to set UDP write buffer size", zap.Error(err))
	}

	s.conn = conn
	s.dest = dest
	s.logger.Info("MJPEG-RTP streamer started",
		zap.String("local_addr", conn.LocalAddr().String()),
		zap.String("dest_addr", dest.String()),
		zap.String("resolution", fmt.Sprintf("%dx%d", s.width, s.height)),
		zap.Int("quality", s.cfg.Quality),
		zap.Int("mtu", s.cfg.MTU))
	return nil
}

// Stop closes the socket. Frames consumed afterwards are ignored.
func (s *Streamer) Stop() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()

	st := s.Stats()
	s.logger.Info("MJPEG-RTP streamer stopped",
		zap.Uint64("frames_sent", st.Frames),
		zap.Uint64("frames_skipped", st.Skipped),
		zap.Uint64("send_errors", st.SendErrors))
	return err
}

// IsRunning reports whether the socket is open
func (s *Streamer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

// Consume encodes and sends one video frame. Frames that are not I420 at
// the configured size are counted and skipped.
func (s *Streamer) Consume(buf *capture.SampleBuffer) {
	if buf.Kind != capture.MediaKindVideo || !s.IsRunning() {
		return
	}

	s.jpegBuf.Reset()
	if err := EncodeI420(&s.jpegBuf, buf.Data, s.width, s.height, s.cfg.Quality); err != nil {
		s.skipped.Add(1)
		if !s.warnedSize.Swap(true) {
			s.logger.Warn("Skipping frames that are not raw I420",
				zap.String("device", buf.DeviceID),
				zap.Error(err))
		}
		return
	}

	if err := s.send(s.jpegBuf.Bytes(), rtpTimestamp(buf.PTS)); err != nil {
		s.sendErrors.Add(1)
		s.logger.Error("Failed to send RTP frame",
			zap.Uint64("sequence", buf.Sequence),
			zap.Error(err))
		return
	}
	s.frames.Add(1)
}

func (s *Streamer) send(jpegData []byte, timestamp uint32) error {
	packets, err := s.packetizer.Packetize(jpegData, timestamp)
	if err != nil {
		return fmt.Errorf("failed to packetize JPEG: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return ErrNotRunning
	}
	for i, packet := range packets {
		if _, err := s.conn.WriteToUDP(packet, s.dest); err != nil {
			return fmt.Errorf("failed to send RTP packet %d/%d: %w", i+1, len(packets), err)
		}
	}
	return nil
}

// Stats returns streaming statistics
func (s *Streamer) Stats() Stats {
	s.mu.RLock()
	running := s.conn != nil
	s.mu.RUnlock()

	return Stats{
		Running:     running,
		Destination: net.JoinHostPort(s.cfg.DestHost, strconv.Itoa(s.cfg.DestPort)),
		Frames:      s.frames.Load(),
		Skipped:     s.skipped.Load(),
		SendErrors:  s.sendErrors.Load(),
		RTP:         s.packetizer.Stats(),
	}
}

// rtpTimestamp converts a presentation time to the 90 kHz RTP clock, wrapping at 32 bits
func rtpTimestamp(pts time.Duration) uint32 {
	return uint32(uint64(pts/time.Microsecond) * ClockRate / 1_000_000)
}
