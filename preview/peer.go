package preview

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

// Peer is one browser receiving the live video preview
type Peer struct {
	id         string
	pc         *webrtc.PeerConnection
	videoTrack *webrtc.TrackLocalStaticSample
	logger     *zap.Logger

	mu          sync.RWMutex
	isStreaming bool
	frames      atomic.Uint64

	closeOnce sync.Once
}

// NewPeer creates a peer connection with a single H.264 video track
func NewPeer(id string, config webrtc.Configuration, logger *zap.Logger) (*Peer, error) {
	peer := &Peer{
		id:     id,
		logger: logger.With(zap.String("peer_id", id)),
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	peer.pc = pc

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		"video",
		"capture_preview",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}
	peer.videoTrack = videoTrack

	if _, err := pc.AddTrack(videoTrack); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add video track: %w", err)
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		peer.logger.Info("ICE connection state changed", zap.String("state", state.String()))
	})

	peer.logger.Info("Peer connection created")
	return peer, nil
}

// Answer applies the remote offer and returns the local answer
func (p *Peer) Answer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return &answer, nil
}

// SetRemoteDescription sets the remote description from the client
func (p *Peer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// AddICECandidate adds a remote ICE candidate
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	p.logger.Debug("ICE candidate added")
	return nil
}

// OnICECandidate sets the local ICE candidate handler
func (p *Peer) OnICECandidate(handler func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(handler)
}

// OnConnectionStateChange sets the connection state handler
func (p *Peer) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(handler)
}

// StartStreaming enables frame delivery
func (p *Peer) StartStreaming() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isStreaming {
		return fmt.Errorf("already streaming")
	}
	p.logger.Info("Starting video streaming")
	p.isStreaming = true
	return nil
}

// StopStreaming disables frame delivery
func (p *Peer) StopStreaming() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isStreaming {
		return
	}
	p.logger.Info("Stopping video streaming")
	p.isStreaming = false
}

// IsStreaming returns whether frames are being delivered to this peer
func (p *Peer) IsStreaming() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isStreaming
}

// WriteFrame writes one Annex-B access unit to the video track
func (p *Peer) WriteFrame(frame []byte, duration time.Duration) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.isStreaming {
		return fmt.Errorf("not streaming")
	}

	p.frames.Add(1)
	if err := p.videoTrack.WriteSample(media.Sample{Data: frame, Duration: duration}); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			p.logger.Debug("Video track closed")
			return nil
		}
		return fmt.Errorf("failed to write video sample: %w", err)
	}
	return nil
}

// PeerStats is a point-in-time view of one peer
type PeerStats struct {
	ID              string `json:"id"`
	ConnectionState string `json:"connection_state"`
	ICEState        string `json:"ice_connection_state"`
	Streaming       bool   `json:"is_streaming"`
	Frames          uint64 `json:"frames"`
}

// Stats returns connection statistics
func (p *Peer) Stats() PeerStats {
	return PeerStats{
		ID:              p.id,
		ConnectionState: p.pc.ConnectionState().String(),
		ICEState:        p.pc.ICEConnectionState().String(),
		Streaming:       p.IsStreaming(),
		Frames:          p.frames.Load(),
	}
}

// ID returns the peer identifier
func (p *Peer) ID() string {
	return p.id
}

// Close closes the peer connection. It is safe to call more than once.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.StopStreaming()
		if err = p.pc.Close(); err != nil {
			p.logger.Error("Error closing peer connection", zap.Error(err))
			return
		}
		p.logger.Info("Peer connection closed")
	})
	return err
}
