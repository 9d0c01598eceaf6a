// Package preview streams the routed video samples to browsers over WebRTC.
// Signaling runs over a WebSocket mounted on the control server.
package preview

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"capture-recorder/capture"
	"capture-recorder/config"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ErrTooManyClients is returned to offers beyond the configured client limit
var ErrTooManyClients = errors.New("preview client limit reached")

// Server is a video consumer that fans frames out to WebRTC peers
type Server struct {
	cfg          config.PreviewConfig
	logger       *zap.Logger
	webrtcConfig webrtc.Configuration
	signaling    *SignalingServer

	mu    sync.RWMutex
	peers map[string]*Peer

	frames      atomic.Uint64
	skipped     atomic.Uint64
	warnedRaw   atomic.Bool
	distributed atomic.Uint64
	lastLog     atomic.Int64
	logInterval time.Duration
}

// Stats is a point-in-time view of the preview fan-out
type Stats struct {
	Clients int         `json:"clients"`
	Frames  uint64      `json:"frames"`
	Skipped uint64      `json:"skipped"`
	Peers   []PeerStats `json:"peers"`
}

// New creates a preview server. Frame distribution is logged at most once
// per frameLogInterval; zero disables it.
func New(cfg config.PreviewConfig, frameLogInterval time.Duration, logger *zap.Logger) *Server {
	var iceServers []webrtc.ICEServer
	if cfg.STUNServer != "" {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{cfg.STUNServer}})
	}

	s := &Server{
		cfg:          cfg,
		logger:       logger.With(zap.String("component", "preview")),
		webrtcConfig: webrtc.Configuration{ICEServers: iceServers},
		peers:        make(map[string]*Peer),
		logInterval:  frameLogInterval,
	}

	s.signaling = NewSignalingServer(0, time.Duration(cfg.Timeout)*time.Millisecond, s.logger)
	s.signaling.SetHandlers(s.handleOffer, s.handleICECandidate, s.handleLeave)

	s.logger.Info("Preview server created",
		zap.String("stun_server", cfg.STUNServer),
		zap.Int("max_clients", cfg.MaxClients))
	return s
}

// HandleWebSocket serves the signaling socket
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.signaling.HandleWebSocket(w, r)
}

// handleOffer creates a peer for the client and answers its offer
func (s *Server) handleOffer(client *SignalingClient, offer webrtc.SessionDescription) error {
	s.logger.Info("Received offer from client", zap.String("client_id", client.ID()))

	s.mu.Lock()
	if old, ok := s.peers[client.ID()]; ok {
		// Renegotiation from the same socket replaces the old peer
		delete(s.peers, client.ID())
		go old.Close()
	}
	if s.cfg.MaxClients > 0 && len(s.peers) >= s.cfg.MaxClients {
		s.mu.Unlock()
		return fmt.Errorf("%w (%d)", ErrTooManyClients, s.cfg.MaxClients)
	}
	s.mu.Unlock()

	peer, err := NewPeer(client.ID(), s.webrtcConfig, s.logger)
	if err != nil {
		return err
	}

	peer.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if err := client.SendICECandidate(candidate); err != nil {
			s.logger.Error("Failed to send ICE candidate",
				zap.String("client_id", client.ID()),
				zap.Error(err))
		}
	})
	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Info("Peer connection state changed",
			zap.String("client_id", client.ID()),
			zap.String("state", state.String()))
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			go s.removePeer(client.ID(), peer)
		}
	})

	answer, err := peer.Answer(offer)
	if err != nil {
		peer.Close()
		return err
	}

	s.mu.Lock()
	s.peers[client.ID()] = peer
	s.mu.Unlock()

	if err := client.SendAnswer(*answer); err != nil {
		s.removePeer(client.ID(), peer)
		return fmt.Errorf("failed to send answer: %w", err)
	}
	if err := peer.StartStreaming(); err != nil {
		s.removePeer(client.ID(), peer)
		return fmt.Errorf("failed to start streaming: %w", err)
	}

	s.logger.Info("Preview connection established", zap.String("client_id", client.ID()))
	return nil
}

// handleICECandidate forwards a remote candidate to the client's peer
func (s *Server) handleICECandidate(client *SignalingClient, candidate webrtc.ICECandidateInit) error {
	s.mu.RLock()
	peer, exists := s.peers[client.ID()]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("no peer connection found for client %s", client.ID())
	}
	return peer.AddICECandidate(candidate)
}

func (s *Server) handleLeave(client *SignalingClient) {
	s.mu.RLock()
	peer := s.peers[client.ID()]
	s.mu.RUnlock()
	if peer != nil {
		s.removePeer(client.ID(), peer)
	}
}

// removePeer closes peer and drops it if it is still registered under clientID
func (s *Server) removePeer(clientID string, peer *Peer) {
	s.mu.Lock()
	if cur, ok := s.peers[clientID]; ok && cur == peer {
		delete(s.peers, clientID)
	}
	s.mu.Unlock()

	peer.Close()
	s.logger.Info("Peer removed", zap.String("client_id", clientID))
}

// Consume distributes one video access unit to every streaming peer.
// Only Annex-B H.264 can be sent; raw frames are counted and skipped.
func (s *Server) Consume(buf *capture.SampleBuffer) {
	if buf.Kind != capture.MediaKindVideo {
		return
	}
	if !isAnnexB(buf.Data) {
		s.skipped.Add(1)
		if !s.warnedRaw.Swap(true) {
			s.logger.Warn("Video samples are not H.264, preview will stay blank",
				zap.String("device", buf.DeviceID))
		}
		return
	}

	n := s.distributed.Add(1)
	if s.shouldLog() {
		s.logger.Info("Distributing frame to peers",
			zap.Uint64("frame_count", n),
			zap.Int("frame_size", len(buf.Data)),
			zap.Int("peer_count", s.PeerCount()))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, peer := range s.peers {
		if !peer.IsStreaming() {
			continue
		}
		if err := peer.WriteFrame(buf.Data, buf.Duration); err != nil {
			s.logger.Error("Failed to write frame to peer",
				zap.String("peer_id", peer.ID()),
				zap.Error(err))
			continue
		}
		s.frames.Add(1)
	}
}

// PeerCount returns the number of connected peers
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Stats returns the preview statistics
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Clients: s.signaling.ClientCount(),
		Frames:  s.frames.Load(),
		Skipped: s.skipped.Load(),
		Peers:   make([]PeerStats, 0, len(s.peers)),
	}
	for _, peer := range s.peers {
		st.Peers = append(st.Peers, peer.Stats())
	}
	return st
}

// Close drops every peer and signaling client
func (s *Server) Close() {
	s.signaling.Close()

	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[string]*Peer)
	s.mu.Unlock()

	for _, peer := range peers {
		peer.Close()
	}
	s.logger.Info("Preview server stopped")
}

// shouldLog reports whether the throttled frame log line is due
func (s *Server) shouldLog() bool {
	if s.logInterval <= 0 {
		return false
	}
	now := time.Now().UnixNano()
	last := s.lastLog.Load()
	if now-last < int64(s.logInterval) {
		return false
	}
	return s.lastLog.CompareAndSwap(last, now)
}

func isAnnexB(data []byte) bool {
	return bytes.HasPrefix(data, []byte{0, 0, 0, 1}) || bytes.HasPrefix(data, []byte{0, 0, 1})
}
