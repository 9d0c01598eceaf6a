package preview

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const defaultSendTimeout = 5 * time.Second

// SignalingServer handles WebSocket signaling for preview peers
type SignalingServer struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[string]*SignalingClient

	onOffer func(client *SignalingClient, offer webrtc.SessionDescription) error
	onICE   func(client *SignalingClient, candidate webrtc.ICECandidateInit) error
	onLeave func(client *SignalingClient)

	sendBufferSize int
	sendTimeout    time.Duration
}

// SignalingClient represents a connected WebSocket client
type SignalingClient struct {
	id     string
	conn   *websocket.Conn
	server *SignalingServer
	logger *zap.Logger

	send chan []byte
	done chan struct{}

	mu          sync.RWMutex
	closed      bool
	connectedAt time.Time
	lastPing    time.Time
}

// SignalingMessage is one JSON message on the signaling socket
type SignalingMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewSignalingServer creates a new signaling server
func NewSignalingServer(sendBufferSize int, sendTimeout time.Duration, logger *zap.Logger) *SignalingServer {
	if sendBufferSize <= 0 {
		sendBufferSize = 64
	}
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}

	return &SignalingServer{
		logger:  logger,
		clients: make(map[string]*SignalingClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The control API is served on the LAN without auth
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sendBufferSize: sendBufferSize,
		sendTimeout:    sendTimeout,
	}
}

// SetHandlers sets the message handlers
func (s *SignalingServer) SetHandlers(
	onOffer func(client *SignalingClient, offer webrtc.SessionDescription) error,
	onICE func(client *SignalingClient, candidate webrtc.ICECandidateInit) error,
	onLeave func(client *SignalingClient),
) {
	s.onOffer = onOffer
	s.onICE = onICE
	s.onLeave = onLeave
}

// HandleWebSocket upgrades the request and serves the client until it disconnects
func (s *SignalingServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	now := time.Now()
	client := &SignalingClient{
		id:          clientID,
		conn:        conn,
		server:      s,
		logger:      s.logger.With(zap.String("client_id", clientID)),
		send:        make(chan []byte, s.sendBufferSize),
		done:        make(chan struct{}),
		connectedAt: now,
		lastPing:    now,
	}

	s.mu.Lock()
	s.clients[clientID] = client
	s.mu.Unlock()

	client.logger.Info("Client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.Header.Get("User-Agent")))

	go client.writePump()
	go client.readPump()
}

// readPump handles incoming messages from the client
func (c *SignalingClient) readPump() {
	defer c.close()

	for {
		var msg SignalingMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}

		c.logger.Debug("Received message", zap.String("type", msg.Type))
		if err := c.handleMessage(msg); err != nil {
			c.logger.Error("Error handling message", zap.Error(err))
			c.sendError(fmt.Sprintf("Error handling message: %v", err))
		}
	}
}

// writePump handles outgoing messages to the client
func (c *SignalingClient) writePump() {
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("WebSocket write error", zap.Error(err))
				return
			}
		}
	}
}

// handleMessage processes incoming signaling messages
func (c *SignalingClient) handleMessage(msg SignalingMessage) error {
	switch msg.Type {
	case "offer":
		var offer webrtc.SessionDescription
		if err := json.Unmarshal(msg.Data, &offer); err != nil {
			return fmt.Errorf("invalid offer format: %w", err)
		}
		if c.server.onOffer != nil {
			return c.server.onOffer(c, offer)
		}

	case "ice-candidate":
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Data, &candidate); err != nil {
			return fmt.Errorf("invalid ICE candidate format: %w", err)
		}
		if c.server.onICE != nil {
			return c.server.onICE(c, candidate)
		}

	case "ping":
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
		return c.sendMessage("pong", nil)

	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}

	return nil
}

// SendAnswer sends a WebRTC answer to the client
func (c *SignalingClient) SendAnswer(answer webrtc.SessionDescription) error {
	return c.sendMessage("answer", answer)
}

// SendICECandidate sends a local ICE candidate to the client
func (c *SignalingClient) SendICECandidate(candidate *webrtc.ICECandidate) error {
	if candidate == nil {
		return nil
	}
	return c.sendMessage("ice-candidate", candidate.ToJSON())
}

// sendMessage queues a message, closing the client if it stays full past the send timeout
func (c *SignalingClient) sendMessage(msgType string, data interface{}) error {
	msg := struct {
		Type string      `json:"type"`
		Data interface{} `json:"data,omitempty"`
	}{msgType, data}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	timer := time.NewTimer(c.server.sendTimeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return fmt.Errorf("client connection closed")
	case c.send <- jsonData:
		return nil
	case <-timer.C:
		c.logger.Error("Send timeout - client too slow, closing connection",
			zap.String("message_type", msgType))
		go c.close()
		return fmt.Errorf("send timeout - client too slow")
	}
}

// sendError sends an error message to the client
func (c *SignalingClient) sendError(errorMsg string) {
	c.sendMessage("error", map[string]string{"message": errorMsg})
}

// close tears down the client. It never holds the client lock while taking the server lock.
func (c *SignalingClient) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
	}

	if c.server != nil {
		c.server.mu.Lock()
		delete(c.server.clients, c.id)
		c.server.mu.Unlock()

		if c.server.onLeave != nil {
			c.server.onLeave(c)
		}
	}

	c.logger.Info("Client disconnected",
		zap.Duration("connected_for", time.Since(c.connectedAt)))
}

// ID returns the client ID
func (c *SignalingClient) ID() string {
	return c.id
}

// IsClosed returns whether the client connection is closed
func (c *SignalingClient) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// ClientCount returns the number of connected clients
func (s *SignalingServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close closes all client connections
func (s *SignalingServer) Close() {
	s.mu.RLock()
	clients := make([]*SignalingClient, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	s.logger.Info("Closing signaling server", zap.Int("clients", len(clients)))
	for _, client := range clients {
		client.close()
	}
}
