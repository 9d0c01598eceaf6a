// Package web serves the HTTP control API and mounts the preview signaling socket.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"capture-recorder/config"

	"go.uber.org/zap"
)

// Server represents the control API server
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	listener   net.Listener
	handlers   *Handlers
	preview    http.HandlerFunc
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, controller Controller, logger *zap.Logger) *Server {
	logger = logger.With(zap.String("component", "web"))
	return &Server{
		config:   cfg,
		logger:   logger,
		handlers: NewHandlers(cfg, controller, logger),
	}
}

// SetPreviewHandler mounts the preview signaling socket at /ws
func (s *Server) SetPreviewHandler(handler http.HandlerFunc) {
	s.preview = handler
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handlers.HandleAPIStatus)
	mux.HandleFunc("/api/config", s.handlers.HandleAPIConfig)
	mux.HandleFunc("/api/devices", s.handlers.HandleAPIDevices)
	mux.HandleFunc("/api/stats", s.handlers.HandleAPIStats)
	mux.HandleFunc("/api/session/start", s.handlers.HandleAPIStartSession)
	mux.HandleFunc("/api/session/stop", s.handlers.HandleAPIStopSession)
	mux.HandleFunc("/api/recording/start", s.handlers.HandleAPIStartRecording)
	mux.HandleFunc("/api/recording/stop", s.handlers.HandleAPIStopRecording)
	mux.HandleFunc("/api/camera/switch", s.handlers.HandleAPISwitchCamera)
	mux.HandleFunc("/health", s.handlers.HandleHealth)

	if s.preview != nil {
		// WebSocket upgrades must bypass the logging wrapper
		mux.Handle("/ws", s.preview)
	}

	return s.addMiddleware(mux)
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	addr := s.config.ListenAddr()
	s.logger.Info("Starting web server", zap.String("address", addr))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Web server error", zap.Error(err))
		}
	}()

	s.logger.Info("Web server started",
		zap.String("address", listener.Addr().String()),
		zap.String("url", fmt.Sprintf("http://%s:%d", s.config.Server.AdvertiseHost, s.config.Server.WebPort)))
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// addMiddleware adds CORS headers and request logging
func (s *Server) addMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			handler.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler.ServeHTTP(lw, r)

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", lw.statusCode),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// loggingResponseWriter wraps http.ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// Stop gracefully shuts the server down
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping web server")

	timeout := time.Duration(s.config.Timeouts.HTTPShutdownTimeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Error during server shutdown", zap.Error(err))
		return err
	}

	s.logger.Info("Web server stopped")
	return nil
}
