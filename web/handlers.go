package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"capture-recorder/capture"
	"capture-recorder/config"

	"go.uber.org/zap"
)

// Controller is the capture pipeline as seen by the control API
type Controller interface {
	Devices(ctx context.Context, kind capture.DeviceKind) []capture.Device
	StartSession(ctx context.Context) error
	StopSession() error
	StartRecording(path string) error
	StopRecording() error
	SwitchCamera(ctx context.Context, position capture.Position) error
	Status() map[string]interface{}
	Stats() map[string]interface{}
}

// Handlers manages HTTP request handlers
type Handlers struct {
	config     *config.Config
	logger     *zap.Logger
	controller Controller
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg *config.Config, controller Controller, logger *zap.Logger) *Handlers {
	return &Handlers{
		config:     cfg,
		logger:     logger,
		controller: controller,
	}
}

// HandleAPIStatus returns the session, recorder and camera state
func (h *Handlers) HandleAPIStatus(w http.ResponseWriter, r *http.Request) {
	status := h.controller.Status()
	status["server"] = map[string]interface{}{
		"advertise_host": h.config.Server.AdvertiseHost,
		"web_port":       h.config.Server.WebPort,
		"running":        true,
	}
	h.writeJSONResponse(w, status)
}

// HandleAPIConfig returns the current configuration
func (h *Handlers) HandleAPIConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, h.config)
}

// HandleAPIDevices lists devices, optionally filtered by ?kind=camera|microphone
func (h *Handlers) HandleAPIDevices(w http.ResponseWriter, r *http.Request) {
	kinds := []capture.DeviceKind{capture.DeviceKindCamera, capture.DeviceKindMicrophone}
	if q := r.URL.Query().Get("kind"); q != "" {
		kind, err := capture.ParseDeviceKind(q)
		if err != nil {
			h.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		kinds = []capture.DeviceKind{kind}
	}

	devices := []capture.Device{}
	for _, kind := range kinds {
		devices = append(devices, h.controller.Devices(r.Context(), kind)...)
	}
	h.writeJSONResponse(w, map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	})
}

// HandleAPIStartSession starts sample delivery
func (h *Handlers) HandleAPIStartSession(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, "start_session", func() error {
		return h.controller.StartSession(r.Context())
	})
}

// HandleAPIStopSession stops sample delivery, finalizing any recording
func (h *Handlers) HandleAPIStopSession(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, "stop_session", h.controller.StopSession)
}

// HandleAPIStartRecording starts recording to {"path": ...} or the configured path
func (h *Handlers) HandleAPIStartRecording(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if !h.decodeOptionalBody(w, r, &req) {
		return
	}
	h.runAction(w, r, "start_recording", func() error {
		return h.controller.StartRecording(req.Path)
	})
}

// HandleAPIStopRecording finalizes the current recording
func (h *Handlers) HandleAPIStopRecording(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, "stop_recording", h.controller.StopRecording)
}

// HandleAPISwitchCamera switches to {"position": "front"|"back"} or toggles when empty
func (h *Handlers) HandleAPISwitchCamera(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Position string `json:"position"`
	}
	if !h.decodeOptionalBody(w, r, &req) {
		return
	}
	position, err := capture.ParsePosition(req.Position)
	if err != nil {
		h.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.runAction(w, r, "switch_camera", func() error {
		return h.controller.SwitchCamera(r.Context(), position)
	})
}

// HandleAPIStats returns router, recorder and preview statistics
func (h *Handlers) HandleAPIStats(w http.ResponseWriter, r *http.Request) {
	stats := h.controller.Stats()
	stats["timestamp"] = fmt.Sprintf("%d", time.Now().Unix())
	h.writeJSONResponse(w, stats)
}

// HandleHealth returns health check information
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// runAction runs a POST-only action and reports its outcome
func (h *Handlers) runAction(w http.ResponseWriter, r *http.Request, action string, fn func() error) {
	if r.Method != http.MethodPost {
		h.writeErrorResponse(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := fn(); err != nil {
		h.logger.Error("Action failed", zap.String("action", action), zap.Error(err))
		h.writeErrorResponse(w, err.Error(), statusForError(err))
		return
	}

	h.logger.Info("Action completed", zap.String("action", action))
	h.writeJSONResponse(w, map[string]interface{}{
		"action":  action,
		"success": true,
		"status":  h.controller.Status(),
	})
}

// decodeOptionalBody decodes a JSON body if one was sent
func (h *Handlers) decodeOptionalBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		h.writeErrorResponse(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		h.writeErrorResponse(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

// statusForError maps capture errors to HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, capture.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, capture.ErrPathUnavailable):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrConfigurationState),
		errors.Is(err, capture.ErrDuplicateInput),
		errors.Is(err, capture.ErrNoActiveInput),
		errors.Is(err, capture.ErrAlreadyRecording):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  message,
		"status": statusCode,
	})
}
