package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"capture-recorder/capture"
	"capture-recorder/config"

	"go.uber.org/zap/zaptest"
)

// fakeController records the actions it is asked to perform
type fakeController struct {
	mu        sync.Mutex
	running   bool
	recording string
	position  capture.Position
	calls     []string
	err       error
}

func (f *fakeController) Devices(ctx context.Context, kind capture.DeviceKind) []capture.Device {
	if kind == capture.DeviceKindCamera {
		return []capture.Device{
			{ID: "cam-front", Kind: capture.DeviceKindCamera, Position: capture.PositionFront},
			{ID: "cam-back", Kind: capture.DeviceKindCamera, Position: capture.PositionBack},
		}
	}
	return []capture.Device{{ID: "mic-0", Kind: capture.DeviceKindMicrophone}}
}

func (f *fakeController) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeController) StartSession(ctx context.Context) error {
	if err := f.record("start_session"); err != nil {
		return err
	}
	f.running = true
	return nil
}

func (f *fakeController) StopSession() error {
	f.running = false
	return f.record("stop_session")
}

func (f *fakeController) StartRecording(path string) error {
	if err := f.record("start_recording:" + path); err != nil {
		return err
	}
	f.recording = path
	return nil
}

func (f *fakeController) StopRecording() error {
	f.recording = ""
	return f.record("stop_recording")
}

func (f *fakeController) SwitchCamera(ctx context.Context, position capture.Position) error {
	f.position = position
	return f.record("switch_camera:" + position.String())
}

func (f *fakeController) Status() map[string]interface{} {
	return map[string]interface{}{"running": f.running, "recording": f.recording}
}

func (f *fakeController) Stats() map[string]interface{} {
	return map[string]interface{}{"router": map[string]int{"received": 7}}
}

func newTestServer(t *testing.T, ctrl *fakeController) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	srv := NewServer(cfg, ctrl, zaptest.NewLogger(t))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return body
}

func TestReadEndpoints(t *testing.T) {
	ts := newTestServer(t, &fakeController{})

	tests := []struct {
		path    string
		wantKey string
	}{
		{"/health", "status"},
		{"/api/status", "server"},
		{"/api/config", "capture"},
		{"/api/stats", "router"},
		{"/api/devices", "devices"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			if err != nil {
				t.Fatalf("GET failed: %v", err)
			}
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("Status = %d, want 200", resp.StatusCode)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %s", ct)
			}
			if body := decode(t, resp); body[tt.wantKey] == nil {
				t.Errorf("Response missing %q: %v", tt.wantKey, body)
			}
		})
	}
}

func TestDevicesFilter(t *testing.T) {
	ts := newTestServer(t, &fakeController{})

	tests := []struct {
		query      string
		wantStatus int
		wantCount  float64
	}{
		{"", http.StatusOK, 3},
		{"?kind=camera", http.StatusOK, 2},
		{"?kind=audio", http.StatusOK, 1},
		{"?kind=screen", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/api/devices" + tt.query)
			if err != nil {
				t.Fatalf("GET failed: %v", err)
			}
			body := decode(t, resp)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("Status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && body["count"] != tt.wantCount {
				t.Errorf("count = %v, want %v", body["count"], tt.wantCount)
			}
		})
	}
}

func TestActions(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		wantCall string
	}{
		{"start session", "/api/session/start", "", "start_session"},
		{"stop session", "/api/session/stop", "", "stop_session"},
		{"record to configured path", "/api/recording/start", "", "start_recording:"},
		{"record to explicit path", "/api/recording/start", `{"path":"/tmp/x.mp4"}`, "start_recording:/tmp/x.mp4"},
		{"stop recording", "/api/recording/stop", "", "stop_recording"},
		{"toggle camera", "/api/camera/switch", "", "switch_camera:none"},
		{"switch to back", "/api/camera/switch", `{"position":"rear"}`, "switch_camera:back"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{}
			ts := newTestServer(t, ctrl)

			resp, err := http.Post(ts.URL+tt.path, "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST failed: %v", err)
			}
			body := decode(t, resp)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("Status = %d, body %v", resp.StatusCode, body)
			}
			if body["success"] != true {
				t.Errorf("success = %v", body["success"])
			}
			if len(ctrl.calls) != 1 || ctrl.calls[0] != tt.wantCall {
				t.Errorf("calls = %v, want [%s]", ctrl.calls, tt.wantCall)
			}
		})
	}
}

func TestActionErrors(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
	}{
		{capture.ErrAlreadyRecording, http.StatusConflict},
		{capture.ErrConfigurationState, http.StatusConflict},
		{capture.ErrNoActiveInput, http.StatusConflict},
		{capture.ErrDeviceNotFound, http.StatusNotFound},
		{capture.ErrDeviceUnavailable, http.StatusServiceUnavailable},
		{capture.ErrPathUnavailable, http.StatusBadRequest},
		{capture.ErrIO, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			ctrl := &fakeController{err: fmt.Errorf("wrapped: %w", tt.err)}
			ts := newTestServer(t, ctrl)

			resp, err := http.Post(ts.URL+"/api/recording/start", "application/json", nil)
			if err != nil {
				t.Fatalf("POST failed: %v", err)
			}
			body := decode(t, resp)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if msg, _ := body["error"].(string); !strings.Contains(msg, tt.err.Error()) {
				t.Errorf("error = %q, want it to mention %q", msg, tt.err.Error())
			}
		})
	}
}

func TestBadRequests(t *testing.T) {
	ctrl := &fakeController{}
	ts := newTestServer(t, ctrl)

	resp, err := http.Get(ts.URL + "/api/session/start")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET action status = %d, want 405", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/api/camera/switch", "application/json", strings.NewReader(`{"position":"sideways"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Bad position status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/api/recording/start", "application/json", strings.NewReader(`{"path":`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Malformed body status = %d, want 400", resp.StatusCode)
	}

	if len(ctrl.calls) != 0 {
		t.Errorf("Controller called on bad requests: %v", ctrl.calls)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, &fakeController{})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/status", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Preflight status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Missing CORS header")
	}
}

func TestStartAndStop(t *testing.T) {
	cfg := config.Default()
	cfg.Server.BindIP = "127.0.0.1"
	cfg.Server.WebPort = 0
	srv := NewServer(cfg, &fakeController{}, zaptest.NewLogger(t))

	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	resp, err := http.Get("http://" + srv.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Status = %d", resp.StatusCode)
	}

	if err := srv.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
