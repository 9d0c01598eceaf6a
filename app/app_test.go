package app

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"capture-recorder/backend"
	"capture-recorder/capture"
	"capture-recorder/config"
	"capture-recorder/mjpeg"
	"capture-recorder/recorder"
	"capture-recorder/router"

	"github.com/pion/rtp"
	"go.uber.org/zap/zaptest"
)

// eventLog records recorder notifications in order
type eventLog struct {
	mu     sync.Mutex
	events []string
	errs   []error
}

func (l *eventLog) DidStart(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "start:"+filepath.Base(path))
}

func (l *eventLog) DidFinish(path string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "finish:"+filepath.Base(path))
	l.errs = append(l.errs, err)
}

func (l *eventLog) snapshot() ([]string, []error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...), append([]error(nil), l.errs...)
}

// deviceCounter counts routed video samples per device
type deviceCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (d *deviceCounter) Consume(buf *capture.SampleBuffer) {
	if buf.Kind != capture.MediaKindVideo {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.counts == nil {
		d.counts = make(map[string]int)
	}
	d.counts[buf.DeviceID]++
}

func (d *deviceCounter) count(deviceID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[deviceID]
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Capture.OutputPath = filepath.Join(t.TempDir(), "test.mp4")
	cfg.Synthetic.Width = 32
	cfg.Synthetic.Height = 16
	cfg.Synthetic.FPS = 100
	cfg.Synthetic.SampleRate = 8000
	cfg.Synthetic.AudioChunkMS = 10
	cfg.Preview.Enabled = false
	cfg.Logging.StatsLogInterval = 0
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) (*Application, *backend.Synthetic, *eventLog) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	b := backend.NewSynthetic(cfg.Synthetic, logger)

	a, err := New(cfg, b, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	events := &eventLog{}
	a.Recorder().AddListener(events)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Stop(ctx)
	})
	return a, b, events
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// readContainer returns the number of records per kind and the devices seen
func readContainer(t *testing.T, path string) (map[capture.MediaKind]int, map[string]bool, recorder.Metadata) {
	t.Helper()
	c, err := recorder.OpenContainer(path)
	if err != nil {
		t.Fatalf("OpenContainer failed: %v", err)
	}
	defer c.Close()

	counts := make(map[capture.MediaKind]int)
	devices := make(map[string]bool)
	for {
		buf, err := c.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		counts[buf.Kind]++
		devices[buf.DeviceID] = true
	}
	return counts, devices, c.Metadata
}

func TestRecordEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	a, _, events := newTestApp(t, cfg)
	ctx := context.Background()

	cams := a.Devices(ctx, capture.DeviceKindCamera)
	if len(cams) != 2 {
		t.Fatalf("Expected 2 cameras, got %d", len(cams))
	}

	if err := a.SetupInputsOutputs(ctx); err != nil {
		t.Fatalf("SetupInputsOutputs failed: %v", err)
	}
	if err := a.StartCapture(ctx); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}

	waitFor(t, "recorded samples", func() bool { return a.Recorder().Status().Records >= 20 })

	if err := a.StopCapture(); err != nil {
		t.Fatalf("StopCapture failed: %v", err)
	}

	got, errs := events.snapshot()
	want := []string{"start:test.mp4", "finish:test.mp4"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Events = %v, want %v", got, want)
	}
	if errs[0] != nil {
		t.Errorf("DidFinish error = %v, want nil", errs[0])
	}
	if st := a.Recorder().State(); st != recorder.StateStopped {
		t.Errorf("Recorder state = %s, want stopped", st)
	}

	info, err := os.Stat(cfg.Capture.OutputPath)
	if err != nil {
		t.Fatalf("Recording missing: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("Recording is empty")
	}

	counts, devices, meta := readContainer(t, cfg.Capture.OutputPath)
	if counts[capture.MediaKindVideo] == 0 || counts[capture.MediaKindAudio] == 0 {
		t.Errorf("Expected both kinds in the recording, got %v", counts)
	}
	if !devices[backend.SyntheticFrontCamera] || !devices[backend.SyntheticMicrophone] {
		t.Errorf("Unexpected devices in recording: %v", devices)
	}
	if !meta.Mirrored {
		t.Error("Front camera recording should be marked mirrored")
	}
}

func TestSwitchCameraWhileRecording(t *testing.T) {
	cfg := testConfig(t)
	a, _, events := newTestApp(t, cfg)
	ctx := context.Background()

	if err := a.SetupInputsOutputs(ctx); err != nil {
		t.Fatalf("SetupInputsOutputs failed: %v", err)
	}
	if err := a.StartCapture(ctx); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	// Recorded samples alone may all be audio, so watch the video route per device
	video := &deviceCounter{}
	if _, err := a.Router().Register("video-devices", router.Video, video, 0); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	waitFor(t, "front camera frames", func() bool { return video.count(backend.SyntheticFrontCamera) > 0 })

	if err := a.SwitchCamera(ctx, capture.PositionUnspecified); err != nil {
		t.Fatalf("SwitchCamera failed: %v", err)
	}
	if pos := a.Status()["active_camera"]; pos != "back" {
		t.Errorf("active_camera = %v, want back", pos)
	}
	if a.Session().Snapshot().MirrorVideo {
		t.Error("Back camera should not be mirrored")
	}

	waitFor(t, "back camera frames", func() bool { return video.count(backend.SyntheticBackCamera) > 0 })

	if err := a.StopCapture(); err != nil {
		t.Fatalf("StopCapture failed: %v", err)
	}

	// The switch did not interrupt the recording
	if got, _ := events.snapshot(); len(got) != 2 {
		t.Errorf("Events = %v, want one start and one finish", got)
	}
	_, devices, _ := readContainer(t, cfg.Capture.OutputPath)
	if !devices[backend.SyntheticFrontCamera] || !devices[backend.SyntheticBackCamera] {
		t.Errorf("Expected frames from both cameras, got %v", devices)
	}
}

func TestStartRecordingTwice(t *testing.T) {
	cfg := testConfig(t)
	a, _, _ := newTestApp(t, cfg)
	ctx := context.Background()

	if err := a.SetupInputsOutputs(ctx); err != nil {
		t.Fatalf("SetupInputsOutputs failed: %v", err)
	}
	if err := a.StartCapture(ctx); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}

	err := a.StartRecording(filepath.Join(t.TempDir(), "other.mp4"))
	if !errors.Is(err, capture.ErrAlreadyRecording) {
		t.Errorf("StartRecording error = %v, want ErrAlreadyRecording", err)
	}
}

func TestRestartCaptureReattachesMovieOutput(t *testing.T) {
	cfg := testConfig(t)
	a, _, events := newTestApp(t, cfg)
	ctx := context.Background()

	if err := a.SetupInputsOutputs(ctx); err != nil {
		t.Fatalf("SetupInputsOutputs failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := a.StartCapture(ctx); err != nil {
			t.Fatalf("StartCapture #%d failed: %v", i+1, err)
		}
		waitFor(t, "samples", func() bool { return a.Recorder().Status().Records > 0 })
		if err := a.StopCapture(); err != nil {
			t.Fatalf("StopCapture #%d failed: %v", i+1, err)
		}
	}

	movies := 0
	for _, out := range a.Session().Snapshot().Outputs {
		if out.Kind() == capture.OutputMovieFile {
			movies++
		}
	}
	if movies != 1 {
		t.Errorf("Expected exactly one movie output, got %d", movies)
	}
	if got, _ := events.snapshot(); len(got) != 4 {
		t.Errorf("Events = %v, want two start/finish pairs", got)
	}
}

func TestBackendErrorFailsRecording(t *testing.T) {
	cfg := testConfig(t)
	a, b, events := newTestApp(t, cfg)
	ctx := context.Background()

	if err := a.SetupInputsOutputs(ctx); err != nil {
		t.Fatalf("SetupInputsOutputs failed: %v", err)
	}
	if err := a.StartCapture(ctx); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	waitFor(t, "first samples", func() bool { return a.Recorder().Status().Records > 0 })

	b.InjectError(errors.New("sensor disconnected"))
	waitFor(t, "failed recording", func() bool { return a.Recorder().State() == recorder.StateFailed })

	got, errs := events.snapshot()
	if len(got) != 2 || !errors.Is(errs[0], capture.ErrIO) {
		t.Errorf("Events = %v errors = %v, want one finish with ErrIO", got, errs)
	}

	// Stopping afterwards does not finish twice
	if err := a.StopCapture(); err != nil {
		t.Errorf("StopCapture failed: %v", err)
	}
	if got, _ := events.snapshot(); len(got) != 2 {
		t.Errorf("Events after stop = %v", got)
	}
}

func TestSetupWithBusyCamera(t *testing.T) {
	cfg := testConfig(t)
	cfg.Synthetic.BusyDevices = []string{backend.SyntheticFrontCamera}
	a, _, _ := newTestApp(t, cfg)

	err := a.SetupInputsOutputs(context.Background())
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Errorf("SetupInputsOutputs error = %v, want ErrDeviceUnavailable", err)
	}
	if n := len(a.Session().Snapshot().Inputs); n != 0 {
		t.Errorf("Expected no inputs after failed setup, got %d", n)
	}
}

func TestRecordToUnwritablePath(t *testing.T) {
	cfg := testConfig(t)
	a, _, events := newTestApp(t, cfg)
	ctx := context.Background()

	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg.Capture.OutputPath = filepath.Join(blocker, "abc.mp4")

	if err := a.SetupInputsOutputs(ctx); err != nil {
		t.Fatalf("SetupInputsOutputs failed: %v", err)
	}
	err := a.StartCapture(ctx)
	if !errors.Is(err, capture.ErrPathUnavailable) {
		t.Errorf("StartCapture error = %v, want ErrPathUnavailable", err)
	}
	if got, _ := events.snapshot(); len(got) != 0 {
		t.Errorf("Unexpected events: %v", got)
	}
}

func TestPreviewAttachedWhileCapturing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Preview.Enabled = true
	cfg.Preview.STUNServer = ""
	a, _, _ := newTestApp(t, cfg)
	ctx := context.Background()

	hasPreview := func() bool {
		for _, c := range a.Router().Stats().Consumers {
			if c.Name == consumerPreview {
				return true
			}
		}
		return false
	}

	if err := a.SetupInputsOutputs(ctx); err != nil {
		t.Fatalf("SetupInputsOutputs failed: %v", err)
	}
	if hasPreview() {
		t.Error("Preview attached before capture")
	}
	if err := a.StartCapture(ctx); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	if !hasPreview() {
		t.Error("Preview not attached during capture")
	}
	if err := a.StopCapture(); err != nil {
		t.Fatalf("StopCapture failed: %v", err)
	}
	if hasPreview() {
		t.Error("Preview still attached after capture")
	}

	if _, ok := a.Stats()["preview"]; !ok {
		t.Error("Stats missing preview section")
	}
}

func TestStartStreamsMJPEG(t *testing.T) {
	dest, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer dest.Close()

	cfg := testConfig(t)
	cfg.Server.BindIP = "127.0.0.1"
	cfg.Server.WebPort = 0
	cfg.MJPEG.Enabled = true
	cfg.MJPEG.DestHost = "127.0.0.1"
	cfg.MJPEG.DestPort = dest.LocalAddr().(*net.UDPAddr).Port
	a, _, _ := newTestApp(t, cfg)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "MJPEG frames", func() bool {
		st, _ := a.Stats()["mjpeg"].(mjpeg.Stats)
		return st.Frames > 0
	})

	dest.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := dest.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("No RTP packet received: %v", err)
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("Packet does not unmarshal: %v", err)
	}
	if pkt.PayloadType != mjpeg.PayloadTypeJPEG {
		t.Errorf("payload type = %d", pkt.PayloadType)
	}
}

func TestStopRecordingWritesQueuedSamples(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recorder.QueueSize = 1024
	a, _, events := newTestApp(t, cfg)

	// Session stays stopped so only the samples pushed here are routed
	if err := a.SetupInputsOutputs(context.Background()); err != nil {
		t.Fatalf("SetupInputsOutputs failed: %v", err)
	}
	if err := a.StartRecording(""); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}

	var conn capture.Connection
	for _, out := range a.Session().Snapshot().Outputs {
		if out.Kind() == capture.OutputVideoData {
			conn = capture.Connection{OutputID: out.ID()}
		}
	}
	if conn.OutputID == "" {
		t.Fatal("No video data output in the committed configuration")
	}

	for i := uint64(1); i <= 500; i++ {
		a.Router().OnSample(conn, &capture.SampleBuffer{
			Sequence: i,
			DeviceID: backend.SyntheticFrontCamera,
			Data:     make([]byte, 256),
		})
	}
	if err := a.StopRecording(); err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}

	if _, errs := events.snapshot(); len(errs) != 1 || errs[0] != nil {
		t.Fatalf("Expected one successful DidFinish, got %v", errs)
	}
	counts, _, _ := readContainer(t, cfg.Capture.OutputPath)
	if got := counts[capture.MediaKindVideo]; got != 500 {
		t.Errorf("Recording holds %d video records, want 500", got)
	}
	if st := a.Recorder().Status(); st.Dropped != 0 {
		t.Errorf("Expected no dropped samples, got %d", st.Dropped)
	}
}
