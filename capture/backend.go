package capture

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Backend is the platform capture subsystem driven by the session.
type Backend interface {
	DeviceLister

	// OpenDevice acquires a device for use as an input.
	// Busy or denied devices fail with ErrDeviceUnavailable.
	OpenDevice(ctx context.Context, device Device) error

	// CloseDevice releases a device acquired with OpenDevice.
	CloseDevice(device Device) error

	// Configure applies a complete input/output configuration.
	// It is called once per committed transaction and must either apply
	// the whole configuration or leave the previous one in place.
	Configure(ctx context.Context, cfg Configuration) error

	// Start begins delivering samples for the configured connections to handler.
	Start(ctx context.Context, handler SampleHandler) error

	// Stop halts delivery and waits for the capture goroutines to exit.
	Stop() error
}

// OutputKind is the type of an attached output
type OutputKind int

const (
	OutputVideoData OutputKind = iota
	OutputAudioData
	OutputMovieFile
)

func (k OutputKind) String() string {
	switch k {
	case OutputVideoData:
		return "video-data"
	case OutputAudioData:
		return "audio-data"
	case OutputMovieFile:
		return "movie-file"
	default:
		return "unknown"
	}
}

// MediaKind returns the sample kind a data output receives.
// Movie file outputs receive both and report zero.
func (k OutputKind) MediaKind() MediaKind {
	switch k {
	case OutputVideoData:
		return MediaKindVideo
	case OutputAudioData:
		return MediaKindAudio
	default:
		return 0
	}
}

// Output is anything that can be attached to a session
type Output interface {
	ID() string
	Kind() OutputKind
}

// SampleOutput is a raw sample data output of one media kind
type SampleOutput struct {
	id   string
	kind OutputKind
}

// NewVideoDataOutput creates a raw video sample output
func NewVideoDataOutput() *SampleOutput {
	return &SampleOutput{id: "video-" + uuid.NewString(), kind: OutputVideoData}
}

// NewAudioDataOutput creates a raw audio sample output
func NewAudioDataOutput() *SampleOutput {
	return &SampleOutput{id: "audio-" + uuid.NewString(), kind: OutputAudioData}
}

func (o *SampleOutput) ID() string       { return o.id }
func (o *SampleOutput) Kind() OutputKind { return o.kind }

// Connection returns the connection samples for this output arrive on
func (o *SampleOutput) Connection() Connection {
	return Connection{OutputID: o.id}
}

// Input binds one device to a session
type Input struct {
	id      string
	device  Device
	backend Backend

	closeOnce sync.Once
	closeErr  error
}

// ID returns the input identifier
func (in *Input) ID() string { return in.id }

// Device returns the bound device snapshot
func (in *Input) Device() Device { return in.device }

// Close releases the underlying device. It is safe to call more than once.
func (in *Input) Close() error {
	in.closeOnce.Do(func() {
		in.closeErr = in.backend.CloseDevice(in.device)
	})
	return in.closeErr
}

// Configuration is an immutable snapshot of the attached inputs and outputs
type Configuration struct {
	Inputs      []*Input
	Outputs     []Output
	MirrorVideo bool
}

// Input returns the attached input of the given device kind, or nil
func (c *Configuration) Input(kind DeviceKind) *Input {
	if c == nil {
		return nil
	}
	for _, in := range c.Inputs {
		if in.device.Kind == kind {
			return in
		}
	}
	return nil
}

// Output returns the attached output with the given ID, or nil
func (c *Configuration) Output(id string) Output {
	if c == nil {
		return nil
	}
	for _, out := range c.Outputs {
		if out.ID() == id {
			return out
		}
	}
	return nil
}

// ConnectionKind resolves the media kind of samples arriving on conn.
// Only data outputs with an attached input of the matching kind are connected.
func (c *Configuration) ConnectionKind(conn Connection) (MediaKind, bool) {
	out := c.Output(conn.OutputID)
	if out == nil {
		return 0, false
	}
	kind := out.Kind().MediaKind()
	if kind == 0 {
		return 0, false
	}
	for _, in := range c.Inputs {
		if in.device.Kind.MediaKind() == kind {
			return kind, true
		}
	}
	return 0, false
}

func (c *Configuration) clone() *Configuration {
	n := &Configuration{MirrorVideo: c.MirrorVideo}
	n.Inputs = append([]*Input(nil), c.Inputs...)
	n.Outputs = append([]Output(nil), c.Outputs...)
	return n
}
