package capture

import "time"

// MediaKind tags a sample buffer as audio or video
type MediaKind uint8

const (
	MediaKindVideo MediaKind = iota + 1
	MediaKindAudio
)

func (k MediaKind) String() string {
	switch k {
	case MediaKindVideo:
		return "video"
	case MediaKindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// SampleBuffer is one timestamped chunk of media data delivered by the backend.
// Receivers must not retain a buffer past the call that delivered it.
type SampleBuffer struct {
	Kind     MediaKind
	Data     []byte
	PTS      time.Duration // presentation time relative to session start
	Duration time.Duration
	Captured time.Time
	Sequence uint64
	Keyframe bool
	DeviceID string
}

// Clone returns a deep copy of the buffer
func (b *SampleBuffer) Clone() *SampleBuffer {
	c := *b
	c.Data = make([]byte, len(b.Data))
	copy(c.Data, b.Data)
	return &c
}

// Connection identifies the sample output a buffer was delivered through
type Connection struct {
	OutputID string
}

// SampleHandler receives samples and asynchronous errors from a running backend.
// OnSample is called from backend goroutines and must not block.
type SampleHandler interface {
	OnSample(conn Connection, buf *SampleBuffer)
	OnError(err error)
}
