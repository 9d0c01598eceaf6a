package capture

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"

	"go.uber.org/zap"
)

// DeviceKind represents the type of capture device
type DeviceKind int

const (
	DeviceKindCamera DeviceKind = iota
	DeviceKindMicrophone
)

func (k DeviceKind) String() string {
	switch k {
	case DeviceKindCamera:
		return "camera"
	case DeviceKindMicrophone:
		return "microphone"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (k DeviceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// MediaKind returns the kind of samples a device of this kind produces
func (k DeviceKind) MediaKind() MediaKind {
	if k == DeviceKindMicrophone {
		return MediaKindAudio
	}
	return MediaKindVideo
}

// ParseDeviceKind parses "camera" or "microphone" (also "video"/"audio")
func ParseDeviceKind(s string) (DeviceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "camera", "video", "videoinput":
		return DeviceKindCamera, nil
	case "microphone", "mic", "audio", "audioinput":
		return DeviceKindMicrophone, nil
	}
	return 0, fmt.Errorf("unknown device kind %q", s)
}

// Position is the facing of a camera
type Position int

const (
	PositionUnspecified Position = iota
	PositionFront
	PositionBack
)

func (p Position) String() string {
	switch p {
	case PositionFront:
		return "front"
	case PositionBack:
		return "back"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler
func (p Position) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Opposite returns the other camera facing. Unspecified stays unspecified.
func (p Position) Opposite() Position {
	switch p {
	case PositionFront:
		return PositionBack
	case PositionBack:
		return PositionFront
	default:
		return PositionUnspecified
	}
}

// ParsePosition parses "front", "back" or "none"
func ParsePosition(s string) (Position, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "front", "user":
		return PositionFront, nil
	case "back", "rear", "environment":
		return PositionBack, nil
	case "", "none", "unspecified":
		return PositionUnspecified, nil
	}
	return PositionUnspecified, fmt.Errorf("unknown camera position %q", s)
}

// Device is an immutable snapshot of a capture device
type Device struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Kind         DeviceKind `json:"kind"`
	Position     Position   `json:"position"`
	Capabilities []string   `json:"capabilities,omitempty"`
}

// HasCapability reports whether the device advertises the named capability
func (d Device) HasCapability(name string) bool {
	return slices.Contains(d.Capabilities, name)
}

// DeviceLister is the part of the backend the enumerator depends on
type DeviceLister interface {
	Devices(ctx context.Context, kind DeviceKind) ([]Device, error)
}

// Enumerator lists capture devices from a backend
type Enumerator struct {
	lister DeviceLister
	logger *zap.Logger
}

// NewEnumerator creates a new device enumerator
func NewEnumerator(lister DeviceLister, logger *zap.Logger) *Enumerator {
	return &Enumerator{
		lister: lister,
		logger: logger.With(zap.String("component", "enumerator")),
	}
}

// ListDevices returns a lazy sequence of devices of the given kind.
// The backend is queried each time the sequence is ranged over, and the
// devices of one pass are ordered by ID.
func (e *Enumerator) ListDevices(ctx context.Context, kind DeviceKind) iter.Seq[Device] {
	return func(yield func(Device) bool) {
		devices, err := e.lister.Devices(ctx, kind)
		if err != nil {
			e.logger.Warn("Device enumeration failed",
				zap.String("kind", kind.String()),
				zap.Error(err))
			return
		}

		snapshot := make([]Device, 0, len(devices))
		for _, d := range devices {
			if d.Kind == kind {
				d.Capabilities = slices.Clone(d.Capabilities)
				snapshot = append(snapshot, d)
			}
		}
		slices.SortStableFunc(snapshot, func(a, b Device) int {
			return strings.Compare(a.ID, b.ID)
		})

		for _, d := range snapshot {
			if !yield(d) {
				return
			}
		}
	}
}

// Find returns the first device of kind at the given position
func (e *Enumerator) Find(ctx context.Context, kind DeviceKind, position Position) (Device, error) {
	for d := range e.ListDevices(ctx, kind) {
		if position == PositionUnspecified || d.Position == position {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("no %s at position %s: %w", kind, position, ErrDeviceNotFound)
}

// Default returns the first device of kind
func (e *Enumerator) Default(ctx context.Context, kind DeviceKind) (Device, error) {
	return e.Find(ctx, kind, PositionUnspecified)
}
