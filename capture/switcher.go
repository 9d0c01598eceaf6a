package capture

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Switcher swaps the active camera input inside one session transaction
type Switcher struct {
	session    *Session
	enumerator *Enumerator
	logger     *zap.Logger

	// Serializes switch requests from the control surface
	mu          sync.Mutex
	mirrorFront bool
}

// NewSwitcher creates a new camera switch coordinator
func NewSwitcher(session *Session, enumerator *Enumerator, logger *zap.Logger) *Switcher {
	return &Switcher{
		session:     session,
		enumerator:  enumerator,
		logger:      logger.With(zap.String("component", "switcher")),
		mirrorFront: true,
	}
}

// SetMirrorFront controls whether video is mirrored while a front camera is active
func (w *Switcher) SetMirrorFront(mirror bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mirrorFront = mirror
}

// ActivePosition returns the facing of the attached camera, or
// PositionUnspecified when no camera is attached.
func (w *Switcher) ActivePosition() Position {
	in := w.session.Snapshot().Input(DeviceKindCamera)
	if in == nil {
		return PositionUnspecified
	}
	return in.device.Position
}

// Toggle switches between the front and back cameras
func (w *Switcher) Toggle(ctx context.Context) error {
	current := w.session.Snapshot().Input(DeviceKindCamera)
	if current == nil {
		return fmt.Errorf("cannot switch camera: %w", ErrNoActiveInput)
	}

	target := current.device.Position.Opposite()
	if target == PositionUnspecified {
		target = PositionFront
	}
	return w.SwitchTo(ctx, target)
}

// SwitchTo replaces the attached camera with one at position.
// On any failure the previous camera stays attached.
func (w *Switcher) SwitchTo(ctx context.Context, position Position) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	current := w.session.Snapshot().Input(DeviceKindCamera)
	if current == nil {
		return fmt.Errorf("cannot switch camera: %w", ErrNoActiveInput)
	}

	device, err := w.enumerator.Find(ctx, DeviceKindCamera, position)
	if err != nil {
		return err
	}

	if device.ID == current.device.ID {
		w.logger.Debug("Camera already active", zap.String("device", device.ID))
		return nil
	}

	w.logger.Info("Switching camera",
		zap.String("from", current.device.ID),
		zap.String("to", device.ID),
		zap.String("position", position.String()))

	next, err := w.session.OpenInput(ctx, device)
	if err != nil {
		return err
	}

	err = w.session.Configure(ctx, func(tx *Transaction) error {
		if err := tx.RemoveInput(current); err != nil {
			return err
		}
		if err := tx.AddInput(next); err != nil {
			return err
		}
		return tx.SetMirrorVideo(w.mirrorFront && device.Position == PositionFront)
	})
	if err != nil {
		if cerr := next.Close(); cerr != nil {
			w.logger.Error("Error releasing rejected camera",
				zap.String("device", device.ID),
				zap.Error(cerr))
		}
		w.logger.Warn("Camera switch failed, previous camera kept",
			zap.String("device", current.device.ID),
			zap.Error(err))
		return fmt.Errorf("failed to switch camera to %s: %w", position, err)
	}

	w.logger.Info("Camera switched", zap.String("device", device.ID))
	return nil
}
