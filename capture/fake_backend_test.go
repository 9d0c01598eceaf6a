package capture

import (
	"context"
	"errors"
	"sync"
)

// fakeBackend records every call the session makes
type fakeBackend struct {
	mu           sync.Mutex
	devices      []Device
	listErr      error
	unavailable  map[string]bool
	opened       map[string]int
	configureErr error
	configs      []Configuration
	starts       int
	stops        int
	handler      SampleHandler
}

func newFakeBackend(devices ...Device) *fakeBackend {
	return &fakeBackend{
		devices:     devices,
		unavailable: make(map[string]bool),
		opened:      make(map[string]int),
	}
}

func (f *fakeBackend) Devices(ctx context.Context, kind DeviceKind) ([]Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []Device
	for _, d := range f.devices {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeBackend) OpenDevice(ctx context.Context, device Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable[device.ID] {
		return errors.New("device busy")
	}
	f.opened[device.ID]++
	return nil
}

func (f *fakeBackend) CloseDevice(device Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened[device.ID]--
	return nil
}

func (f *fakeBackend) Configure(ctx context.Context, cfg Configuration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configureErr != nil {
		return f.configureErr
	}
	f.configs = append(f.configs, cfg)
	return nil
}

func (f *fakeBackend) Start(ctx context.Context, handler SampleHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.handler = handler
	return nil
}

func (f *fakeBackend) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeBackend) openCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[id]
}

func (f *fakeBackend) setConfigureErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configureErr = err
}

type nopHandler struct{}

func (nopHandler) OnSample(Connection, *SampleBuffer) {}
func (nopHandler) OnError(error)                      {}

var (
	frontCamera = Device{ID: "cam-front", Name: "Front Camera", Kind: DeviceKindCamera, Position: PositionFront}
	backCamera  = Device{ID: "cam-back", Name: "Back Camera", Kind: DeviceKindCamera, Position: PositionBack}
	microphone  = Device{ID: "mic-0", Name: "Built-in Microphone", Kind: DeviceKindMicrophone}
)
