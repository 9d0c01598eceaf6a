package router

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"capture-recorder/capture"

	"go.uber.org/zap/zaptest"
)

// stubBackend accepts every configuration and never produces samples
type stubBackend struct{}

func (stubBackend) Devices(context.Context, capture.DeviceKind) ([]capture.Device, error) {
	return nil, nil
}
func (stubBackend) OpenDevice(context.Context, capture.Device) error       { return nil }
func (stubBackend) CloseDevice(capture.Device) error                       { return nil }
func (stubBackend) Configure(context.Context, capture.Configuration) error { return nil }
func (stubBackend) Start(context.Context, capture.SampleHandler) error     { return nil }
func (stubBackend) Stop() error                                            { return nil }

// routedRouter returns a router whose routes come from a committed session
// with a camera, a microphone and one data output of each kind.
func routedRouter(t *testing.T, queueSize int) (*Router, capture.Connection, capture.Connection) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	r := New(queueSize, logger)
	t.Cleanup(r.Close)

	s := capture.NewSession(stubBackend{}, r, logger)
	s.OnCommit(r.UpdateRoutes)

	ctx := context.Background()
	cam, err := s.OpenInput(ctx, capture.Device{ID: "cam", Kind: capture.DeviceKindCamera, Position: capture.PositionFront})
	if err != nil {
		t.Fatalf("OpenInput failed: %v", err)
	}
	mic, err := s.OpenInput(ctx, capture.Device{ID: "mic", Kind: capture.DeviceKindMicrophone})
	if err != nil {
		t.Fatalf("OpenInput failed: %v", err)
	}
	video := capture.NewVideoDataOutput()
	audio := capture.NewAudioDataOutput()

	err = s.Configure(ctx, func(tx *capture.Transaction) error {
		for _, err := range []error{tx.AddInput(cam), tx.AddInput(mic), tx.AddOutput(video), tx.AddOutput(audio)} {
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	return r, video.Connection(), audio.Connection()
}

type collector struct {
	mu   sync.Mutex
	seqs []uint64
	kind []capture.MediaKind
	errs []error
}

func (c *collector) Consume(buf *capture.SampleBuffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqs = append(c.seqs, buf.Sequence)
	c.kind = append(c.kind, buf.Kind)
}

func (c *collector) ConsumeError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seqs)
}

func (c *collector) snapshot() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.seqs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func sample(seq uint64) *capture.SampleBuffer {
	return &capture.SampleBuffer{Sequence: seq, Data: []byte{byte(seq)}}
}

func TestFanOutDeliversInOrder(t *testing.T) {
	r, video, _ := routedRouter(t, 128)

	consumers := make([]*collector, 3)
	for i := range consumers {
		consumers[i] = &collector{}
		if _, err := r.Register(string(rune('a'+i)), All, consumers[i], 0); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	const n = 100
	for i := uint64(1); i <= n; i++ {
		r.OnSample(video, sample(i))
	}

	for i, c := range consumers {
		waitFor(t, "delivery", func() bool { return c.len() == n })
		seqs := c.snapshot()
		for j, seq := range seqs {
			if seq != uint64(j+1) {
				t.Fatalf("Consumer %d: sample %d has sequence %d", i, j, seq)
			}
		}
	}

	stats := r.Stats()
	if stats.Received != n || stats.Unrouted != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	for _, cs := range stats.Consumers {
		if cs.Delivered != n || cs.Dropped != 0 {
			t.Errorf("Consumer %s: delivered %d dropped %d", cs.Name, cs.Delivered, cs.Dropped)
		}
	}
}

func TestKindTaggingByConnection(t *testing.T) {
	r, video, audio := routedRouter(t, 16)

	videoOnly := &collector{}
	audioOnly := &collector{}
	both := &collector{}
	for name, reg := range map[string]struct {
		kinds KindMask
		c     *collector
	}{
		"video": {Video, videoOnly},
		"audio": {Audio, audioOnly},
		"both":  {All, both},
	} {
		if _, err := r.Register(name, reg.kinds, reg.c, 0); err != nil {
			t.Fatalf("Register %s failed: %v", name, err)
		}
	}

	// The buffer's own kind is ignored, the connection decides
	mislabeled := sample(1)
	mislabeled.Kind = capture.MediaKindAudio
	r.OnSample(video, mislabeled)
	r.OnSample(audio, sample(2))

	waitFor(t, "both kinds", func() bool { return both.len() == 2 })
	waitFor(t, "video", func() bool { return videoOnly.len() == 1 })
	waitFor(t, "audio", func() bool { return audioOnly.len() == 1 })

	if videoOnly.kind[0] != capture.MediaKindVideo || videoOnly.seqs[0] != 1 {
		t.Errorf("Video consumer got %v seq %v", videoOnly.kind, videoOnly.seqs)
	}
	if audioOnly.kind[0] != capture.MediaKindAudio || audioOnly.seqs[0] != 2 {
		t.Errorf("Audio consumer got %v seq %v", audioOnly.kind, audioOnly.seqs)
	}
	if mislabeled.Kind != capture.MediaKindAudio {
		t.Error("Router modified the backend's buffer")
	}
}

func TestUnknownConnectionDropped(t *testing.T) {
	r, _, _ := routedRouter(t, 16)
	c := &collector{}
	if _, err := r.Register("c", All, c, 0); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	r.OnSample(capture.Connection{OutputID: "nowhere"}, sample(1))

	if got := r.Stats().Unrouted; got != 1 {
		t.Errorf("Expected 1 unrouted sample, got %d", got)
	}
	time.Sleep(20 * time.Millisecond)
	if c.len() != 0 {
		t.Error("Sample from unknown connection was delivered")
	}
}

// blockingConsumer parks on its first sample until released
type blockingConsumer struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	collector
}

func newBlockingConsumer() *blockingConsumer {
	return &blockingConsumer{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingConsumer) Consume(buf *capture.SampleBuffer) {
	b.collector.Consume(buf)
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
}

func TestStalledConsumerDoesNotBlockOthers(t *testing.T) {
	r, video, _ := routedRouter(t, 4)

	before := &collector{}
	stalled := newBlockingConsumer()
	after := &collector{}
	if _, err := r.Register("before", All, before, 64); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register("stalled", All, stalled, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register("after", All, after, 64); err != nil {
		t.Fatal(err)
	}

	r.OnSample(video, sample(1))
	<-stalled.entered

	done := make(chan struct{})
	go func() {
		for i := uint64(2); i <= 50; i++ {
			r.OnSample(video, sample(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnSample blocked on a stalled consumer")
	}

	waitFor(t, "consumer before the stalled one", func() bool { return before.len() == 50 })
	waitFor(t, "consumer after the stalled one", func() bool { return after.len() == 50 })

	close(stalled.release)
	// One sample in hand plus a full queue of the newest ones
	waitFor(t, "stalled consumer to drain", func() bool { return stalled.len() == 5 })
	got := stalled.snapshot()
	want := []uint64{1, 47, 48, 49, 50}
	if !slices.Equal(got, want) {
		t.Errorf("Stalled consumer should keep the newest samples, got %v, want %v", got, want)
	}
}

func TestDropOldest(t *testing.T) {
	r, video, _ := routedRouter(t, 2)

	c := newBlockingConsumer()
	sub, err := r.Register("slow", Video, c, 0)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	r.OnSample(video, sample(1))
	<-c.entered

	for i := uint64(2); i <= 5; i++ {
		r.OnSample(video, sample(i))
	}
	if got := sub.Stats().Dropped; got != 2 {
		t.Errorf("Expected 2 dropped samples, got %d", got)
	}

	close(c.release)
	waitFor(t, "remaining samples", func() bool { return c.len() == 3 })

	want := []uint64{1, 4, 5}
	got := c.snapshot()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}
}

func TestRegisterErrors(t *testing.T) {
	r := New(4, zaptest.NewLogger(t))

	if _, err := r.Register("a", All, &collector{}, 0); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := r.Register("a", All, &collector{}, 0); !errors.Is(err, ErrConsumerExists) {
		t.Errorf("Expected ErrConsumerExists, got %v", err)
	}
	if _, err := r.Register("none", 0, &collector{}, 0); !errors.Is(err, ErrNoMediaKinds) {
		t.Errorf("Expected ErrNoMediaKinds, got %v", err)
	}
	if err := r.Unregister("missing"); !errors.Is(err, ErrConsumerNotFound) {
		t.Errorf("Expected ErrConsumerNotFound, got %v", err)
	}

	r.Close()
	r.Close()
	if _, err := r.Register("b", All, &collector{}, 0); !errors.Is(err, ErrRouterClosed) {
		t.Errorf("Expected ErrRouterClosed, got %v", err)
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	r, video, _ := routedRouter(t, 16)
	c := &collector{}
	sub, err := r.Register("c", All, c, 0)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	r.OnSample(video, sample(1))
	waitFor(t, "first sample", func() bool { return c.len() == 1 })

	if err := sub.Unregister(); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	r.OnSample(video, sample(2))
	time.Sleep(20 * time.Millisecond)

	if c.len() != 1 {
		t.Errorf("Sample delivered after Unregister: %v", c.snapshot())
	}
	if len(r.Stats().Consumers) != 0 {
		t.Error("Unregistered consumer still listed in stats")
	}
}

func TestOnErrorForwarded(t *testing.T) {
	r := New(4, zaptest.NewLogger(t))
	defer r.Close()

	c := &collector{}
	if _, err := r.Register("c", All, c, 0); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	plain := ConsumerFunc(func(*capture.SampleBuffer) {})
	if _, err := r.Register("plain", All, plain, 0); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	want := errors.New("disk full")
	r.OnError(want)

	waitFor(t, "error delivery", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.errs) == 1
	})
	if !errors.Is(c.errs[0], want) {
		t.Errorf("Expected %v, got %v", want, c.errs[0])
	}
	if r.Stats().Errors != 1 {
		t.Errorf("Expected 1 error counted, got %d", r.Stats().Errors)
	}
}

func TestLogConsumerThrottles(t *testing.T) {
	c := NewLogConsumer(time.Second, zaptest.NewLogger(t))
	now := time.Unix(0, 0)
	c.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		c.Consume(&capture.SampleBuffer{Kind: capture.MediaKindVideo, Data: make([]byte, 10)})
		now = now.Add(100 * time.Millisecond)
	}
	c.Consume(&capture.SampleBuffer{Kind: capture.MediaKindAudio})

	counts := c.Counts()
	if counts[capture.MediaKindVideo] != 10 || counts[capture.MediaKindAudio] != 1 {
		t.Errorf("Unexpected counts: %v", counts)
	}
}

func TestFlushWaitsForQueuedSamples(t *testing.T) {
	r, video, _ := routedRouter(t, 1024)

	c := newBlockingConsumer()
	sub, err := r.Register("slow", Video, c, 0)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	r.OnSample(video, sample(1))
	<-c.entered
	for i := uint64(2); i <= 500; i++ {
		r.OnSample(video, sample(i))
	}

	flushed := make(chan error, 1)
	go func() { flushed <- sub.Flush(context.Background()) }()

	select {
	case err := <-flushed:
		t.Fatalf("Flush returned with samples still queued: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(c.release)
	select {
	case err := <-flushed:
		if err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Flush did not return after the queue drained")
	}

	if got := c.len(); got != 500 {
		t.Errorf("Expected 500 samples consumed by the time Flush returned, got %d", got)
	}
	if got := sub.Dropped(); got != 0 {
		t.Errorf("Expected no drops, got %d", got)
	}
}

func TestFlushEmptyQueue(t *testing.T) {
	r, _, _ := routedRouter(t, 4)

	sub, err := r.Register("idle", All, &collector{}, 0)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := sub.Flush(context.Background()); err != nil {
		t.Errorf("Flush on an empty queue failed: %v", err)
	}
}

func TestFlushStopsWaiting(t *testing.T) {
	t.Run("context", func(t *testing.T) {
		r, video, _ := routedRouter(t, 4)
		c := newBlockingConsumer()
		defer close(c.release)
		sub, err := r.Register("stuck", Video, c, 0)
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		r.OnSample(video, sample(1))
		<-c.entered
		r.OnSample(video, sample(2))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		if err := sub.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Expected deadline exceeded, got %v", err)
		}
	})

	t.Run("unregister", func(t *testing.T) {
		r, video, _ := routedRouter(t, 4)
		c := newBlockingConsumer()
		sub, err := r.Register("stuck", Video, c, 0)
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		r.OnSample(video, sample(1))
		<-c.entered
		r.OnSample(video, sample(2))

		flushed := make(chan error, 1)
		go func() { flushed <- sub.Flush(context.Background()) }()

		unregistered := make(chan error, 1)
		go func() { unregistered <- sub.Unregister() }()
		close(c.release)

		if err := <-unregistered; err != nil {
			t.Fatalf("Unregister failed: %v", err)
		}
		select {
		case err := <-flushed:
			// Sample 2 may or may not be consumed before the goroutine quits
			if err != nil && !errors.Is(err, ErrRouterClosed) {
				t.Errorf("Unexpected Flush error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Flush kept waiting after unregister")
		}
	})
}
