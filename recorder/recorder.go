package recorder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"capture-recorder/capture"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the recording lifecycle state
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// active reports whether a recording is in progress
func (s State) active() bool {
	return s == StateStarting || s == StateRecording || s == StateStopping
}

// Listener receives recording lifecycle notifications.
// Callbacks run synchronously, in order, and must not call back into the recorder.
type Listener interface {
	DidStart(path string)
	DidFinish(path string, err error)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnStart  func(path string)
	OnFinish func(path string, err error)
}

func (l ListenerFuncs) DidStart(path string) {
	if l.OnStart != nil {
		l.OnStart(path)
	}
}

func (l ListenerFuncs) DidFinish(path string, err error) {
	if l.OnFinish != nil {
		l.OnFinish(path, err)
	}
}

// How long Stop waits for queued samples to be written
const drainTimeout = 5 * time.Second

// Queue is the delivery queue feeding the recorder
type Queue interface {
	// Flush blocks until samples queued before the call are consumed
	Flush(ctx context.Context) error
	// Dropped counts samples evicted before delivery
	Dropped() uint64
}

// Options configures the container writer
type Options struct {
	Compress         bool
	CompressionLevel int
	BufferSize       int
	SyncOnClose      bool
}

// Status is a point-in-time view of the recorder
type Status struct {
	State     State         `json:"state"`
	Path      string        `json:"path,omitempty"`
	Started   time.Time     `json:"started,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	Records   uint64        `json:"records"`
	Bytes     uint64        `json:"bytes"`
	Dropped   uint64        `json:"dropped"`
	LastError string        `json:"last_error,omitempty"`
}

// Recorder writes routed samples into a container file.
// It is attached to the session as a movie file output and registered with
// the router as a consumer of both sample kinds.
type Recorder struct {
	id     string
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	path      string
	started   time.Time
	writer    *containerWriter
	mirrored  bool
	startDone chan struct{}
	lastErr   error
	queue     Queue
	dropBase  uint64
	dropped   uint64

	// Held across listener calls so notifications keep their order
	notifyMu  sync.Mutex
	listeners []Listener
}

// New creates an idle recorder
func New(opts Options, logger *zap.Logger) *Recorder {
	id := "movie-" + uuid.NewString()
	return &Recorder{
		id:     id,
		opts:   opts,
		logger: logger.With(zap.String("component", "recorder"), zap.String("output", id)),
	}
}

func (r *Recorder) ID() string               { return r.id }
func (r *Recorder) Kind() capture.OutputKind { return capture.OutputMovieFile }

// AddListener registers a lifecycle listener
func (r *Recorder) AddListener(l Listener) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// SetMirrored records the video mirroring flag in the next container's metadata
func (r *Recorder) SetMirrored(mirrored bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mirrored = mirrored
}

// SetQueue attaches the queue that delivers samples, so Stop can drain it
// and losses can be reported
func (r *Recorder) SetQueue(q Queue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = q
}

// State returns the current lifecycle state
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Status returns the current recording status
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		State: r.state,
		Path:  r.path,
	}
	if !r.started.IsZero() {
		st.Started = r.started
		if r.state == StateRecording {
			st.Elapsed = time.Since(r.started)
		}
	}
	if r.writer != nil {
		st.Records = r.writer.records
		st.Bytes = r.writer.bytes
	}
	st.Dropped = r.dropped
	if r.state == StateRecording && r.queue != nil {
		st.Dropped = r.queue.Dropped() - r.dropBase
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}

// Start begins recording to path, overwriting any existing file.
// It fails with ErrAlreadyRecording while a recording is in progress and
// with ErrPathUnavailable, leaving the state unchanged, when the file
// cannot be created.
func (r *Recorder) Start(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w: %w", path, capture.ErrPathUnavailable, err)
	}

	r.mu.Lock()
	if r.state.active() {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("recorder is %s: %w", state, capture.ErrAlreadyRecording)
	}
	prev := r.state
	r.state = StateStarting
	r.startDone = make(chan struct{})
	done := r.startDone
	meta := Metadata{
		Created:    time.Now().UTC(),
		RecorderID: r.id,
		Mirrored:   r.mirrored,
	}
	r.mu.Unlock()

	r.logger.Info("Starting recording", zap.String("path", abs))

	writer, err := createContainer(abs, r.opts, meta)

	r.mu.Lock()
	if err != nil {
		r.state = prev
		close(done)
		r.mu.Unlock()
		r.logger.Error("Failed to start recording", zap.String("path", abs), zap.Error(err))
		return err
	}

	r.writer = writer
	r.path = abs
	r.started = time.Now()
	r.lastErr = nil
	r.dropped = 0
	if r.queue != nil {
		r.dropBase = r.queue.Dropped()
	}
	r.state = StateRecording
	close(done)
	r.notifyMu.Lock()
	r.mu.Unlock()

	r.logger.Info("Recording started", zap.String("path", abs))
	for _, l := range r.listeners {
		l.DidStart(abs)
	}
	r.notifyMu.Unlock()
	return nil
}

// Stop finalizes the current recording. Samples already queued when Stop is
// called are written first. Calling Stop when nothing is being recorded is a
// no-op. A Stop that races a Start waits for it first.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	for r.state == StateStarting {
		done := r.startDone
		r.mu.Unlock()
		<-done
		r.mu.Lock()
	}

	if r.state != StateRecording {
		r.mu.Unlock()
		return nil
	}

	if q := r.queue; q != nil {
		writer := r.writer
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		if err := q.Flush(ctx); err != nil {
			r.logger.Warn("Stopping without draining queued samples", zap.Error(err))
		}
		cancel()

		r.mu.Lock()
		// Failed or stopped by someone else while draining
		if r.state != StateRecording || r.writer != writer {
			var err error
			if r.state == StateFailed && r.writer == writer {
				err = r.lastErr
			}
			r.mu.Unlock()
			return err
		}
	}

	r.logger.Info("Stopping recording", zap.String("path", r.path))
	r.state = StateStopping
	return r.finalizeLocked(StateStopped, nil)
}

// Consume writes one routed sample. Write failures fail the recording.
func (r *Recorder) Consume(buf *capture.SampleBuffer) {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return
	}

	if err := r.writer.WriteSample(buf); err != nil {
		r.logger.Error("Failed to write sample",
			zap.String("kind", buf.Kind.String()),
			zap.Uint64("sequence", buf.Sequence),
			zap.Error(err))
		r.state = StateStopping
		r.finalizeLocked(StateFailed, err)
		return
	}
	r.mu.Unlock()
}

// ConsumeError fails an in-progress recording with an asynchronous backend error
func (r *Recorder) ConsumeError(err error) {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return
	}

	if !errors.Is(err, capture.ErrIO) && !errors.Is(err, capture.ErrEncoding) {
		err = fmt.Errorf("%w: %w", capture.ErrIO, err)
	}
	r.logger.Error("Recording failed on backend error", zap.Error(err))
	r.state = StateStopping
	r.finalizeLocked(StateFailed, err)
}

// SessionStateChanged finalizes the recording when the session stops
func (r *Recorder) SessionStateChanged(running bool) {
	if running {
		return
	}
	if err := r.Stop(); err != nil {
		r.logger.Error("Error finalizing recording on session stop", zap.Error(err))
	}
}

// finalizeLocked closes the container, moves to final and notifies listeners.
// It is entered with r.mu held and releases it.
func (r *Recorder) finalizeLocked(final State, cause error) error {
	closeErr := r.writer.Close()

	result := cause
	if closeErr != nil {
		if result == nil {
			result = closeErr
			final = StateFailed
		} else {
			result = errors.Join(cause, closeErr)
		}
	}

	path := r.path
	records, bytes := r.writer.records, r.writer.bytes
	elapsed := time.Since(r.started)
	if r.queue != nil {
		r.dropped = r.queue.Dropped() - r.dropBase
	}
	dropped := r.dropped
	r.state = final
	r.lastErr = result

	r.notifyMu.Lock()
	r.mu.Unlock()

	if result != nil {
		r.logger.Error("Recording finished with error",
			zap.String("path", path),
			zap.String("state", final.String()),
			zap.Error(result))
	} else {
		r.logger.Info("Recording finished",
			zap.String("path", path),
			zap.Uint64("records", records),
			zap.Uint64("bytes", bytes),
			zap.Duration("elapsed", elapsed))
	}
	if dropped > 0 {
		r.logger.Warn("Recording is missing samples dropped from a full queue",
			zap.String("path", path),
			zap.Uint64("dropped", dropped))
	}
	for _, l := range r.listeners {
		l.DidFinish(path, result)
	}
	r.notifyMu.Unlock()

	if final == StateStopped {
		return nil
	}
	return result
}
