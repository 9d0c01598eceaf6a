package capture

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OutputStateObserver is implemented by outputs that want to hear about
// the session starting and stopping.
type OutputStateObserver interface {
	SessionStateChanged(running bool)
}

// Session owns the attached inputs and outputs and the capture lifecycle
type Session struct {
	backend Backend
	handler SampleHandler
	logger  *zap.Logger

	committed atomic.Pointer[Configuration]

	// Open transaction, at most one
	txMu sync.Mutex
	tx   *Transaction

	// Serializes applying a commit against Close
	commitMu sync.Mutex

	// Lifecycle
	mu              sync.Mutex
	running         bool
	closed          bool
	commitObservers []func(*Configuration)
	stateObservers  []func(bool)
}

// NewSession creates a new capture session delivering samples to handler
func NewSession(backend Backend, handler SampleHandler, logger *zap.Logger) *Session {
	s := &Session{
		backend: backend,
		handler: handler,
		logger:  logger.With(zap.String("component", "session")),
	}
	s.committed.Store(&Configuration{})
	return s
}

// OnCommit registers a callback invoked with every committed configuration
func (s *Session) OnCommit(fn func(*Configuration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitObservers = append(s.commitObservers, fn)
}

// OnStateChange registers a callback invoked when the session starts or stops
func (s *Session) OnStateChange(fn func(running bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateObservers = append(s.stateObservers, fn)
}

// Snapshot returns the committed configuration. Callers must not modify it.
func (s *Session) Snapshot() *Configuration {
	return s.committed.Load()
}

// IsRunning returns whether the session is delivering samples
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// OpenInput acquires device from the backend and wraps it as an input.
// The returned input is owned by the caller until a commit attaches it.
func (s *Session) OpenInput(ctx context.Context, device Device) (*Input, error) {
	if err := s.backend.OpenDevice(ctx, device); err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			return nil, fmt.Errorf("failed to open %s %s: %w", device.Kind, device.ID, err)
		}
		return nil, fmt.Errorf("failed to open %s %s: %w: %w", device.Kind, device.ID, ErrDeviceUnavailable, err)
	}

	in := &Input{
		id:      uuid.NewString(),
		device:  device,
		backend: s.backend,
	}
	s.logger.Debug("Input opened",
		zap.String("input_id", in.id),
		zap.String("device", device.ID),
		zap.String("kind", device.Kind.String()))
	return in, nil
}

// Begin opens a configuration transaction.
// Only one transaction may be open at a time; Begin fails instead of waiting.
func (s *Session) Begin() (*Transaction, error) {
	tx, _, err := s.begin()
	return tx, err
}

// begin opens a transaction. While another one is open it also returns a
// channel closed when that transaction finishes.
func (s *Session) begin() (*Transaction, <-chan struct{}, error) {
	if s.isClosed() {
		return nil, nil, fmt.Errorf("session closed: %w", ErrConfigurationState)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	if s.tx != nil {
		return nil, s.tx.finished, fmt.Errorf("configuration transaction already open: %w", ErrConfigurationState)
	}

	base := s.committed.Load()
	tx := &Transaction{
		session:  s,
		base:     base,
		pending:  base.clone(),
		finished: make(chan struct{}),
	}
	s.tx = tx
	return tx, nil, nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Configure runs fn inside a transaction and commits it.
// If another transaction is open, Configure waits for it to finish or for
// ctx to be done. The transaction is rolled back if fn or the commit fails.
func (s *Session) Configure(ctx context.Context, fn func(tx *Transaction) error) error {
	var tx *Transaction
	for {
		var busy <-chan struct{}
		var err error
		tx, busy, err = s.begin()
		if err == nil {
			break
		}
		if busy == nil {
			return err
		}
		select {
		case <-busy:
		case <-ctx.Done():
			return fmt.Errorf("waiting for open transaction: %w: %w", ErrConfigurationState, ctx.Err())
		}
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Start begins delivering samples to the session's handler
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session closed: %w", ErrConfigurationState)
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}

	s.logger.Info("Starting capture session",
		zap.Int("inputs", len(s.Snapshot().Inputs)),
		zap.Int("outputs", len(s.Snapshot().Outputs)))

	if err := s.backend.Start(ctx, s.handler); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to start backend: %w", err)
	}
	s.running = true
	s.mu.Unlock()

	s.notifyState(true)
	s.logger.Info("Capture session started")
	return nil
}

// Stop halts sample delivery. Stopping a stopped session is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}

	s.logger.Info("Stopping capture session")
	err := s.backend.Stop()
	s.running = false
	s.mu.Unlock()

	s.notifyState(false)
	if err != nil {
		return fmt.Errorf("failed to stop backend: %w", err)
	}
	s.logger.Info("Capture session stopped")
	return nil
}

// Close stops the session and releases every attached input
func (s *Session) Close() error {
	stopErr := s.Stop()

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return stopErr
	}
	s.closed = true
	s.mu.Unlock()

	cfg := s.committed.Swap(&Configuration{})
	for _, in := range cfg.Inputs {
		if err := in.Close(); err != nil {
			s.logger.Error("Error releasing input",
				zap.String("device", in.device.ID),
				zap.Error(err))
		}
	}

	s.logger.Info("Capture session closed")
	return stopErr
}

func (s *Session) notifyState(running bool) {
	s.mu.Lock()
	observers := slices.Clone(s.stateObservers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(running)
	}
	for _, out := range s.Snapshot().Outputs {
		if o, ok := out.(OutputStateObserver); ok {
			o.SessionStateChanged(running)
		}
	}
}

func (s *Session) finishTransaction(tx *Transaction) {
	s.txMu.Lock()
	if s.tx == tx {
		s.tx = nil
		close(tx.finished)
	}
	s.txMu.Unlock()
}

func (s *Session) publish(base, cfg *Configuration) {
	s.committed.Store(cfg)

	// Inputs dropped by this commit belong to nobody now
	for _, old := range base.Inputs {
		if !containsInput(cfg.Inputs, old) {
			if err := old.Close(); err != nil {
				s.logger.Error("Error releasing detached input",
					zap.String("device", old.device.ID),
					zap.Error(err))
			}
		}
	}

	s.mu.Lock()
	observers := slices.Clone(s.commitObservers)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(cfg)
	}
}

// Transaction stages input/output changes that become visible on Commit
type Transaction struct {
	session *Session

	mu       sync.Mutex
	done     bool
	base     *Configuration
	pending  *Configuration
	finished chan struct{}
}

// AddInput stages attaching in. Only one input per device kind may be attached.
func (tx *Transaction) AddInput(in *Input) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return fmt.Errorf("add input outside transaction: %w", ErrConfigurationState)
	}
	if existing := tx.pending.Input(in.device.Kind); existing != nil {
		return fmt.Errorf("%s input %s already attached: %w", in.device.Kind, existing.device.ID, ErrDuplicateInput)
	}
	tx.pending.Inputs = append(tx.pending.Inputs, in)
	return nil
}

// RemoveInput stages detaching in
func (tx *Transaction) RemoveInput(in *Input) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return fmt.Errorf("remove input outside transaction: %w", ErrConfigurationState)
	}
	for i, cur := range tx.pending.Inputs {
		if cur == in {
			tx.pending.Inputs = append(tx.pending.Inputs[:i:i], tx.pending.Inputs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("input %s not attached: %w", in.id, ErrConfigurationState)
}

// AddOutput stages attaching out
func (tx *Transaction) AddOutput(out Output) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return fmt.Errorf("add output outside transaction: %w", ErrConfigurationState)
	}
	if tx.pending.Output(out.ID()) != nil {
		return fmt.Errorf("output %s already attached: %w", out.ID(), ErrConfigurationState)
	}
	tx.pending.Outputs = append(tx.pending.Outputs, out)
	return nil
}

// RemoveOutput stages detaching out
func (tx *Transaction) RemoveOutput(out Output) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return fmt.Errorf("remove output outside transaction: %w", ErrConfigurationState)
	}
	for i, cur := range tx.pending.Outputs {
		if cur.ID() == out.ID() {
			tx.pending.Outputs = append(tx.pending.Outputs[:i:i], tx.pending.Outputs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("output %s not attached: %w", out.ID(), ErrConfigurationState)
}

// SetMirrorVideo stages the video mirroring flag
func (tx *Transaction) SetMirrorVideo(mirror bool) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return fmt.Errorf("set mirroring outside transaction: %w", ErrConfigurationState)
	}
	tx.pending.MirrorVideo = mirror
	return nil
}

// Pending returns the staged configuration as it would be committed
func (tx *Transaction) Pending() *Configuration {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.pending.clone()
}

// Commit applies the staged configuration to the backend and publishes it.
// On failure the committed configuration is unchanged.
func (tx *Transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return fmt.Errorf("commit outside transaction: %w", ErrConfigurationState)
	}
	tx.done = true
	defer tx.session.finishTransaction(tx)

	s := tx.session
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if s.isClosed() {
		return fmt.Errorf("commit on closed session: %w", ErrConfigurationState)
	}

	cfg := tx.pending
	if err := tx.session.backend.Configure(ctx, *cfg); err != nil {
		tx.session.logger.Warn("Configuration rejected by backend, rolled back", zap.Error(err))
		return fmt.Errorf("failed to apply configuration: %w", err)
	}

	tx.session.publish(tx.base, cfg)
	tx.session.logger.Debug("Configuration committed",
		zap.Int("inputs", len(cfg.Inputs)),
		zap.Int("outputs", len(cfg.Outputs)),
		zap.Bool("mirror_video", cfg.MirrorVideo))
	return nil
}

// Rollback discards the staged changes. It is a no-op after Commit.
func (tx *Transaction) Rollback() {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return
	}
	tx.done = true
	tx.session.finishTransaction(tx)
}

func containsInput(inputs []*Input, in *Input) bool {
	for _, cur := range inputs {
		if cur == in {
			return true
		}
	}
	return false
}
