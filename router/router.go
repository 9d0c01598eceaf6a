package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"capture-recorder/capture"

	"go.uber.org/zap"
)

var (
	ErrRouterClosed     = errors.New("router closed")
	ErrConsumerExists   = errors.New("consumer already registered")
	ErrConsumerNotFound = errors.New("consumer not registered")
	ErrNoMediaKinds     = errors.New("consumer accepts no media kinds")
)

const (
	DefaultQueueSize      = 32
	defaultErrorQueueSize = 4
)

// KindMask selects which sample kinds a consumer receives
type KindMask uint8

const (
	Video KindMask = 1 << iota
	Audio

	All = Video | Audio
)

// MaskOf returns the mask bit for a media kind
func MaskOf(kind capture.MediaKind) KindMask {
	switch kind {
	case capture.MediaKindVideo:
		return Video
	case capture.MediaKindAudio:
		return Audio
	default:
		return 0
	}
}

// Has reports whether the mask includes kind
func (m KindMask) Has(kind capture.MediaKind) bool {
	return m&MaskOf(kind) != 0
}

func (m KindMask) String() string {
	switch m {
	case Video:
		return "video"
	case Audio:
		return "audio"
	case All:
		return "video+audio"
	default:
		return "none"
	}
}

// Consumer receives routed samples on its own goroutine.
// Buffers are shared between consumers and must be treated as read-only.
type Consumer interface {
	Consume(buf *capture.SampleBuffer)
}

// ErrorConsumer is implemented by consumers that want asynchronous backend errors
type ErrorConsumer interface {
	ConsumeError(err error)
}

// ConsumerFunc adapts a function to the Consumer interface
type ConsumerFunc func(buf *capture.SampleBuffer)

func (f ConsumerFunc) Consume(buf *capture.SampleBuffer) { f(buf) }

// Router fans backend samples out to registered consumers.
// It implements capture.SampleHandler.
type Router struct {
	logger    *zap.Logger
	queueSize int

	// Immutable snapshots, swapped on change
	subs   atomic.Pointer[[]*Subscription]
	routes atomic.Pointer[map[string]capture.MediaKind]

	regMu  sync.Mutex
	closed atomic.Bool

	received atomic.Uint64
	unrouted atomic.Uint64
	errCount atomic.Uint64
}

// New creates a router with the given default per-consumer queue size
func New(queueSize int, logger *zap.Logger) *Router {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r := &Router{
		logger:    logger.With(zap.String("component", "router")),
		queueSize: queueSize,
	}
	empty := []*Subscription{}
	r.subs.Store(&empty)
	routes := map[string]capture.MediaKind{}
	r.routes.Store(&routes)
	return r
}

// Register adds a consumer for the given kinds.
// A queueSize of zero uses the router default.
func (r *Router) Register(name string, kinds KindMask, consumer Consumer, queueSize int) (*Subscription, error) {
	if kinds&All == 0 {
		return nil, fmt.Errorf("register %s: %w", name, ErrNoMediaKinds)
	}
	if queueSize <= 0 {
		queueSize = r.queueSize
	}

	r.regMu.Lock()
	defer r.regMu.Unlock()

	if r.closed.Load() {
		return nil, fmt.Errorf("register %s: %w", name, ErrRouterClosed)
	}

	current := *r.subs.Load()
	for _, s := range current {
		if s.name == name {
			return nil, fmt.Errorf("register %s: %w", name, ErrConsumerExists)
		}
	}

	sub := &Subscription{
		router:   r,
		name:     name,
		kinds:    kinds,
		consumer: consumer,
		queue:    make(chan *capture.SampleBuffer, queueSize),
		errs:     make(chan error, defaultErrorQueueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   r.logger.With(zap.String("consumer", name)),
	}

	next := make([]*Subscription, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, sub)
	r.subs.Store(&next)

	go sub.run()

	r.logger.Info("Consumer registered",
		zap.String("consumer", name),
		zap.String("kinds", kinds.String()),
		zap.Int("queue_size", queueSize))
	return sub, nil
}

// Unregister removes a consumer by name and waits for its goroutine to exit.
// It must not be called from the consumer's own Consume.
func (r *Router) Unregister(name string) error {
	r.regMu.Lock()
	current := *r.subs.Load()
	var sub *Subscription
	next := make([]*Subscription, 0, len(current))
	for _, s := range current {
		if s.name == name {
			sub = s
			continue
		}
		next = append(next, s)
	}
	if sub == nil {
		r.regMu.Unlock()
		return fmt.Errorf("unregister %s: %w", name, ErrConsumerNotFound)
	}
	r.subs.Store(&next)
	r.regMu.Unlock()

	sub.stop()
	r.logger.Info("Consumer unregistered", zap.String("consumer", name))
	return nil
}

// UpdateRoutes rebuilds the connection table from a committed configuration.
// It is registered with Session.OnCommit.
func (r *Router) UpdateRoutes(cfg *capture.Configuration) {
	routes := make(map[string]capture.MediaKind, len(cfg.Outputs))
	for _, out := range cfg.Outputs {
		conn := capture.Connection{OutputID: out.ID()}
		if kind, ok := cfg.ConnectionKind(conn); ok {
			routes[out.ID()] = kind
		}
	}
	r.routes.Store(&routes)
	r.logger.Debug("Routes updated", zap.Int("connections", len(routes)))
}

// OnSample tags buf by its connection and offers one copy to every matching
// consumer in registration order. It never blocks.
func (r *Router) OnSample(conn capture.Connection, buf *capture.SampleBuffer) {
	if r.closed.Load() || buf == nil {
		return
	}
	r.received.Add(1)

	kind, ok := (*r.routes.Load())[conn.OutputID]
	if !ok {
		if r.unrouted.Add(1)%100 == 1 {
			r.logger.Debug("Dropping sample from unknown connection",
				zap.String("output", conn.OutputID))
		}
		return
	}

	var shared *capture.SampleBuffer
	for _, sub := range *r.subs.Load() {
		if !sub.kinds.Has(kind) {
			continue
		}
		if shared == nil {
			shared = buf.Clone()
			shared.Kind = kind
		}
		sub.offer(shared)
	}
}

// OnError forwards an asynchronous backend error to every ErrorConsumer
func (r *Router) OnError(err error) {
	if err == nil || r.closed.Load() {
		return
	}
	r.errCount.Add(1)
	r.logger.Warn("Backend error", zap.Error(err))

	for _, sub := range *r.subs.Load() {
		if _, ok := sub.consumer.(ErrorConsumer); ok {
			sub.offerError(err)
		}
	}
}

// Close unregisters every consumer. Samples arriving afterwards are ignored.
func (r *Router) Close() {
	r.regMu.Lock()
	if r.closed.Swap(true) {
		r.regMu.Unlock()
		return
	}
	current := *r.subs.Load()
	empty := []*Subscription{}
	r.subs.Store(&empty)
	r.regMu.Unlock()

	for _, sub := range current {
		sub.stop()
	}

	stats := r.Stats()
	r.logger.Info("Router closed",
		zap.Uint64("received", stats.Received),
		zap.Uint64("unrouted", stats.Unrouted),
		zap.Uint64("errors", stats.Errors))
}

// Stats returns a snapshot of routing counters
func (r *Router) Stats() Stats {
	subs := *r.subs.Load()
	stats := Stats{
		Received:  r.received.Load(),
		Unrouted:  r.unrouted.Load(),
		Errors:    r.errCount.Load(),
		Consumers: make([]ConsumerStats, 0, len(subs)),
	}
	for _, s := range subs {
		stats.Consumers = append(stats.Consumers, s.Stats())
	}
	return stats
}

// Stats holds router statistics
type Stats struct {
	Received  uint64          `json:"received"`
	Unrouted  uint64          `json:"unrouted"`
	Errors    uint64          `json:"errors"`
	Consumers []ConsumerStats `json:"consumers"`
}

// ConsumerStats holds per-consumer delivery statistics
type ConsumerStats struct {
	Name      string `json:"name"`
	Kinds     string `json:"kinds"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}

// Subscription is one registered consumer and its bounded queue
type Subscription struct {
	router   *Router
	name     string
	kinds    KindMask
	consumer Consumer
	logger   *zap.Logger

	queue chan *capture.SampleBuffer
	errs  chan error
	quit  chan struct{}
	done  chan struct{}

	stopOnce  sync.Once
	enqueued  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64

	// Flush waiters, woken as delivered+dropped passes their target
	flushMu      sync.Mutex
	flushWaiters []flushWaiter
	flushPending atomic.Int32
}

type flushWaiter struct {
	target uint64
	ch     chan struct{}
}

// Name returns the consumer name
func (s *Subscription) Name() string { return s.name }

// Unregister removes this consumer from its router
func (s *Subscription) Unregister() error {
	return s.router.Unregister(s.name)
}

// Dropped returns the number of samples evicted from the queue so far
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Flush blocks until every sample queued before the call has been consumed
// or evicted. It must not be called from the consumer's own Consume.
func (s *Subscription) Flush(ctx context.Context) error {
	target := s.enqueued.Load()
	if s.settled() >= target {
		return nil
	}

	w := flushWaiter{target: target, ch: make(chan struct{})}
	s.flushMu.Lock()
	s.flushWaiters = append(s.flushWaiters, w)
	s.flushPending.Add(1)
	s.flushMu.Unlock()
	// The queue may have drained between the check and the append
	s.wakeFlushers()

	select {
	case <-w.ch:
		return nil
	case <-s.done:
		return fmt.Errorf("flush %s: %w", s.name, ErrRouterClosed)
	case <-ctx.Done():
		return fmt.Errorf("flush %s: %w", s.name, ctx.Err())
	}
}

func (s *Subscription) settled() uint64 {
	return s.delivered.Load() + s.dropped.Load()
}

// wakeFlushers releases every waiter whose target has been reached
func (s *Subscription) wakeFlushers() {
	if s.flushPending.Load() == 0 {
		return
	}
	settled := s.settled()

	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	waiting := s.flushWaiters[:0]
	for _, w := range s.flushWaiters {
		if settled >= w.target {
			close(w.ch)
			s.flushPending.Add(-1)
			continue
		}
		waiting = append(waiting, w)
	}
	s.flushWaiters = waiting
}

// Stats returns the consumer's delivery counters
func (s *Subscription) Stats() ConsumerStats {
	return ConsumerStats{
		Name:      s.name,
		Kinds:     s.kinds.String(),
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
		Queued:    len(s.queue),
	}
}

// offer enqueues buf, evicting the oldest queued buffer when full
func (s *Subscription) offer(buf *capture.SampleBuffer) {
	for {
		select {
		case s.queue <- buf:
			s.enqueued.Add(1)
			return
		default:
		}

		select {
		case <-s.queue:
			if s.dropped.Add(1)%100 == 1 {
				s.logger.Debug("Consumer queue full, dropping oldest sample",
					zap.Uint64("dropped", s.dropped.Load()))
			}
			s.wakeFlushers()
		default:
		}
	}
}

func (s *Subscription) offerError(err error) {
	select {
	case s.errs <- err:
	default:
		s.logger.Warn("Error queue full, backend error not delivered", zap.Error(err))
	}
}

func (s *Subscription) run() {
	defer close(s.done)

	for {
		// Errors take priority over queued samples
		select {
		case err := <-s.errs:
			s.deliverError(err)
			continue
		default:
		}

		select {
		case <-s.quit:
			return
		case err := <-s.errs:
			s.deliverError(err)
		case buf := <-s.queue:
			s.consumer.Consume(buf)
			s.delivered.Add(1)
			s.wakeFlushers()
		}
	}
}

func (s *Subscription) deliverError(err error) {
	if ec, ok := s.consumer.(ErrorConsumer); ok {
		ec.ConsumeError(err)
	}
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
	})
	<-s.done
}
