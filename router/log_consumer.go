package router

import (
	"sync"
	"time"

	"capture-recorder/capture"

	"go.uber.org/zap"
)

// LogConsumer writes one diagnostic line per sample kind at most once per interval
type LogConsumer struct {
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	counts map[capture.MediaKind]*kindCount
}

type kindCount struct {
	samples uint64
	bytes   uint64
	lastLog time.Time
}

// NewLogConsumer creates a diagnostic consumer. An interval of zero logs every sample.
func NewLogConsumer(interval time.Duration, logger *zap.Logger) *LogConsumer {
	return &LogConsumer{
		logger:   logger.With(zap.String("component", "sample-log")),
		interval: interval,
		now:      time.Now,
		counts:   make(map[capture.MediaKind]*kindCount),
	}
}

func (c *LogConsumer) Consume(buf *capture.SampleBuffer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kc, ok := c.counts[buf.Kind]
	if !ok {
		kc = &kindCount{}
		c.counts[buf.Kind] = kc
	}
	kc.samples++
	kc.bytes += uint64(len(buf.Data))

	now := c.now()
	if ok && now.Sub(kc.lastLog) < c.interval {
		return
	}
	kc.lastLog = now

	c.logger.Info(buf.Kind.String()+" data",
		zap.String("device", buf.DeviceID),
		zap.Uint64("sequence", buf.Sequence),
		zap.Duration("pts", buf.PTS),
		zap.Int("size", len(buf.Data)),
		zap.Uint64("samples", kc.samples),
		zap.Uint64("bytes", kc.bytes))
}

func (c *LogConsumer) ConsumeError(err error) {
	c.logger.Warn("Capture error", zap.Error(err))
}

// Counts returns the number of samples seen per kind
func (c *LogConsumer) Counts() map[capture.MediaKind]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[capture.MediaKind]uint64, len(c.counts))
	for k, kc := range c.counts {
		out[k] = kc.samples
	}
	return out
}
