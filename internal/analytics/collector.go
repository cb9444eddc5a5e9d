package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ara-campus/ara/internal/router"
	"github.com/ara-campus/ara/pkg/kafka"
	"github.com/ara-campus/ara/pkg/logger"
)

// Sink receives flushed batches.
type Sink interface {
	Write(ctx context.Context, events []AskEvent) error
}

// KafkaSink publishes events keyed by intent, so one intent's events stay
// ordered within a partition.
type KafkaSink struct {
	Publisher kafka.Publisher
}

func (s KafkaSink) Write(ctx context.Context, events []AskEvent) error {
	batch := make([]kafka.Event, len(events))
	for i, ev := range events {
		batch[i] = kafka.Event{Key: ev.Intent, Value: ev}
	}
	return s.Publisher.PublishBatch(ctx, batch)
}

// Collector buffers events and flushes them to a sink when the batch is
// full or the flush interval passes. RecordAsk never blocks on the sink.
type Collector struct {
	sink          Sink
	mu            sync.Mutex
	buffer        []AskEvent
	batchSize     int
	flushInterval time.Duration
	flushing      sync.Mutex
	now           func() time.Time
	logger        *slog.Logger
	done          chan struct{}
}

func NewCollector(sink Sink, batchSize int, flushInterval time.Duration) *Collector {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Collector{
		sink:          sink,
		buffer:        make([]AskEvent, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		now:           time.Now,
		logger:        slog.Default().With("component", "analytics-collector"),
		done:          make(chan struct{}),
	}
}

// Start runs the flush loop until ctx is cancelled, then flushes once more.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Flush(ctx)
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				c.Flush(flushCtx)
				cancel()
				return
			}
		}
	}()
	c.logger.Info("analytics collector started", "batch_size", c.batchSize, "flush_interval", c.flushInterval)
}

// RecordAsk implements router.Recorder.
func (c *Collector) RecordAsk(ctx context.Context, ans router.Answer, latency time.Duration) {
	c.Track(NewAskEvent(ans, latency, logger.RequestID(ctx), c.now()))
}

func (c *Collector) Track(ev AskEvent) {
	c.mu.Lock()
	c.buffer = append(c.buffer, ev)
	full := len(c.buffer) >= c.batchSize
	c.mu.Unlock()
	if full {
		go c.Flush(context.Background())
	}
}

// Flush writes the buffered events. On failure they are put back, keeping
// at most three batches.
func (c *Collector) Flush(ctx context.Context) {
	c.flushing.Lock()
	defer c.flushing.Unlock()

	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]AskEvent, 0, c.batchSize)
	c.mu.Unlock()

	if err := c.sink.Write(ctx, batch); err != nil {
		c.logger.Error("analytics flush failed", "events", len(batch), "error", err)
		c.mu.Lock()
		c.buffer = append(batch, c.buffer...)
		if limit := c.batchSize * 3; len(c.buffer) > limit {
			c.logger.Warn("analytics buffer overflow, events dropped", "dropped", len(c.buffer)-limit)
			c.buffer = c.buffer[len(c.buffer)-limit:]
		}
		c.mu.Unlock()
		return
	}
	c.logger.Debug("analytics batch flushed", "events", len(batch))
}

func (c *Collector) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Close waits for the flush loop started by Start to finish.
func (c *Collector) Close() {
	<-c.done
}
