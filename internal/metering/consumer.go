package metering

import (
	"context"
	"errors"
	"time"

	"openclaw_proxy/internal/metrics"
	"openclaw_proxy/internal/models"
	"openclaw_proxy/internal/queue"
	"openclaw_proxy/internal/utils"
)

const (
	errorBackoff      = 1 * time.Second
	finalFlushTimeout = 10 * time.Second
)

// UsageStore persists one batch atomically and returns the tokens added per customer.
// *storage.UsageRepository satisfies it.
type UsageStore interface {
	FlushUsage(ctx context.Context, batch *models.UsageBatch) (map[string]int64, error)
}

// LimitPatcher updates cached monthly snapshots after a flush.
// *billing.LimitChecker satisfies it.
type LimitPatcher interface {
	PatchUsed(ctx context.Context, customerID string, delta int64) error
}

// ConsumerConfig controls batching
type ConsumerConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConsumerConfig returns default batching configuration
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
	}
}

// Consumer drains the usage stream in batches and flushes them to the store.
// Entries are acknowledged only after the flush commits; a failed flush leaves
// them pending, and they are re-read from the pending list after a backoff.
type Consumer struct {
	stream  queue.Stream
	store   UsageStore
	patcher LimitPatcher
	config  ConsumerConfig
	metrics *metrics.Collector
	logger  *utils.Logger
	backoff time.Duration

	cancel      context.CancelFunc
	stopChan    chan struct{}
	stoppedChan chan struct{}

	batch     []queue.Message
	lastFlush time.Time
	cursor    string
}

// NewConsumer creates a new usage consumer. patcher may be nil.
func NewConsumer(stream queue.Stream, store UsageStore, patcher LimitPatcher, config ConsumerConfig, m *metrics.Collector, loggerName string) *Consumer {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConsumerConfig().BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultConsumerConfig().FlushInterval
	}
	if loggerName == "" {
		loggerName = "usage-worker"
	}

	return &Consumer{
		stream:      stream,
		store:       store,
		patcher:     patcher,
		config:      config,
		metrics:     m,
		logger:      utils.NewLogger(loggerName),
		backoff:     errorBackoff,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
		cursor:      queue.StartPending,
	}
}

// Start starts the consumer goroutine
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Stop interrupts the blocking read, flushes what was already read and waits for the loop to exit
func (c *Consumer) Stop() error {
	close(c.stopChan)
	if c.cancel != nil {
		c.cancel()
	}
	<-c.stoppedChan
	return nil
}

// run is the main consumer loop
func (c *Consumer) run(ctx context.Context) {
	defer close(c.stoppedChan)

	c.lastFlush = time.Now()
	for !c.ensureGroup(ctx) {
		if !c.sleep(ctx) {
			return
		}
	}

	for {
		select {
		case <-c.stopChan:
			c.finalFlush()
			c.logger.Info("Usage consumer stopping")
			return
		case <-ctx.Done():
			c.finalFlush()
			c.logger.Info("Usage consumer context cancelled")
			return
		default:
			c.step(ctx)
		}
	}
}

func (c *Consumer) ensureGroup(ctx context.Context) bool {
	if err := c.stream.EnsureGroup(ctx); err != nil {
		c.logger.Error("Failed to create consumer group", "error", err)
		return false
	}
	return true
}

// step performs one read and flushes when the batch is full or the interval elapsed
func (c *Consumer) step(ctx context.Context) {
	room := c.config.BatchSize - len(c.batch)
	if room > 0 {
		msgs, err := c.read(ctx, room)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("Failed to read usage events", "error", err)
			if errors.Is(err, queue.ErrGroupMissing) {
				c.ensureGroup(ctx)
			}
			c.sleep(ctx)
			return
		}
		c.batch = append(c.batch, msgs...)
	}

	if len(c.batch) == 0 {
		c.lastFlush = time.Now()
		return
	}

	if len(c.batch) >= c.config.BatchSize || time.Since(c.lastFlush) >= c.config.FlushInterval {
		if err := c.flush(ctx, c.batch); err != nil {
			c.logger.Error("Failed to flush usage batch, will retry", "count", len(c.batch), "error", err)
			c.batch = nil
			c.cursor = queue.StartPending
			c.lastFlush = time.Now()
			c.sleep(ctx)
			return
		}
		c.batch = nil
		c.lastFlush = time.Now()
	}
}

// read returns our pending entries first (left over from a failed flush or a
// previous run), then new ones
func (c *Consumer) read(ctx context.Context, count int) ([]queue.Message, error) {
	if c.cursor != queue.StartNew {
		msgs, err := c.stream.ReadGroup(ctx, c.cursor, count, 0)
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			c.cursor = queue.StartNew
		} else {
			c.cursor = msgs[len(msgs)-1].ID
			return msgs, nil
		}
	}

	block := c.config.FlushInterval
	if len(c.batch) > 0 {
		block = c.config.FlushInterval - time.Since(c.lastFlush)
		if block < time.Millisecond {
			block = time.Millisecond
		}
	}
	return c.stream.ReadGroup(ctx, queue.StartNew, count, block)
}

// flush writes the batch in one transaction, acknowledges it and patches cached limits
func (c *Consumer) flush(ctx context.Context, msgs []queue.Message) error {
	batch, ids := c.decode(msgs)

	var totals map[string]int64
	if !batch.IsEmpty() {
		var err error
		totals, err = c.store.FlushUsage(ctx, batch)
		if err != nil {
			c.metrics.UsageFlushed(false, len(msgs))
			return utils.NewPersistenceError("usage flush failed", err)
		}
	}

	if err := c.stream.Ack(ctx, ids...); err != nil {
		// Committed but not acked: redelivery is absorbed by the idempotent inserts
		c.logger.Warn("Failed to ack flushed usage events", "count", len(ids), "error", err)
	}
	c.metrics.UsageFlushed(true, len(msgs))
	c.logger.Debug("Flushed usage batch", "events", len(msgs),
		"starts", len(batch.SessionStarts), "ends", len(batch.SessionEnds), "tokens", len(batch.TokenUsage))

	if c.patcher != nil {
		for customerID, delta := range totals {
			if delta == 0 {
				continue
			}
			if err := c.patcher.PatchUsed(ctx, customerID, delta); err != nil {
				c.logger.Warn("Failed to patch cached usage", "customer_id", customerID, "error", err)
			}
		}
	}

	return nil
}

// decode parses entries into a batch. Undecodable entries are logged and
// acknowledged with the rest so they are not redelivered forever.
func (c *Consumer) decode(msgs []queue.Message) (*models.UsageBatch, []string) {
	batch := &models.UsageBatch{}
	ids := make([]string, 0, len(msgs))

	for _, msg := range msgs {
		ids = append(ids, msg.ID)

		event, err := ParseEvent(msg.Values)
		if err != nil {
			c.logger.Error("Dropping undecodable usage event", "id", msg.ID, "error", err)
			continue
		}

		switch e := event.(type) {
		case SessionStart:
			batch.SessionStarts = append(batch.SessionStarts, models.SessionStartRow{
				SessionID:  e.SessionID,
				CustomerID: e.CustomerID,
				BoxID:      e.BoxID,
				StartedAt:  e.Timestamp,
			})
		case SessionEnd:
			batch.SessionEnds = append(batch.SessionEnds, models.SessionEndRow{
				SessionID:  e.SessionID,
				CustomerID: e.CustomerID,
				BoxID:      e.BoxID,
				EndedAt:    e.Timestamp,
				DurationMS: e.Duration.Milliseconds(),
			})
		case TokenUsage:
			batch.TokenUsage = append(batch.TokenUsage, models.TokenUsageRow{
				CustomerID:       e.CustomerID,
				BoxID:            nullableString(e.BoxID),
				Model:            e.Model,
				PromptTokens:     e.PromptTokens,
				CompletionTokens: e.CompletionTokens,
				RequestID:        e.RequestID,
			})
		}
	}

	return batch, ids
}

func (c *Consumer) finalFlush() {
	if len(c.batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()

	if err := c.flush(ctx, c.batch); err != nil {
		c.logger.Error("Final usage flush failed, events stay pending", "count", len(c.batch), "error", err)
		return
	}
	c.batch = nil
}

// sleep waits for the backoff; it returns false if the consumer is stopping
func (c *Consumer) sleep(ctx context.Context) bool {
	t := time.NewTimer(c.backoff)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-c.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}
