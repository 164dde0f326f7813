package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/segmentio/kafka-go"
)

// Handler must return nil only when the message is processed and its offset may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

// Consumer reads one topic in a consumer group and fans messages out to a
// fixed worker pool. Offsets are committed by hand after the handler succeeds;
// a failed message stays uncommitted and is redelivered after a rebalance.
type Consumer struct {
	r       *kafka.Reader
	workers int
	log     *slog.Logger
}

func NewConsumer(brokers []string, group, topic string, workers int, logger *slog.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			GroupID:        group,
			Topic:          topic,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 0, // manual commit
		}),
		workers: workers,
		log:     logger.With("topic", topic, "group", group),
	}
}

// Start blocks until ctx is cancelled or the reader fails. Messages already
// handed to a worker are finished before it returns.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	jobs := make(chan kafka.Message, c.workers*4)
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				c.handle(ctx, h, m)
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
		_ = c.r.Close()
	}()

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case jobs <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) {
	if err := h(ctx, m); err != nil {
		c.log.Warn("handler failed, offset not committed", "partition", m.Partition, "offset", m.Offset, "err", err)
		return
	}
	// Commit even while shutting down; the work is already done.
	if err := c.r.CommitMessages(context.WithoutCancel(ctx), m); err != nil {
		c.log.Error("commit", "partition", m.Partition, "offset", m.Offset, "err", err)
	}
}
