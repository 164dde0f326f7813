package kafka

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ariefcatur/gadget-settlement/internal/orders"
)

var ErrProducerClosed = errors.New("kafka: producer closed")

// Producer buffers messages in an inbox and writes them from one goroutine.
// The topic is set per message so one producer serves every settlement topic.
type Producer struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	closeCh chan struct{}
	done    chan struct{}
	log     *slog.Logger
}

func NewProducer(brokers []string, buf int, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        true,
			Completion: func(msgs []kafka.Message, err error) {
				if err != nil {
					logger.Error("kafka write failed", "messages", len(msgs), "err", err)
				}
			},
		},
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
		log:     logger,
	}
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		for {
			select {
			case <-ctx.Done():
				p.drain()
				return
			case <-p.closeCh:
				p.drain()
				return
			case m := <-p.inbox:
				p.write(m)
			}
		}
	}()
}

func (p *Producer) drain() {
	for {
		select {
		case m := <-p.inbox:
			p.write(m)
		default:
			_ = p.w.Close()
			return
		}
	}
}

func (p *Producer) write(m kafka.Message) {
	if err := p.w.WriteMessages(context.Background(), m); err != nil {
		p.log.Error("kafka publish", "topic", m.Topic, "err", err)
	}
}

// Publish enqueues one message; it blocks only while the inbox is full and
// gives up when ctx is done.
func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error {
	m := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Time:    time.Now(),
		Headers: headers,
	}
	select {
	case <-p.closeCh:
		return ErrProducerClosed
	default:
	}
	select {
	case p.inbox <- m:
		return nil
	case <-p.closeCh:
		return ErrProducerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishEnvelope keys the message by the envelope correlation id (order code).
func (p *Producer) PublishEnvelope(ctx context.Context, topic string, env orders.Envelope) error {
	return p.Publish(ctx, topic, orders.PartitionKey(env.CorrelationID), MustMarshal(env),
		kafka.Header{Key: "x-event-type", Value: []byte(env.EventType)},
		kafka.Header{Key: "x-event-version", Value: []byte(strconv.Itoa(env.EventVersion))},
	)
}

// Close stops accepting messages; the loop flushes what is queued and exits.
func (p *Producer) Close() { close(p.closeCh) }

// WaitClosed blocks until the loop has flushed and closed the writer.
func (p *Producer) WaitClosed() { <-p.done }
