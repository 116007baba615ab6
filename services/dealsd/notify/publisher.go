// Package notify publishes committed deal lifecycle events to Kafka.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"farmtrade/native/deal"
	"farmtrade/observability"
	"farmtrade/observability/logging"
)

const defaultQueueSize = 256

// Config configures the publisher.
type Config struct {
	Brokers   []string
	Topic     string
	QueueSize int
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message is the JSON payload written for every event.
type Message struct {
	Type       string            `json:"type"`
	DealID     string            `json:"dealId,omitempty"`
	BatchID    string            `json:"batchId,omitempty"`
	At         time.Time         `json:"at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Publisher implements deal.Emitter. Emit never blocks the caller: events are
// queued and written by a background loop, and dropped with a metric when the
// queue is full.
type Publisher struct {
	writer  messageWriter
	topic   string
	queue   chan kafka.Message
	logger  *slog.Logger
	metrics *observability.DealMetrics

	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
	once    sync.Once
}

// New constructs a publisher writing to cfg.Topic.
func New(cfg Config, logger *slog.Logger, metrics *observability.DealMetrics) (*Publisher, error) {
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("notify: topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("notify: at least one broker is required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}
	return newWithWriter(cfg, writer, logger, metrics), nil
}

func newWithWriter(cfg Config, writer messageWriter, logger *slog.Logger, metrics *observability.DealMetrics) *Publisher {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Publisher{
		writer:  writer,
		topic:   cfg.Topic,
		queue:   make(chan kafka.Message, size),
		logger:  logging.Component(logger, "notify"),
		metrics: metrics,
		done:    make(chan struct{}),
	}
}

// Encode renders ev as a Kafka message keyed by deal id so that events of a
// single deal stay ordered within a partition.
func Encode(ev deal.Event) (kafka.Message, error) {
	value, err := json.Marshal(Message{
		Type:       ev.Type,
		DealID:     ev.DealID,
		BatchID:    ev.BatchID,
		At:         ev.At.UTC(),
		Attributes: ev.Attributes,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("notify: encode %s: %w", ev.Type, err)
	}
	key := ev.DealID
	if key == "" {
		key = ev.BatchID
	}
	return kafka.Message{Key: []byte(key), Value: value, Time: ev.At}, nil
}

// Emit implements deal.Emitter.
func (p *Publisher) Emit(ev deal.Event) {
	msg, err := Encode(ev)
	if err != nil {
		p.logger.Error("event encode failed", slog.String("type", ev.Type), slog.Any("error", err))
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.drop(ev, "stopped")
		return
	}
	select {
	case p.queue <- msg:
	default:
		p.drop(ev, "queue_full")
	}
}

func (p *Publisher) drop(ev deal.Event, reason string) {
	p.metrics.RecordNotificationDropped()
	p.logger.Warn("event dropped",
		slog.String("type", ev.Type),
		slog.String("deal_id", ev.DealID),
		slog.String("reason", reason))
}

// Run delivers queued events until Close is called, then drains what is left.
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.done)
	for msg := range p.queue {
		p.deliver(ctx, msg)
	}
}

func (p *Publisher) deliver(ctx context.Context, msg kafka.Message) {
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.metrics.RecordNotificationDropped()
		p.logger.Error("event publish failed",
			slog.String("topic", p.topic),
			slog.String("key", string(msg.Key)),
			slog.Any("error", err))
	}
}

// Close stops accepting events, waits for Run to drain the queue or for ctx
// to expire, and closes the writer.
func (p *Publisher) Close(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.queue)
		p.mu.Unlock()

		select {
		case <-p.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if cerr := p.writer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
