package publisher

import (
	"context"
	"log/slog"
	"time"

	"github.com/fjod/go_bookmart/internal/metrics"
	"github.com/fjod/go_bookmart/internal/repository"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultTopic    = "bookmart-orders"
	defaultBatch    = 100
	defaultInterval = time.Second
)

// MessageWriter is the part of *kafka.Writer the poller uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaWriter(topic string, brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

// OutboxPoller relays committed outbox events to the broker and marks them
// processed. Delivery is at least once: an event whose mark fails is sent again.
type OutboxPoller struct {
	eventTick time.Duration
	batch     int
	repo      repository.OutboxRepository
	writer    MessageWriter
	metrics   *metrics.CheckoutMetrics
	logger    *slog.Logger
}

// NewOutboxPoller creates a poller. m may be nil.
func NewOutboxPoller(repo repository.OutboxRepository, writer MessageWriter, m *metrics.CheckoutMetrics, logger *slog.Logger, interval time.Duration) *OutboxPoller {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &OutboxPoller{
		eventTick: interval,
		batch:     defaultBatch,
		repo:      repo,
		writer:    writer,
		metrics:   m,
		logger:    logger,
	}
}

func (p *OutboxPoller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	defer eventTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *OutboxPoller) Close() error {
	return p.writer.Close()
}

func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) {
	events, err := p.repo.GetUnprocessedEvents(ctx, p.batch)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to fetch outbox events", "error", err)
		return
	}

	for _, event := range events {
		if err := p.publish(ctx, event); err != nil {
			p.logger.ErrorContext(ctx, "failed to publish outbox event", "event_id", event.EventID, "error", err)
			continue
		}

		if err := p.repo.MarkEventAsProcessed(ctx, event.ID); err != nil {
			p.logger.ErrorContext(ctx, "failed to mark outbox event as processed", "event_id", event.EventID, "error", err)
			continue
		}
		if p.metrics != nil {
			p.metrics.Published.Inc()
		}
	}
}

func (p *OutboxPoller) publish(ctx context.Context, event *repository.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(event.AggregateId), // order id keeps one order's events on one partition
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "event_id", Value: []byte(event.EventID)},
		},
	}

	return p.writer.WriteMessages(ctx, msg)
}
