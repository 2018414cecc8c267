// Package outbox fans appended ledger events out to Kafka for downstream
// audit consumers. Delivery is best effort: the ledger remains the source of
// truth and an unavailable broker never blocks an append.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"veridoc/internal/ledger/event"
)

// Publisher delivers one event to the audit stream.
type Publisher interface {
	Publish(ctx context.Context, e event.Event) error
}

// KafkaPublisher publishes events keyed by entity id, so per-document
// ordering survives partitioning.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
}

// NewKafkaPublisher connects to the brokers. Returns nil when no brokers are
// configured so main can wire the worker unconditionally.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaPublisher{client: client, topic: topic}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, e event.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(e.EntityID),
		Value: value,
	}
	return p.client.ProduceSync(ctx, record).FirstErr()
}

// Close flushes and releases the Kafka client.
func (p *KafkaPublisher) Close() {
	p.client.Close()
}

// Worker buffers appended events and publishes them in the background. It
// implements ledger.Sink; Notify never blocks the append path. When the
// buffer is full the event is dropped with a logged warning, and the ledger
// itself still holds it.
type Worker struct {
	publisher Publisher
	inbox     chan event.Event
	logger    *slog.Logger
}

// NewWorker creates an outbox worker with the given buffer size.
func NewWorker(publisher Publisher, buffer int, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Worker{
		publisher: publisher,
		inbox:     make(chan event.Event, buffer),
		logger:    logger,
	}
}

// Notify enqueues an event for publication without blocking.
func (w *Worker) Notify(e event.Event) {
	select {
	case w.inbox <- e:
	default:
		w.logger.Warn("outbox buffer full, event not published",
			"event_id", e.ID,
			"entity_id", e.EntityID,
			"kind", string(e.Kind),
		)
	}
}

// Run consumes the inbox until the context is cancelled. Publish failures
// are logged and dropped; the event is still in the ledger.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-w.inbox:
			if err := w.publisher.Publish(ctx, e); err != nil {
				w.logger.ErrorContext(ctx, "outbox publish failed",
					"event_id", e.ID,
					"entity_id", e.EntityID,
					"kind", string(e.Kind),
					"error", err,
				)
			}
		}
	}
}
