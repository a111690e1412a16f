// Package events publishes committed inventory changes to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/matheusmosca/inventory-ledger/internal/ledger"
)

// DefaultTopic receives one message per history row.
const DefaultTopic = "inventory.changed"

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter returns a writer that keeps the messages of one inventory row on
// one partition, in order.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// Publisher implements ledger.EventPublisher.
type Publisher struct {
	writer     MessageWriter
	topic      string
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewPublisher wraps writer. tracer may be nil.
func NewPublisher(writer MessageWriter, topic string, tracer trace.Tracer) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if tracer == nil {
		tracer = otel.Tracer("inventory-ledger/events")
	}
	return &Publisher{
		writer:     writer,
		topic:      topic,
		tracer:     tracer,
		propagator: propagation.TraceContext{},
	}
}

func (p *Publisher) PublishInventoryChanged(ctx context.Context, events []ledger.InventoryChanged) error {
	ctx, span := p.tracer.Start(ctx, p.topic+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", p.topic),
			attribute.Int("messaging.batch.message_count", len(events)),
		))
	defer span.End()

	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.EventID, err)
		}
		headers := []kafka.Header{
			{Key: "event_type", Value: []byte("inventory.changed")},
			{Key: "event_id", Value: []byte(ev.EventID.String())},
		}
		p.propagator.Inject(ctx, headerCarrier{headers: &headers})
		msgs = append(msgs, kafka.Message{
			Key:     []byte(ev.History.InventoryID.String()),
			Value:   value,
			Headers: headers,
			Time:    ev.OccurredAt,
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return fmt.Errorf("write %d messages to %s: %w", len(msgs), p.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// headerCarrier adapts Kafka headers to the otel propagation API.
type headerCarrier struct {
	headers *[]kafka.Header
}

func (c headerCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range *c.headers {
		if h.Key == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}
