// Package events publishes trade record transitions to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"swing-trade-bot-go/internal/models"

	"github.com/segmentio/kafka-go"
)

// TransitionEvent is published once per successful status change.
type TransitionEvent struct {
	EventType string         `json:"event_type"`
	Operation string         `json:"operation"`
	TradeID   string         `json:"trade_id"`
	Symbol    string         `json:"symbol"`
	From      models.Status  `json:"from"`
	To        models.Status  `json:"to"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventTypeTransition is the event_type of TransitionEvent.
const EventTypeTransition = "TRADE_TRANSITION"

// Publisher publishes transition events.
type Publisher interface {
	PublishTransition(ctx context.Context, event TransitionEvent) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer handles publishing events to Kafka.
type Producer struct {
	writer messageWriter
	topic  string
}

var _ Publisher = (*Producer)(nil)

// NewProducer creates a new Kafka producer.
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer: writer,
		topic:  topic,
	}
}

// PublishTransition publishes event keyed by symbol, so one symbol's events
// stay ordered within a partition.
func (p *Producer) PublishTransition(ctx context.Context, event TransitionEvent) error {
	if event.EventType == "" {
		event.EventType = EventTypeTransition
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return p.publish(ctx, event.Symbol, event)
}

func (p *Producer) publish(ctx context.Context, key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	return nil
}

// Close closes the Kafka producer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Nop discards every event. It is used when no brokers are configured.
type Nop struct{}

var _ Publisher = Nop{}

func (Nop) PublishTransition(context.Context, TransitionEvent) error { return nil }

func (Nop) Close() error { return nil }

// New returns a Kafka producer, or Nop when brokers is empty.
func New(brokers []string, topic string) Publisher {
	if len(brokers) == 0 {
		return Nop{}
	}
	return NewProducer(brokers, topic)
}
