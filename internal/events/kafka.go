// Package events announces committed item moves on Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pitabwire/stagetrack/model"
)

// Headers carried by every item-moved message.
const (
	HeaderEventType      = "event-type"
	HeaderOrganizationID = "organization-id"

	EventTypeItemMoved = "item.moved"
)

// messageWriter is the part of kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig contains configuration for the publisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// KafkaPublisher writes item-moved events to one topic. Messages are keyed by
// item ID so every move of an item lands on the same partition in order.
type KafkaPublisher struct {
	brokers []string
	topic   string
	writer  messageWriter
	dialer  *kafka.Dialer
}

// NewKafkaPublisher creates a publisher for cfg.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("events: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("events: topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return newKafkaPublisher(cfg, w), nil
}

func newKafkaPublisher(cfg KafkaConfig, w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{
		brokers: cfg.Brokers,
		topic:   cfg.Topic,
		writer:  w,
		dialer:  &kafka.Dialer{Timeout: 5 * time.Second},
	}
}

// PublishItemMoved writes one event.
func (p *KafkaPublisher) PublishItemMoved(ctx context.Context, event model.ItemMovedEvent) error {
	msg, err := toMessage(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("events: writing %s to %s: %w", event.ItemID, p.topic, err)
	}
	return nil
}

// HealthCheck dials the first reachable broker.
func (p *KafkaPublisher) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, broker := range p.brokers {
		conn, err := p.dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("events: no broker reachable: %w", errors.Join(errs...))
}

// Close flushes pending messages and releases the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func toMessage(event model.ItemMovedEvent) (kafka.Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("events: encoding %s: %w", event.ItemID, err)
	}
	return kafka.Message{
		Key:   []byte(event.ItemID),
		Value: value,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(EventTypeItemMoved)},
			{Key: HeaderOrganizationID, Value: []byte(event.OrganizationID)},
		},
	}, nil
}
