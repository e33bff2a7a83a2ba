// Package messaging delivers workflow notifications to the outside world.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/noah-isme/sanction-engine/internal/models"
)

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	MaxAttempts  int
	WriteTimeout time.Duration
	Balancer     kafka.Balancer
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes notifications as JSON messages keyed by subject id, so
// every notification about one sanction lands on the same partition in order.
type KafkaPublisher struct {
	writer      messageWriter
	topic       string
	maxAttempts int
	backoff     time.Duration
}

// NewKafkaPublisher constructs a publisher backed by a kafka-go writer.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Balancer == nil {
		cfg.Balancer = &kafka.Hash{}
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     cfg.Balancer,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaPublisher(w, cfg.Topic, cfg.MaxAttempts), nil
}

func newKafkaPublisher(w messageWriter, topic string, maxAttempts int) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic, maxAttempts: maxAttempts, backoff: 100 * time.Millisecond}
}

// Notify publishes one notification, retrying transient write failures.
func (p *KafkaPublisher) Notify(ctx context.Context, n models.Notification) error {
	if n.OccurredAt.IsZero() {
		n.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(n.SubjectID),
		Value: value,
		Time:  n.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(n.Event)},
		},
	}

	var lastErr error
	backoff := p.backoff
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("publish %s to %s: %w", n.Event, p.topic, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("publish %s to %s failed after %d attempts: %w", n.Event, p.topic, p.maxAttempts, lastErr)
}

// Close shuts down the underlying writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
