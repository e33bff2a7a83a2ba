package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/sanction-engine/internal/models"
)

type stubWriter struct {
	failures int
	messages []kafka.Message
	closed   bool
}

func (w *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.failures > 0 {
		w.failures--
		return errors.New("leader not available")
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *stubWriter) Close() error {
	w.closed = true
	return nil
}

func TestNewKafkaPublisherValidatesConfig(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "t"})
	require.Error(t, err)
	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}})
	require.Error(t, err)

	publisher, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "notifications"})
	require.NoError(t, err)
	require.NoError(t, publisher.Close())
}

func TestKafkaPublisherRetriesAndKeysBySubject(t *testing.T) {
	writer := &stubWriter{failures: 1}
	publisher := newKafkaPublisher(writer, "notifications", 3)
	publisher.backoff = 0

	err := publisher.Notify(context.Background(), models.Notification{
		Event:      models.NotificationSanctionSubmitted,
		SubjectID:  "sanction-1",
		Recipients: []string{"user-1"},
	})
	require.NoError(t, err)
	require.Len(t, writer.messages, 1)
	require.Equal(t, "sanction-1", string(writer.messages[0].Key))

	var decoded models.Notification
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &decoded))
	require.Equal(t, models.NotificationSanctionSubmitted, decoded.Event)
	require.False(t, decoded.OccurredAt.IsZero())
}

func TestKafkaPublisherGivesUp(t *testing.T) {
	writer := &stubWriter{failures: 5}
	publisher := newKafkaPublisher(writer, "notifications", 2)
	publisher.backoff = 0

	err := publisher.Notify(context.Background(), models.Notification{Event: models.NotificationSanctionRejected, SubjectID: "s"})
	require.Error(t, err)
	require.Empty(t, writer.messages)
}

func TestLogPublisher(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	publisher := NewLogPublisher(zap.New(core))

	require.NoError(t, publisher.Notify(context.Background(), models.Notification{
		Event:      models.NotificationSanctionCompleted,
		SubjectID:  "sanction-9",
		Recipients: []string{"a", "b"},
	}))
	entries := logs.FilterField(zap.String("subject_id", "sanction-9")).All()
	require.Len(t, entries, 1)
	require.Equal(t, "a,b", entries[0].ContextMap()["recipients"])
}
