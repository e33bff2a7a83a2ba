package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sanction-engine/internal/models"
	"github.com/noah-isme/sanction-engine/pkg/jobs"
)

// Notifier delivers a notification to its recipients.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

// NotificationService hands notifications to a background queue so committed
// transitions never wait on, or fail because of, delivery.
type NotificationService struct {
	queue    jobDispatcher
	notifier Notifier
	logger   *zap.Logger
}

// NewNotificationService wires queue producers to notifier.
func NewNotificationService(queue jobDispatcher, notifier Notifier, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{queue: queue, notifier: notifier, logger: logger}
}

// Publish enqueues n for delivery. Enqueue failures are logged and dropped.
func (s *NotificationService) Publish(_ context.Context, n models.Notification) {
	job := jobs.Job{ID: uuid.NewString(), Type: string(n.Event), Payload: n}
	if err := s.queue.Enqueue(job); err != nil {
		s.logger.Warn("dropping notification",
			zap.String("event", string(n.Event)),
			zap.String("subject_id", n.SubjectID),
			zap.Error(err),
		)
	}
}

// Handle is the queue handler that performs delivery.
func (s *NotificationService) Handle(ctx context.Context, job jobs.Job) error {
	n, ok := job.Payload.(models.Notification)
	if !ok {
		s.logger.Error("unexpected notification payload", zap.String("job_id", job.ID), zap.String("type", job.Type))
		return nil
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		return fmt.Errorf("notify %s for %s: %w", n.Event, n.SubjectID, err)
	}
	return nil
}
