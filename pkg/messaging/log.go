package messaging

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/sanction-engine/internal/models"
)

// LogPublisher writes notifications to the structured log. It is used when no
// broker is configured, typically in development.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher constructs a log-backed publisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

// Notify logs the notification at info level.
func (p *LogPublisher) Notify(_ context.Context, n models.Notification) error {
	p.logger.Info("notification",
		zap.String("event", string(n.Event)),
		zap.String("subject_id", n.SubjectID),
		zap.String("recipients", strings.Join(n.Recipients, ",")),
		zap.Int("context_keys", len(n.Context)),
	)
	return nil
}
