// Package notify delivers citizen confirmations and administrator alerts.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"civic-reports-go/internal/logger"
)

type Kind string

const (
	KindCitizenConfirmation Kind = "citizen_confirmation"
	KindAdminAlert          Kind = "admin_alert"
)

// Notification is one message for the notification collaborator.
type Notification struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	ComplaintID string    `json:"complaint_id"`
	TrackingID  string    `json:"tracking_id,omitempty"`
	CitizenID   string    `json:"citizen_id,omitempty"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

func stamp(n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	return n
}

// LogNotifier writes notifications to the service log.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log.Component("notify.log")}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	n = stamp(n)
	entry := l.log.WithComplaint(n.ComplaintID).
		WithField("kind", n.Kind).
		WithField("tracking_id", n.TrackingID)
	if n.Kind == KindAdminAlert {
		entry.Warn(n.Message)
	} else {
		entry.Info(n.Message)
	}
	return nil
}

// StreamNotifier appends notifications to a Redis stream for downstream
// delivery workers.
type StreamNotifier struct {
	client *redis.Client
	stream string
	log    *logger.Logger
}

func NewStreamNotifier(client *redis.Client, stream string, log *logger.Logger) *StreamNotifier {
	return &StreamNotifier{client: client, stream: stream, log: log.Component("notify.stream")}
}

func (s *StreamNotifier) Notify(ctx context.Context, n Notification) error {
	n = stamp(n)
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"kind":         string(n.Kind),
			"notification": string(payload),
		},
	}).Result()
	if err != nil {
		s.log.WithError(err).WithField("kind", n.Kind).Error("failed to publish notification")
		return fmt.Errorf("publish to stream: %w", err)
	}
	s.log.WithComplaint(n.ComplaintID).WithField("stream_id", id).Debug("notification published")
	return nil
}

// Fanout sends to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n Notification) error {
	n = stamp(n)
	var errs []error
	for _, x := range f {
		if err := x.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
