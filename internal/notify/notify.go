// Package notify reports recoverable problems to the operator.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"allsky/internal/mqtt"
)

// Categories used by the capture and processing code.
const (
	CategoryCamera  = "camera"
	CategoryQueue   = "queue"
	CategoryStorage = "storage"
	CategoryVideo   = "video"
	CategoryMisc    = "misc"
)

// Notifier records a message. id groups repeats of the same condition; expire bounds
// how long it stays active.
type Notifier interface {
	Notify(ctx context.Context, category, id, message string, expire time.Duration) error
}

// Log writes notifications to a logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, category, id, message string, expire time.Duration) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn(message, "category", category, "id", id, "expire", expire)
	return nil
}

// Store is the persistence the StoreNotifier needs.
type Store interface {
	AddNotification(ctx context.Context, category, item, message string, expire time.Duration) (bool, error)
}

// StoreNotifier persists notifications, suppressing active duplicates.
type StoreNotifier struct {
	Store Store
}

func (s StoreNotifier) Notify(ctx context.Context, category, id, message string, expire time.Duration) error {
	_, err := s.Store.AddNotification(ctx, category, id, message, expire)
	return err
}

// MQTTNotifier publishes notifications under <base>/notification/<category>.
type MQTTNotifier struct {
	Publisher mqtt.Publisher
	BaseTopic string
	QoS       byte
}

type notification struct {
	Category string    `json:"category"`
	ID       string    `json:"id"`
	Message  string    `json:"message"`
	Expires  time.Time `json:"expires"`
}

func (m MQTTNotifier) Notify(_ context.Context, category, id, message string, expire time.Duration) error {
	msg, err := mqtt.NewMessage("allsky", notification{
		Category: category,
		ID:       id,
		Message:  message,
		Expires:  time.Now().Add(expire).UTC(),
	})
	if err != nil {
		return err
	}
	return mqtt.PublishJSON(m.Publisher, mqtt.Topic(m.BaseTopic, "notification", category), m.QoS, false, msg)
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, category, id, message string, expire time.Duration) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, category, id, message, expire); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
