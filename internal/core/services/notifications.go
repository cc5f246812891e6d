package services

import (
	"context"
	"sync"
	"time"

	"voicemesh/internal/core/domain"

	"go.uber.org/zap"
)

const defaultNotificationHistory = 50

// NotificationLog is the default ports.Notifier: it logs every
// notification and keeps the most recent ones for the control API.
type NotificationLog struct {
	logger *zap.Logger
	limit  int

	mu      sync.RWMutex
	entries []domain.Notification
}

func NewNotificationLog(logger *zap.Logger, limit int) *NotificationLog {
	if limit <= 0 {
		limit = defaultNotificationHistory
	}
	return &NotificationLog{logger: logger, limit: limit}
}

func (n *NotificationLog) Notify(note domain.Notification) {
	fields := []zap.Field{
		zap.String("kind", string(note.Kind)),
		zap.String("message", note.Message),
	}
	if note.PeerID != "" {
		fields = append(fields, zap.String("peer_id", string(note.PeerID)))
	}
	switch note.Level {
	case domain.LevelError:
		n.logger.Error("notification", fields...)
	case domain.LevelWarning:
		n.logger.Warn("notification", fields...)
	default:
		n.logger.Info("notification", fields...)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = append(n.entries, note)
	if over := len(n.entries) - n.limit; over > 0 {
		n.entries = append([]domain.Notification(nil), n.entries[over:]...)
	}
}

// Recent returns the retained notifications, oldest first.
func (n *NotificationLog) Recent() []domain.Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]domain.Notification(nil), n.entries...)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) SetJoined(bool)                             {}
func (NopMetrics) SetActiveLinks(int)                         {}
func (NopMetrics) RecordOffer(bool)                           {}
func (NopMetrics) RecordNegotiationFailure(string)            {}
func (NopMetrics) RecordRecreate()                            {}
func (NopMetrics) ObserveNegotiation(time.Duration)           {}
func (NopMetrics) RecordSpeaking(bool)                        {}
func (NopMetrics) RecordNotification(domain.NotificationKind) {}

type nopIntentStore struct{}

func (nopIntentStore) Save(context.Context, *domain.RejoinIntent) error { return nil }
func (nopIntentStore) Load(context.Context, domain.UserID) (*domain.RejoinIntent, error) {
	return nil, domain.ErrIntentNotFound
}
func (nopIntentStore) Clear(context.Context, domain.UserID) error { return nil }

type nopPlayback struct{}

func (nopPlayback) SetDeafened(bool) {}
