package cache

import (
	"context"

	"github.com/zlnvch/boardsync/models"
)

// NotificationQueue holds notifications per receiver until they can be delivered.
type NotificationQueue interface {
	PushNotification(ctx context.Context, userId string, notification models.Notification) error
	// PopNotifications removes and returns up to limit queued notifications, oldest first.
	PopNotifications(ctx context.Context, userId string, limit int) ([]models.Notification, error)
	// RequeueNotifications puts undelivered notifications back at the head of the queue.
	RequeueNotifications(ctx context.Context, userId string, notifications []models.Notification) error
	PendingNotifications(ctx context.Context, userId string) (int64, error)
}

type Publisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func(message []byte)) error
}

type BoardCache interface {
	NotificationQueue
	Publisher
}
