package service

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog/log"
	"github.com/zlnvch/boardsync/cache"
	"github.com/zlnvch/boardsync/models"
	"github.com/zlnvch/boardsync/presence"
)

const (
	NotificationsChannel = "notifications"
	PresenceChannel      = "presence"

	NotificationUserStatus = "USER_STATUS"

	deliverBatch = 50
)

// ReliableSender delivers a datagram payload and reports whether it was acknowledged.
type ReliableSender interface {
	SendReliable(ctx context.Context, payload []byte, target net.Addr, maxRetries int, baseTimeout time.Duration) bool
}

// Notifier queues notifications per user and delivers them over the datagram transport
// while the user is online.
type Notifier struct {
	queue       cache.BoardCache
	tracker     *presence.Tracker
	sender      ReliableSender
	maxRetries  int
	baseTimeout time.Duration
	shutdownCtx context.Context
	now         func() time.Time

	mu         sync.Mutex
	delivering map[string]struct{}
}

func NewNotifier(
	shutdownCtx context.Context,
	queue cache.BoardCache,
	tracker *presence.Tracker,
	sender ReliableSender,
	maxRetries int,
	baseTimeout time.Duration,
) *Notifier {
	return &Notifier{
		queue:       queue,
		tracker:     tracker,
		sender:      sender,
		maxRetries:  maxRetries,
		baseTimeout: baseTimeout,
		shutdownCtx: shutdownCtx,
		now:         time.Now,
		delivering:  make(map[string]struct{}),
	}
}

// Notify queues n for its receiver. Delivery starts right away if the receiver is online.
func (n *Notifier) Notify(ctx context.Context, notification models.Notification) (models.Notification, error) {
	if notification.ReceiverId == "" {
		return models.Notification{}, invalid("notification has no receiver")
	}
	if notification.Id == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return models.Notification{}, err
		}
		notification.Id = id.String()
	}
	if notification.Timestamp == 0 {
		notification.Timestamp = n.now().UnixMilli()
	}

	if err := n.queue.PushNotification(ctx, notification.ReceiverId, notification); err != nil {
		return models.Notification{}, err
	}

	// Other instances deliver if the receiver heartbeats to them
	if body, err := json.Marshal(notification); err == nil {
		if err := n.queue.Publish(ctx, NotificationsChannel, body); err != nil {
			log.Warn().Err(err).Str("user_id", notification.ReceiverId).Msg("Failed to publish notification")
		}
	}

	if n.tracker.IsOnline(notification.ReceiverId) {
		go n.deliver(notification.ReceiverId)
	}
	return notification, nil
}

// OnPresenceChange mirrors presence transitions to other instances and flushes the
// user's queue when they come online. It must not block: it runs on the datagram
// receive loop, which is also what routes the ACKs deliveries wait for.
func (n *Notifier) OnPresenceChange(ctx context.Context, event models.PresenceEvent) {
	log.Info().
		Str("type", NotificationUserStatus).
		Str("user_id", event.UserId).
		Str("status", string(event.Status)).
		Str("endpoint", event.Endpoint).
		Msg("Presence changed")

	if body, err := json.Marshal(event); err == nil {
		go func() {
			if err := n.queue.Publish(n.shutdownCtx, PresenceChannel, body); err != nil {
				log.Warn().Err(err).Str("user_id", event.UserId).Msg("Failed to publish presence change")
			}
		}()
	}

	if event.Status == models.PresenceOnline {
		go n.deliver(event.UserId)
	}
}

func (n *Notifier) deliver(userId string) {
	delivered, err := n.DeliverPending(n.shutdownCtx, userId)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userId).Msg("Notification delivery failed")
		return
	}
	if delivered > 0 {
		log.Info().Str("user_id", userId).Int("delivered", delivered).Msg("Delivered queued notifications")
	}
}

// DeliverPending drains userId's queue to their current endpoint. The first
// notification that is not acknowledged stops the drain; it and everything after it
// go back to the head of the queue. Only one drain per user runs at a time.
func (n *Notifier) DeliverPending(ctx context.Context, userId string) (int, error) {
	n.mu.Lock()
	if _, busy := n.delivering[userId]; busy {
		n.mu.Unlock()
		return 0, nil
	}
	n.delivering[userId] = struct{}{}
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.delivering, userId)
		n.mu.Unlock()
	}()

	record, ok := n.tracker.Lookup(userId)
	if !ok || record.Status != models.PresenceOnline {
		return 0, nil
	}
	target, err := net.ResolveUDPAddr("udp", record.Endpoint)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for {
		batch, err := n.queue.PopNotifications(ctx, userId, deliverBatch)
		if err != nil {
			return delivered, err
		}
		if len(batch) == 0 {
			return delivered, nil
		}

		for i, notification := range batch {
			payload, err := json.Marshal(models.Message{
				Type:         models.MessageNotification,
				UserId:       userId,
				Notification: &notification,
				Timestamp:    n.now().UnixMilli(),
			})
			if err != nil {
				log.Error().Err(err).Str("notification_id", notification.Id).Msg("Dropping unencodable notification")
				continue
			}

			if !n.sender.SendReliable(ctx, payload, target, n.maxRetries, n.baseTimeout) {
				if err := n.queue.RequeueNotifications(context.WithoutCancel(ctx), userId, batch[i:]); err != nil {
					return delivered, err
				}
				return delivered, nil
			}
			delivered++
		}
	}
}

// Subscribe delivers notifications queued through other instances to users online here.
func (n *Notifier) Subscribe(ctx context.Context) error {
	return n.queue.Subscribe(ctx, NotificationsChannel, func(message []byte) {
		var notification models.Notification
		if err := json.Unmarshal(message, &notification); err != nil {
			log.Warn().Err(err).Msg("Invalid notification on channel")
			return
		}
		if n.tracker.IsOnline(notification.ReceiverId) {
			go n.deliver(notification.ReceiverId)
		}
	})
}

// Pending reports how many notifications are waiting for userId.
func (n *Notifier) Pending(ctx context.Context, userId string) (int64, error) {
	return n.queue.PendingNotifications(ctx, userId)
}
