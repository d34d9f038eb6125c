package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/zlnvch/boardsync/models"
)

const notificationTTL = 7 * 24 * time.Hour

type RedisBoardCache struct {
	client redis.UniversalClient
}

func NewRedisBoardCache(ctx context.Context, devMode bool, endpoint string) (*RedisBoardCache, error) {
	opts := &redis.Options{Addr: endpoint}
	if !devMode {
		// AWS elasticache endpoints require TLS
		opts.TLSConfig = &tls.Config{}
	}
	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return NewRedisBoardCacheWithClient(client), nil
}

func NewRedisBoardCacheWithClient(client redis.UniversalClient) *RedisBoardCache {
	return &RedisBoardCache{client: client}
}

func (c *RedisBoardCache) Close() error {
	return c.client.Close()
}

func (c *RedisBoardCache) Publish(ctx context.Context, channel string, message []byte) error {
	return c.client.Publish(ctx, channel, message).Err()
}

// Subscribe blocks until the subscription is confirmed, then calls handler for each
// message on a background goroutine until ctx is done.
func (c *RedisBoardCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	pubsub := c.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					log.Warn().Str("channel", channel).Msg("Pubsub channel closed")
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return nil
}

// Hash tag keeps a user's keys on one cluster slot
func buildNotificationsKey(userId string) string {
	return "notifications:{" + userId + "}"
}

func (c *RedisBoardCache) PushNotification(ctx context.Context, userId string, notification models.Notification) error {
	data, err := json.Marshal(notification)
	if err != nil {
		return err
	}

	key := buildNotificationsKey(userId)
	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, notificationTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *RedisBoardCache) PopNotifications(ctx context.Context, userId string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		return nil, nil
	}
	key := buildNotificationsKey(userId)

	pipe := c.client.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, int64(limit-1))
	pipe.LTrim(ctx, key, int64(limit), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	raw, err := rangeCmd.Result()
	if err != nil {
		return nil, err
	}

	notifications := make([]models.Notification, 0, len(raw))
	for _, item := range raw {
		var n models.Notification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			log.Warn().Err(err).Str("user_id", userId).Msg("Dropping unreadable queued notification")
			continue
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}

func (c *RedisBoardCache) RequeueNotifications(ctx context.Context, userId string, notifications []models.Notification) error {
	if len(notifications) == 0 {
		return nil
	}

	// LPUSH prepends one at a time, so push newest first to keep the original order
	values := make([]interface{}, 0, len(notifications))
	for i := len(notifications) - 1; i >= 0; i-- {
		data, err := json.Marshal(notifications[i])
		if err != nil {
			return err
		}
		values = append(values, data)
	}

	key := buildNotificationsKey(userId)
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, key, values...)
	pipe.Expire(ctx, key, notificationTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisBoardCache) PendingNotifications(ctx context.Context, userId string) (int64, error) {
	return c.client.LLen(ctx, buildNotificationsKey(userId)).Result()
}
