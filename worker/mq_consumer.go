package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zlnvch/boardsync/mq"
)

type RoomDeleter interface {
	DeleteRoom(ctx context.Context, roomId string) error
}

type MQConsumer struct {
	roomDeletedQueue mq.MessageQueue
	rooms            RoomDeleter
}

func NewMQConsumer(roomDeletedQueue mq.MessageQueue, rooms RoomDeleter) *MQConsumer {
	return &MQConsumer{
		roomDeletedQueue: roomDeletedQueue,
		rooms:            rooms,
	}
}

const (
	// Deleting a large room's actions is throttled, so give it a few minutes
	visibilityTimeout = 300
	receiveBatch      = 10
	receiveBackoff    = time.Second
)

func (c *MQConsumer) Run(shutdownCtx context.Context) {
	for {
		msgs, err := c.roomDeletedQueue.Receive(shutdownCtx, receiveBatch, visibilityTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || shutdownCtx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Room-deleted queue receive error")
			select {
			case <-shutdownCtx.Done():
				return
			case <-time.After(receiveBackoff):
			}
			continue
		}

		for _, msg := range msgs {
			c.handle(msg)
		}
	}
}

// handle deletes the message only after the room is gone, so a failure is retried once
// the visibility timeout expires. Malformed messages are dropped.
func (c *MQConsumer) handle(msg mq.Message) {
	var event mq.RoomDeletedEvent
	if err := json.Unmarshal([]byte(msg.Body), &event); err != nil || event.RoomId == "" {
		log.Warn().Err(err).Str("message_id", msg.Id).Msg("Discarding malformed room-deleted message")
		c.ack(msg)
		return
	}

	// Timeout should be a little less than the queue visibility timeout
	ctx, cancel := context.WithTimeout(context.Background(), (visibilityTimeout-1)*time.Second)
	defer cancel()

	if err := c.rooms.DeleteRoom(ctx, event.RoomId); err != nil {
		log.Error().Err(err).Str("room_id", event.RoomId).Msg("Failed to delete room")
		return
	}
	log.Info().Str("room_id", event.RoomId).Msg("Room deleted")
	c.ack(msg)
}

func (c *MQConsumer) ack(msg mq.Message) {
	if err := c.roomDeletedQueue.Delete(context.Background(), msg); err != nil {
		log.Error().Err(err).Str("message_id", msg.Id).Msg("Room-deleted queue delete error")
	}
}
