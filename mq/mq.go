package mq

import "context"

type MessageQueue interface {
	Send(ctx context.Context, body string) error
	// Receive long-polls for up to maxMessages messages. An empty result is not an error.
	Receive(ctx context.Context, maxMessages int32, visibilityTimeout int32) ([]Message, error)
	Delete(ctx context.Context, msg Message) error
}

// Message is a received queue message. ReceiptHandle is what Delete needs.
type Message struct {
	Id            string
	ReceiptHandle string
	Body          string
}

// RoomDeletedEvent is published by the room management service when a room is removed.
type RoomDeletedEvent struct {
	RoomId string `json:"roomId"`
}
