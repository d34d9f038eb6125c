package store

import (
	"context"
	"errors"

	"github.com/zlnvch/boardsync/models"
)

type ActionStore interface {
	// SaveBatch writes actions and returns those that could not be written.
	SaveBatch(ctx context.Context, actions []models.DrawingAction) ([]models.DrawingAction, error)
	DeleteByRoom(ctx context.Context, roomId string) error
	DeleteAction(ctx context.Context, roomId string, actionId string) error
	FindByRoom(ctx context.Context, roomId string, page int, size int) (models.ActionPage, error)
}

type RoomStore interface {
	GetRoom(ctx context.Context, roomId string) (models.Room, error)
	CreateRoom(ctx context.Context, room models.Room) (models.Room, bool, error)
	PutRoom(ctx context.Context, room models.Room) (models.Room, error)
	DeleteRoom(ctx context.Context, roomId string) error
	IncrementActionCount(ctx context.Context, roomId string, count int) error
}

type BoardStore interface {
	ActionStore
	RoomStore
}

// Custom error types for clarity
var (
	ErrItemNotFound    = errors.New("item does not exist")
	ErrConditionFailed = errors.New("condition not met")
)
