package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/zlnvch/boardsync/models"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) SaveBatch(ctx context.Context, actions []models.DrawingAction) ([]models.DrawingAction, error) {
	args := m.Called(ctx, actions)
	return args.Get(0).([]models.DrawingAction), args.Error(1)
}

func (m *MockStore) DeleteByRoom(ctx context.Context, roomId string) error {
	args := m.Called(ctx, roomId)
	return args.Error(0)
}

func (m *MockStore) DeleteAction(ctx context.Context, roomId string, actionId string) error {
	args := m.Called(ctx, roomId, actionId)
	return args.Error(0)
}

func (m *MockStore) FindByRoom(ctx context.Context, roomId string, page int, size int) (models.ActionPage, error) {
	args := m.Called(ctx, roomId, page, size)
	return args.Get(0).(models.ActionPage), args.Error(1)
}

func (m *MockStore) GetRoom(ctx context.Context, roomId string) (models.Room, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(models.Room), args.Error(1)
}

func (m *MockStore) CreateRoom(ctx context.Context, room models.Room) (models.Room, bool, error) {
	args := m.Called(ctx, room)
	return args.Get(0).(models.Room), args.Bool(1), args.Error(2)
}

func (m *MockStore) PutRoom(ctx context.Context, room models.Room) (models.Room, error) {
	args := m.Called(ctx, room)
	return args.Get(0).(models.Room), args.Error(1)
}

func (m *MockStore) DeleteRoom(ctx context.Context, roomId string) error {
	args := m.Called(ctx, roomId)
	return args.Error(0)
}

func (m *MockStore) IncrementActionCount(ctx context.Context, roomId string, count int) error {
	args := m.Called(ctx, roomId, count)
	return args.Error(0)
}
