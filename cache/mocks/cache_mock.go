package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/zlnvch/boardsync/models"
)

type MockCache struct {
	mock.Mock
}

func (m *MockCache) Publish(ctx context.Context, channel string, message []byte) error {
	args := m.Called(ctx, channel, message)
	return args.Error(0)
}

func (m *MockCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	args := m.Called(ctx, channel, handler)
	return args.Error(0)
}

func (m *MockCache) PushNotification(ctx context.Context, userId string, notification models.Notification) error {
	args := m.Called(ctx, userId, notification)
	return args.Error(0)
}

func (m *MockCache) PopNotifications(ctx context.Context, userId string, limit int) ([]models.Notification, error) {
	args := m.Called(ctx, userId, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Notification), args.Error(1)
}

func (m *MockCache) RequeueNotifications(ctx context.Context, userId string, notifications []models.Notification) error {
	args := m.Called(ctx, userId, notifications)
	return args.Error(0)
}

func (m *MockCache) PendingNotifications(ctx context.Context, userId string) (int64, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(int64), args.Error(1)
}
