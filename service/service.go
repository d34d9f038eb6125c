package service

import (
	"errors"
	"time"

	"github.com/zlnvch/boardsync/hub"
	"github.com/zlnvch/boardsync/metrics"
	"github.com/zlnvch/boardsync/mq"
	"github.com/zlnvch/boardsync/presence"
	"github.com/zlnvch/boardsync/store"
	"github.com/zlnvch/boardsync/worker"
)

var (
	ErrRoomFull     = errors.New("room is full")
	ErrNotInRoom    = errors.New("connection has not joined a room")
	ErrRoomNotFound = errors.New("room not found")
	ErrQueueFull    = errors.New("action was broadcast but could not be queued for persistence")
	ErrRateLimited  = errors.New("rate limit exceeded")
)

// Service orchestrates room membership, live broadcast and persistence.
type Service struct {
	Store         store.BoardStore
	MQ            mq.MessageQueue
	Registry      *hub.Registry
	Dispatcher    *hub.Dispatcher
	Participants  *hub.Participants
	ActionBatcher *worker.ActionBatcher
	Tracker       *presence.Tracker
	Metrics       *metrics.Network

	now func() time.Time
}

func NewService(
	store store.BoardStore,
	mq mq.MessageQueue,
	registry *hub.Registry,
	dispatcher *hub.Dispatcher,
	participants *hub.Participants,
	actionBatcher *worker.ActionBatcher,
	tracker *presence.Tracker,
	m *metrics.Network,
) *Service {
	if m == nil {
		m = metrics.NewNetwork()
	}

	s := &Service{
		Store:         store,
		MQ:            mq,
		Registry:      registry,
		Dispatcher:    dispatcher,
		Participants:  participants,
		ActionBatcher: actionBatcher,
		Tracker:       tracker,
		Metrics:       m,
		now:           time.Now,
	}

	// Idle participants leave through the same path as an explicit LEAVE
	participants.OnEvict(s.evictIdle)

	return s
}

// WithClock replaces the time source used for server timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) nowMillis() int64 {
	return s.now().UnixMilli()
}
