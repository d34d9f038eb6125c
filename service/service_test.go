package service_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/zlnvch/boardsync/hub"
	"github.com/zlnvch/boardsync/metrics"
	"github.com/zlnvch/boardsync/models"
	mqmocks "github.com/zlnvch/boardsync/mq/mocks"
	"github.com/zlnvch/boardsync/presence"
	"github.com/zlnvch/boardsync/service"
	storemocks "github.com/zlnvch/boardsync/store/mocks"
	"github.com/zlnvch/boardsync/worker"
)

var (
	alice = models.Identity{UserId: "alice", DisplayName: "Alice"}
	bob   = models.Identity{UserId: "bob", DisplayName: "Bob"}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeConn struct {
	id     string
	mu     sync.Mutex
	sent   []models.Message
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(data []byte) error {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Message(nil), c.sent...)
}

func (c *fakeConn) OfType(t models.MessageType) []models.Message {
	var out []models.Message
	for _, m := range c.Messages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type testEnv struct {
	svc     *service.Service
	store   *storemocks.MockStore
	mq      *mqmocks.MockMQ
	clock   *fakeClock
	metrics *metrics.Network

	// flushed receives every batch the action batcher writes
	flushed chan []models.DrawingAction
	stop    func()
}

// Helper to setup the service with mocks. The action batcher really runs; it only
// flushes on shutdown unless a test calls stop.
func setupService(t *testing.T, minInterval time.Duration) *testEnv {
	mockStore := new(storemocks.MockStore)
	mockMQ := new(mqmocks.MockMQ)
	clock := newFakeClock()
	m := metrics.NewNetwork()

	flushed := make(chan []models.DrawingAction, 16)
	mockStore.On("SaveBatch", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		flushed <- append([]models.DrawingAction(nil), args.Get(1).([]models.DrawingAction)...)
	}).Return([]models.DrawingAction{}, nil).Maybe()

	registry := hub.NewRegistry(50)
	dispatcher := hub.NewDispatcher(registry, 4, minInterval, m)
	participants := hub.NewParticipants(0, 0).WithClock(clock.Now)
	batcher := worker.NewActionBatcher(mockStore, worker.ActionBatcherConfig{FlushInterval: time.Hour}, nil, m)
	tracker := presence.NewTracker(0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go batcher.Run(ctx)

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		<-batcher.Done()
	}
	t.Cleanup(stop)

	svc := service.NewService(mockStore, mockMQ, registry, dispatcher, participants, batcher, tracker, m).
		WithClock(clock.Now)

	return &testEnv{
		svc:     svc,
		store:   mockStore,
		mq:      mockMQ,
		clock:   clock,
		metrics: m,
		flushed: flushed,
		stop:    stop,
	}
}

// Helper that creates a channel and wraps a mock call to signal when it's called
func wrapMockWithSignal(call *mock.Call) chan struct{} {
	done := make(chan struct{})
	var once sync.Once
	call.Run(func(args mock.Arguments) {
		once.Do(func() { close(done) })
	})
	return done
}
