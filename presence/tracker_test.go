package presence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/boardsync/models"
	"github.com/zlnvch/boardsync/presence"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type recorder struct {
	mu     sync.Mutex
	events []models.PresenceEvent
}

func (r *recorder) OnPresenceChange(_ context.Context, event models.PresenceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) Events() []models.PresenceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.PresenceEvent(nil), r.events...)
}

func setupTracker(ttl time.Duration) (*presence.Tracker, *fakeClock, *recorder) {
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	tracker := presence.NewTracker(ttl, time.Second).WithClock(clock.Now)
	rec := &recorder{}
	tracker.AddListener(rec)
	return tracker, clock, rec
}

func TestHeartbeat_SingleOnlineEvent(t *testing.T) {
	tracker, clock, rec := setupTracker(time.Minute)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		tracker.Heartbeat(ctx, "u1", "127.0.0.1:5000", 0, false)
		clock.Advance(time.Second)
	}

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "u1", events[0].UserId)
	assert.Equal(t, models.PresenceOnline, events[0].Status)
	assert.Equal(t, "127.0.0.1:5000", events[0].Endpoint)
	assert.True(t, tracker.IsOnline("u1"))
}

func TestHeartbeat_EndpointOverwritten(t *testing.T) {
	tracker, _, rec := setupTracker(time.Minute)
	ctx := context.Background()

	tracker.Heartbeat(ctx, "u1", "10.0.0.1:4000", 0, false)
	tracker.Heartbeat(ctx, "u1", "10.0.0.2:4001", 0, false)

	record, ok := tracker.Lookup("u1")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2:4001", record.Endpoint)
	assert.Len(t, rec.Events(), 1)
}

func TestSweep_ExpiresAfterTTL(t *testing.T) {
	tracker, clock, rec := setupTracker(180 * time.Second)
	ctx := context.Background()

	tracker.Heartbeat(ctx, "u1", "127.0.0.1:5000", 0, false)

	clock.Advance(180 * time.Second)
	assert.Empty(t, tracker.Sweep(ctx, clock.Now()), "exactly TTL is still alive")

	clock.Advance(time.Millisecond)
	events := tracker.Sweep(ctx, clock.Now())
	require.Len(t, events, 1)
	assert.Equal(t, models.PresenceOffline, events[0].Status)
	assert.False(t, tracker.IsOnline("u1"))
	assert.Empty(t, tracker.Online())

	// A second sweep must not re-emit
	assert.Empty(t, tracker.Sweep(ctx, clock.Now()))
	assert.Len(t, rec.Events(), 2)

	// Coming back is a fresh transition
	assert.True(t, tracker.Heartbeat(ctx, "u1", "127.0.0.1:5000", 0, false))
	assert.Len(t, rec.Events(), 3)
}

func TestHeartbeat_RTTRunningAverage(t *testing.T) {
	tracker, clock, _ := setupTracker(time.Minute)
	ctx := context.Background()

	now := clock.Now().UnixMilli()
	tracker.Heartbeat(ctx, "u1", "127.0.0.1:5000", now-100, true)
	tracker.Heartbeat(ctx, "u1", "127.0.0.1:5000", now-200, true)
	tracker.Heartbeat(ctx, "u1", "127.0.0.1:5000", 0, false)

	record, ok := tracker.Lookup("u1")
	require.True(t, ok)
	assert.Equal(t, int64(2), record.RTTSamples)
	assert.InDelta(t, 150.0, record.RTTEstimate, 0.001)
}

func TestHeartbeat_FutureTimestampClamped(t *testing.T) {
	tracker, clock, _ := setupTracker(time.Minute)

	tracker.Heartbeat(context.Background(), "u1", "127.0.0.1:5000", clock.Now().UnixMilli()+5000, true)

	record, _ := tracker.Lookup("u1")
	assert.Equal(t, 0.0, record.RTTEstimate)
	assert.Equal(t, int64(1), record.RTTSamples)
}

func TestOnline_Sorted(t *testing.T) {
	tracker, _, _ := setupTracker(time.Minute)
	ctx := context.Background()

	tracker.Heartbeat(ctx, "bob", "127.0.0.1:2", 0, false)
	tracker.Heartbeat(ctx, "alice", "127.0.0.1:1", 0, false)

	online := tracker.Online()
	require.Len(t, online, 2)
	assert.Equal(t, "alice", online[0].UserId)
	assert.Equal(t, "bob", online[1].UserId)
}
