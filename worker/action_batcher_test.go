package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/boardsync/metrics"
	"github.com/zlnvch/boardsync/models"
	storemocks "github.com/zlnvch/boardsync/store/mocks"
	"github.com/zlnvch/boardsync/worker"
)

func action(roomId string, actionId string) models.DrawingAction {
	return models.DrawingAction{ActionId: actionId, RoomId: roomId, UserId: "u1", Tool: "pen", ActionType: "draw"}
}

// captureFlushes records every SaveBatch call on the returned channel.
func captureFlushes(mockStore *storemocks.MockStore, unprocessed []models.DrawingAction, err error) chan []models.DrawingAction {
	flushed := make(chan []models.DrawingAction, 16)
	mockStore.On("SaveBatch", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		batch := args.Get(1).([]models.DrawingAction)
		flushed <- append([]models.DrawingAction(nil), batch...)
	}).Return(unprocessed, err)
	return flushed
}

func waitFlush(t *testing.T, flushed chan []models.DrawingAction, timeout time.Duration) []models.DrawingAction {
	t.Helper()
	select {
	case batch := <-flushed:
		return batch
	case <-time.After(timeout):
		require.Fail(t, "timed out waiting for flush")
		return nil
	}
}

func TestActionBatcher_FlushesAtBatchSize(t *testing.T) {
	mockStore := new(storemocks.MockStore)
	flushed := captureFlushes(mockStore, []models.DrawingAction{}, nil)

	batcher := worker.NewActionBatcher(mockStore, worker.ActionBatcherConfig{BatchSize: 5, FlushInterval: time.Hour}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go batcher.Run(ctx)

	for i := 0; i < 5; i++ {
		_, ok := batcher.Enqueue(ctx, action("room1", string(rune('a'+i))))
		require.True(t, ok)
	}

	batch := waitFlush(t, flushed, time.Second)
	assert.Len(t, batch, 5)

	select {
	case extra := <-flushed:
		assert.Fail(t, "unexpected second flush", "got %d items", len(extra))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestActionBatcher_FlushesAfterInterval(t *testing.T) {
	mockStore := new(storemocks.MockStore)
	flushed := captureFlushes(mockStore, []models.DrawingAction{}, nil)

	interval := 50 * time.Millisecond
	batcher := worker.NewActionBatcher(mockStore, worker.ActionBatcherConfig{BatchSize: 100, FlushInterval: interval}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go batcher.Run(ctx)

	start := time.Now()
	_, ok := batcher.Enqueue(ctx, action("room1", "a1"))
	require.True(t, ok)

	batch := waitFlush(t, flushed, time.Second)
	assert.Len(t, batch, 1)
	assert.GreaterOrEqual(t, time.Since(start), interval)
}

func TestActionBatcher_DrainsOnShutdown(t *testing.T) {
	mockStore := new(storemocks.MockStore)
	flushed := captureFlushes(mockStore, []models.DrawingAction{}, nil)

	batcher := worker.NewActionBatcher(mockStore, worker.ActionBatcherConfig{BatchSize: 2, FlushInterval: time.Hour}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < 5; i++ {
		_, ok := batcher.Enqueue(context.Background(), action("room1", string(rune('a'+i))))
		require.True(t, ok)
	}

	cancel()
	batcher.Run(ctx)

	select {
	case <-batcher.Done():
	default:
		assert.Fail(t, "Done not closed after Run returned")
	}

	total := 0
	close(flushed)
	for batch := range flushed {
		assert.LessOrEqual(t, len(batch), 2)
		total += len(batch)
	}
	assert.Equal(t, 5, total)

	_, ok := batcher.Enqueue(context.Background(), action("room1", "late"))
	assert.False(t, ok)
}

func TestActionBatcher_PurgeRemovesEarlierActionsOnly(t *testing.T) {
	mockStore := new(storemocks.MockStore)
	flushed := captureFlushes(mockStore, []models.DrawingAction{}, nil)

	batcher := worker.NewActionBatcher(mockStore, worker.ActionBatcherConfig{BatchSize: 100, FlushInterval: time.Hour}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go batcher.Run(ctx)

	batcher.Enqueue(ctx, action("room1", "a1"))
	batcher.Enqueue(ctx, action("room2", "a2"))
	batcher.Enqueue(ctx, action("room1", "a3"))

	removed, err := batcher.Purge(context.Background(), "room1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	batcher.Enqueue(ctx, action("room1", "a4"))

	removed, err = batcher.Purge(context.Background(), "room2", "a2")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	cancel()
	<-batcher.Done()

	batch := waitFlush(t, flushed, time.Second)
	require.Len(t, batch, 1)
	assert.Equal(t, "a4", batch[0].ActionId)
}

func TestActionBatcher_RejectsWhenFull(t *testing.T) {
	mockStore := new(storemocks.MockStore)
	m := metrics.NewNetwork()

	batcher := worker.NewActionBatcher(mockStore, worker.ActionBatcherConfig{
		QueueCapacity: 1,
		EnqueueWait:   20 * time.Millisecond,
	}, nil, m)

	_, ok := batcher.Enqueue(context.Background(), action("room1", "a1"))
	assert.True(t, ok)

	start := time.Now()
	_, ok = batcher.Enqueue(context.Background(), action("room1", "a2"))
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, int64(1), m.Snapshot().ActionsRejected)
}

func TestActionBatcher_SequenceIncreases(t *testing.T) {
	batcher := worker.NewActionBatcher(new(storemocks.MockStore), worker.ActionBatcherConfig{}, nil, nil)

	first, _ := batcher.Enqueue(context.Background(), action("room1", "a1"))
	second, _ := batcher.Enqueue(context.Background(), action("room1", "a2"))

	assert.Greater(t, first.Sequence, int64(0))
	assert.Greater(t, second.Sequence, first.Sequence)
}

func TestActionBatcher_FeedsCounterWithWrittenActions(t *testing.T) {
	mockStore := new(storemocks.MockStore)
	m := metrics.NewNetwork()
	failed := []models.DrawingAction{action("room1", "a2")}
	flushed := captureFlushes(mockStore, failed, nil)

	counter := worker.NewCounterBatcher(mockStore, time.Hour)
	batcher := worker.NewActionBatcher(mockStore, worker.ActionBatcherConfig{BatchSize: 3, FlushInterval: time.Hour}, counter, m)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go batcher.Run(ctx)

	batcher.Enqueue(ctx, action("room1", "a1"))
	batcher.Enqueue(ctx, action("room1", "a2"))
	batcher.Enqueue(ctx, action("room2", "a3"))
	waitFlush(t, flushed, time.Second)

	counts := map[string]int{}
	for i := 0; i < 2; i++ {
		select {
		case update := <-counter.UpdateCh:
			counts[update.RoomId] += update.Delta
		case <-time.After(time.Second):
			require.Fail(t, "timed out waiting for counter update")
		}
	}
	assert.Equal(t, map[string]int{"room1": 1, "room2": 1}, counts)
}

func TestActionBatcher_FailedFlushNotRetried(t *testing.T) {
	mockStore := new(storemocks.MockStore)
	m := metrics.NewNetwork()
	flushed := captureFlushes(mockStore, []models.DrawingAction{}, errors.New("throughput exceeded"))

	batcher := worker.NewActionBatcher(mockStore, worker.ActionBatcherConfig{BatchSize: 1, FlushInterval: time.Hour}, nil, m)
	ctx, cancel := context.WithCancel(context.Background())
	go batcher.Run(ctx)

	batcher.Enqueue(ctx, action("room1", "a1"))
	waitFlush(t, flushed, time.Second)

	cancel()
	<-batcher.Done()

	assert.Empty(t, flushed)
	assert.Equal(t, int64(1), m.Snapshot().BatchesFailed)
	mockStore.AssertNumberOfCalls(t, "SaveBatch", 1)
}

func TestActionBatcher_RepeatedActionIdWrittenOnce(t *testing.T) {
	mockStore := new(storemocks.MockStore)
	m := metrics.NewNetwork()
	flushed := captureFlushes(mockStore, []models.DrawingAction{}, nil)

	batcher := worker.NewActionBatcher(mockStore, worker.ActionBatcherConfig{BatchSize: 4, FlushInterval: time.Hour}, nil, m)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go batcher.Run(ctx)

	first := action("room1", "same")
	first.Color = "#000000"
	retry := action("room1", "same")
	retry.Color = "#ffffff"
	other := action("room1", "other")
	other.UserId = "u2"
	elsewhere := action("room2", "same")

	for _, a := range []models.DrawingAction{first, retry, other, elsewhere} {
		_, ok := batcher.Enqueue(ctx, a)
		require.True(t, ok)
	}

	batch := waitFlush(t, flushed, time.Second)
	require.Len(t, batch, 3)
	assert.Equal(t, "same", batch[0].ActionId)
	assert.Equal(t, "#ffffff", batch[0].Color)
	assert.Equal(t, "other", batch[1].ActionId)
	assert.Equal(t, "room2", batch[2].RoomId)

	require.Eventually(t, func() bool { return m.Snapshot().ActionsPersisted == 3 }, time.Second, 10*time.Millisecond)
}
