package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zlnvch/boardsync/metrics"
	"github.com/zlnvch/boardsync/models"
	"github.com/zlnvch/boardsync/store"
)

const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second
	DefaultQueueCapacity = 10000
	DefaultEnqueueWait   = time.Second

	flushTimeout = 10 * time.Second
)

type ActionBatcherConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueCapacity int
	EnqueueWait   time.Duration
}

func (c ActionBatcherConfig) withDefaults() ActionBatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.EnqueueWait <= 0 {
		c.EnqueueWait = DefaultEnqueueWait
	}
	return c
}

type purgeRequest struct {
	roomId   string
	actionId string
	removed  chan int
}

// batchRequest is either an action to persist or a purge of buffered actions. Both
// travel the same channel so a purge sees every action enqueued before it.
type batchRequest struct {
	action models.DrawingAction
	purge  *purgeRequest
}

// ActionBatcher persists drawing actions off the broadcast path. A single worker owns
// the pending batch and flushes it when it is full or when its oldest item has waited
// FlushInterval.
type ActionBatcher struct {
	requests       chan batchRequest
	actionStore    store.ActionStore
	counterBatcher *CounterBatcher
	metrics        *metrics.Network
	cfg            ActionBatcherConfig

	seq atomic.Int64

	// Enqueue holds the read side while sending; shutdown takes the write side so no
	// send can slip in after the final drain.
	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
}

func NewActionBatcher(actionStore store.ActionStore, cfg ActionBatcherConfig, counterBatcher *CounterBatcher, m *metrics.Network) *ActionBatcher {
	cfg = cfg.withDefaults()
	if m == nil {
		m = metrics.NewNetwork()
	}
	b := &ActionBatcher{
		requests:       make(chan batchRequest, cfg.QueueCapacity),
		actionStore:    actionStore,
		counterBatcher: counterBatcher,
		metrics:        m,
		cfg:            cfg,
		done:           make(chan struct{}),
	}
	b.seq.Store(time.Now().UnixNano())
	return b
}

// Enqueue assigns the action's Sequence and queues it. It returns false when the queue
// stayed full for EnqueueWait or the batcher is shutting down.
func (b *ActionBatcher) Enqueue(ctx context.Context, action models.DrawingAction) (models.DrawingAction, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopped {
		b.metrics.IncActionsRejected()
		return action, false
	}

	action.Sequence = b.seq.Add(1)
	req := batchRequest{action: action}

	select {
	case b.requests <- req:
		return action, true
	default:
	}

	timer := time.NewTimer(b.cfg.EnqueueWait)
	defer timer.Stop()

	select {
	case b.requests <- req:
		return action, true
	case <-timer.C:
	case <-ctx.Done():
	}

	b.metrics.IncActionsRejected()
	log.Warn().Str("room_id", action.RoomId).Str("action_id", action.ActionId).Msg("Action queue full, rejecting action")
	return action, false
}

// Purge drops buffered actions of roomId that have not been flushed yet, or only
// actionId when it is set. It returns how many were dropped.
func (b *ActionBatcher) Purge(ctx context.Context, roomId string, actionId string) (int, error) {
	req := &purgeRequest{roomId: roomId, actionId: actionId, removed: make(chan int, 1)}

	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return 0, nil
	}
	select {
	case b.requests <- batchRequest{purge: req}:
		b.mu.RUnlock()
	case <-ctx.Done():
		b.mu.RUnlock()
		return 0, ctx.Err()
	}

	select {
	case n := <-req.removed:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Done is closed once Run has drained and flushed everything after shutdown.
func (b *ActionBatcher) Done() <-chan struct{} {
	return b.done
}

func (b *ActionBatcher) Run(shutdownCtx context.Context) {
	defer close(b.done)

	batch := make([]models.DrawingAction, 0, b.cfg.BatchSize)

	// Armed when the first item lands in an empty batch
	var timer *time.Timer
	var timerC <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}

	flush := func() {
		stopTimer()
		b.flush(batch)
		batch = make([]models.DrawingAction, 0, b.cfg.BatchSize)
	}

	for {
		select {
		case req := <-b.requests:
			if req.purge != nil {
				batch = applyPurge(batch, req.purge)
				if len(batch) == 0 {
					stopTimer()
				}
				continue
			}

			batch = append(batch, req.action)
			if len(batch) == 1 {
				timer = time.NewTimer(b.cfg.FlushInterval)
				timerC = timer.C
			}
			if len(batch) >= b.cfg.BatchSize {
				flush()
			}

		case <-timerC:
			timer, timerC = nil, nil
			flush()

		case <-shutdownCtx.Done():
			stopTimer()
			b.drain(batch)
			return
		}
	}
}

func (b *ActionBatcher) drain(batch []models.DrawingAction) {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	for {
		select {
		case req := <-b.requests:
			if req.purge != nil {
				batch = applyPurge(batch, req.purge)
				continue
			}
			batch = append(batch, req.action)
		default:
			log.Info().Int("pending", len(batch)).Msg("Action batcher draining")
			for i := 0; i < len(batch); i += b.cfg.BatchSize {
				b.flush(batch[i:min(i+b.cfg.BatchSize, len(batch))])
			}
			return
		}
	}
}

func applyPurge(batch []models.DrawingAction, req *purgeRequest) []models.DrawingAction {
	kept := batch[:0]
	for _, action := range batch {
		if action.RoomId == req.roomId && (req.actionId == "" || action.ActionId == req.actionId) {
			continue
		}
		kept = append(kept, action)
	}
	req.removed <- len(batch) - len(kept)
	return kept
}

// flush writes one batch. Failures are logged and counted; the batch is not retried.
func (b *ActionBatcher) flush(batch []models.DrawingAction) {
	if len(batch) == 0 {
		return
	}

	batch = dedupeActions(batch)

	// Not derived from the shutdown context: the final flush has to be allowed to finish
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	unprocessed, err := b.actionStore.SaveBatch(ctx, batch)
	if err != nil {
		b.metrics.IncBatchesFailed()
		log.Error().Err(err).Int("size", len(batch)).Int("unprocessed", len(unprocessed)).Msg("Error writing action batch")
		if len(unprocessed) == 0 {
			unprocessed = batch
		}
	}

	failed := make(map[actionKey]struct{}, len(unprocessed))
	for _, u := range unprocessed {
		failed[keyOf(u)] = struct{}{}
	}

	perRoom := make(map[string]int)
	written := 0
	for _, action := range batch {
		if _, ok := failed[keyOf(action)]; ok {
			continue
		}
		perRoom[action.RoomId]++
		written++
	}
	b.metrics.AddBatchFlushed(written)

	if b.counterBatcher != nil {
		for roomId, n := range perRoom {
			b.counterBatcher.Add(roomId, n)
		}
	}
	log.Debug().Int("written", written).Int("failed", len(batch)-written).Msg("Flushed action batch")
}

type actionKey struct {
	roomId   string
	actionId string
}

func keyOf(action models.DrawingAction) actionKey {
	return actionKey{roomId: action.RoomId, actionId: action.ActionId}
}

// dedupeActions keeps only the last copy of each (room, action id) pair. A batch write
// with two puts for the same key is rejected as a whole by the store.
func dedupeActions(batch []models.DrawingAction) []models.DrawingAction {
	last := make(map[actionKey]int, len(batch))
	for i, action := range batch {
		last[keyOf(action)] = i
	}
	if len(last) == len(batch) {
		return batch
	}

	deduped := make([]models.DrawingAction, 0, len(last))
	for i, action := range batch {
		if last[keyOf(action)] == i {
			deduped = append(deduped, action)
		}
	}
	log.Debug().Int("dropped", len(batch)-len(deduped)).Msg("Dropped repeated actions from batch")
	return deduped
}
