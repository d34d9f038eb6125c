package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"github.com/zlnvch/boardsync/store"
)

const (
	DefaultCounterInterval = 60 * time.Second

	maxPendingRooms   = 100
	counterFlushLimit = 10
)

type CounterUpdate struct {
	RoomId string
	Delta  int
}

// CounterBatcher aggregates per-room action counts and writes them to the room store
// periodically. Counts are approximate: a failed increment is logged and dropped.
type CounterBatcher struct {
	UpdateCh  chan CounterUpdate
	roomStore store.RoomStore
	interval  time.Duration
	done      chan struct{}
}

func NewCounterBatcher(roomStore store.RoomStore, interval time.Duration) *CounterBatcher {
	if interval <= 0 {
		interval = DefaultCounterInterval
	}
	return &CounterBatcher{
		UpdateCh:  make(chan CounterUpdate, 1024),
		roomStore: roomStore,
		interval:  interval,
		done:      make(chan struct{}),
	}
}

// Add never blocks; updates are dropped when the buffer is full.
func (b *CounterBatcher) Add(roomId string, delta int) {
	select {
	case b.UpdateCh <- CounterUpdate{RoomId: roomId, Delta: delta}:
	default:
		log.Warn().Str("room_id", roomId).Int("delta", delta).Msg("Counter buffer full, dropping update")
	}
}

func (b *CounterBatcher) Done() <-chan struct{} {
	return b.done
}

func (b *CounterBatcher) Run(shutdownCtx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	roomCounts := make(map[string]int)

	flush := func() {
		if len(roomCounts) == 0 {
			return
		}
		p := pool.New().WithMaxGoroutines(counterFlushLimit)
		for roomId, count := range roomCounts {
			if count == 0 {
				continue
			}
			p.Go(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := b.roomStore.IncrementActionCount(ctx, roomId, count); err != nil {
					log.Warn().Err(err).Str("room_id", roomId).Int("count", count).Msg("Failed to update room action count")
				}
			})
		}
		p.Wait()
		roomCounts = make(map[string]int)
	}

	for {
		select {
		case update := <-b.UpdateCh:
			if update.RoomId != "" {
				roomCounts[update.RoomId] += update.Delta
			}
			if len(roomCounts) >= maxPendingRooms {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-shutdownCtx.Done():
		drain:
			for {
				select {
				case update := <-b.UpdateCh:
					roomCounts[update.RoomId] += update.Delta
				default:
					break drain
				}
			}
			flush()
			return
		}
	}
}
