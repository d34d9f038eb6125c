package hub

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zlnvch/boardsync/models"
)

const (
	DefaultTool  = "pen"
	DefaultColor = "#3B82F6"

	DefaultIdleTimeout          = 5 * time.Minute
	DefaultParticipantsInterval = 60 * time.Second
)

// ParticipantUpdate carries the fields to change; zero values leave the stored value alone.
type ParticipantUpdate struct {
	DisplayName string
	Cursor      *models.Cursor
	Tool        string
	Color       string
}

// EvictFunc receives a participant Sweep has already removed.
type EvictFunc func(ctx context.Context, participant models.ActiveParticipant)

type participantKey struct {
	roomId string
	userId string
}

// Participants holds the per-room cursor and tool state of active users. Nothing here
// is persisted.
type Participants struct {
	idleTimeout   time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu      sync.Mutex
	records map[participantKey]*models.ActiveParticipant
	evict   EvictFunc
}

func NewParticipants(idleTimeout time.Duration, sweepInterval time.Duration) *Participants {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultParticipantsInterval
	}
	return &Participants{
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
		now:           time.Now,
		records:       make(map[participantKey]*models.ActiveParticipant),
	}
}

func (p *Participants) WithClock(now func() time.Time) *Participants {
	p.now = now
	return p
}

// OnEvict sets the function Sweep calls for each idle participant it removes.
func (p *Participants) OnEvict(fn EvictFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evict = fn
}

func (p *Participants) Upsert(roomId string, userId string, update ParticipantUpdate) models.ActiveParticipant {
	now := p.now()
	key := participantKey{roomId, userId}

	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[key]
	if !ok {
		rec = &models.ActiveParticipant{
			RoomId:   roomId,
			UserId:   userId,
			Tool:     DefaultTool,
			Color:    DefaultColor,
			JoinedAt: now,
		}
		p.records[key] = rec
	}
	if update.DisplayName != "" {
		rec.DisplayName = update.DisplayName
	}
	if update.Cursor != nil {
		rec.Cursor = *update.Cursor
	}
	if update.Tool != "" {
		rec.Tool = update.Tool
	}
	if update.Color != "" {
		rec.Color = update.Color
	}
	rec.LastActivity = now
	return *rec
}

// Touch refreshes LastActivity. It reports false if the participant is unknown.
func (p *Participants) Touch(roomId string, userId string) bool {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[participantKey{roomId, userId}]
	if !ok {
		return false
	}
	rec.LastActivity = now
	return true
}

func (p *Participants) Remove(roomId string, userId string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := participantKey{roomId, userId}
	if _, ok := p.records[key]; !ok {
		return false
	}
	delete(p.records, key)
	return true
}

func (p *Participants) RemoveRoom(roomId string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for key := range p.records {
		if key.roomId == roomId {
			delete(p.records, key)
			removed++
		}
	}
	return removed
}

func (p *Participants) Get(roomId string, userId string) (models.ActiveParticipant, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[participantKey{roomId, userId}]
	if !ok {
		return models.ActiveParticipant{}, false
	}
	return *rec, true
}

// InRoom returns the room's participants in join order.
func (p *Participants) InRoom(roomId string) []models.ActiveParticipant {
	p.mu.Lock()
	out := make([]models.ActiveParticipant, 0)
	for key, rec := range p.records {
		if key.roomId == roomId {
			out = append(out, *rec)
		}
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserId < out[j].UserId
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Sweep removes participants idle for longer than the idle timeout and returns them.
// The idle check and the removal happen under one lock, so a participant touched or
// re-upserted during the sweep keeps its record.
func (p *Participants) Sweep(ctx context.Context, now time.Time) []models.ActiveParticipant {
	p.mu.Lock()
	var idle []models.ActiveParticipant
	for key, rec := range p.records {
		if now.Sub(rec.LastActivity) > p.idleTimeout {
			idle = append(idle, *rec)
			delete(p.records, key)
		}
	}
	evict := p.evict
	p.mu.Unlock()

	for _, rec := range idle {
		log.Info().Str("room_id", rec.RoomId).Str("user_id", rec.UserId).Msg("Evicting idle participant")
		if evict != nil {
			evict(ctx, rec)
		}
	}
	return idle
}

func (p *Participants) Run(ctx context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Sweep(ctx, p.now())
		case <-ctx.Done():
			return
		}
	}
}
