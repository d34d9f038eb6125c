package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zlnvch/boardsync/models"
)

const (
	DefaultTTL           = 180 * time.Second
	DefaultSweepInterval = 5 * time.Second
)

// Listener is notified on ONLINE/OFFLINE transitions only, never on plain refreshes.
type Listener interface {
	OnPresenceChange(ctx context.Context, event models.PresenceEvent)
}

type ListenerFunc func(ctx context.Context, event models.PresenceEvent)

func (f ListenerFunc) OnPresenceChange(ctx context.Context, event models.PresenceEvent) {
	f(ctx, event)
}

// Tracker keeps one liveness record per user, fed by heartbeats and expired by Sweep.
type Tracker struct {
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu        sync.RWMutex
	records   map[string]*models.PresenceRecord
	listeners []Listener
}

func NewTracker(ttl time.Duration, sweepInterval time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Tracker{
		ttl:           ttl,
		sweepInterval: sweepInterval,
		now:           time.Now,
		records:       make(map[string]*models.PresenceRecord),
	}
}

// WithClock replaces the time source; used by tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) AddListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

func (t *Tracker) TTL() time.Duration { return t.ttl }

// Heartbeat refreshes the user's record. clientTs is the sender's unix-millis clock and
// only contributes an RTT sample when hasTs is set. It reports whether this heartbeat
// moved the user to ONLINE.
func (t *Tracker) Heartbeat(ctx context.Context, userId string, endpoint string, clientTs int64, hasTs bool) bool {
	now := t.now()

	t.mu.Lock()
	rec, ok := t.records[userId]
	becameOnline := !ok || rec.Status != models.PresenceOnline
	if !ok {
		rec = &models.PresenceRecord{UserId: userId}
		t.records[userId] = rec
	}
	if rec.Endpoint != "" && rec.Endpoint != endpoint {
		log.Info().Str("user_id", userId).Str("from", rec.Endpoint).Str("to", endpoint).Msg("Presence endpoint moved")
	}
	rec.Endpoint = endpoint
	rec.LastSeenAt = now
	rec.Status = models.PresenceOnline
	if hasTs {
		sample := float64(now.UnixMilli() - clientTs)
		if sample < 0 {
			sample = 0
		}
		n := float64(rec.RTTSamples)
		rec.RTTEstimate = (rec.RTTEstimate*n + sample) / (n + 1)
		rec.RTTSamples++
	}
	listeners := t.listeners
	t.mu.Unlock()

	if becameOnline {
		log.Info().Str("user_id", userId).Str("endpoint", endpoint).Msg("User became online")
		t.emit(ctx, listeners, models.PresenceEvent{
			UserId:    userId,
			Status:    models.PresenceOnline,
			Endpoint:  endpoint,
			Timestamp: now.UnixMilli(),
		})
	}
	return becameOnline
}

// Sweep downgrades every ONLINE record silent for longer than the TTL and returns the
// emitted events.
func (t *Tracker) Sweep(ctx context.Context, now time.Time) []models.PresenceEvent {
	var events []models.PresenceEvent
	t.mu.Lock()
	for _, rec := range t.records {
		if rec.Status == models.PresenceOnline && now.Sub(rec.LastSeenAt) > t.ttl {
			rec.Status = models.PresenceOffline
			events = append(events, models.PresenceEvent{
				UserId:    rec.UserId,
				Status:    models.PresenceOffline,
				Endpoint:  rec.Endpoint,
				Timestamp: now.UnixMilli(),
			})
		}
	}
	listeners := t.listeners
	t.mu.Unlock()

	for _, event := range events {
		log.Info().Str("user_id", event.UserId).Str("endpoint", event.Endpoint).Msg("User went offline")
		t.emit(ctx, listeners, event)
	}
	return events
}

func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Sweep(ctx, t.now())
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) emit(ctx context.Context, listeners []Listener, event models.PresenceEvent) {
	for _, l := range listeners {
		l.OnPresenceChange(ctx, event)
	}
}

func (t *Tracker) Lookup(userId string) (models.PresenceRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[userId]
	if !ok {
		return models.PresenceRecord{}, false
	}
	return *rec, true
}

func (t *Tracker) IsOnline(userId string) bool {
	rec, ok := t.Lookup(userId)
	return ok && rec.Status == models.PresenceOnline
}

// Online returns the ONLINE records ordered by user id.
func (t *Tracker) Online() []models.PresenceRecord {
	t.mu.RLock()
	out := make([]models.PresenceRecord, 0, len(t.records))
	for _, rec := range t.records {
		if rec.Status == models.PresenceOnline {
			out = append(out, *rec)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserId < out[j].UserId })
	return out
}

func (t *Tracker) Snapshot() []models.PresenceRecord {
	t.mu.RLock()
	out := make([]models.PresenceRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserId < out[j].UserId })
	return out
}
