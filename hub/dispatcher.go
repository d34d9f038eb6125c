package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"github.com/zlnvch/boardsync/metrics"
	"golang.org/x/time/rate"
)

const (
	DefaultWorkers     = 20
	DefaultMinInterval = 10 * time.Millisecond
)

// Dispatcher fans room messages out to every member on a bounded pool. A failing or
// panicking peer never affects delivery to the others.
type Dispatcher struct {
	registry    *Registry
	metrics     *metrics.Network
	workers     int
	minInterval time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewDispatcher(registry *Registry, workers int, minInterval time.Duration, m *metrics.Network) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	if m == nil {
		m = metrics.NewNetwork()
	}
	return &Dispatcher{
		registry:    registry,
		metrics:     m,
		workers:     workers,
		minInterval: minInterval,
		limiters:    make(map[string]*rate.Limiter),
	}
}

// Allow reports whether userId may send another message now. Over-rate messages are
// meant to be dropped, not queued.
func (d *Dispatcher) Allow(userId string) bool {
	d.mu.Lock()
	limiter, ok := d.limiters[userId]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(d.minInterval), 1)
		d.limiters[userId] = limiter
	}
	d.mu.Unlock()

	if !limiter.Allow() {
		d.metrics.IncRateLimited()
		return false
	}
	return true
}

func (d *Dispatcher) Forget(userId string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.limiters, userId)
}

// BroadcastFrom applies userId's rate limit before broadcasting. It returns false if
// the message was dropped.
func (d *Dispatcher) BroadcastFrom(userId string, roomId string, message any, exclude Conn) bool {
	if !d.Allow(userId) {
		log.Debug().Str("user_id", userId).Str("room_id", roomId).Msg("Rate limited, dropping message")
		return false
	}
	d.Broadcast(roomId, message, exclude)
	return true
}

// Broadcast serializes message once and sends it to every member of roomId except
// exclude (which may be nil). It returns the number of successful sends.
func (d *Dispatcher) Broadcast(roomId string, message any, exclude Conn) int {
	data, err := encode(message)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomId).Msg("Failed to marshal broadcast")
		return 0
	}

	members := d.registry.MembersOf(roomId)
	if len(members) == 0 {
		return 0
	}

	var delivered atomic.Int64
	p := pool.New().WithMaxGoroutines(d.workers)
	for _, conn := range members {
		if exclude != nil && conn == exclude {
			continue
		}
		p.Go(func() {
			if err := d.safeSend(conn, data); err != nil {
				d.metrics.IncBroadcastErrors()
				log.Warn().Err(err).Str("room_id", roomId).Str("conn_id", conn.ID()).Msg("Broadcast send failed")
				return
			}
			delivered.Add(1)
		})
	}
	p.Wait()

	return int(delivered.Load())
}

// SendTo delivers message to a single connection.
func (d *Dispatcher) SendTo(conn Conn, message any) error {
	data, err := encode(message)
	if err != nil {
		return err
	}
	return d.safeSend(conn, data)
}

func (d *Dispatcher) safeSend(conn Conn, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panicked: %v", r)
		}
	}()
	return conn.Send(data)
}

func encode(message any) ([]byte, error) {
	if b, ok := message.([]byte); ok {
		return b, nil
	}
	return json.Marshal(message)
}
