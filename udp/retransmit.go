package udp

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zlnvch/boardsync/metrics"
	"github.com/zlnvch/boardsync/packet"
)

const (
	DefaultMaxRetries  = 3
	DefaultBaseTimeout = 500 * time.Millisecond
)

// Transport is the datagram side the Retransmitter drives. Server and Client both
// implement it.
type Transport interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
	AwaitAck(addr net.Addr) (<-chan packet.Packet, func())
	NextSequence() uint64
}

// Retransmitter implements stop-and-wait delivery: one packet in flight, resent with
// exponential backoff until an ACK arrives from the target.
type Retransmitter struct {
	transport Transport
	metrics   *metrics.Network

	// OnAttempt is called before every send with the 1-based attempt number.
	OnAttempt func(attempt int, timeout time.Duration)
}

func NewRetransmitter(transport Transport, m *metrics.Network) *Retransmitter {
	if m == nil {
		m = metrics.NewNetwork()
	}
	return &Retransmitter{transport: transport, metrics: m}
}

// SendReliable sends payload as a DATA packet and waits for an ACK. Attempt N waits
// baseTimeout*2^(N-1); at most maxRetries+1 sends are made.
func (r *Retransmitter) SendReliable(ctx context.Context, payload []byte, target net.Addr, maxRetries int, baseTimeout time.Duration) bool {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseTimeout <= 0 {
		baseTimeout = DefaultBaseTimeout
	}

	seq := r.transport.NextSequence()
	data, err := packet.New(seq, packet.TypeData, payload).Encode()
	if err != nil {
		log.Error().Err(err).Str("endpoint", target.String()).Msg("Failed to encode reliable packet")
		return false
	}

	acks, cancel := r.transport.AwaitAck(target)
	defer cancel()

	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		timeout := baseTimeout << (attempt - 1)
		if r.OnAttempt != nil {
			r.OnAttempt(attempt, timeout)
		}
		if attempt > 1 {
			r.metrics.IncRetransmissions()
			log.Debug().Str("endpoint", target.String()).Uint64("seq", seq).Int("attempt", attempt).Msg("Retransmitting")
		}

		if _, err := r.transport.WriteTo(data, target); err != nil {
			log.Warn().Err(err).Str("endpoint", target.String()).Uint64("seq", seq).Msg("Failed to send packet")
		}

		if r.wait(ctx, acks, timeout) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
	}

	log.Warn().Str("endpoint", target.String()).Uint64("seq", seq).Int("attempts", maxRetries+1).Msg("Giving up on reliable send")
	return false
}

// wait returns true on ACK. A NACK ends the wait early so the next attempt goes out
// without sitting out the timeout.
func (r *Retransmitter) wait(ctx context.Context, acks <-chan packet.Packet, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case pkt := <-acks:
			switch pkt.Type {
			case packet.TypeAck:
				return true
			case packet.TypeNack:
				return false
			}
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
