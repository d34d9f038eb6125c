package udp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zlnvch/boardsync/metrics"
	"github.com/zlnvch/boardsync/models"
	"github.com/zlnvch/boardsync/packet"
	"github.com/zlnvch/boardsync/presence"
)

const maxDatagram = 64 * 1024

// Server is the presence datagram endpoint. Every well-formed non-ACK packet is
// acknowledged with an ACK carrying the same sequence number.
type Server struct {
	tracker *presence.Tracker
	metrics *metrics.Network
	acks    *ackRouter
	seq     atomic.Uint64
	now     func() time.Time

	mu   sync.RWMutex
	conn net.PacketConn
}

func NewServer(tracker *presence.Tracker, m *metrics.Network) *Server {
	if m == nil {
		m = metrics.NewNetwork()
	}
	return &Server{
		tracker: tracker,
		metrics: m,
		acks:    newAckRouter(),
		now:     time.Now,
	}
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, conn)
}

// Serve runs the receive loop on conn until ctx is cancelled. The conn is closed on return.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	log.Info().Str("addr", conn.LocalAddr().String()).Msg("UDP server listening")

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				log.Info().Msg("UDP server stopped")
				return nil
			}
			log.Error().Err(err).Msg("UDP read error")
			continue
		}
		s.handle(ctx, buf[:n], addr)
	}
}

func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *Server) handle(ctx context.Context, data []byte, addr net.Addr) {
	receivedAt := s.now()

	pkt, err := packet.Decode(data)
	if err != nil {
		s.metrics.IncPacketDrops()
		log.Warn().Err(err).Str("endpoint", addr.String()).Msg("Dropping malformed packet")
		return
	}
	s.metrics.IncPacketsReceived()

	if pkt.Type == packet.TypeAck || pkt.Type == packet.TypeNack {
		s.acks.deliver(addr.String(), pkt)
		return
	}

	var msg models.Message
	if len(pkt.Payload) > 0 {
		if err := json.Unmarshal(pkt.Payload, &msg); err != nil {
			s.metrics.IncPacketDrops()
			log.Warn().Err(err).Str("endpoint", addr.String()).Uint64("seq", pkt.Sequence).Msg("Dropping packet with invalid payload")
			return
		}
	}

	switch msgType := msg.Type.Normalize(); {
	case pkt.Type == packet.TypeHeartbeat || msgType == models.MessageHeartbeat:
		s.heartbeat(ctx, msg, addr, receivedAt)
	case msgType == models.MessagePing:
		s.reply(addr, models.Message{Type: models.MessagePong, Timestamp: msg.Timestamp})
	case msgType == models.MessageSyncRequest:
		s.reply(addr, models.Message{
			Type:      models.MessageSyncResponse,
			Online:    s.tracker.Online(),
			Timestamp: receivedAt.UnixMilli(),
		})
	}

	s.sendAck(pkt.Sequence, addr)
}

func (s *Server) heartbeat(ctx context.Context, msg models.Message, addr net.Addr, receivedAt time.Time) {
	if msg.UserId == "" {
		log.Debug().Str("endpoint", addr.String()).Msg("Heartbeat without user id")
		return
	}

	endpoint := addr.String()
	prev, known := s.tracker.Lookup(msg.UserId)
	first := !known || prev.Status != models.PresenceOnline || prev.Endpoint != endpoint

	s.tracker.Heartbeat(ctx, msg.UserId, endpoint, msg.Timestamp, msg.Timestamp != 0)
	if record, ok := s.tracker.Lookup(msg.UserId); ok && record.RTTSamples > 0 {
		s.metrics.RecordRTT(msg.UserId, record.RTTEstimate)
	}

	if first {
		s.reply(addr, models.Message{
			Type:      models.MessageWelcome,
			UserId:    msg.UserId,
			Timestamp: receivedAt.UnixMilli(),
		})
	}
}

func (s *Server) sendAck(seq uint64, addr net.Addr) {
	data, err := packet.NewAck(seq).Encode()
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode ACK")
		return
	}
	if _, err := s.WriteTo(data, addr); err != nil {
		log.Warn().Err(err).Str("endpoint", addr.String()).Uint64("seq", seq).Msg("Failed to send ACK")
		return
	}
	s.metrics.IncAcksSent()
}

func (s *Server) reply(addr net.Addr, msg models.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", string(msg.Type)).Msg("Failed to marshal reply")
		return
	}
	if err := s.send(addr, payload); err != nil {
		log.Warn().Err(err).Str("endpoint", addr.String()).Str("type", string(msg.Type)).Msg("Failed to send reply")
	}
}

func (s *Server) send(addr net.Addr, payload []byte) error {
	data, err := packet.New(s.NextSequence(), packet.TypeData, payload).Encode()
	if err != nil {
		return err
	}
	_, err = s.WriteTo(data, addr)
	return err
}

// Broadcast sends payload once to every ONLINE endpoint without waiting for ACKs.
// It returns the number of endpoints written to.
func (s *Server) Broadcast(payload []byte) int {
	sent := 0
	for _, record := range s.tracker.Online() {
		addr, err := net.ResolveUDPAddr("udp", record.Endpoint)
		if err != nil {
			log.Warn().Err(err).Str("endpoint", record.Endpoint).Msg("Bad presence endpoint")
			continue
		}
		if err := s.send(addr, payload); err != nil {
			log.Warn().Err(err).Str("endpoint", record.Endpoint).Msg("Broadcast send failed")
			continue
		}
		sent++
	}
	return sent
}

func (s *Server) WriteTo(b []byte, addr net.Addr) (int, error) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return 0, net.ErrClosed
	}
	return conn.WriteTo(b, addr)
}

func (s *Server) AwaitAck(addr net.Addr) (<-chan packet.Packet, func()) {
	return s.acks.await(addr.String())
}

func (s *Server) NextSequence() uint64 {
	return s.seq.Add(1)
}
