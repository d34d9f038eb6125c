package udp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zlnvch/boardsync/metrics"
	"github.com/zlnvch/boardsync/models"
	"github.com/zlnvch/boardsync/packet"
)

// Client is the peer side of the presence protocol: it sends heartbeats reliably and
// acknowledges DATA packets pushed by the server.
type Client struct {
	conn   net.PacketConn
	server net.Addr
	acks   *ackRouter
	seq    atomic.Uint64
	rt     *Retransmitter

	OnMessage func(models.Message)
}

func Dial(serverAddr string, m *metrics.Network) (*Client, error) {
	server, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:   conn,
		server: server,
		acks:   newAckRouter(),
	}
	c.rt = NewRetransmitter(c, m)
	return c, nil
}

func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Client) Retransmitter() *Retransmitter {
	return c.rt
}

func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.conn.Close()
	})
	defer stop()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := c.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		pkt, err := packet.Decode(buf[:n])
		if err != nil {
			log.Warn().Err(err).Str("endpoint", addr.String()).Msg("Dropping malformed packet")
			continue
		}

		switch pkt.Type {
		case packet.TypeAck, packet.TypeNack:
			c.acks.deliver(addr.String(), pkt)
		default:
			if ack, err := packet.NewAck(pkt.Sequence).Encode(); err == nil {
				c.conn.WriteTo(ack, addr)
			}
			var msg models.Message
			if err := json.Unmarshal(pkt.Payload, &msg); err != nil {
				log.Warn().Err(err).Msg("Invalid message from server")
				continue
			}
			if c.OnMessage != nil {
				c.OnMessage(msg)
			}
		}
	}
}

// Send delivers msg to the server with retransmission.
func (c *Client) Send(ctx context.Context, msg models.Message, maxRetries int, baseTimeout time.Duration) (bool, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return false, err
	}
	return c.rt.SendReliable(ctx, payload, c.server, maxRetries, baseTimeout), nil
}

func (c *Client) Heartbeat(ctx context.Context, userId string, maxRetries int, baseTimeout time.Duration) (bool, error) {
	return c.Send(ctx, models.Message{
		Type:      models.MessageHeartbeat,
		UserId:    userId,
		Timestamp: time.Now().UnixMilli(),
	}, maxRetries, baseTimeout)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) WriteTo(b []byte, addr net.Addr) (int, error) {
	return c.conn.WriteTo(b, addr)
}

func (c *Client) AwaitAck(addr net.Addr) (<-chan packet.Packet, func()) {
	return c.acks.await(addr.String())
}

func (c *Client) NextSequence() uint64 {
	return c.seq.Add(1)
}
