package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/zlnvch/boardsync/hub"
	"github.com/zlnvch/boardsync/models"
	"golang.org/x/time/rate"
)

const (
	writeWait = 10 * time.Second

	// A peer that misses pongs for this long is dropped
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Large enough for a long freehand stroke
	maxMessageSize = 1024 * 64

	sendBuffer = 256

	// Flood guard. Per-user pacing is the dispatcher's job; this only cuts off
	// clients that are clearly misbehaving.
	messagesPerSecond = 200
	burstLimit        = 400
)

type MessageHandler func(client *Client, messageType int, messageBytes []byte)

// Client is a middleman between the websocket connection and the registry. It
// implements hub.Conn.
type Client struct {
	id       string
	hub      *Hub
	conn     *websocket.Conn
	identity models.Identity
	handler  MessageHandler
	onClose  func(client *Client)
	limiter  *rate.Limiter

	mu     sync.Mutex
	send   chan []byte // Buffered channel of outbound messages.
	closed bool
}

func NewClient(h *Hub, conn *websocket.Conn, identity models.Identity, handler MessageHandler, onClose func(client *Client)) *Client {
	id, err := uuid.NewV4()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to generate connection id")
	}
	return &Client{
		id:       id.String(),
		hub:      h,
		conn:     conn,
		identity: identity,
		handler:  handler,
		onClose:  onClose,
		limiter:  rate.NewLimiter(rate.Limit(messagesPerSecond), burstLimit),
		send:     make(chan []byte, sendBuffer),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Identity() models.Identity { return c.identity }

// Send queues data for the write pump. It never blocks: a full buffer means the peer
// is not keeping up and the message is dropped.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return hub.ErrConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return hub.ErrBackpressure
	}
}

// Close stops the write pump, which sends a close frame and tears the connection down.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) ReadPump() {
	defer func() {
		c.hub.close(c)
		if c.onClose != nil {
			c.onClose(c)
		}
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		messageType, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("conn_id", c.id).Msg("WS close error")
			}
			break
		}

		if !c.limiter.Allow() {
			log.Warn().Str("user_id", c.identity.UserId).Str("conn_id", c.id).Msg("Closing connection: message rate limit exceeded")
			break
		}

		c.handler(c, messageType, messageBytes)
	}
}

func (c *Client) WritePump(shutdownCtx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn().Err(err).Str("conn_id", c.id).Msg("WS send error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-shutdownCtx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "Websocket service shutting down"),
			)
			return
		}
	}
}
