package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/zlnvch/boardsync/models"
	"github.com/zlnvch/boardsync/service"
)

const (
	Subprotocol = "boardsync-v1"

	// Bounds a single inbound message's work, including waits on the action queue
	handleTimeout = 10 * time.Second
)

var (
	errInvalidFormat   = fmt.Errorf("%w: invalid message format", service.ErrInvalidInput)
	errMissingPosition = fmt.Errorf("%w: missing position", service.ErrInvalidInput)
	errUnknownType     = fmt.Errorf("%w: unknown message type", service.ErrInvalidInput)
)

type Handler struct {
	Service  *service.Service
	Identity service.IdentityResolver
	Hub      *Hub
}

func NewHandler(svc *service.Service, identity service.IdentityResolver, hub *Hub) *Handler {
	return &Handler{
		Service:  svc,
		Identity: identity,
		Hub:      hub,
	}
}

// NewWsUpgrader only accepts requiredOrigin. An empty requiredOrigin accepts any origin.
func (h *Handler) NewWsUpgrader(requiredOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if requiredOrigin == "" {
				return true
			}
			return r.Header.Get("Origin") == requiredOrigin
		},
		Subprotocols: []string{Subprotocol},
	}
}

// ServeWS handles websocket requests from the peer. The token travels as the second
// Sec-WebSocket-Protocol entry since browsers cannot set headers on upgrades.
func (h *Handler) ServeWS(wsUpgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request, shutdownCtx context.Context) {
	protocols := r.Header.Get("Sec-WebSocket-Protocol")
	protocolsSplit := strings.Split(protocols, ",")

	if len(protocolsSplit) != 2 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	token := strings.TrimSpace(protocolsSplit[1])

	identity, authErr := h.Identity.Resolve(r.Context(), token)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to upgrade ws connection")
		return
	}

	// Must upgrade the connection in order to be able to send custom close message
	if authErr != nil {
		log.Debug().Err(authErr).Msg("Rejecting unauthenticated ws connection")
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Unauthenticated"),
		)
		conn.Close()
		return
	}

	client := NewClient(h.Hub, conn, identity, h.HandleWsMessage, h.release)
	h.Hub.open(client)

	log.Debug().Str("user_id", identity.UserId).Str("conn_id", client.ID()).Msg("WS client connected")

	// Start pumps
	go client.ReadPump()
	go client.WritePump(shutdownCtx)
}

// release runs once the read pump exits, whatever the reason.
func (h *Handler) release(client *Client) {
	if err := h.Service.Leave(context.Background(), client); err != nil {
		log.Warn().Err(err).Str("conn_id", client.ID()).Msg("Failed to leave room on disconnect")
	}
}

func (h *Handler) HandleWsMessage(client *Client, messageType int, messageBytes []byte) {
	var msg models.Message
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		log.Debug().Err(err).Str("conn_id", client.ID()).Msg("Invalid JSON")
		h.sendError(client, errInvalidFormat)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	identity := client.Identity()
	var err error

	switch msg.Type.Normalize() {
	case models.MessageJoin:
		err = h.Service.Join(ctx, client, identity, msg.RoomId)

	case models.MessageLeave:
		err = h.Service.Leave(ctx, client)

	case models.MessageDraw:
		_, err = h.Service.Draw(ctx, client, identity, msg)

	case models.MessageErase:
		err = h.Service.EraseAction(ctx, client, identity, msg.ActionId)

	case models.MessageClear:
		err = h.Service.ClearRoom(ctx, client, identity)

	case models.MessageCursorMove:
		if msg.Position == nil {
			err = errMissingPosition
			break
		}
		err = h.Service.MoveCursor(ctx, client, identity, *msg.Position)

	case models.MessageToolChange:
		err = h.Service.ChangeTool(ctx, client, identity, msg.Tool, msg.Color)

	case models.MessageChat:
		err = h.Service.Chat(ctx, client, identity, msg.Message)

	case models.MessagePing:
		h.send(client, models.Message{Type: models.MessagePong, Timestamp: msg.Timestamp})

	default:
		log.Debug().Str("type", string(msg.Type)).Str("conn_id", client.ID()).Msg("Unknown message type")
		err = errUnknownType
	}

	switch {
	case err == nil:
	case errors.Is(err, service.ErrRateLimited):
		// Dropped on purpose; answering every dropped message would defeat the limit
	default:
		h.sendError(client, err)
	}
}

// clientErrors are safe to echo to the peer; anything else is reported generically.
var clientErrors = []error{
	service.ErrInvalidInput,
	service.ErrRoomFull,
	service.ErrNotInRoom,
	service.ErrQueueFull,
}

func (h *Handler) sendError(client *Client, err error) {
	text := "internal error"
	for _, known := range clientErrors {
		if errors.Is(err, known) {
			text = err.Error()
			break
		}
	}
	if text == "internal error" {
		log.Error().Err(err).Str("conn_id", client.ID()).Msg("Message handling failed")
	}

	h.send(client, models.Message{
		Type:      models.MessageError,
		Message:   text,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (h *Handler) send(client *Client, msg models.Message) {
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("Error marshaling response JSON")
		return
	}
	if err := client.Send(msgBytes); err != nil {
		log.Debug().Err(err).Str("conn_id", client.ID()).Msg("Dropping response")
	}
}
