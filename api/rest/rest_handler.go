package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zlnvch/boardsync/hub"
	"github.com/zlnvch/boardsync/metrics"
	"github.com/zlnvch/boardsync/models"
	"github.com/zlnvch/boardsync/service"
)

// Broadcaster sends a datagram to every online presence endpoint.
type Broadcaster interface {
	Broadcast(payload []byte) int
}

type Handler struct {
	Service     *service.Service
	Notifier    *service.Notifier
	Identity    service.IdentityResolver
	Broadcaster Broadcaster
	// Connections reports the number of open websocket clients
	Connections func() int
}

func NewHandler(svc *service.Service, notifier *service.Notifier, identity service.IdentityResolver, broadcaster Broadcaster, connections func() int) *Handler {
	return &Handler{
		Service:     svc,
		Notifier:    notifier,
		Identity:    identity,
		Broadcaster: broadcaster,
		Connections: connections,
	}
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type metricsResponse struct {
	Network       metrics.Snapshot `json:"network"`
	Registry      hub.Stats        `json:"registry"`
	WSConnections int              `json:"wsConnections"`
	Online        int              `json:"online"`
}

func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := metricsResponse{
		Network:  h.Service.Metrics.Snapshot(),
		Registry: h.Service.Registry.Stats(),
		Online:   len(h.Service.Tracker.Online()),
	}
	if h.Connections != nil {
		resp.WSConnections = h.Connections()
	}
	h.sendResponse(w, resp)
}

func (h *Handler) HandlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.sendResponse(w, h.Service.Tracker.Online())
}

// HandleRooms serves POST /rooms.
func (h *Handler) HandleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := h.authenticate(w, r); !ok {
		return
	}

	var room models.Room
	if err := json.NewDecoder(r.Body).Decode(&room); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	created, isNew, err := h.Service.CreateRoom(r.Context(), room)
	if err != nil {
		h.sendError(w, err)
		return
	}
	if isNew {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(created)
		return
	}
	h.sendResponse(w, created)
}

// HandleRoom serves GET, PUT and DELETE on /rooms/{id}.
func (h *Handler) HandleRoom(w http.ResponseWriter, r *http.Request) {
	roomId := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		room, err := h.Service.Room(r.Context(), roomId)
		if err != nil {
			h.sendError(w, err)
			return
		}
		h.sendResponse(w, room)

	case http.MethodPut:
		if _, ok := h.authenticate(w, r); !ok {
			return
		}
		var room models.Room
		if err := json.NewDecoder(r.Body).Decode(&room); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		room.Id = roomId
		stored, err := h.Service.PutRoom(r.Context(), room)
		if err != nil {
			h.sendError(w, err)
			return
		}
		h.sendResponse(w, stored)

	case http.MethodDelete:
		if _, ok := h.authenticate(w, r); !ok {
			return
		}
		if err := h.Service.RequestRoomDeletion(r.Context(), roomId); err != nil {
			h.sendError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleRoomActions serves GET /rooms/{id}/actions?page=&size=.
func (h *Handler) HandleRoomActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))

	actions, err := h.Service.History(r.Context(), r.PathValue("id"), page, size)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, actions)
}

// HandleRoomParticipants serves GET /rooms/{id}/participants.
func (h *Handler) HandleRoomParticipants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	participants := h.Service.Participants.InRoom(r.PathValue("id"))
	if participants == nil {
		participants = []models.ActiveParticipant{}
	}
	h.sendResponse(w, participants)
}

type notifyRequest struct {
	ReceiverId string            `json:"receiverId"`
	Type       string            `json:"type"`
	Message    string            `json:"message"`
	Priority   int               `json:"priority"`
	Metadata   map[string]string `json:"metadata"`
}

// HandleNotifications serves POST /notifications (send as the caller) and
// GET /notifications (how many are waiting for the caller).
func (h *Handler) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req notifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		n, err := h.Notifier.Notify(r.Context(), models.Notification{
			Type:       req.Type,
			SenderId:   identity.UserId,
			ReceiverId: req.ReceiverId,
			Message:    req.Message,
			Priority:   req.Priority,
			Metadata:   req.Metadata,
		})
		if err != nil {
			h.sendError(w, err)
			return
		}
		h.sendResponse(w, n)

	case http.MethodGet:
		pending, err := h.Notifier.Pending(r.Context(), identity.UserId)
		if err != nil {
			h.sendError(w, err)
			return
		}
		h.sendResponse(w, map[string]int64{"pending": pending})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandlePresenceBroadcast serves POST /presence/broadcast: a fire-and-forget
// datagram to every online endpoint.
func (h *Handler) HandlePresenceBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	payload, err := json.Marshal(models.Message{
		Type:      models.MessageNotification,
		UserId:    identity.UserId,
		Message:   req.Message,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		http.Error(w, "failed to encode message", http.StatusInternalServerError)
		return
	}
	h.sendResponse(w, map[string]int{"sent": h.Broadcaster.Broadcast(payload)})
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (models.Identity, bool) {
	identity, err := h.Identity.Resolve(r.Context(), h.getTokenFromAuthHeader(r))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return models.Identity{}, false
	}
	return identity, true
}

func (h *Handler) sendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrRoomNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Error().Err(err).Msg("Request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) sendResponse(w http.ResponseWriter, resp any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func (h *Handler) getTokenFromAuthHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimPrefix(authHeader, prefix)
}
