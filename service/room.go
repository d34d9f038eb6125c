package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog/log"
	"github.com/zlnvch/boardsync/hub"
	"github.com/zlnvch/boardsync/models"
	"github.com/zlnvch/boardsync/mq"
	"github.com/zlnvch/boardsync/store"
)

const (
	// Purge waits on the batcher's queue, which may be full
	purgeTimeout = 5 * time.Second

	defaultHistorySize = 100
	maxHistorySize     = 500
)

// Join puts conn in roomId on behalf of identity. A conn that was in another room
// leaves it first. The joiner gets a WELCOME with the current participants and the
// rest of the room gets USER_JOINED.
func (s *Service) Join(ctx context.Context, conn hub.Conn, identity models.Identity, roomId string) error {
	if err := ValidateRoomId(roomId); err != nil {
		return err
	}
	if err := ValidateDisplayName(identity.DisplayName); err != nil {
		return err
	}

	if room, ok := s.lookupRoom(ctx, roomId); ok && room.Capacity > 0 {
		s.Registry.SetCapacity(roomId, room.Capacity)
	}

	previous, wasMember := s.Registry.MembershipOf(conn)
	if !s.Registry.Join(roomId, conn, identity.UserId) {
		log.Info().Str("room_id", roomId).Str("user_id", identity.UserId).Msg("Join rejected, room is full")
		return ErrRoomFull
	}

	if wasMember && previous.RoomId != roomId {
		s.departed(ctx, previous)
	}

	participant := s.Participants.Upsert(roomId, identity.UserId, hub.ParticipantUpdate{
		DisplayName: identity.DisplayName,
	})

	if !wasMember || previous.RoomId != roomId {
		s.Dispatcher.Broadcast(roomId, models.Message{
			Type:      models.MessageUserJoined,
			RoomId:    roomId,
			UserId:    identity.UserId,
			Username:  participant.DisplayName,
			Tool:      participant.Tool,
			Color:     participant.Color,
			Timestamp: s.nowMillis(),
		}, conn)
		log.Info().Str("room_id", roomId).Str("user_id", identity.UserId).Str("conn_id", conn.ID()).Msg("User joined room")
	}

	return s.Dispatcher.SendTo(conn, models.Message{
		Type:         models.MessageWelcome,
		RoomId:       roomId,
		UserId:       identity.UserId,
		Username:     participant.DisplayName,
		Timestamp:    s.nowMillis(),
		Participants: s.Participants.InRoom(roomId),
	})
}

// lookupRoom loads the stored room. Rooms the store does not know, or cannot be
// reached for, fall back to the registry's default capacity.
func (s *Service) lookupRoom(ctx context.Context, roomId string) (models.Room, bool) {
	room, err := s.Store.GetRoom(ctx, roomId)
	if err != nil {
		if !errors.Is(err, store.ErrItemNotFound) {
			log.Warn().Err(err).Str("room_id", roomId).Msg("Failed to load room, using default capacity")
		}
		return models.Room{}, false
	}
	return room, true
}

// Leave removes conn from its room. It is a no-op for a conn in no room.
func (s *Service) Leave(ctx context.Context, conn hub.Conn) error {
	m, ok := s.Registry.Leave(conn)
	if !ok {
		return nil
	}
	s.departed(ctx, m)
	return nil
}

// evictIdle runs after Sweep has dropped an idle participant. A user who rejoined in
// the meantime has a fresh record and keeps their connections.
func (s *Service) evictIdle(ctx context.Context, participant models.ActiveParticipant) {
	if _, ok := s.Participants.Get(participant.RoomId, participant.UserId); ok {
		return
	}
	for _, conn := range s.Registry.ConnsOfUser(participant.RoomId, participant.UserId) {
		s.Registry.Leave(conn)
	}
	s.announceLeft(participant)
}

// departed finishes a leave once the user has no connection left in the room.
func (s *Service) departed(ctx context.Context, m hub.Membership) {
	if len(s.Registry.ConnsOfUser(m.RoomId, m.UserId)) > 0 {
		return
	}

	participant, ok := s.Participants.Get(m.RoomId, m.UserId)
	if !ok || !s.Participants.Remove(m.RoomId, m.UserId) {
		return
	}
	s.announceLeft(participant)
}

func (s *Service) announceLeft(participant models.ActiveParticipant) {
	// The limiter is per user, not per room
	if !s.Registry.HasUser(participant.UserId) {
		s.Dispatcher.Forget(participant.UserId)
	}

	s.Dispatcher.Broadcast(participant.RoomId, models.Message{
		Type:      models.MessageUserLeft,
		RoomId:    participant.RoomId,
		UserId:    participant.UserId,
		Username:  participant.DisplayName,
		Timestamp: s.nowMillis(),
	}, nil)
	log.Info().Str("room_id", participant.RoomId).Str("user_id", participant.UserId).Msg("User left room")
}

func (s *Service) membership(conn hub.Conn) (hub.Membership, error) {
	m, ok := s.Registry.MembershipOf(conn)
	if !ok {
		return hub.Membership{}, ErrNotInRoom
	}
	return m, nil
}

// Draw broadcasts a drawing action to the whole room, sender included, and queues it
// for persistence. Broadcast does not depend on the queue: when the queue rejects the
// action it is still broadcast and ErrQueueFull is returned.
func (s *Service) Draw(ctx context.Context, conn hub.Conn, identity models.Identity, msg models.Message) (models.DrawingAction, error) {
	m, err := s.membership(conn)
	if err != nil {
		return models.DrawingAction{}, err
	}

	if !s.Dispatcher.Allow(identity.UserId) {
		return models.DrawingAction{}, ErrRateLimited
	}

	action, err := s.buildAction(m.RoomId, identity, msg)
	if err != nil {
		return models.DrawingAction{}, err
	}

	var queueErr error
	queued, ok := s.ActionBatcher.Enqueue(ctx, action)
	if ok {
		action = queued
	} else {
		queueErr = ErrQueueFull
		log.Warn().Str("room_id", m.RoomId).Str("action_id", action.ActionId).Msg("Action broadcast without persistence")
	}

	s.Participants.Touch(m.RoomId, identity.UserId)

	s.Dispatcher.Broadcast(m.RoomId, models.Message{
		Type:        models.MessageDraw,
		RoomId:      m.RoomId,
		UserId:      identity.UserId,
		Username:    identity.DisplayName,
		ActionId:    action.ActionId,
		ActionType:  action.ActionType,
		Tool:        action.Tool,
		Color:       action.Color,
		Coordinates: &action.Coordinates,
		Properties:  &action.Properties,
		Timestamp:   action.Timestamp,
	}, nil)

	return action, queueErr
}

func (s *Service) buildAction(roomId string, identity models.Identity, msg models.Message) (models.DrawingAction, error) {
	actionId := msg.ActionId
	if actionId == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return models.DrawingAction{}, err
		}
		actionId = id.String()
	} else if err := ValidateActionId(actionId); err != nil {
		return models.DrawingAction{}, err
	}

	// Missing tool or color falls back to what the participant last selected
	participant, _ := s.Participants.Get(roomId, identity.UserId)
	tool := msg.Tool
	if tool == "" {
		tool = participant.Tool
	}
	color := msg.Color
	if color == "" {
		color = participant.Color
	}
	actionType := msg.ActionType
	if actionType == "" {
		actionType = defaultActionType
	}

	action := models.DrawingAction{
		ActionId:   actionId,
		RoomId:     roomId,
		UserId:     identity.UserId,
		Tool:       tool,
		Color:      color,
		ActionType: actionType,
		Timestamp:  s.nowMillis(),
	}
	if msg.Coordinates != nil {
		action.Coordinates = *msg.Coordinates
	}
	if msg.Properties != nil {
		action.Properties = *msg.Properties
	}

	if err := ValidateAction(action); err != nil {
		return models.DrawingAction{}, err
	}
	return action, nil
}

// EraseAction deletes one action from the room's log and tells every member.
// Any member of the room may erase any action.
func (s *Service) EraseAction(ctx context.Context, conn hub.Conn, identity models.Identity, actionId string) error {
	m, err := s.membership(conn)
	if err != nil {
		return err
	}
	if err := ValidateActionId(actionId); err != nil {
		return err
	}
	if !s.Dispatcher.Allow(identity.UserId) {
		return ErrRateLimited
	}

	if err := s.purge(ctx, m.RoomId, actionId); err != nil {
		return err
	}

	// The action may still have been buffered, in which case the purge removed it
	if err := s.Store.DeleteAction(ctx, m.RoomId, actionId); err != nil && !errors.Is(err, store.ErrItemNotFound) {
		return fmt.Errorf("delete action: %w", err)
	}

	s.Participants.Touch(m.RoomId, identity.UserId)
	s.Dispatcher.Broadcast(m.RoomId, models.Message{
		Type:      models.MessageErase,
		RoomId:    m.RoomId,
		UserId:    identity.UserId,
		ActionId:  actionId,
		Timestamp: s.nowMillis(),
	}, nil)
	return nil
}

// ClearRoom deletes the room's whole drawing log, buffered actions included.
func (s *Service) ClearRoom(ctx context.Context, conn hub.Conn, identity models.Identity) error {
	m, err := s.membership(conn)
	if err != nil {
		return err
	}
	if !s.Dispatcher.Allow(identity.UserId) {
		return ErrRateLimited
	}

	if err := s.purge(ctx, m.RoomId, ""); err != nil {
		return err
	}
	if err := s.Store.DeleteByRoom(ctx, m.RoomId); err != nil {
		return fmt.Errorf("clear room: %w", err)
	}

	s.Participants.Touch(m.RoomId, identity.UserId)
	s.Dispatcher.Broadcast(m.RoomId, models.Message{
		Type:      models.MessageClear,
		RoomId:    m.RoomId,
		UserId:    identity.UserId,
		Timestamp: s.nowMillis(),
	}, nil)
	log.Info().Str("room_id", m.RoomId).Str("user_id", identity.UserId).Msg("Room cleared")
	return nil
}

func (s *Service) purge(ctx context.Context, roomId string, actionId string) error {
	ctx, cancel := context.WithTimeout(ctx, purgeTimeout)
	defer cancel()

	n, err := s.ActionBatcher.Purge(ctx, roomId, actionId)
	if err != nil {
		return fmt.Errorf("purge buffered actions: %w", err)
	}
	if n > 0 {
		log.Debug().Str("room_id", roomId).Int("purged", n).Msg("Purged buffered actions")
	}
	return nil
}

// MoveCursor records the cursor position and relays it to the other members.
func (s *Service) MoveCursor(ctx context.Context, conn hub.Conn, identity models.Identity, position models.Cursor) error {
	m, err := s.membership(conn)
	if err != nil {
		return err
	}
	if err := ValidateCursor(position); err != nil {
		return err
	}

	// The latest position is always kept, even when the relay is rate limited
	s.Participants.Upsert(m.RoomId, identity.UserId, hub.ParticipantUpdate{Cursor: &position})

	sent := s.Dispatcher.BroadcastFrom(identity.UserId, m.RoomId, models.Message{
		Type:      models.MessageCursorMove,
		RoomId:    m.RoomId,
		UserId:    identity.UserId,
		Username:  identity.DisplayName,
		Position:  &position,
		Timestamp: s.nowMillis(),
	}, conn)
	if !sent {
		return ErrRateLimited
	}
	return nil
}

// ChangeTool updates the participant's tool and optionally color, then relays it.
func (s *Service) ChangeTool(ctx context.Context, conn hub.Conn, identity models.Identity, tool string, color string) error {
	m, err := s.membership(conn)
	if err != nil {
		return err
	}
	if err := ValidateTool(tool); err != nil {
		return err
	}
	if color != "" {
		if err := ValidateColor(color); err != nil {
			return err
		}
	}

	participant := s.Participants.Upsert(m.RoomId, identity.UserId, hub.ParticipantUpdate{Tool: tool, Color: color})

	sent := s.Dispatcher.BroadcastFrom(identity.UserId, m.RoomId, models.Message{
		Type:      models.MessageToolChange,
		RoomId:    m.RoomId,
		UserId:    identity.UserId,
		Username:  identity.DisplayName,
		Tool:      participant.Tool,
		Color:     participant.Color,
		Timestamp: s.nowMillis(),
	}, conn)
	if !sent {
		return ErrRateLimited
	}
	return nil
}

// Chat relays a chat message to every member, sender included.
func (s *Service) Chat(ctx context.Context, conn hub.Conn, identity models.Identity, text string) error {
	m, err := s.membership(conn)
	if err != nil {
		return err
	}
	if err := ValidateChat(text); err != nil {
		return err
	}

	s.Participants.Touch(m.RoomId, identity.UserId)

	sent := s.Dispatcher.BroadcastFrom(identity.UserId, m.RoomId, models.Message{
		Type:      models.MessageChat,
		RoomId:    m.RoomId,
		UserId:    identity.UserId,
		Username:  identity.DisplayName,
		Message:   text,
		Timestamp: s.nowMillis(),
	}, nil)
	if !sent {
		return ErrRateLimited
	}
	return nil
}

// History returns one page of the room's persisted actions in arrival order.
func (s *Service) History(ctx context.Context, roomId string, page int, size int) (models.ActionPage, error) {
	if err := ValidateRoomId(roomId); err != nil {
		return models.ActionPage{}, err
	}
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = defaultHistorySize
	}
	size = min(size, maxHistorySize)

	return s.Store.FindByRoom(ctx, roomId, page, size)
}

func (s *Service) Room(ctx context.Context, roomId string) (models.Room, error) {
	if err := ValidateRoomId(roomId); err != nil {
		return models.Room{}, err
	}
	room, err := s.Store.GetRoom(ctx, roomId)
	if errors.Is(err, store.ErrItemNotFound) {
		return models.Room{}, ErrRoomNotFound
	}
	return room, err
}

// CreateRoom stores a new room. The second result is false if it already existed, in
// which case the stored room is returned unchanged.
func (s *Service) CreateRoom(ctx context.Context, room models.Room) (models.Room, bool, error) {
	if err := validateRoom(room); err != nil {
		return models.Room{}, false, err
	}
	room.LastActivity = s.nowMillis()
	return s.Store.CreateRoom(ctx, room)
}

// PutRoom creates or updates a room. A new capacity applies to later joins only.
func (s *Service) PutRoom(ctx context.Context, room models.Room) (models.Room, error) {
	if err := validateRoom(room); err != nil {
		return models.Room{}, err
	}
	room.LastActivity = s.nowMillis()

	stored, err := s.Store.PutRoom(ctx, room)
	if err != nil {
		return models.Room{}, err
	}
	if stored.Capacity > 0 && len(s.Registry.MembersOf(stored.Id)) > 0 {
		s.Registry.SetCapacity(stored.Id, stored.Capacity)
	}
	return stored, nil
}

func validateRoom(room models.Room) error {
	if err := ValidateRoomId(room.Id); err != nil {
		return err
	}
	if room.Capacity < 0 {
		return invalid("invalid capacity")
	}
	return nil
}

// RequestRoomDeletion removes the room record and publishes a room-deleted event.
// Connections and the drawing log are released by whichever instance consumes it.
func (s *Service) RequestRoomDeletion(ctx context.Context, roomId string) error {
	if err := ValidateRoomId(roomId); err != nil {
		return err
	}
	if err := s.Store.DeleteRoom(ctx, roomId); err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			return ErrRoomNotFound
		}
		return err
	}

	// Async side-effects - return to caller as soon as the store operation is done
	go func() {
		body, err := json.Marshal(mq.RoomDeletedEvent{RoomId: roomId})
		if err != nil {
			log.Error().Err(err).Str("room_id", roomId).Msg("Failed to marshal room deleted event")
			return
		}
		if err := s.MQ.Send(context.Background(), string(body)); err != nil {
			log.Error().Err(err).Str("room_id", roomId).Msg("Failed to publish room deleted event")
		}
	}()

	return nil
}

// DeleteRoom releases every connection of roomId and deletes its drawing log. It is
// the handler for room-deleted events.
func (s *Service) DeleteRoom(ctx context.Context, roomId string) error {
	conns := s.Registry.CloseRoom(roomId)
	if len(conns) > 0 {
		notice, _ := json.Marshal(models.Message{
			Type:      models.MessageRoomDeleted,
			RoomId:    roomId,
			Timestamp: s.nowMillis(),
		})
		for _, conn := range conns {
			if err := s.Dispatcher.SendTo(conn, notice); err != nil {
				log.Debug().Err(err).Str("conn_id", conn.ID()).Msg("Failed to notify connection of room deletion")
			}
			conn.Close()
		}
	}
	removed := s.Participants.RemoveRoom(roomId)

	if err := s.purge(ctx, roomId, ""); err != nil {
		return err
	}
	if err := s.Store.DeleteByRoom(ctx, roomId); err != nil {
		return fmt.Errorf("delete room actions: %w", err)
	}

	log.Info().Str("room_id", roomId).Int("conns", len(conns)).Int("participants", removed).Msg("Room deleted")
	return nil
}
