package models

import "strings"

type MessageType string

// Room events carried over websocket connections.
const (
	MessageJoin        MessageType = "JOIN"
	MessageDraw        MessageType = "DRAW"
	MessageErase       MessageType = "ERASE"
	MessageClear       MessageType = "CLEAR"
	MessageCursorMove  MessageType = "CURSOR_MOVE"
	MessageToolChange  MessageType = "TOOL_CHANGE"
	MessageLeave       MessageType = "LEAVE"
	MessageChat        MessageType = "CHAT_MESSAGE"
	MessageUserJoined  MessageType = "USER_JOINED"
	MessageUserLeft    MessageType = "USER_LEFT"
	MessageError       MessageType = "ERROR"
	MessageRoomDeleted MessageType = "ROOM_DELETED"
)

// Point-to-point datagram protocol.
const (
	MessageHeartbeat    MessageType = "HEARTBEAT"
	MessageSyncRequest  MessageType = "SYNC_REQUEST"
	MessageSyncResponse MessageType = "SYNC_RESPONSE"
	MessagePing         MessageType = "PING"
	MessagePong         MessageType = "PONG"
	MessageWelcome      MessageType = "WELCOME"
	MessageAck          MessageType = "ACK"
	MessageNotification MessageType = "NOTIFICATION"
)

// Normalize upper-cases the type so clients may send "draw" or "DRAW".
func (t MessageType) Normalize() MessageType {
	return MessageType(strings.ToUpper(strings.TrimSpace(string(t))))
}

// Message is the transport-agnostic wire shape shared by websocket and datagram traffic.
type Message struct {
	Type         MessageType         `json:"type"`
	RoomId       string              `json:"roomId,omitempty"`
	UserId       string              `json:"userId,omitempty"`
	Username     string              `json:"username,omitempty"`
	ActionId     string              `json:"actionId,omitempty"`
	ActionType   string              `json:"actionType,omitempty"`
	Tool         string              `json:"tool,omitempty"`
	Color        string              `json:"color,omitempty"`
	Coordinates  *Coordinates        `json:"coordinates,omitempty"`
	Properties   *ActionProperties   `json:"properties,omitempty"`
	Timestamp    int64               `json:"timestamp"`
	Position     *Cursor             `json:"position,omitempty"`
	Message      string              `json:"message,omitempty"`
	Participants []ActiveParticipant `json:"participants,omitempty"`
	Online       []PresenceRecord    `json:"online,omitempty"`
	Notification *Notification       `json:"notification,omitempty"`
}
