package models

import "time"

// Identity is the already-authenticated caller of a room operation.
type Identity struct {
	UserId      string
	DisplayName string
}

type Room struct {
	Id           string `json:"id"`
	Capacity     int    `json:"capacity"`
	ActionCount  int64  `json:"actionCount"`
	LastActivity int64  `json:"lastActivity"`
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Coordinates holds either a point list (freehand) or a start/end pair (shapes).
type Coordinates struct {
	Points []Point `json:"points,omitempty"`
	Start  *Point  `json:"start,omitempty"`
	End    *Point  `json:"end,omitempty"`
}

type ActionProperties struct {
	LineWidth float64 `json:"lineWidth,omitempty"`
}

type DrawingAction struct {
	ActionId    string           `json:"actionId"`
	RoomId      string           `json:"roomId"`
	UserId      string           `json:"userId"`
	Tool        string           `json:"tool"`
	Color       string           `json:"color"`
	ActionType  string           `json:"actionType"`
	Coordinates Coordinates      `json:"coordinates"`
	Properties  ActionProperties `json:"properties"`
	Timestamp   int64            `json:"timestamp"`
	// Sequence is the arrival order assigned at enqueue time.
	Sequence int64 `json:"sequence"`
}

type ActionPage struct {
	Actions []DrawingAction `json:"actions"`
	Page    int             `json:"page"`
	Size    int             `json:"size"`
	Total   int             `json:"total"`
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type ActiveParticipant struct {
	RoomId       string    `json:"roomId"`
	UserId       string    `json:"userId"`
	DisplayName  string    `json:"username"`
	Cursor       Cursor    `json:"position"`
	Tool         string    `json:"tool"`
	Color        string    `json:"color"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "ONLINE"
	PresenceOffline PresenceStatus = "OFFLINE"
)

type PresenceRecord struct {
	UserId      string         `json:"userId"`
	Endpoint    string         `json:"endpoint"`
	LastSeenAt  time.Time      `json:"lastSeenAt"`
	RTTEstimate float64        `json:"rttEstimateMs"`
	RTTSamples  int64          `json:"rttSamples"`
	Status      PresenceStatus `json:"status"`
}

type PresenceEvent struct {
	UserId    string         `json:"userId"`
	Status    PresenceStatus `json:"status"`
	Endpoint  string         `json:"endpoint"`
	Timestamp int64          `json:"timestamp"`
}

type Notification struct {
	Id         string            `json:"id"`
	Type       string            `json:"type"`
	SenderId   string            `json:"senderId"`
	ReceiverId string            `json:"receiverId"`
	Message    string            `json:"message"`
	Timestamp  int64             `json:"timestamp"`
	Priority   int               `json:"priority"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
