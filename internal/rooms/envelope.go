package rooms

import (
	"encoding/json"
	"time"
)

// Frame types of the bidirectional message envelope. Every frame is one JSON
// object carrying `type`, an optional `room_id`, type-specific fields and an
// ISO-8601 `timestamp`.
const (
	TypePing     = "ping"
	TypePong     = "pong"
	TypeJoinRoom = "join_room"

	TypeUserJoined = "user_joined"
	TypeUserLeft   = "user_left"

	TypeMessage = "message"
	TypeTyping  = "typing"

	TypeCardMoved     = "card_moved"
	TypeCardCreated   = "card_created"
	TypeCardUpdated   = "card_updated"
	TypeCardDeleted   = "card_deleted"
	TypeColumnCreated = "column_created"
	TypeColumnUpdated = "column_updated"
	TypeColumnDeleted = "column_deleted"

	TypeError = "error"
)

// boardEventTypes are the collaborative-board mutations: applied to the
// backing store first, then broadcast to all members except the originator.
var boardEventTypes = map[string]struct{}{
	TypeCardMoved:     {},
	TypeCardCreated:   {},
	TypeCardUpdated:   {},
	TypeCardDeleted:   {},
	TypeColumnCreated: {},
	TypeColumnUpdated: {},
	TypeColumnDeleted: {},
}

func isBoardEvent(frameType string) bool {
	_, ok := boardEventTypes[frameType]
	return ok
}

// Envelope is the common shape of outbound frames.
type Envelope struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

func newEnvelope(frameType, roomID string, at time.Time) Envelope {
	return Envelope{
		Type:      frameType,
		RoomID:    roomID,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	}
}

type presenceFrame struct {
	Envelope
	UserID string `json:"user_id"`
}

type chatFrame struct {
	Envelope
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
}

// errorFrame carries a message only, never a stack trace.
type errorFrame struct {
	Envelope
	Message string `json:"message"`
}

func marshalFrame(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Frames are built from plain structs; this cannot fail at runtime.
		panic(err)
	}
	return data
}
