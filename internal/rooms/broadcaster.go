// Package rooms routes messages between connections sharing a room: direct
// notification inboxes, collaborative boards and chat rooms, each with its
// own admission rule and vocabulary.
package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"

	"github.com/tenderwave/gateway/internal/history"
	"github.com/tenderwave/gateway/internal/metrics"
	"github.com/tenderwave/gateway/pkg/registry"
)

// BoardMutation is a board event on its way to the backing store.
type BoardMutation struct {
	BoardID    string
	Type       string
	UserID     string
	OriginConn uuid.UUID
	ReceivedAt time.Time
	Frame      json.RawMessage
}

// BoardStore applies board mutations to the backing store. Board state lives
// outside the gateway; conflict policy is last-write-wins by server receipt
// order, with the originating connection id as the deterministic tie-break
// for same-timestamp edits.
type BoardStore interface {
	Apply(ctx context.Context, mut BoardMutation) error
}

// Broadcaster wires inbound frames from the transport layer to rooms.
type Broadcaster struct {
	reg    *registry.Registry
	auth   *Authorizer
	hist   history.Adapter
	boards BoardStore
	fanout *Fanout
	logger *slog.Logger

	historyReplay int
	now           func() time.Time
}

func NewBroadcaster(reg *registry.Registry, auth *Authorizer, hist history.Adapter, boards BoardStore, fanout *Fanout, historyReplay int, logger *slog.Logger) *Broadcaster {
	if historyReplay <= 0 {
		historyReplay = 50
	}
	return &Broadcaster{
		reg:           reg,
		auth:          auth,
		hist:          hist,
		boards:        boards,
		fanout:        fanout,
		logger:        logger.With(slog.String("component", "broadcaster")),
		historyReplay: historyReplay,
		now:           time.Now,
	}
}

// HandleMessage dispatches one inbound frame. Processing errors for a single
// malformed message are reported back only to the sender as an error frame
// and never close the connection.
func (b *Broadcaster) HandleMessage(ctx context.Context, connID uuid.UUID, raw []byte) {
	conn, ok := b.reg.Get(connID)
	if !ok {
		return
	}

	frameType := gjson.GetBytes(raw, "type").String()
	roomID := gjson.GetBytes(raw, "room_id").String()

	switch frameType {
	case TypePing:
		b.sendFrame(conn, marshalFrame(newEnvelope(TypePong, "", b.now())))

	case TypeJoinRoom:
		b.handleJoin(ctx, conn, roomID)

	case TypeMessage:
		b.handleChatMessage(ctx, conn, roomID, raw)

	case TypeTyping:
		b.handleTyping(conn, roomID)

	default:
		if isBoardEvent(frameType) {
			b.handleBoardEvent(ctx, conn, roomID, frameType, raw)
			return
		}
		b.logger.Warn("Received unknown frame type",
			slog.String("type", frameType),
			slog.String("connID", connID.String()),
		)
		b.sendError(conn, roomID, "unknown message type")
	}
}

// HandleDisconnect deregisters a closed connection from every room it joined
// and emits a user_left event to remaining members. Transport closure is the
// sole cancellation signal.
func (b *Broadcaster) HandleDisconnect(connID uuid.UUID) {
	conn, ok := b.reg.Get(connID)
	if !ok {
		return
	}
	userID := conn.UserID

	left := b.reg.Deregister(connID)
	for _, roomID := range left {
		frame := marshalFrame(presenceFrame{
			Envelope: newEnvelope(TypeUserLeft, roomID, b.now()),
			UserID:   userID,
		})
		b.reg.Broadcast(roomID, frame, userID)
		b.fanout.Publish(context.Background(), roomID, frame, userID)
		metrics.MessagesBroadcast.WithLabelValues(TypeUserLeft).Inc()

		if b.reg.RoomSize(roomID) == 0 {
			b.fanout.Unsubscribe(roomID)
		}
	}
}

func (b *Broadcaster) handleJoin(ctx context.Context, conn *registry.Connection, roomID string) {
	ref, err := ParseRef(roomID)
	if err != nil {
		b.sendError(conn, roomID, "invalid room id")
		return
	}

	if err := b.auth.Authorize(ctx, conn.UserID, ref); err != nil {
		// Terminal for this room only; the connection stays open.
		metrics.RoomJoinsDenied.WithLabelValues(string(ref.Kind)).Inc()
		b.logger.Warn("Room join denied",
			slog.String("userID", conn.UserID),
			slog.String("roomID", roomID),
			slog.Any("error", err),
		)
		b.sendError(conn, roomID, "access to this room is denied")
		return
	}

	if err := b.reg.Join(conn.ID, roomID); err != nil {
		b.sendError(conn, roomID, "could not join room")
		return
	}
	b.fanout.EnsureSubscribed(roomID)

	// Backlog replay for the joiner: chat and direct rooms keep history;
	// board state is loaded through the board API, not the gateway.
	if ref.Kind != KindBoard {
		b.replayHistory(ctx, conn, roomID)
	}

	// Presence snapshot for the joiner: one user_joined per identity already
	// present, so the client rebuilds the roster from the same events it
	// watches afterwards.
	for _, userID := range b.reg.RoomUserIDs(roomID) {
		if userID == conn.UserID {
			continue
		}
		b.sendFrame(conn, marshalFrame(presenceFrame{
			Envelope: newEnvelope(TypeUserJoined, roomID, b.now()),
			UserID:   userID,
		}))
	}

	frame := marshalFrame(presenceFrame{
		Envelope: newEnvelope(TypeUserJoined, roomID, b.now()),
		UserID:   conn.UserID,
	})
	b.reg.Broadcast(roomID, frame, conn.UserID)
	b.fanout.Publish(ctx, roomID, frame, conn.UserID)
	metrics.MessagesBroadcast.WithLabelValues(TypeUserJoined).Inc()
}

func (b *Broadcaster) handleChatMessage(ctx context.Context, conn *registry.Connection, roomID string, raw []byte) {
	if !b.reg.InRoom(conn.ID, roomID) {
		b.sendError(conn, roomID, "join the room before sending")
		return
	}

	content := gjson.GetBytes(raw, "content").String()
	if content == "" {
		b.sendError(conn, roomID, "message content is required")
		return
	}

	frame := marshalFrame(chatFrame{
		Envelope:  newEnvelope(TypeMessage, roomID, b.now()),
		MessageID: ulid.Make().String(),
		UserID:    conn.UserID,
		Content:   content,
	})

	// Persist before fan-out so a joiner's backlog always contains what
	// live members saw.
	if err := b.hist.Append(ctx, roomID, frame); err != nil {
		b.logger.Error("Failed to persist chat message",
			slog.String("roomID", roomID),
			slog.Any("error", err),
		)
	}

	// The sender receives the echo too: it carries the server-assigned
	// message id and timestamp.
	b.reg.Broadcast(roomID, frame, "")
	b.fanout.Publish(ctx, roomID, frame, "")
	metrics.MessagesBroadcast.WithLabelValues(TypeMessage).Inc()
}

// handleTyping relays typing indicators. Fire-and-forget: not persisted, and
// client UIs time them out, so losses are self-correcting.
func (b *Broadcaster) handleTyping(conn *registry.Connection, roomID string) {
	if !b.reg.InRoom(conn.ID, roomID) {
		return
	}

	frame := marshalFrame(presenceFrame{
		Envelope: newEnvelope(TypeTyping, roomID, b.now()),
		UserID:   conn.UserID,
	})
	b.reg.Broadcast(roomID, frame, conn.UserID)
	b.fanout.Publish(context.Background(), roomID, frame, conn.UserID)
}

func (b *Broadcaster) handleBoardEvent(ctx context.Context, conn *registry.Connection, roomID, frameType string, raw []byte) {
	ref, err := ParseRef(roomID)
	if err != nil || ref.Kind != KindBoard {
		b.sendError(conn, roomID, "board events require a board room")
		return
	}
	if !b.reg.InRoom(conn.ID, roomID) {
		b.sendError(conn, roomID, "join the board before editing")
		return
	}

	now := b.now()
	frame, err := stampFrame(raw, conn.UserID, now)
	if err != nil {
		b.sendError(conn, roomID, "malformed board event")
		return
	}

	// Store first, then broadcast: members only ever see applied edits.
	mut := BoardMutation{
		BoardID:    ref.Owner,
		Type:       frameType,
		UserID:     conn.UserID,
		OriginConn: conn.ID,
		ReceivedAt: now,
		Frame:      frame,
	}
	if err := b.boards.Apply(ctx, mut); err != nil {
		b.logger.Error("Board mutation rejected by store",
			slog.String("boardID", ref.Owner),
			slog.String("type", frameType),
			slog.Any("error", err),
		)
		b.sendError(conn, roomID, "could not apply board change")
		return
	}

	// The originator already has local state; everyone else gets the event.
	b.reg.Broadcast(roomID, frame, conn.UserID)
	b.fanout.Publish(ctx, roomID, frame, conn.UserID)
	metrics.MessagesBroadcast.WithLabelValues(frameType).Inc()
}

func (b *Broadcaster) replayHistory(ctx context.Context, conn *registry.Connection, roomID string) {
	frames, err := b.hist.Recent(ctx, roomID, b.historyReplay)
	if err != nil {
		b.logger.Error("Failed to load room backlog",
			slog.String("roomID", roomID),
			slog.Any("error", err),
		)
		return
	}
	// Backlog reads newest first; replay oldest first so the client sees
	// chronological order.
	for i := len(frames) - 1; i >= 0; i-- {
		if err := conn.Transport.Send(frames[i]); err != nil {
			return
		}
	}
}

func (b *Broadcaster) sendFrame(conn *registry.Connection, frame []byte) {
	if err := conn.Transport.Send(frame); err != nil && !errors.Is(err, registry.ErrConnectionClosed) {
		b.logger.Debug("Failed to send frame to origin",
			slog.String("connID", conn.ID.String()),
			slog.Any("error", err),
		)
	}
}

func (b *Broadcaster) sendError(conn *registry.Connection, roomID, message string) {
	b.sendFrame(conn, marshalFrame(errorFrame{
		Envelope: newEnvelope(TypeError, roomID, b.now()),
		Message:  message,
	}))
}

// stampFrame rewrites an inbound frame with the server's authoritative
// user_id and timestamp before rebroadcast, preserving the type-specific
// fields as sent.
func stampFrame(raw []byte, userID string, at time.Time) ([]byte, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["user_id"] = userID
	fields["timestamp"] = at.UTC().Format(time.RFC3339Nano)
	return json.Marshal(fields)
}
