// Package boards adapts the coordination store to the room layer's board
// collaborator interfaces. Board CRUD is owned by a separate service; that
// service maintains a membership set per board in the store and consumes the
// mutation backlog the gateway appends to.
package boards

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tenderwave/gateway/internal/rooms"
	"github.com/tenderwave/gateway/pkg/coord"
)

const (
	membersKeyFmt   = "board:%s:members"
	mutationsKeyFmt = "board:%s:mutations"

	mutationBacklogLen = 1000
	mutationTTL        = 24 * time.Hour
)

// Access answers board membership questions from the store-side membership
// sets. An unreachable store denies access: an over-permissive board room is
// worse than a retried join.
type Access struct {
	store  coord.Store
	logger *slog.Logger
}

func NewAccess(store coord.Store, logger *slog.Logger) *Access {
	return &Access{store: store, logger: logger.With(slog.String("component", "board_access"))}
}

func (a *Access) CanAccess(ctx context.Context, userID, boardID string) (bool, error) {
	members, err := a.store.SetMembers(ctx, fmt.Sprintf(membersKeyFmt, boardID))
	if err != nil {
		a.logger.Error("Failed to read board membership",
			slog.String("boardID", boardID),
			slog.Any("error", err),
		)
		return false, err
	}
	for _, member := range members {
		if member == userID {
			return true, nil
		}
	}
	return false, nil
}

// Store persists board mutations by appending them to a per-board backlog in
// the coordination store, where the board service picks them up. A mutation
// that cannot be appended is not considered applied and is never broadcast.
type Store struct {
	store coord.Store
}

func NewStore(store coord.Store) *Store {
	return &Store{store: store}
}

type mutationRecord struct {
	Type       string          `json:"type"`
	UserID     string          `json:"user_id"`
	OriginConn string          `json:"origin_conn"`
	ReceivedAt time.Time       `json:"received_at"`
	Frame      json.RawMessage `json:"frame"`
}

func (s *Store) Apply(ctx context.Context, mut rooms.BoardMutation) error {
	payload, err := json.Marshal(mutationRecord{
		Type:       mut.Type,
		UserID:     mut.UserID,
		OriginConn: mut.OriginConn.String(),
		ReceivedAt: mut.ReceivedAt,
		Frame:      mut.Frame,
	})
	if err != nil {
		return fmt.Errorf("marshal board mutation: %w", err)
	}

	key := fmt.Sprintf(mutationsKeyFmt, mut.BoardID)
	// Score by receipt time; the connection id inside the record breaks ties
	// for edits landing on the same millisecond.
	if err := s.store.BacklogAdd(ctx, key, mut.ReceivedAt.UnixMilli(), string(payload), mutationBacklogLen, mutationTTL); err != nil {
		return fmt.Errorf("append board mutation: %w", err)
	}
	return nil
}
