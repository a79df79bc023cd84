package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates the three room flavors, each with its own admission
// rule and message vocabulary.
type Kind string

const (
	KindDirect Kind = "direct" // one user's notification inbox
	KindBoard  Kind = "board"  // collaborative board
	KindChat   Kind = "chat"   // chat room, general or peer-to-peer
)

// ErrAccessDenied means authorization failed for the requested room. It is
// terminal for that room only; the connection may still join others.
var ErrAccessDenied = errors.New("rooms: access denied")

// ErrInvalidRoomID means the room id does not parse into a known kind.
var ErrInvalidRoomID = errors.New("rooms: invalid room id")

// Ref is a parsed room identifier. Room ids are namespaced by kind:
//
//	direct:{user_id}
//	board:{board_id}
//	chat:general (or any named general room, chat:{name})
//	chat:dm:{user_a}:{user_b}
type Ref struct {
	ID   string
	Kind Kind

	// Owner is the inbox owner for direct rooms and the board id for
	// board rooms.
	Owner string
	// Participants is set for peer-to-peer chat rooms only.
	Participants [2]string
}

// ParseRef parses a room id into its kind and kind-specific parts.
func ParseRef(roomID string) (Ref, error) {
	switch {
	case strings.HasPrefix(roomID, "direct:"):
		owner := strings.TrimPrefix(roomID, "direct:")
		if owner == "" {
			return Ref{}, ErrInvalidRoomID
		}
		return Ref{ID: roomID, Kind: KindDirect, Owner: owner}, nil

	case strings.HasPrefix(roomID, "board:"):
		boardID := strings.TrimPrefix(roomID, "board:")
		if boardID == "" {
			return Ref{}, ErrInvalidRoomID
		}
		return Ref{ID: roomID, Kind: KindBoard, Owner: boardID}, nil

	case strings.HasPrefix(roomID, "chat:dm:"):
		rest := strings.TrimPrefix(roomID, "chat:dm:")
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Ref{}, ErrInvalidRoomID
		}
		return Ref{
			ID:           roomID,
			Kind:         KindChat,
			Participants: [2]string{parts[0], parts[1]},
		}, nil

	case strings.HasPrefix(roomID, "chat:"):
		if strings.TrimPrefix(roomID, "chat:") == "" {
			return Ref{}, ErrInvalidRoomID
		}
		return Ref{ID: roomID, Kind: KindChat}, nil

	default:
		return Ref{}, ErrInvalidRoomID
	}
}

// isPeerToPeer reports whether the chat room encodes two participants.
func (r Ref) isPeerToPeer() bool {
	return r.Kind == KindChat && r.Participants[0] != ""
}

// BoardAccess answers whether a user belongs to the organization owning a
// board. The lookup lives outside the gateway.
type BoardAccess interface {
	CanAccess(ctx context.Context, userID, boardID string) (bool, error)
}

// Authorizer dispatches the kind-specific join rule. It runs once at join
// time; messages within a joined room are not re-checked.
type Authorizer struct {
	boards BoardAccess
}

func NewAuthorizer(boards BoardAccess) *Authorizer {
	return &Authorizer{boards: boards}
}

// Authorize applies the admission rule for the room's kind:
//
//	direct: the room id must equal the caller's own identity.
//	board:  the caller must belong to the organization owning the board.
//	chat:   general rooms admit any authenticated identity; peer-to-peer
//	        rooms require the caller to be one of the two participants.
func (a *Authorizer) Authorize(ctx context.Context, userID string, ref Ref) error {
	switch ref.Kind {
	case KindDirect:
		if ref.Owner != userID {
			return ErrAccessDenied
		}
		return nil

	case KindBoard:
		ok, err := a.boards.CanAccess(ctx, userID, ref.Owner)
		if err != nil {
			return fmt.Errorf("rooms: board access lookup: %w", err)
		}
		if !ok {
			return ErrAccessDenied
		}
		return nil

	case KindChat:
		if ref.isPeerToPeer() && ref.Participants[0] != userID && ref.Participants[1] != userID {
			return ErrAccessDenied
		}
		return nil

	default:
		return ErrInvalidRoomID
	}
}
