package rooms_test

import (
	"context"
	"errors"
	"testing"

	"github.com/tenderwave/gateway/internal/rooms"
)

type allowAllBoards struct{}

func (allowAllBoards) CanAccess(context.Context, string, string) (bool, error) {
	return true, nil
}

type memberBoards struct {
	members map[string][]string // boardID -> userIDs
}

func (m memberBoards) CanAccess(_ context.Context, userID, boardID string) (bool, error) {
	for _, id := range m.members[boardID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func TestParseRef(t *testing.T) {
	cases := []struct {
		roomID   string
		wantKind rooms.Kind
		wantErr  bool
	}{
		{"direct:u1", rooms.KindDirect, false},
		{"board:b42", rooms.KindBoard, false},
		{"chat:general", rooms.KindChat, false},
		{"chat:deal-desk", rooms.KindChat, false},
		{"chat:dm:u1:u2", rooms.KindChat, false},
		{"direct:", "", true},
		{"chat:", "", true},
		{"chat:dm:u1", "", true},
		{"chat:dm::u2", "", true},
		{"mystery:u1", "", true},
		{"", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.roomID, func(t *testing.T) {
			ref, err := rooms.ParseRef(tc.roomID)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.roomID)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRef(%q) failed: %v", tc.roomID, err)
			}
			if ref.Kind != tc.wantKind {
				t.Errorf("expected kind %s, got %s", tc.wantKind, ref.Kind)
			}
		})
	}
}

func TestAuthorizeDirect(t *testing.T) {
	auth := rooms.NewAuthorizer(allowAllBoards{})
	ref, _ := rooms.ParseRef("direct:u1")

	if err := auth.Authorize(context.Background(), "u1", ref); err != nil {
		t.Errorf("owner should join their own inbox: %v", err)
	}
	if err := auth.Authorize(context.Background(), "u2", ref); !errors.Is(err, rooms.ErrAccessDenied) {
		t.Errorf("expected ErrAccessDenied for another identity, got %v", err)
	}
}

func TestAuthorizeBoard(t *testing.T) {
	auth := rooms.NewAuthorizer(memberBoards{members: map[string][]string{
		"b1": {"alice", "bob"},
	}})
	ref, _ := rooms.ParseRef("board:b1")

	if err := auth.Authorize(context.Background(), "alice", ref); err != nil {
		t.Errorf("organization member should be admitted: %v", err)
	}
	if err := auth.Authorize(context.Background(), "mallory", ref); !errors.Is(err, rooms.ErrAccessDenied) {
		t.Errorf("expected ErrAccessDenied for outsider, got %v", err)
	}
}

func TestAuthorizeChat(t *testing.T) {
	auth := rooms.NewAuthorizer(allowAllBoards{})

	general, _ := rooms.ParseRef("chat:general")
	if err := auth.Authorize(context.Background(), "anyone", general); err != nil {
		t.Errorf("general rooms admit any authenticated identity: %v", err)
	}

	dm, _ := rooms.ParseRef("chat:dm:u1:u2")
	for _, userID := range []string{"u1", "u2"} {
		if err := auth.Authorize(context.Background(), userID, dm); err != nil {
			t.Errorf("participant %s should be admitted: %v", userID, err)
		}
	}
	if err := auth.Authorize(context.Background(), "u3", dm); !errors.Is(err, rooms.ErrAccessDenied) {
		t.Errorf("expected ErrAccessDenied for non-participant, got %v", err)
	}
}
