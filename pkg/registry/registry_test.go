package registry_test

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/tenderwave/gateway/pkg/registry"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestRegistry() *registry.Registry {
	return registry.New(newTestLogger())
}

type fakeTransport struct {
	id uuid.UUID

	mu       sync.Mutex
	sent     [][]byte
	failSend bool
	closed   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{id: uuid.New()}
}

func (f *fakeTransport) ID() uuid.UUID { return f.id }

func (f *fakeTransport) Send(message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeTransport) Close(error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// --- Connection Lifecycle ---

func TestConnectionLifecycle(t *testing.T) {
	r := newTestRegistry()
	ft := newFakeTransport()

	conn, err := r.Register(ft, "user-1", "127.0.0.1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if conn.ID != ft.ID() {
		t.Error("registered connection ID mismatch")
	}
	if r.State(conn.ID) != registry.StateAdmitted {
		t.Errorf("expected admitted state, got %s", r.State(conn.ID))
	}

	if _, err := r.Register(ft, "user-1", "127.0.0.1"); err == nil {
		t.Error("expected duplicate registration to fail")
	}

	left := r.Deregister(conn.ID)
	if len(left) != 0 {
		t.Errorf("expected no rooms left, got %v", left)
	}
	if _, found := r.Get(conn.ID); found {
		t.Error("found connection after deregistration")
	}
	if r.State(conn.ID) != registry.StateClosed {
		t.Error("deregistered connection should report closed")
	}
}

func TestClosedHandleRejectedOnReuse(t *testing.T) {
	r := newTestRegistry()
	ft := newFakeTransport()
	conn, _ := r.Register(ft, "user-1", "127.0.0.1")

	r.Deregister(conn.ID)

	if err := r.Join(conn.ID, "room-1"); !errors.Is(err, registry.ErrUnknownConnection) {
		t.Fatalf("expected ErrUnknownConnection joining with a closed handle, got %v", err)
	}
}

// --- Rooms ---

func TestJoinLeaveRoomLifecycle(t *testing.T) {
	r := newTestRegistry()
	ft := newFakeTransport()
	conn, _ := r.Register(ft, "user-1", "127.0.0.1")

	if err := r.Join(conn.ID, "room-1"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if r.State(conn.ID) != registry.StateJoined {
		t.Errorf("expected joined state, got %s", r.State(conn.ID))
	}
	if size := r.RoomSize("room-1"); size != 1 {
		t.Errorf("expected room size 1, got %d", size)
	}

	if err := r.Leave(conn.ID, "room-1"); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	// Room is destroyed once its member set is empty.
	if size := r.RoomSize("room-1"); size != 0 {
		t.Errorf("expected empty room to be destroyed, size %d", size)
	}
}

func TestDeregisterLeavesAllRooms(t *testing.T) {
	r := newTestRegistry()
	ft := newFakeTransport()
	conn, _ := r.Register(ft, "user-1", "127.0.0.1")

	r.Join(conn.ID, "room-a")
	r.Join(conn.ID, "room-b")

	left := r.Deregister(conn.ID)
	if len(left) != 2 {
		t.Fatalf("expected 2 rooms left, got %v", left)
	}
	if r.RoomSize("room-a") != 0 || r.RoomSize("room-b") != 0 {
		t.Error("expected both rooms to be emptied")
	}
}

// --- Broadcast ---

func registerJoined(t *testing.T, r *registry.Registry, userID, roomID string) *fakeTransport {
	t.Helper()
	ft := newFakeTransport()
	conn, err := r.Register(ft, userID, "127.0.0.1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Join(conn.ID, roomID); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	return ft
}

func TestBroadcastWithExclude(t *testing.T) {
	r := newTestRegistry()
	a := registerJoined(t, r, "A", "room-1")
	b := registerJoined(t, r, "B", "room-1")
	c := registerJoined(t, r, "C", "room-1")

	delivered := r.Broadcast("room-1", []byte("hello"), "A")
	if delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}
	if a.sentCount() != 0 {
		t.Error("excluded member A must not receive the broadcast")
	}
	if b.sentCount() != 1 || c.sentCount() != 1 {
		t.Errorf("expected exactly one message each for B and C, got %d and %d", b.sentCount(), c.sentCount())
	}
}

func TestBroadcastSurvivesPartialFailure(t *testing.T) {
	r := newTestRegistry()
	registerJoined(t, r, "A", "room-1")
	b := registerJoined(t, r, "B", "room-1")
	c := registerJoined(t, r, "C", "room-1")
	b.failSend = true

	delivered := r.Broadcast("room-1", []byte("hello"), "A")
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
	if c.sentCount() != 1 {
		t.Error("failure delivering to B must not prevent delivery to C")
	}
	if !b.wasClosed() {
		t.Error("failed member's transport should be closed")
	}
}

func TestBroadcastOrderingPerRoom(t *testing.T) {
	r := newTestRegistry()
	registerJoined(t, r, "A", "room-1")
	b := registerJoined(t, r, "B", "room-1")

	for i := byte(0); i < 10; i++ {
		r.Broadcast("room-1", []byte{i}, "A")
	}

	if b.sentCount() != 10 {
		t.Fatalf("expected 10 messages, got %d", b.sentCount())
	}
	for i := byte(0); i < 10; i++ {
		if b.sent[i][0] != i {
			t.Fatalf("message %d delivered out of order", i)
		}
	}
}

func TestSendToUser(t *testing.T) {
	r := newTestRegistry()
	a := registerJoined(t, r, "A", "room-1")
	b := registerJoined(t, r, "B", "room-1")

	if err := r.SendToUser("room-1", "B", []byte("direct")); err != nil {
		t.Fatalf("SendToUser failed: %v", err)
	}
	if b.sentCount() != 1 || a.sentCount() != 0 {
		t.Error("expected only B to receive the message")
	}

	if err := r.SendToUser("room-1", "nobody", []byte("direct")); !errors.Is(err, registry.ErrNotAMember) {
		t.Errorf("expected ErrNotAMember, got %v", err)
	}
}

func TestRoomUserIDsDeduplicatesConnections(t *testing.T) {
	r := newTestRegistry()
	// Same identity on two connections.
	registerJoined(t, r, "A", "room-1")
	registerJoined(t, r, "A", "room-1")
	registerJoined(t, r, "B", "room-1")

	ids := r.RoomUserIDs("room-1")
	if len(ids) != 2 {
		t.Fatalf("expected 2 distinct identities, got %v", ids)
	}
}

func TestJoinRacingDeregisterLeavesNoGhostMember(t *testing.T) {
	r := newTestRegistry()

	// A transport error can deregister a connection while its read loop is
	// still processing a join. Whatever the interleaving, a closed
	// connection must never survive as a room member.
	for i := 0; i < 200; i++ {
		ft := newFakeTransport()
		conn, err := r.Register(ft, "A", "127.0.0.1")
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = r.Join(conn.ID, "room-1")
		}()
		r.Deregister(conn.ID)
		<-done

		if n := r.RoomSize("room-1"); n != 0 {
			t.Fatalf("iteration %d: closed connection lingers as a member (room size %d)", i, n)
		}
	}
}
