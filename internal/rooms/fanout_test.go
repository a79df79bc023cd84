package rooms_test

import (
	"context"
	"testing"
	"time"

	"github.com/tenderwave/gateway/internal/rooms"
	"github.com/tenderwave/gateway/pkg/coord"
	"github.com/tenderwave/gateway/pkg/registry"
)

// fanoutInstance is one gateway instance's registry plus its relay, sharing a
// coordination store with the other instances in a test.
type fanoutInstance struct {
	reg    *registry.Registry
	fanout *rooms.Fanout
}

func newFanoutInstance(t *testing.T, store coord.Store, instanceID string) *fanoutInstance {
	t.Helper()
	logger := newTestLogger()
	reg := registry.New(logger)
	return &fanoutInstance{
		reg:    reg,
		fanout: rooms.NewFanout(context.Background(), store, reg, instanceID, logger),
	}
}

// member registers a connection, joins it to the room and subscribes the
// instance to the room's channel, as a join through the broadcaster would.
func (in *fanoutInstance) member(t *testing.T, userID, roomID string) *fakeTransport {
	t.Helper()
	ft := newFakeTransport()
	conn, err := in.reg.Register(ft, userID, "127.0.0.1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := in.reg.Join(conn.ID, roomID); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	in.fanout.EnsureSubscribed(roomID)
	return ft
}

// waitForFrames polls until the transport has received want frames of a type.
// The relay runs on its own goroutine, so delivery is asynchronous.
func waitForFrames(t *testing.T, ft *fakeTransport, frameType string, want int) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := ft.framesOfType(t, frameType)
		if len(got) >= want {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %q frames, have %d", want, frameType, len(got))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

const relaySettle = 50 * time.Millisecond

func TestFanoutRelaysBetweenInstances(t *testing.T) {
	store := coord.NewMemoryStore()
	a := newFanoutInstance(t, store, "instance-a")
	b := newFanoutInstance(t, store, "instance-b")

	local := a.member(t, "u1", "chat:general")
	remote := b.member(t, "u2", "chat:general")

	frame := []byte(`{"type":"message","room_id":"chat:general","content":"hi","timestamp":"2026-01-01T00:00:00Z"}`)
	a.fanout.Publish(context.Background(), "chat:general", frame, "")

	got := waitForFrames(t, remote, rooms.TypeMessage, 1)
	if got[0]["content"] != "hi" {
		t.Errorf("unexpected relayed frame: %v", got[0])
	}

	// The publish loops back on instance A's own subscription; relaying it
	// there would double-deliver, since local members already got it from
	// the originating broadcast.
	time.Sleep(relaySettle)
	if n := len(local.framesOfType(t, rooms.TypeMessage)); n != 0 {
		t.Errorf("own-instance frame must not be relayed back, got %d", n)
	}
}

func TestFanoutWorksWithUnconfiguredInstanceIDs(t *testing.T) {
	store := coord.NewMemoryStore()
	// Stock configuration leaves the instance id empty on every instance;
	// each must still end up with its own identity or loop suppression
	// swallows all cross-instance traffic.
	a := newFanoutInstance(t, store, "")
	b := newFanoutInstance(t, store, "")

	a.member(t, "u1", "chat:general")
	remote := b.member(t, "u2", "chat:general")

	frame := []byte(`{"type":"message","room_id":"chat:general","content":"hi","timestamp":"2026-01-01T00:00:00Z"}`)
	a.fanout.Publish(context.Background(), "chat:general", frame, "")

	waitForFrames(t, remote, rooms.TypeMessage, 1)
}

func TestFanoutPropagatesExclude(t *testing.T) {
	store := coord.NewMemoryStore()
	a := newFanoutInstance(t, store, "instance-a")
	b := newFanoutInstance(t, store, "instance-b")

	a.member(t, "u1", "chat:general")
	excluded := b.member(t, "u2", "chat:general")
	other := b.member(t, "u3", "chat:general")

	frame := []byte(`{"type":"typing","room_id":"chat:general","user_id":"u2","timestamp":"2026-01-01T00:00:00Z"}`)
	a.fanout.Publish(context.Background(), "chat:general", frame, "u2")

	waitForFrames(t, other, rooms.TypeTyping, 1)
	if n := len(excluded.framesOfType(t, rooms.TypeTyping)); n != 0 {
		t.Errorf("excluded identity received %d relayed frames", n)
	}
}

func TestFanoutUnsubscribeStopsRelay(t *testing.T) {
	store := coord.NewMemoryStore()
	a := newFanoutInstance(t, store, "instance-a")
	b := newFanoutInstance(t, store, "instance-b")

	a.member(t, "u1", "chat:general")
	remote := b.member(t, "u2", "chat:general")

	frame := []byte(`{"type":"message","room_id":"chat:general","content":"hi","timestamp":"2026-01-01T00:00:00Z"}`)
	a.fanout.Publish(context.Background(), "chat:general", frame, "")
	waitForFrames(t, remote, rooms.TypeMessage, 1)

	b.fanout.Unsubscribe("chat:general")
	a.fanout.Publish(context.Background(), "chat:general", frame, "")

	time.Sleep(relaySettle)
	if n := len(remote.framesOfType(t, rooms.TypeMessage)); n != 1 {
		t.Errorf("expected no delivery after unsubscribe, got %d frames", n)
	}
}
