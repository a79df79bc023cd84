package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport is the send side of a live connection. *transport.Connection
// satisfies it; tests substitute fakes.
type Transport interface {
	ID() uuid.UUID
	Send(message []byte) error
	Close(err error)
}

// State is a connection's position in its lifecycle. Closed is terminal;
// a closed handle is rejected on reuse.
type State int

const (
	StateConnecting State = iota
	StateAdmitted
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAdmitted:
		return "admitted"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is the registry's record of one live transport. The registry
// owns it exclusively for its lifetime.
type Connection struct {
	ID        uuid.UUID
	UserID    string
	IPAddress string
	Transport Transport
	CreatedAt time.Time

	// guarded by the registry's connection lock
	state State
	rooms map[string]struct{}
}

// room is a broadcast group. Each room carries its own lock so unrelated
// rooms never contend.
type room struct {
	id string

	mu      sync.Mutex
	members map[uuid.UUID]*Connection
}
