// Package history is the gateway's contract with the durable backlog store
// for chat and notification rooms: consulted on join, appended on publish.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/tenderwave/gateway/pkg/coord"
)

// Adapter is the persistence contract the room broadcaster requires. The
// gateway does not prescribe an engine; this package ships one implementation
// over the coordination store.
type Adapter interface {
	// Append stores a message frame in the room's backlog.
	Append(ctx context.Context, roomID string, frame []byte) error
	// Recent returns up to limit frames, newest first.
	Recent(ctx context.Context, roomID string, limit int) ([][]byte, error)
}

// CoordAdapter keeps each room's backlog in a bounded sorted set under
// `room:{room_id}:messages` with a retention TTL, newest first on read.
type CoordAdapter struct {
	store  coord.Store
	maxLen int
	ttl    time.Duration
}

func NewCoordAdapter(store coord.Store, maxLen int, ttl time.Duration) *CoordAdapter {
	if maxLen <= 0 {
		maxLen = 500
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &CoordAdapter{store: store, maxLen: maxLen, ttl: ttl}
}

var _ Adapter = (*CoordAdapter)(nil)

func backlogKey(roomID string) string {
	return fmt.Sprintf("room:%s:messages", roomID)
}

func (a *CoordAdapter) Append(ctx context.Context, roomID string, frame []byte) error {
	return a.store.BacklogAdd(ctx, backlogKey(roomID), time.Now().UnixMilli(), string(frame), a.maxLen, a.ttl)
}

func (a *CoordAdapter) Recent(ctx context.Context, roomID string, limit int) ([][]byte, error) {
	members, err := a.store.BacklogNewest(ctx, backlogKey(roomID), limit)
	if err != nil {
		return nil, err
	}
	frames := make([][]byte, len(members))
	for i, m := range members {
		frames[i] = []byte(m)
	}
	return frames, nil
}
