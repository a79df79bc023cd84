// Package coord is the gateway's client for the shared coordination store:
// the substrate for rate-limit windows, session records, message backlog and
// cross-instance publish/subscribe.
package coord

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("coord: key not found")

// WindowResult reports the outcome of an atomic sliding-window admission.
type WindowResult struct {
	Allowed bool
	// Count is the number of entries in the window after the call. On a
	// rejection the provisional entry has already been rolled back, so the
	// count equals what it was before the attempt.
	Count int
	// OldestUnixMilli is the timestamp of the oldest surviving entry, used
	// to compute when the window resets. Zero when the window is empty.
	OldestUnixMilli int64
}

// Message is a single payload delivered on a pub/sub channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription. Messages is closed when the
// subscription is closed or its context is cancelled.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Store enumerates the primitives the gateway needs from the coordination
// store. Every component above this package talks to the store through it.
type Store interface {
	// --- Plain keys ---
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Incr atomically increments a counter, applying the TTL on first hit.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// --- Sliding window ---
	// WindowAdmit runs the remove-count-add-readback sequence for a
	// sliding-window rate limit as a single atomic operation: entries older
	// than now-window are dropped, a provisional entry for now is added,
	// and if the resulting count exceeds limit the provisional entry is
	// removed again so rejected attempts never consume a slot.
	WindowAdmit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (WindowResult, error)

	// --- Sets ---
	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	// --- Sorted-set backlog ---
	// BacklogAdd appends a member scored by timestamp, trims the set to
	// maxLen newest entries and refreshes the retention TTL.
	BacklogAdd(ctx context.Context, key string, score int64, member string, maxLen int, ttl time.Duration) error
	// BacklogNewest returns up to limit members, newest first.
	BacklogNewest(ctx context.Context, key string, limit int) ([]string, error)

	// --- Pub/sub ---
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) Subscription

	Ping(ctx context.Context) error
	Close() error
}
