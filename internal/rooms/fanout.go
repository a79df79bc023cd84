package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tenderwave/gateway/internal/metrics"
	"github.com/tenderwave/gateway/pkg/coord"
	"github.com/tenderwave/gateway/pkg/registry"
)

// Fanout relays room traffic between gateway instances over the coordination
// store's pub/sub. Room membership is instance-local, so every instance with
// local members for a room subscribes to that room's channel and re-broadcasts
// incoming frames to its own members only.
type Fanout struct {
	store      coord.Store
	reg        *registry.Registry
	instanceID string
	logger     *slog.Logger

	ctx context.Context

	mu   sync.Mutex
	subs map[string]coord.Subscription
}

// fanoutEnvelope wraps a frame on the wire between instances.
type fanoutEnvelope struct {
	Instance string          `json:"instance"`
	Exclude  string          `json:"exclude,omitempty"`
	Frame    json.RawMessage `json:"frame"`
}

func NewFanout(ctx context.Context, store coord.Store, reg *registry.Registry, instanceID string, logger *slog.Logger) *Fanout {
	// Loop suppression compares instance ids, so two instances must never
	// share one. An unconfigured id gets a generated per-process one.
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	return &Fanout{
		store:      store,
		reg:        reg,
		instanceID: instanceID,
		logger:     logger.With(slog.String("component", "fanout")),
		ctx:        ctx,
		subs:       make(map[string]coord.Subscription),
	}
}

func roomChannel(roomID string) string {
	return fmt.Sprintf("gateway:room:%s", roomID)
}

// Publish pushes a locally-originated frame to the room's cross-instance
// channel. Best-effort: a publish failure is logged, local delivery already
// happened.
func (f *Fanout) Publish(ctx context.Context, roomID string, frame []byte, exclude string) {
	payload, err := json.Marshal(fanoutEnvelope{
		Instance: f.instanceID,
		Exclude:  exclude,
		Frame:    frame,
	})
	if err != nil {
		return
	}
	if err := f.store.Publish(ctx, roomChannel(roomID), payload); err != nil {
		f.logger.Error("Cross-instance publish failed",
			slog.String("roomID", roomID),
			slog.Any("error", err),
		)
		return
	}
	metrics.CrossInstanceMessages.WithLabelValues("published").Inc()
}

// EnsureSubscribed starts relaying the room's channel into the local
// registry. Called when a room gains its first local member; idempotent.
func (f *Fanout) EnsureSubscribed(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.subs[roomID]; ok {
		return
	}
	sub := f.store.Subscribe(f.ctx, roomChannel(roomID))
	f.subs[roomID] = sub
	go f.relay(roomID, sub)

	f.logger.Debug("Subscribed to room channel", slog.String("roomID", roomID))
}

// Unsubscribe stops relaying a room. Called when the last local member
// leaves.
func (f *Fanout) Unsubscribe(roomID string) {
	f.mu.Lock()
	sub, ok := f.subs[roomID]
	if ok {
		delete(f.subs, roomID)
	}
	f.mu.Unlock()

	if ok {
		_ = sub.Close()
		f.logger.Debug("Unsubscribed from room channel", slog.String("roomID", roomID))
	}
}

func (f *Fanout) relay(roomID string, sub coord.Subscription) {
	for msg := range sub.Messages() {
		var env fanoutEnvelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			f.logger.Warn("Malformed cross-instance frame", slog.String("roomID", roomID))
			continue
		}
		// Our own publishes come back on the channel; local members
		// already received them.
		if env.Instance == f.instanceID {
			continue
		}
		metrics.CrossInstanceMessages.WithLabelValues("received").Inc()
		f.reg.Broadcast(roomID, env.Frame, env.Exclude)
	}
}

// Close tears down every active subscription.
func (f *Fanout) Close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[string]coord.Subscription)
	f.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
}
