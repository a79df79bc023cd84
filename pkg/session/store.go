package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tenderwave/gateway/pkg/coord"
)

// Store persists session records in the coordination store. Records live
// under `session:{session_id}`; the ids of a user's active sessions are
// indexed in the set `sessions:user:{user_id}` so the concurrency cap can be
// enforced without scanning.
type Store struct {
	coord coord.Store
}

func NewStore(c coord.Store) *Store {
	return &Store{coord: c}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

func userIndexKey(userID string) string {
	return fmt.Sprintf("sessions:user:%s", userID)
}

// Get fetches a session record. Returns ErrSessionNotFound for unknown ids.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	raw, err := s.coord.Get(ctx, sessionKey(sessionID))
	if err != nil {
		if errors.Is(err, coord.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("session: corrupt record %s: %w", sessionID, err)
	}
	return &sess, nil
}

// Save writes a session record, keyed to expire with the session itself, and
// keeps the user index in step with the record's active flag.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute // already expired; keep briefly for revocation logs
	}
	if err := s.coord.Set(ctx, sessionKey(sess.ID), string(data), ttl); err != nil {
		return err
	}

	if sess.Active {
		return s.coord.SetAdd(ctx, userIndexKey(sess.UserID), sess.ID)
	}
	return s.coord.SetRemove(ctx, userIndexKey(sess.UserID), sess.ID)
}

// Deactivate marks a session inactive and drops it from the user index.
func (s *Store) Deactivate(ctx context.Context, sessionID string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	sess.Active = false
	return s.Save(ctx, sess)
}

// ActiveForUser returns the user's active sessions. Index entries whose
// records have expired or been deactivated are pruned as they are found.
func (s *Store) ActiveForUser(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := s.coord.SetMembers(ctx, userIndexKey(userID))
	if err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				// Record expired out from under the index.
				_ = s.coord.SetRemove(ctx, userIndexKey(userID), id)
				continue
			}
			return nil, err
		}
		if !sess.Active {
			_ = s.coord.SetRemove(ctx, userIndexKey(userID), id)
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}
