// Package session validates signed access credentials, resolves them to
// server-side session records held in the coordination store, and enforces a
// per-user concurrent-session cap.
package session

import (
	"errors"
	"time"
)

// Session is the server-side record a credential resolves to.
type Session struct {
	ID                string    `json:"session_id"`
	UserID            string    `json:"user_id"`
	IssuedAt          time.Time `json:"issued_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	Active            bool      `json:"active"`
}

// Expired reports whether the session's lifetime has passed.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// All admission failures map to a single externally-visible "unauthorized"
// outcome; the specific kind is for logs only.
var (
	ErrInvalidCredential = errors.New("session: invalid credential")
	ErrSessionNotFound   = errors.New("session: not found")
	ErrSessionExpired    = errors.New("session: expired")
	ErrSessionRevoked    = errors.New("session: revoked")
)

// IsAuthError reports whether err is one of the admission failures that a
// caller should surface as a generic unauthorized response.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrInvalidCredential) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrSessionRevoked)
}
