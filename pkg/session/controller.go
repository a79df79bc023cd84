package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT payload the gateway accepts: the user id in the standard
// subject claim plus the server-side session id.
type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Controller is the session admission controller: credential verification,
// session resolution, activity refresh and lazy concurrency-cap eviction.
type Controller struct {
	store      *Store
	jwtSecret  []byte
	maxPerUser int
	opTimeout  time.Duration
	logger     *slog.Logger

	now func() time.Time
}

func NewController(store *Store, jwtSecret string, maxPerUser int, opTimeout time.Duration, logger *slog.Logger) *Controller {
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &Controller{
		store:      store,
		jwtSecret:  []byte(jwtSecret),
		maxPerUser: maxPerUser,
		opTimeout:  opTimeout,
		logger:     logger.With(slog.String("component", "session_controller")),
		now:        time.Now,
	}
}

// Authorize validates the signed credential, resolves the session record and
// enforces the per-user cap. On success the session's last_activity_at has
// been refreshed (best-effort) and the returned session is guaranteed active.
func (c *Controller) Authorize(ctx context.Context, credential string) (*Session, error) {
	claims, err := c.verifyCredential(credential)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	now := c.now()

	sess, err := c.store.Get(opCtx, claims.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		// The store being unreachable must not take the gateway down with
		// it: the credential's signature and expiry have already been
		// verified, so degrade to admitting on the credential alone.
		c.logger.Error("Coordination store unavailable; admitting on credential only",
			slog.String("sessionID", claims.SessionID),
			slog.Any("error", err),
		)
		return c.sessionFromClaims(claims, now), nil
	}

	if !sess.Active {
		return nil, ErrSessionRevoked
	}
	if sess.Expired(now) {
		return nil, ErrSessionExpired
	}

	// Refresh activity. A failure to persist this does not block admission.
	sess.LastActivityAt = now
	if err := c.store.Save(opCtx, sess); err != nil {
		c.logger.Warn("Failed to refresh session activity",
			slog.String("sessionID", sess.ID),
			slog.Any("error", err),
		)
	}

	c.enforceCap(opCtx, sess)

	return sess, nil
}

func (c *Controller) verifyCredential(credential string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return c.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" || claims.SessionID == "" {
		return nil, ErrInvalidCredential
	}
	return claims, nil
}

// enforceCap deactivates the user's oldest-by-activity sessions until the cap
// is met. It runs lazily on the admitting request's path; the session that
// was just used is never evicted since its activity was refreshed to "now".
func (c *Controller) enforceCap(ctx context.Context, current *Session) {
	if c.maxPerUser <= 0 {
		return
	}

	active, err := c.store.ActiveForUser(ctx, current.UserID)
	if err != nil {
		c.logger.Error("Failed to list active sessions for cap enforcement",
			slog.String("userID", current.UserID),
			slog.Any("error", err),
		)
		return
	}
	if len(active) <= c.maxPerUser {
		return
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].LastActivityAt.Before(active[j].LastActivityAt)
	})

	excess := len(active) - c.maxPerUser
	for _, sess := range active {
		if excess == 0 {
			break
		}
		if sess.ID == current.ID {
			continue
		}
		if err := c.store.Deactivate(ctx, sess.ID); err != nil {
			c.logger.Error("Failed to evict excess session",
				slog.String("sessionID", sess.ID),
				slog.Any("error", err),
			)
			continue
		}
		c.logger.Info("Evicted excess session",
			slog.String("userID", current.UserID),
			slog.String("sessionID", sess.ID),
		)
		excess--
	}
}

// sessionFromClaims builds a session usable for the current request when the
// store cannot be consulted.
func (c *Controller) sessionFromClaims(claims *Claims, now time.Time) *Session {
	sess := &Session{
		ID:             claims.SessionID,
		UserID:         claims.Subject,
		LastActivityAt: now,
		Active:         true,
	}
	if claims.IssuedAt != nil {
		sess.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time
	} else {
		sess.ExpiresAt = now.Add(time.Hour)
	}
	return sess
}

// SignCredential issues a signed credential for a session. Login lives
// outside the gateway; this is used by tests and operator tooling.
func SignCredential(jwtSecret string, sess *Session) (string, error) {
	claims := Claims{
		SessionID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.UserID,
			IssuedAt:  jwt.NewNumericDate(sess.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtSecret))
}
