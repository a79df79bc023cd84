// Package ratelimit computes admission decisions per (subject, rule) using a
// sliding window over the coordination store, plus a plain counter burst
// limiter for short spikes. The limiter is a protective layer, not a
// correctness requirement: when the store is unreachable it fails open.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tenderwave/gateway/pkg/coord"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type Limiter struct {
	store     coord.Store
	opTimeout time.Duration
	logger    *slog.Logger

	now func() time.Time
}

func NewLimiter(store coord.Store, opTimeout time.Duration, logger *slog.Logger) *Limiter {
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &Limiter{
		store:     store,
		opTimeout: opTimeout,
		logger:    logger.With(slog.String("component", "rate_limiter")),
		now:       time.Now,
	}
}

func windowKey(rule, subject string) string {
	return fmt.Sprintf("rate_limit:%s:%s", rule, subject)
}

func burstKey(subject string) string {
	return fmt.Sprintf("burst_limit:%s", subject)
}

// Admit checks the subject against the rule's sliding window and, when the
// rule carries a burst cap, against the burst counter. A connection must pass
// both. Store failures degrade to fail-open: the gateway's availability is
// worth more than strict limiting.
func (l *Limiter) Admit(ctx context.Context, subject string, rule Rule) Decision {
	now := l.now()

	opCtx, cancel := context.WithTimeout(ctx, l.opTimeout)
	defer cancel()

	if rule.Burst > 0 {
		count, err := l.store.Incr(opCtx, burstKey(subject), rule.BurstWindow)
		if err != nil {
			return l.failOpen(rule, now, "burst counter", err)
		}
		if count > int64(rule.Burst) {
			l.logger.Warn("Burst limit exceeded",
				slog.String("subject", subject),
				slog.String("rule", rule.Name),
				slog.Int64("count", count),
			)
			return Decision{
				Allowed:    false,
				Limit:      rule.Requests,
				Remaining:  0,
				ResetAt:    now.Add(rule.BurstWindow),
				RetryAfter: rule.BurstWindow,
			}
		}
	}

	res, err := l.store.WindowAdmit(opCtx, windowKey(rule.Name, subject), now, rule.Window, rule.Requests)
	if err != nil {
		return l.failOpen(rule, now, "sliding window", err)
	}

	remaining := rule.Requests - res.Count
	if remaining < 0 {
		remaining = 0
	}

	resetAt := now.Add(rule.Window)
	if res.OldestUnixMilli > 0 {
		resetAt = time.UnixMilli(res.OldestUnixMilli).Add(rule.Window)
	}

	decision := Decision{
		Allowed:   res.Allowed,
		Limit:     rule.Requests,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !res.Allowed {
		decision.RetryAfter = time.Until(resetAt)
		if decision.RetryAfter < 0 {
			decision.RetryAfter = 0
		}
		l.logger.Warn("Rate limit exceeded",
			slog.String("subject", subject),
			slog.String("rule", rule.Name),
			slog.Int("count", res.Count),
		)
	}
	return decision
}

// failOpen admits the request when the coordination store cannot answer.
func (l *Limiter) failOpen(rule Rule, now time.Time, op string, err error) Decision {
	l.logger.Error("Coordination store unavailable; admitting without limit check",
		slog.String("rule", rule.Name),
		slog.String("op", op),
		slog.Any("error", err),
	)
	return Decision{
		Allowed:   true,
		Limit:     rule.Requests,
		Remaining: rule.Requests,
		ResetAt:   now.Add(rule.Window),
	}
}
