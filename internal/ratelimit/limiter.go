package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tripwire/detection-engine/internal/alert"
	"tripwire/detection-engine/internal/blocklist"
	"tripwire/detection-engine/internal/config"
	"tripwire/detection-engine/internal/indicator"
	"tripwire/detection-engine/internal/metrics"
	"tripwire/detection-engine/internal/store"
)

const (
	counterPrefix   = "rate:"
	challengePrefix = "rlchallenge:"
)

// Result is one limiter decision. ResetAt is the end of the current window,
// or the block expiry when the subject is denied by an active block record.
type Result struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

// Limiter enforces named fixed-window policies with ordered escalation rules.
// Counting is fixed-window: the window key is floor(nowMs/windowMs), so all
// subjects roll over at the same instants and the counter key itself encodes
// the window.
type Limiter struct {
	store    store.Store
	blocks   *blocklist.Blocklist
	notifier alert.Notifier
	logger   zerolog.Logger
	nowFunc  func() time.Time
}

func New(st store.Store, blocks *blocklist.Blocklist, notifier alert.Notifier, logger zerolog.Logger) *Limiter {
	return &Limiter{
		store:    st,
		blocks:   blocks,
		notifier: notifier,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Allow counts one request for subject under the named policy and decides.
// The block record is consulted before any counting, so blocked subjects do
// not advance window counters, and a presence check never extends a block.
func (l *Limiter) Allow(ctx context.Context, subject, policyName string, policy config.RateLimitPolicy) (Result, error) {
	now := l.nowFunc()

	if rec, blocked := l.blocks.IsBlocked(ctx, subject); blocked {
		metrics.RateLimitDenied.WithLabelValues(policyName).Inc()
		return Result{Allowed: false, Remaining: 0, ResetAt: rec.ExpiresAt}, nil
	}

	windowKey := now.UnixMilli() / int64(policy.WindowMs)
	key := fmt.Sprintf("%s%s:%s:%d", counterPrefix, policyName, subject, windowKey)
	count, err := l.store.Incr(ctx, key, policy.Window())
	if err != nil {
		return Result{}, fmt.Errorf("rate counter incr: %w", err)
	}

	resetAt := time.UnixMilli((windowKey + 1) * int64(policy.WindowMs))
	remaining := policy.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	res := Result{
		Allowed:   count <= policy.MaxRequests,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if res.Allowed {
		return res, nil
	}

	metrics.RateLimitDenied.WithLabelValues(policyName).Inc()
	l.escalate(ctx, subject, policyName, policy, count)
	return res, nil
}

// escalate runs the policy's escalation rules in configured order. Every rule
// whose threshold the count has reached fires; rules never short-circuit each
// other, so a block at one threshold does not suppress an alert at another.
func (l *Limiter) escalate(ctx context.Context, subject, policyName string, policy config.RateLimitPolicy, count int64) {
	for _, rule := range policy.Escalations {
		if count < rule.Threshold {
			continue
		}
		metrics.Escalations.WithLabelValues(rule.Action).Inc()
		switch rule.Action {
		case "block":
			reason := fmt.Sprintf("rate limit exceeded: policy %s", policyName)
			if _, created, err := l.blocks.Block(ctx, subject, policy.BlockDuration(), reason); err != nil {
				l.logger.Warn().Err(err).Str("subject", subject).Msg("escalation block write failed")
			} else if created {
				l.logger.Info().
					Str("subject", subject).
					Str("policy", policyName).
					Int64("count", count).
					Msg("rate limit escalation blocked subject")
			}
		case "challenge":
			key := challengePrefix + policyName + ":" + subject
			if err := l.store.Set(ctx, key, true, policy.BlockDuration()); err != nil {
				l.logger.Warn().Err(err).Str("subject", subject).Msg("challenge marker write failed")
			}
		case "alert":
			_ = l.notifier.Notify(ctx, alert.Alert{
				Type:     "rate_limit_exceeded",
				Severity: indicator.SeverityMedium,
				Details: map[string]any{
					"subject": subject,
					"policy":  policyName,
					"count":   count,
					"max":     policy.MaxRequests,
				},
				Timestamp: l.nowFunc().UTC(),
			})
		}
	}
}

// ChallengeRequired reports whether an escalation rule has flagged subject
// for step-up verification under the named policy.
func (l *Limiter) ChallengeRequired(ctx context.Context, subject, policyName string) bool {
	var flagged bool
	found, err := l.store.Get(ctx, challengePrefix+policyName+":"+subject, &flagged)
	if err != nil {
		l.logger.Warn().Err(err).Str("subject", subject).Msg("challenge marker read failed")
		return false
	}
	return found && flagged
}
