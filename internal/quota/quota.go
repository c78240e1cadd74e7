// Package quota enforces the per-user daily request cap.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/soyeahso/seekchat/internal/hooks"
	"github.com/soyeahso/seekchat/internal/logging"
)

// dayLayout keys counters by calendar date in the limiter's location.
const dayLayout = "2006-01-02"

// AdminChecker reports whether a user bypasses the cap.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// Counter stores per-user per-day request counts. Consume must increment
// and check atomically.
type Counter interface {
	Consume(ctx context.Context, userID, day string, limit int) (bool, int, error)
	Count(ctx context.Context, userID, day string) (int, error)
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed bool      `json:"allowed"`
	Admin   bool      `json:"admin"`
	Used    int       `json:"used"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"resetAt"`
}

// RetryAfter returns the wait until the counter resets, relative to now.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.ResetAt.Before(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

// Limiter decides whether a request may proceed.
type Limiter struct {
	admins  AdminChecker
	counter Counter
	limit   int
	loc     *time.Location
	hooks   *hooks.Manager
	log     *logging.Logger
	now     func() time.Time
}

// Options configures a Limiter.
type Options struct {
	DailyLimit int
	Location   *time.Location
	Hooks      *hooks.Manager
	Now        func() time.Time
}

// New creates a Limiter.
func New(admins AdminChecker, counter Counter, opts Options, log *logging.Logger) *Limiter {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{
		admins:  admins,
		counter: counter,
		limit:   opts.DailyLimit,
		loc:     opts.Location,
		hooks:   opts.Hooks,
		log:     log.Sub("quota"),
		now:     opts.Now,
	}
}

// Limit returns the configured daily cap.
func (l *Limiter) Limit() int { return l.limit }

// CheckAndConsume checks the caller's allowance and, for non-admins,
// consumes one request from today's counter. Admins are never counted.
func (l *Limiter) CheckAndConsume(ctx context.Context, userID string) (Decision, error) {
	now := l.now().In(l.loc)
	d := Decision{Limit: l.limit, ResetAt: nextMidnight(now)}

	admin, err := l.isAdmin(ctx, userID)
	if err != nil {
		return d, err
	}
	if admin {
		d.Allowed = true
		d.Admin = true
		return d, nil
	}

	span := l.hooks.StartSpan(ctx, hooks.SpanQuotaCheck, map[string]any{"user_id": userID})
	allowed, used, err := l.counter.Consume(ctx, userID, now.Format(dayLayout), l.limit)
	span.End(err)
	if err != nil {
		return d, fmt.Errorf("consuming quota: %w", err)
	}

	d.Allowed = allowed
	d.Used = used
	if !allowed {
		l.log.Info().Str("user", userID).Int("used", used).Int("limit", l.limit).Msg("daily limit reached")
	}
	return d, nil
}

// Usage reports today's count for the user without consuming.
func (l *Limiter) Usage(ctx context.Context, userID string) (Decision, error) {
	now := l.now().In(l.loc)
	d := Decision{Limit: l.limit, ResetAt: nextMidnight(now)}

	admin, err := l.isAdmin(ctx, userID)
	if err != nil {
		return d, err
	}
	used, err := l.counter.Count(ctx, userID, now.Format(dayLayout))
	if err != nil {
		return d, fmt.Errorf("reading quota: %w", err)
	}
	d.Admin = admin
	d.Used = used
	d.Allowed = admin || used < l.limit
	return d, nil
}

func (l *Limiter) isAdmin(ctx context.Context, userID string) (bool, error) {
	span := l.hooks.StartSpan(ctx, hooks.SpanAdminCheck, map[string]any{"user_id": userID})
	admin, err := l.admins.IsAdmin(ctx, userID)
	span.End(err)
	if err != nil {
		return false, fmt.Errorf("checking admin: %w", err)
	}
	return admin, nil
}

func nextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}
