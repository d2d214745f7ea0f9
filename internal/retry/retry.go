// Package retry wraps remote recognition calls with classified retries and a
// process-wide rate-limit gate.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/suanli-labs/voice-core/internal/asr"
)

const (
	// DefaultRateLimitWindow applies when a 429 carries no Retry-After hint.
	DefaultRateLimitWindow = 60 * time.Second

	defaultInitialInterval = 200 * time.Millisecond
	defaultMaxAttempts     = 3
)

type Config struct {
	InitialInterval time.Duration
	MaxAttempts     int
}

// Controller retries retryable recognition failures with exponential backoff
// and jitter, and remembers server-issued rate-limit windows. One Controller
// exists per remote backend and is shared by all callers, since the window
// reflects a real external quota.
type Controller struct {
	cfg Config
	log *slog.Logger

	mu           sync.Mutex
	limitedUntil time.Time
	now          func() time.Time
}

func NewController(cfg Config, log *slog.Logger) *Controller {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaultInitialInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Controller{
		cfg: cfg,
		log: log.With(slog.String("component", "retry")),
		now: time.Now,
	}
}

// RateLimitedFor returns how long the gate still blocks calls, zero if open.
func (c *Controller) RateLimitedFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.limitedUntil.Sub(c.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (c *Controller) markLimited(hint time.Duration) {
	if hint <= 0 {
		hint = DefaultRateLimitWindow
	}
	c.mu.Lock()
	until := c.now().Add(hint)
	if until.After(c.limitedUntil) {
		c.limitedUntil = until
	}
	c.mu.Unlock()
	c.log.Warn("rate limit window set", slog.Duration("window", hint))
}

// Execute runs op with classified retries. Retryable kinds back off
// exponentially (doubling, up to 25% jitter) for at most MaxAttempts tries;
// fatal kinds propagate immediately. A rate-limited failure opens the gate and
// is never retried inline; while the gate is closed, Execute fails fast
// without invoking op.
func Execute[T any](ctx context.Context, c *Controller, op func() (T, error)) (T, error) {
	var zero T
	if remaining := c.RateLimitedFor(); remaining > 0 {
		return zero, &asr.Error{
			Kind:       asr.KindRateLimited,
			Message:    fmt.Sprintf("rate limited, retry in %s", remaining.Round(time.Second)),
			RetryAfter: remaining,
		}
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.InitialInterval
	expo.Multiplier = 2
	// Jitter up to a quarter of the interval in either direction. The band is
	// centered rather than additive, which keeps the same spread while the
	// mean wait stays at base * 2^(attempt-1).
	expo.RandomizationFactor = 0.25

	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := op()
		if err == nil {
			return v, nil
		}
		aerr := Classify(err)
		if aerr.Kind == asr.KindRateLimited {
			c.markLimited(aerr.RetryAfter)
			return v, backoff.Permanent(aerr)
		}
		if !aerr.Retryable() {
			return v, backoff.Permanent(aerr)
		}
		c.log.Debug("retryable recognition failure",
			slog.Int("attempt", attempt),
			slog.String("kind", aerr.Kind.String()),
			slog.String("error", aerr.Message))
		return v, aerr
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)))
}

// Classify coerces an arbitrary failure into the closed error set. Errors that
// are already tagged pass through; everything else becomes unknown.
func Classify(err error) *asr.Error {
	var aerr *asr.Error
	if errors.As(err, &aerr) {
		return aerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return asr.WrapError(asr.KindReceiveTimeout, "deadline exceeded", err)
	}
	return asr.WrapError(asr.KindUnknown, "unclassified failure", err)
}
