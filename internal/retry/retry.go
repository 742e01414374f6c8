// Package retry runs calls to external collaborators with rate limiting, exponential backoff
// and transient/permanent error classification.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hyperjump/kizami/internal/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Policy bounds the retries of one call.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
}

// DefaultPolicy returns three attempts starting at 500ms, capped at 30s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
}

// Delay returns the backoff before attempt+1, doubling from BaseDelay and capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Retrier executes calls under a Policy and an optional rate limit.
type Retrier struct {
	policy  Policy
	limiter *rate.Limiter
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithRateLimit throttles every attempt to rps requests per second with the given burst.
// rps <= 0 disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(r *Retrier) {
		if rps <= 0 {
			r.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets a logger for retry warnings.
func WithLogger(l *zap.Logger) Option {
	return func(r *Retrier) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSleep replaces the backoff wait; tests use it to avoid real delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) {
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// New creates a Retrier. A policy with MaxAttempts <= 0 makes a single attempt.
func New(policy Policy, opts ...Option) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	r := &Retrier{policy: policy, logger: zap.NewNop(), sleep: sleepContext}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the retry policy.
func (r *Retrier) Policy() Policy {
	return r.policy
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, returns a permanent error, the context ends, or the
// attempts run out. The last error is returned wrapped with the attempt count.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%s: rate limiter: %w", op, err)
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) || ctx.Err() != nil || attempt >= r.policy.MaxAttempts {
			return fmt.Errorf("%s failed after %d attempt(s): %w", op, attempt, err)
		}
		delay := r.policy.Delay(attempt)
		if ra := RetryAfter(err); ra > delay {
			delay = ra
		}
		r.logger.Warn("retrying after error",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent or wraps a permanent sentinel.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe) ||
		errors.Is(err, models.ErrPermanent) ||
		errors.Is(err, models.ErrUnsupportedFormat)
}

// RateLimitError is returned by collaborators that were throttled. RetryAfter, when set,
// is the server's requested wait.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err == nil {
		return models.ErrRateLimited.Error()
	}
	return fmt.Sprintf("%s: %v", models.ErrRateLimited, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// Is matches models.ErrRateLimited.
func (e *RateLimitError) Is(target error) bool { return target == models.ErrRateLimited }

// RetryAfter returns the wait requested by a RateLimitError in err's chain, or zero.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// Classify maps err to a manifest error class. Anything not explicitly permanent is
// transient, so unknown failures get retried on a later run within the retry budget.
func Classify(err error) models.ErrorClass {
	if IsPermanent(err) {
		return models.ErrorPermanent
	}
	return models.ErrorTransient
}

// Type returns a short error type label for reports.
func Type(err error) string {
	var netErr net.Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, models.ErrUnsupportedFormat):
		return "unsupported_format"
	case IsPermanent(err):
		return "permanent"
	case errors.Is(err, models.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.As(err, &netErr):
		return "network"
	default:
		return "error"
	}
}
