// Package retry wraps calls to external services with capped exponential
// backoff or a fallback value.
package retry

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Policy configures backoff for one call site.
type Policy struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before the first retry, doubled each time
	MaxDelay   time.Duration // cap on any single delay

	// Retryable limits which errors are retried. Nil retries every error.
	Retryable func(error) bool
	// Sleep waits between attempts. Nil waits on a timer and honours ctx.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *log.Logger
	Name   string
}

// DefaultPolicy returns the defaults used for external services.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   DefaultMaxDelay,
	}
}

// DefaultMaxDelay caps delays of a policy that sets no MaxDelay.
const DefaultMaxDelay = 30 * time.Second

// Delay returns min(BaseDelay * 2^attempt, MaxDelay) for a zero-based attempt.
// A non-positive MaxDelay means DefaultMaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	d := p.BaseDelay
	for i := 0; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

func (p Policy) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}

func (p Policy) name() string {
	if p.Name != "" {
		return p.Name
	}
	return "call"
}

// Do runs fn until it succeeds, returns a non-retryable error, or exhausts
// MaxRetries. The last error is returned unchanged on exhaustion.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	var last error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		if attempt == p.MaxRetries {
			break
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		delay := p.Delay(attempt)
		p.logger().Printf("retry: %s failed (attempt %d/%d): %v; retrying in %s", p.name(), attempt+1, p.MaxRetries+1, err, delay)
		if serr := sleep(ctx, delay); serr != nil {
			return last
		}
	}
	return last
}

// Value is Do for calls that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Degrade runs fn and replaces any error or panic with fallback. The failure
// is logged, never returned.
func Degrade[T any](ctx context.Context, logger *log.Logger, name string, fallback T, fn func(ctx context.Context) (T, error)) (out T) {
	if logger == nil {
		logger = log.Default()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("degrade: %s panicked (degraded mode): %v; returning fallback", name, r)
			out = fallback
		}
	}()
	v, err := fn(ctx)
	if err != nil {
		logger.Printf("degrade: %s failed (degraded mode): %v; returning fallback", name, err)
		return fallback
	}
	return v
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry interrupted: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
