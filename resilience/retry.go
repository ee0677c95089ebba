package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/agentium/governance-core/core"
)

// RetryConfig configures exponential backoff retry.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig returns three attempts, 100ms initial backoff
// doubling up to 5s, with jitter.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry runs fn up to config.MaxAttempts times, backing off exponentially
// between attempts and honoring ctx cancellation. It returns nil on the
// first success, or a wrapped error naming the last failure once attempts
// are exhausted.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == config.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		if config.JitterEnabled {
			jitter := time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
			delay += jitter
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w: %v", config.MaxAttempts, core.ErrTransient, lastErr)
}

// RetryWithCircuitBreaker composes Retry with a CircuitBreaker: each
// attempt only runs if the breaker currently allows it, and Allow()==false
// short-circuits the remaining attempts rather than waiting out the full
// backoff schedule against a breaker that's already open.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		if !cb.Allow() {
			return fmt.Errorf("%w: circuit breaker %s is open", core.ErrTransient, cb.cfg.Name)
		}
		err := fn()
		cb.record(err)
		return err
	})
}
