// Package retry implements bounded retries with exponential backoff and
// jitter for remote calls that fail with vault.TransientError.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/tbumi/glacier-upload/internal/clock"
	"github.com/tbumi/glacier-upload/pkg/vault"
)

// ErrExhausted is wrapped into the error returned by Do when every
// attempt failed with a transient error.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy configures retries.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	// Default: 10
	Attempts int

	// Backoff is the delay before the second attempt. Each further
	// attempt doubles it.
	// Default: 1s
	Backoff time.Duration

	// MaxBackoff caps the delay.
	// Default: 30s
	MaxBackoff time.Duration

	// Clock is used for waiting. Default: clock.Real()
	Clock clock.Clock
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:   10,
		Backoff:    time.Second,
		MaxBackoff: 30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.Backoff <= 0 {
		p.Backoff = d.Backoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.MaxBackoff < p.Backoff {
		p.MaxBackoff = p.Backoff
	}
	if p.Clock == nil {
		p.Clock = clock.Real()
	}
	return p
}

// Delay returns the jittered wait before the given retry. retry counts
// from 1 (the wait before the second attempt).
func (p Policy) Delay(retry int) time.Duration {
	p = p.withDefaults()
	if retry < 1 {
		retry = 1
	}

	backoff := p.MaxBackoff
	if retry-1 < 32 {
		if b := p.Backoff * time.Duration(1<<uint(retry-1)); b > 0 && b < p.MaxBackoff {
			backoff = b
		}
	}

	// Jitter: 0.5 to 1.5 of backoff
	return time.Duration(float64(backoff) * (0.5 + rand.Float64()))
}

// Wait blocks for Delay(retry) or until ctx is done.
func (p Policy) Wait(ctx context.Context, retry int) error {
	p = p.withDefaults()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.Clock.After(p.Delay(retry)):
		return nil
	}
}

// Do calls fn until it succeeds, returns a non-transient error, or the
// attempts run out. attempt counts from 1. When every attempt failed
// transiently the returned error wraps both ErrExhausted and the last
// failure.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if attempt > 1 {
			if err := p.Wait(ctx, attempt-1); err != nil {
				return err
			}
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !vault.IsTransient(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.Attempts, lastErr)
}
