// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"time"
)

// RetryPolicy controls how transient remote failures are retried. It is
// injected into the orchestrator rather than hard-coded so callers can tune
// the curve (or disable retries with MaxAttempts=1).
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first
	BackoffMin  time.Duration // delay before the first retry
	BackoffMax  time.Duration // backoff cap
}

// DefaultRetryPolicy mirrors the backoff the background loops use.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BackoffMin:  1 * time.Second,
		BackoffMax:  60 * time.Second,
	}
}

// Do runs fn up to MaxAttempts times, sleeping with exponential backoff
// between attempts. Only transient errors are retried; anything else (and
// context cancellation) returns immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.BackoffMin

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if serr := sleepWithContext(ctx, backoff); serr != nil {
			return serr
		}
		backoff *= 2
		if backoff > p.BackoffMax {
			backoff = p.BackoffMax
		}
	}
	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
