// Package poll repeats a status check on a fixed delay until it reports done,
// fails, or runs out of attempts.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted is returned when every attempt ran without the check reporting done.
var ErrExhausted = errors.New("poll: attempts exhausted")

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy bounds a poll loop. The delay is fixed: no backoff, no jitter.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
	Sleep       SleepFunc
}

// CheckFunc inspects the polled resource. attempt starts at 1.
type CheckFunc func(ctx context.Context, attempt int) (done bool, err error)

// Until calls check at most p.MaxAttempts times, sleeping p.Interval between
// calls but never after the last one. It returns the number of checks made.
func Until(ctx context.Context, p Policy, check CheckFunc) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		done, err := check(ctx, attempt)
		if err != nil {
			return attempt, err
		}
		if done {
			return attempt, nil
		}
		if attempt == maxAttempts {
			break
		}
		if err := sleep(ctx, p.Interval); err != nil {
			return attempt, err
		}
	}
	return maxAttempts, ErrExhausted
}

// Sleep blocks for d, returning early with ctx.Err() if ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
