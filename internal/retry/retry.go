// Package retry provides context-aware wait policies for retry loops.
package retry

import (
	"context"
	"time"
)

// Policy computes the wait before the next attempt. Attempt numbering is
// 1-based: Wait(1) is the pause after the first failed attempt.
type Policy interface {
	Wait(attempt int) time.Duration
}

// Linear grows the wait by Unit per attempt: Unit, 2xUnit, 3xUnit, capped at
// Max when Max is positive. This matches the terminal's observed history
// sync latency better than exponential growth over so few attempts.
type Linear struct {
	Unit time.Duration
	Max  time.Duration
}

// Wait implements Policy.
func (l Linear) Wait(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(attempt) * l.Unit
	if l.Max > 0 && d > l.Max {
		d = l.Max
	}
	return d
}

// Sleep blocks for d or until the context ends, returning the context error
// when interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn up to attempts times, waiting p.Wait(n) after each failed
// attempt n. fn reports done to stop early with its value. The returned
// error is non-nil only when the context ended first; exhausting all
// attempts is not an error, callers decide what an empty result means.
func Do[T any](ctx context.Context, attempts int, p Policy, fn func(attempt int) (T, bool)) (T, bool, error) {
	var zero T
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, false, err
		}
		v, done := fn(attempt)
		if done {
			return v, true, nil
		}
		if attempt < attempts {
			if err := Sleep(ctx, p.Wait(attempt)); err != nil {
				return zero, false, err
			}
		}
	}
	return zero, false, nil
}
