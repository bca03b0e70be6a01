// Package retry implements the retry strategies shared by the consumer
// pipeline's in-memory retries (level 1) and broker-mediated delayed
// redeliveries (level 2), plus the saga repository retry wrapper.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Strategy bounds a retry sequence: how many retries follow the initial
// attempt, and how long to wait before each one. Attempt numbering starts
// at 1 for the first retry.
type Strategy interface {
	Attempts() int
	Delay(attempt int) time.Duration
}

type immediate struct{ n int }

// Immediate retries up to n times with zero delay.
func Immediate(n int) Strategy { return immediate{n} }

func (s immediate) Attempts() int           { return s.n }
func (s immediate) Delay(int) time.Duration { return 0 }

type interval struct {
	n int
	d time.Duration
}

// Interval retries up to n times with a fixed delay.
func Interval(n int, d time.Duration) Strategy { return interval{n, d} }

func (s interval) Attempts() int           { return s.n }
func (s interval) Delay(int) time.Duration { return s.d }

type intervals struct{ ds []time.Duration }

// Intervals retries once per explicit delay, in sequence.
func Intervals(ds ...time.Duration) Strategy { return intervals{ds} }

func (s intervals) Attempts() int { return len(s.ds) }

func (s intervals) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(s.ds) {
		attempt = len(s.ds)
	}
	return s.ds[attempt-1]
}

type exponential struct {
	n       int
	initial time.Duration
	factor  float64
}

// Exponential retries up to n times with delay initial * factor^(attempt-1).
func Exponential(n int, initial time.Duration, factor float64) Strategy {
	return exponential{n, initial, factor}
}

func (s exponential) Attempts() int { return s.n }

func (s exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(s.initial) * math.Pow(s.factor, float64(attempt-1)))
}

// Error wraps the last failure after a strategy is exhausted. Attempts counts
// every invocation, the initial one included.
type Error struct {
	Err      error
	Attempts int
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// permanentError marks a failure that must not be retried or redelivered.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do fails immediately without further attempts.
// Validation faults and rejected-state saga faults use this.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do runs fn once and then retries it per the strategy, waiting the
// strategy's delay between attempts. A nil strategy means a single attempt.
// Permanent errors and context cancellation stop the sequence early.
func Do(ctx context.Context, s Strategy, fn func(ctx context.Context) error) error {
	retries := 0
	if s != nil {
		retries = s.Attempts()
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := s.Delay(attempt)
			if delay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
			} else if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
	}

	return &Error{Err: lastErr, Attempts: retries + 1}
}
