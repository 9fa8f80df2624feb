// Package retry runs operations under an exponential backoff policy. Errors
// that declare themselves fatal stop the loop immediately.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type FatalError interface {
	error
	IsFatal() bool
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return e.err.Error()
}

func (e *fatalError) IsFatal() bool {
	return true
}

func (e *fatalError) Unwrap() error {
	return e.err
}

// NewFatalError marks err as not worth retrying.
func NewFatalError(err error) FatalError {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) declares itself fatal.
func IsPermanent(err error) bool {
	var fatalErr FatalError
	return errors.As(err, &fatalErr) && fatalErr.IsFatal()
}

type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  5 * time.Minute,
	}
}

// OnRetry is told about each failed attempt that will be retried after
// nextDelay.
type OnRetry func(attempt int, err error, nextDelay time.Duration)

func Retry(ctx context.Context, policy Policy, fn func() error) error {
	return RetryWithCallback(ctx, policy, fn, nil)
}

// RetryWithCallback calls fn at most policy.MaxAttempts times. It returns
// the last error of fn, or ctx's error when ctx ends the loop.
func RetryWithCallback(ctx context.Context, policy Policy, fn func() error, onRetry OnRetry) error {
	return run(policy.bounded(ctx), fn, onRetry)
}

// Forever retries fn until it succeeds, returns a permanent error, or ctx is
// done. MaxAttempts and MaxElapsedTime are ignored.
func Forever(ctx context.Context, policy Policy, fn func() error, onRetry OnRetry) error {
	return run(policy.unbounded(ctx), fn, onRetry)
}

func run(b backoff.BackOff, fn func() error, onRetry OnRetry) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err != nil && IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		if onRetry != nil {
			onRetry(attempt, err, next)
		}
	}

	return backoff.RetryNotify(operation, b, notify)
}
