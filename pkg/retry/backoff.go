package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// exponential builds a jittered exponential backoff from p. Zero fields keep
// the library defaults; maxElapsed of zero never gives up on elapsed time.
func (p Policy) exponential(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		exp.Multiplier = p.Multiplier
	}
	exp.MaxElapsedTime = maxElapsed
	exp.Reset()
	return exp
}

// bounded stops after MaxAttempts calls or MaxElapsedTime, whichever is
// first.
func (p Policy) bounded(ctx context.Context) backoff.BackOff {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultPolicy().MaxAttempts
	}
	return backoff.WithContext(backoff.WithMaxRetries(p.exponential(p.MaxElapsedTime), uint64(attempts-1)), ctx)
}

func (p Policy) unbounded(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(p.exponential(0), ctx)
}
