// Package retry runs operations with bounded exponential backoff. Only transient
// failures (apperr.ErrTransient) are retried; every other error returns immediately.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"dms/internal/apperr"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultPolicy is used when a component is not given an explicit policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     4,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsed:      10 * time.Second,
	}
}

// NewBackOff returns an exponential backoff configured from p.
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Notify is called before each retry with the failure and the wait that follows.
type Notify func(err error, wait time.Duration)

// Do calls op until it succeeds, fails permanently, or the policy is exhausted.
// The last error is returned unchanged, so its apperr kind survives.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error), notify ...Notify) (T, error) {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.NewBackOff()),
	}
	if p.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(p.MaxAttempts))
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}
	if len(notify) > 0 && notify[0] != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(notify[0])))
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !apperr.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(context.Context) error, notify ...Notify) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, notify...)
	return err
}
