// Package retry provides one bounded retry-with-backoff utility used by the
// action executor and by collaborator calls.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNotSatisfied is returned when every attempt ran without error but the
// success predicate never held.
var ErrNotSatisfied = errors.New("retry: success predicate not satisfied")

// Policy bounds a retry loop.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Multiplier scales each successive delay. Values <= 1 keep the delay constant.
	Multiplier float64
	// MaxDelay caps a single delay. Zero means uncapped.
	MaxDelay time.Duration
	// OnRetry is called before each sleep with the attempt that just failed
	// (1-based), the delay about to be slept, and the attempt's error (nil
	// when the predicate was false).
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Linear returns a constant-delay policy.
func Linear(maxRetries int, delay time.Duration) Policy {
	return Policy{MaxRetries: maxRetries, Initial: delay, Multiplier: 1}
}

// Doubling returns a policy whose delay doubles after each retry.
func Doubling(maxRetries int, initial time.Duration) Policy {
	return Policy{MaxRetries: maxRetries, Initial: initial, Multiplier: 2}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if p.Multiplier <= 1 {
		b = backoff.NewConstantBackOff(p.Initial)
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Initial
		eb.Multiplier = p.Multiplier
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = 0
		if p.MaxDelay > 0 {
			eb.MaxInterval = p.MaxDelay
		} else {
			eb.MaxInterval = time.Duration(1<<62 - 1)
		}
		eb.Reset()
		b = eb
	}
	if p.MaxRetries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do stops retrying immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs op until it reports success, returns a Permanent error, the policy
// is exhausted, or ctx is cancelled. op returns (true, nil) on success; a
// false result or a non-nil error triggers a retry. The returned count is the
// number of attempts made, including the first.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) (bool, error)) (int, error) {
	attempts := 0
	var lastErr error

	operation := func() error {
		attempts++
		ok, err := op(ctx)
		if err != nil {
			var pe *permanentError
			if errors.As(err, &pe) {
				return backoff.Permanent(pe.err)
			}
			lastErr = err
			return err
		}
		if !ok {
			lastErr = nil
			return ErrNotSatisfied
		}
		return nil
	}

	notify := func(err error, d time.Duration) {
		if p.OnRetry == nil {
			return
		}
		if errors.Is(err, ErrNotSatisfied) {
			err = nil
		}
		p.OnRetry(attempts, d, err)
	}

	err := backoff.RetryNotify(operation, p.backOff(ctx), notify)
	if err == nil {
		return attempts, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return attempts, ctxErr
	}
	if errors.Is(err, ErrNotSatisfied) && lastErr != nil {
		return attempts, lastErr
	}
	return attempts, err
}
