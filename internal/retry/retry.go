// Package retry runs operations with bounded exponential backoff. Attempts are
// explicit, waits are cancelled with the context, and an error classifier
// decides which failures are worth another try.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy defines retry behaviour.
type Policy struct {
	// Attempts is the total number of tries, the first one included. Values
	// below 1 behave like 1.
	Attempts int
	// Delay before the second attempt.
	Delay time.Duration
	// Multiplier applied to the delay after each attempt (default 2).
	Multiplier float64
	// MaxDelay caps the delay. Zero means uncapped.
	MaxDelay time.Duration
	// Jitter randomizes each delay by +/- Jitter*delay (0.0-1.0).
	Jitter float64
	// Retryable classifies errors. Nil means IsRetryable.
	Retryable func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultPolicy returns 3 attempts starting at 100ms, doubling, capped at 5s.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:   3,
		Delay:      100 * time.Millisecond,
		Multiplier: 2,
		MaxDelay:   5 * time.Second,
		Jitter:     0.1,
	}
}

// Always retries every error.
func Always(error) bool { return true }

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Delay
	eb.Multiplier = p.Multiplier
	if eb.Multiplier < 1 {
		eb.Multiplier = 2
	}
	eb.RandomizationFactor = p.Jitter
	eb.MaxInterval = p.MaxDelay
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = time.Duration(1<<63 - 1)
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts are
// used up, or ctx is done. It returns the last error of fn, or ctx.Err() when
// the context ended the loop.
func Do(ctx context.Context, p Policy, fn func() error) error {
	_, err := DoWithResult(ctx, p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions returning a value.
func DoWithResult[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	classify := p.Retryable
	if classify == nil {
		classify = IsRetryable
	}

	attempt := 0
	var result T
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		r, err := fn()
		if err == nil {
			result = r
			return nil
		}
		if !classify(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = func(err error, wait time.Duration) { p.OnRetry(attempt, err, wait) }
	}

	err := backoff.RetryNotify(op, p.backOff(ctx), notify)
	return result, err
}

// RetryableError is implemented by errors that know whether they are transient.
type RetryableError interface {
	error
	IsRetryable() bool
}

// IsRetryable reports whether err looks transient. Errors implementing
// RetryableError anywhere in their chain decide for themselves; context errors
// are never retried; anything else is matched against known transient
// connection failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r RetryableError
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"timed out",
	"temporary failure",
	"too many connections",
	"deadlock",
	"network is unreachable",
	"server closed the connection",
	"database is locked",
}
