package pool

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Typed errors below match them through errors.Is.
var (
	ErrPoolInitialization   = errors.New("pool initialization failed")
	ErrPoolExhausted        = errors.New("pool exhausted")
	ErrConnectionValidation = errors.New("connection validation failed")
	ErrPoolClosed           = errors.New("pool closed")
	ErrPoolNotInitialized   = errors.New("pool not initialized")
	ErrDuplicatePoolName    = errors.New("duplicate pool name")
	ErrUnknownPool          = errors.New("unknown pool")
	ErrForeignConnection    = errors.New("connection belongs to another pool")
)

// InitializationError reports that Initialize could not open MinSize connections.
type InitializationError struct {
	Pool     string
	Opened   int
	Required int
	Err      error // last open error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("pool %s: opened %d of %d required connections: %v",
		e.Pool, e.Opened, e.Required, e.Err)
}

func (e *InitializationError) Is(target error) bool { return target == ErrPoolInitialization }
func (e *InitializationError) Unwrap() error        { return e.Err }

// ExhaustedError reports an Acquire that gave up waiting for a connection.
type ExhaustedError struct {
	Pool    string
	Max     int
	Waited  time.Duration
	Timeout time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("pool %s exhausted (max=%d, waited=%v, timeout=%v)",
		e.Pool, e.Max, e.Waited, e.Timeout)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrPoolExhausted }

// IsRetryable is true: a busy pool may have room on the next attempt.
func (e *ExhaustedError) IsRetryable() bool { return true }

// ValidationError reports that no connection passed validation within the
// configured retry budget.
type ValidationError struct {
	Pool     string
	Attempts int
	Err      error // last validation error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pool %s: connection validation failed after %d attempts: %v",
		e.Pool, e.Attempts, e.Err)
}

func (e *ValidationError) Is(target error) bool { return target == ErrConnectionValidation }
func (e *ValidationError) Unwrap() error        { return e.Err }
func (e *ValidationError) IsRetryable() bool    { return true }

// IsExhausted checks if the error is a borrow timeout.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrPoolExhausted)
}

// IsClosed checks if the error means the pool can no longer be used.
func IsClosed(err error) bool {
	return errors.Is(err, ErrPoolClosed)
}

// IsRetryable classifies pool errors for callers wrapping Acquire in a retry
// loop. Closed pools, duplicate names and unknown pools are never retried.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrPoolClosed), errors.Is(err, ErrDuplicatePoolName),
		errors.Is(err, ErrUnknownPool), errors.Is(err, ErrPoolNotInitialized):
		return false
	case errors.Is(err, ErrPoolExhausted), errors.Is(err, ErrConnectionValidation):
		return true
	}
	var cerr *connectError
	return errors.As(err, &cerr)
}

// connectError wraps a failed physical open so the manager can retry it.
type connectError struct {
	node string
	err  error
}

func (e *connectError) Error() string { return fmt.Sprintf("open connection to %s: %v", e.node, e.err) }
func (e *connectError) Unwrap() error { return e.err }
