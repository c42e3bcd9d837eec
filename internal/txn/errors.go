package txn

import (
	"context"
	"errors"
)

// Caller misuse and timeout errors. None of them is retried.
var (
	ErrTransactionAlreadyActive = errors.New("transaction already active")
	ErrNoActiveTransaction      = errors.New("no active transaction")
	ErrDuplicateSavepoint       = errors.New("duplicate savepoint")
	ErrSavepointNotFound        = errors.New("savepoint not found")
	ErrTransactionTimeout       = errors.New("transaction timed out")
)

// IsMisuse reports whether err comes from calling the manager in the wrong
// state or with a bad savepoint name.
func IsMisuse(err error) bool {
	return errors.Is(err, ErrTransactionAlreadyActive) ||
		errors.Is(err, ErrNoActiveTransaction) ||
		errors.Is(err, ErrDuplicateSavepoint) ||
		errors.Is(err, ErrSavepointNotFound)
}

// retryable is the default classifier of ExecuteWithRetry: any failure of the
// operation is retried except misuse, timeouts and cancellation.
func retryable(err error) bool {
	switch {
	case err == nil, IsMisuse(err), errors.Is(err, ErrTransactionTimeout):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
