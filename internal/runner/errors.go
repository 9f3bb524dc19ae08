package runner

import "errors"

var (
	// ErrNotAccepting is returned by Submit after Stop has begun (or
	// before Start).
	ErrNotAccepting = errors.New("runner is not accepting work")

	// ErrDuplicateBot is returned when two bots register the same id.
	ErrDuplicateBot = errors.New("duplicate bot id")
)

// NoRetryError marks a failure as permanently invalid: the item is dropped
// regardless of its Retryable flag (e.g. a pull request that no longer
// exists). Wrap with NoRetry and detect with errors.As.
type NoRetryError struct {
	Err error
}

func (e NoRetryError) Error() string {
	if e.Err == nil {
		return "non-retriable failure"
	}
	return e.Err.Error()
}

func (e NoRetryError) Unwrap() error { return e.Err }

// NoRetry wraps err so the runner drops the item instead of retrying.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return NoRetryError{Err: err}
}
