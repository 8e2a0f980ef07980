package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrInvariantViolation  = errors.New("aggregate invariant violated")
	ErrNegativeDuration    = fmt.Errorf("%w: negative duration", ErrInvariantViolation)
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrRecordNotFound      = errors.New("record not found")
	ErrPullRequestNotFound = fmt.Errorf("pull request: %w", ErrRecordNotFound)
	ErrAggregateNotFound   = fmt.Errorf("aggregate: %w", ErrRecordNotFound)
	ErrQueueFull           = errors.New("dispatch queue is full")
	ErrPoolClosed          = errors.New("dispatch pool is closed")
)

// ConflictError is returned by storage adapters when an insert collides with
// an existing row on a unique key.
type ConflictError struct {
	Entity string
	Key    string
	Err    error
}

func (e *ConflictError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s already exists", e.Entity)
	}
	return fmt.Sprintf("%s with key %s already exists", e.Entity, e.Key)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

// IsPermanent reports whether retrying the operation that produced err can
// never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvariantViolation) ||
		errors.Is(err, ErrInvalidTransition)
}

func validationError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}
