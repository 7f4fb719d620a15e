package verification

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidSession   = errors.New("invalid session")
	ErrInvalidToken     = errors.New("invalid verification token")
	ErrExpiredToken     = errors.New("verification token expired")
	ErrAlreadyCompleted = errors.New("attempt already completed")
	ErrAttemptAbandoned = errors.New("attempt was abandoned")
	ErrRateLimited      = errors.New("too many attempts")
	ErrNoQuestions      = errors.New("job has no questions")
	ErrScoreOutOfRange  = errors.New("score outside 0..100")
)

// ValidationError reports bad caller input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError wraps a failed store round trip. Nothing it interrupted was
// committed, so the same request can be retried.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
