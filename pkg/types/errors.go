package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// expected, frequent: resource already held
	ErrConflict = errors.New("resource is held by another owner")
	// fenced write against a version that has moved
	ErrStaleLock = errors.New("lock version is stale")
	// no such (state, action) pair
	ErrInvalidTransition = errors.New("invalid transition")
	// both backends failed after the retry budget
	ErrBackendUnavailable = errors.New("lock backends unavailable")
	// partial batch failure, already rolled back
	ErrBatchConflict = errors.New("batch conflict")
	// rollback keys and values disagree, a defect
	ErrRollbackMismatch = errors.New("rollback keys and values mismatch")

	ErrNotOwner       = errors.New("caller is not the lock owner")
	ErrLockLost       = errors.New("lock is no longer held")
	ErrInvalidTTL     = errors.New("invalid lock TTL")
	ErrInvalidValue   = errors.New("invalid lock value")
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnauthorized   = errors.New("invalid admin token")
)

// carries who holds the resource and how long until it frees up
type ConflictError struct {
	ResourceID string
	Owner      string
	RetryAfter time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resource %s is held by %s, retry after %dms",
		e.ResourceID, e.Owner, e.RetryAfter.Milliseconds())
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// lists the resources that could not be acquired in a batch
type BatchConflictError struct {
	Conflicts []string
}

func (e *BatchConflictError) Error() string {
	return fmt.Sprintf("batch conflict on %s", strings.Join(e.Conflicts, ","))
}

func (e *BatchConflictError) Unwrap() error { return ErrBatchConflict }

type StaleLockError struct {
	ResourceID string
	Expected   uint64
	Actual     uint64 // zero when the version row is missing
}

func (e *StaleLockError) Error() string {
	if e.Actual == 0 {
		return fmt.Sprintf("stale lock on %s: no version row (expected %d)", e.ResourceID, e.Expected)
	}
	return fmt.Sprintf("stale lock on %s: expected version %d, found %d", e.ResourceID, e.Expected, e.Actual)
}

func (e *StaleLockError) Unwrap() error { return ErrStaleLock }

type TransitionError struct {
	From   string
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s on %s", e.Action, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// errors the caller decides about; never retried inside the core
func IsPermanent(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrStaleLock) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrBatchConflict) ||
		errors.Is(err, ErrRollbackMismatch) ||
		errors.Is(err, ErrNotOwner) ||
		errors.Is(err, ErrLockLost) ||
		errors.Is(err, ErrInvalidTTL) ||
		errors.Is(err, ErrInvalidValue) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrUnauthorized)
}
