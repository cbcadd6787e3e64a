package quota

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no quota document exists for the user yet.
	ErrNotFound = errors.New("quota not found")
	// ErrCorrupt means a stored document could not be decoded.
	ErrCorrupt = errors.New("corrupt quota document")

	ErrInvalidUser     = errors.New("invalid user id")
	ErrInvalidResource = errors.New("invalid resource type")
	ErrInvalidPlan     = errors.New("invalid plan")
	ErrInvalidPeriod   = errors.New("invalid period")
	ErrInvalidEvent    = errors.New("invalid usage event")
	ErrInvalidUpdate   = errors.New("invalid update")

	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrSuspended     = errors.New("account suspended")

	// ErrTransient matches any *TransientStoreError.
	ErrTransient = errors.New("quota store unavailable")
)

// TransientStoreError wraps a store failure the caller may retry. A timed out
// consume has an unknown outcome.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("quota store %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

func (e *TransientStoreError) Is(target error) bool { return target == ErrTransient }

func transient(op string, err error) error {
	var te *TransientStoreError
	if errors.As(err, &te) {
		return err
	}
	return &TransientStoreError{Op: op, Err: err}
}

// ExceededError carries the standing of a user whose limit is reached.
type ExceededError struct {
	Info Info
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %d/%d used on plan %s", e.Info.Used, e.Info.Limit, e.Info.PlanID)
}

func (e *ExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// SuspendedError is returned for suspended accounts.
type SuspendedError struct {
	Reason string
}

func (e *SuspendedError) Error() string {
	if e.Reason == "" {
		return "account suspended"
	}
	return "account suspended: " + e.Reason
}

func (e *SuspendedError) Is(target error) bool { return target == ErrSuspended }
