package recordstore

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable marks transient failures. Callers may retry.
	ErrStoreUnavailable = errors.New("record store unavailable")

	// ErrUnknownTarget is returned for target types the store does not know.
	ErrUnknownTarget = errors.New("unknown target type")
)

// UnknownFieldError is returned when a field is not declared on the target type
type UnknownFieldError struct {
	TargetType string
	Field      string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("field %q is not declared on %s", e.Field, e.TargetType)
}

// MergeConflictError is returned when the store rejects a merge. Nothing was changed.
type MergeConflictError struct {
	MasterID int64
	LoserIDs []int64
	Reason   string
	Err      error
}

func (e *MergeConflictError) Error() string {
	msg := fmt.Sprintf("merge of %v into %d rejected", e.LoserIDs, e.MasterID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MergeConflictError) Unwrap() error {
	return e.Err
}

// Unavailable wraps err so that errors.Is(err, ErrStoreUnavailable) holds
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
