package draftsync

import (
	"errors"
	"fmt"
)

var (
	ErrConflict       = errors.New("version conflict")
	ErrNotFound       = errors.New("record not found")
	ErrRejected       = errors.New("rejected by store")
	ErrInvalidDraft   = errors.New("invalid draft")
	ErrInvalidInput   = errors.New("invalid input")
	ErrClosed         = errors.New("syncer closed")
	ErrWriteInFlight  = errors.New("write already in flight")
	ErrNothingPending = errors.New("nothing pending for key")
	ErrNotImplemented = errors.New("not implemented")
)

type ConflictError struct {
	Table           string
	Key             string
	ExpectedVersion string
	CurrentVersion  string
}

func (e *ConflictError) Error() string {
	if e.Key == "" {
		return "version conflict"
	}
	if e.CurrentVersion != "" {
		return fmt.Sprintf("version conflict for %s/%s: expected %s, current %s", e.Table, e.Key, e.ExpectedVersion, e.CurrentVersion)
	}
	return fmt.Sprintf("version conflict for %s/%s", e.Table, e.Key)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type FailureKind string

const (
	FailureConflict  FailureKind = "conflict"
	FailureRejected  FailureKind = "rejected"
	FailureNotFound  FailureKind = "not_found"
	FailureInvalid   FailureKind = "invalid"
	FailureExhausted FailureKind = "exhausted"
)

// classifyWriteError reports the failure kind for err and whether retrying the
// same write could ever succeed.
func classifyWriteError(err error) (FailureKind, bool) {
	switch {
	case errors.Is(err, ErrConflict):
		return FailureConflict, true
	case errors.Is(err, ErrInvalidDraft):
		return FailureInvalid, true
	case errors.Is(err, ErrNotFound):
		return FailureNotFound, true
	case errors.Is(err, ErrRejected), errors.Is(err, ErrInvalidInput):
		return FailureRejected, true
	default:
		return FailureExhausted, false
	}
}
