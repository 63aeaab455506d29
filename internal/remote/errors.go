package remote

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested document does not exist in the remote store.
var ErrNotFound = errors.New("remote: document not found")

// TransientError wraps a network or availability failure that is safe to retry.
type TransientError struct {
	Operation string
	Err       error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("remote: transient failure during %s: %v", e.Operation, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermissionError indicates the remote store rejected the caller's credentials.
// Callers degrade the affected subsystem instead of aborting the workflow.
type PermissionError struct {
	Operation string
	Err       error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("remote: permission denied during %s: %v", e.Operation, e.Err)
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// VersionConflictError indicates a version-checked write lost against a newer
// remote document. It carries the current remote document so the conflict
// resolver does not need a second read.
type VersionConflictError struct {
	Collection    string
	DocumentID    string
	BaseVersion   int64
	RemoteVersion int64
	Remote        Document
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("remote: version conflict on %s/%s: base %d, remote %d",
		e.Collection, e.DocumentID, e.BaseVersion, e.RemoteVersion)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsPermission reports whether err is a credential rejection.
func IsPermission(err error) bool {
	var permission *PermissionError
	return errors.As(err, &permission)
}

// AsVersionConflict extracts a version conflict from err when present.
func AsVersionConflict(err error) (*VersionConflictError, bool) {
	var conflict *VersionConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}
