package ledger

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the ledger package.
var (
	// ErrClosed is returned when operations are attempted on a closed ledger or page.
	ErrClosed = errors.New("ledger is closed")

	// ErrNotFound is returned when a commit or object does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMissingParent is returned by AddCommit when a parent commit is not
	// present in the store. The caller must fetch and add the parents first.
	ErrMissingParent = errors.New("missing parent commit")

	// ErrInvalidCommit is returned when a commit violates the generation or
	// parent-ordering invariants, or when its encoding cannot be verified.
	ErrInvalidCommit = errors.New("invalid commit")

	// ErrJournalCompleted is returned when a journal is used after Commit or Rollback.
	ErrJournalCompleted = errors.New("journal already committed or rolled back")

	// ErrCanceled is returned when an operation is abandoned via Cancel.
	ErrCanceled = errors.New("operation canceled")

	// ErrIncompatibleCloud is returned when the remote fingerprint does not
	// match the local device's last-known fingerprint for that cloud target.
	ErrIncompatibleCloud = errors.New("cloud state incompatible with local state")

	// ErrNetwork is returned for transient transport failures. Safe to retry.
	ErrNetwork = errors.New("network error")

	// ErrDisk is returned for local storage failures. Not retried automatically.
	ErrDisk = errors.New("local storage error")

	// ErrTokenExpired is returned when the auth token backing a watcher stream
	// is no longer valid.
	ErrTokenExpired = errors.New("auth token expired")

	// ErrMalformedNotification is returned when a remote notification cannot
	// be decoded. Treated as a protocol violation, not a transient error.
	ErrMalformedNotification = errors.New("malformed remote notification")

	// ErrWatcherTerminated is returned when a remote watcher has already
	// delivered a terminal callback.
	ErrWatcherTerminated = errors.New("watcher terminated")

	// ErrUnresolvedConflict is returned when a conflict resolver returns an
	// incomplete resolution.
	ErrUnresolvedConflict = errors.New("conflict resolution incomplete")

	// ErrNoCommonAncestor is returned by CommonAncestor when two commits have
	// disjoint histories, as when two devices each created their own root
	// commit offline. The merge engine treats the empty tree as the base.
	ErrNoCommonAncestor = errors.New("commits share no ancestor")
)

// StoreErrorType categorizes commit store errors.
type StoreErrorType int

const (
	// StoreErrorTypeUnknown is an unclassified store error.
	StoreErrorTypeUnknown StoreErrorType = iota
	// StoreErrorTypeNotFound indicates a missing commit or object.
	StoreErrorTypeNotFound
	// StoreErrorTypeMissingParent indicates a commit arrived before its parents.
	StoreErrorTypeMissingParent
	// StoreErrorTypeInvariant indicates a generation or parent-order violation.
	StoreErrorTypeInvariant
	// StoreErrorTypeBackend indicates an underlying storage backend failure.
	StoreErrorTypeBackend
)

// StoreError provides detailed information about commit store failures.
type StoreError struct {
	Type    StoreErrorType
	Message string
	Commit  string
	Cause   error
}

func (e *StoreError) Error() string {
	if e.Commit != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.Commit, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Message, e.Commit)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for StoreError.
func (e *StoreError) Is(target error) bool {
	switch e.Type {
	case StoreErrorTypeNotFound:
		return target == ErrNotFound
	case StoreErrorTypeMissingParent:
		return target == ErrMissingParent
	case StoreErrorTypeInvariant:
		return target == ErrInvalidCommit
	case StoreErrorTypeBackend:
		return target == ErrDisk
	}
	return false
}

// newStoreError creates a new StoreError.
func newStoreError(errType StoreErrorType, message, commit string, cause error) *StoreError {
	return &StoreError{
		Type:    errType,
		Message: message,
		Commit:  commit,
		Cause:   cause,
	}
}

// SyncErrorType categorizes cloud sync errors.
type SyncErrorType int

const (
	// SyncErrorTypeUnknown is an unclassified sync error.
	SyncErrorTypeUnknown SyncErrorType = iota
	// SyncErrorTypeNetwork indicates a transient transport failure.
	SyncErrorTypeNetwork
	// SyncErrorTypeDisk indicates a local persistence failure.
	SyncErrorTypeDisk
	// SyncErrorTypeIncompatible indicates a fingerprint mismatch with the cloud.
	SyncErrorTypeIncompatible
	// SyncErrorTypeProtocol indicates a malformed or unexpected remote message.
	SyncErrorTypeProtocol
	// SyncErrorTypeAuth indicates an expired or rejected auth token.
	SyncErrorTypeAuth
)

// SyncError provides detailed information about cloud sync failures.
type SyncError struct {
	Type    SyncErrorType
	Message string
	Page    string
	Cause   error
}

func (e *SyncError) Error() string {
	if e.Page != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [page %s]: %v", e.Message, e.Page, e.Cause)
		}
		return fmt.Sprintf("%s [page %s]", e.Message, e.Page)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for SyncError.
func (e *SyncError) Is(target error) bool {
	switch e.Type {
	case SyncErrorTypeNetwork:
		return target == ErrNetwork
	case SyncErrorTypeDisk:
		return target == ErrDisk
	case SyncErrorTypeIncompatible:
		return target == ErrIncompatibleCloud
	case SyncErrorTypeProtocol:
		return target == ErrMalformedNotification
	case SyncErrorTypeAuth:
		return target == ErrTokenExpired
	}
	return false
}

// newSyncError creates a new SyncError.
func newSyncError(errType SyncErrorType, message, page string, cause error) *SyncError {
	return &SyncError{
		Type:    errType,
		Message: message,
		Page:    page,
		Cause:   cause,
	}
}
