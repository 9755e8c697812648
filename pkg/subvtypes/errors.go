package subvtypes

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidDescriptor   = errors.New("invalid descriptor")
	ErrSubvolumeExists     = errors.New("subvolume path already exists")
	ErrReflinkNotSupported = errors.New("reflink copy not supported")
	ErrOutsideRoot         = errors.New("path escapes restore root")
	ErrNotADirectory       = errors.New("destination exists and is not a directory")
	ErrDigestMismatch      = errors.New("content digest mismatch after migration")
	ErrMountBelowTarget    = errors.New("a filesystem is mounted at or below the destination")
)

// identity or mount-table query failed for one directory. recoverable: subtree is skipped.
type ClassificationError struct {
	Path string
	Err  error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify %s: %v", e.Path, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// directory could not be listed. recoverable: subtree is skipped.
type ScanIOError struct {
	Path string
	Err  error
}

func (e *ScanIOError) Error() string {
	return fmt.Sprintf("read dir %s: %v", e.Path, e.Err)
}

func (e *ScanIOError) Unwrap() error { return e.Err }

type SubvolumeCreateError struct {
	Path string
	Err  error
}

func (e *SubvolumeCreateError) Error() string {
	return fmt.Sprintf("create subvolume %s: %v", e.Path, e.Err)
}

func (e *SubvolumeCreateError) Unwrap() error { return e.Err }

type SubvolumeDeleteError struct {
	Path string
	Err  error
}

func (e *SubvolumeDeleteError) Error() string {
	return fmt.Sprintf("delete subvolume %s: %v", e.Path, e.Err)
}

func (e *SubvolumeDeleteError) Unwrap() error { return e.Err }

// moving pre-existing data into a freshly created subvolume failed
type MigrationError struct {
	Path string
	Err  error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migrate data into %s: %v", e.Path, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// one or more rollback steps failed. the listed paths may still exist.
type RollbackIncompleteError struct {
	Failures []error
}

func (e *RollbackIncompleteError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		msgs = append(msgs, failure.Error())
	}

	return fmt.Sprintf("rollback incomplete (%d failure(s)): %s", len(e.Failures), strings.Join(msgs, "; "))
}

func (e *RollbackIncompleteError) Unwrap() []error { return e.Failures }

// terminal outcome of an aborted restore run. Rollback is nil when the rollback
// finished cleanly.
type RestoreError struct {
	Record   SubvolumeRecord
	Cause    error
	Rollback error
}

func (e *RestoreError) Error() string {
	msg := fmt.Sprintf("restore aborted at %s: %v", e.Record, e.Cause)
	if e.Rollback != nil {
		msg += fmt.Sprintf(" (also: %v)", e.Rollback)
	}

	return msg
}

func (e *RestoreError) Unwrap() []error {
	if e.Rollback == nil {
		return []error{e.Cause}
	}

	return []error{e.Cause, e.Rollback}
}
