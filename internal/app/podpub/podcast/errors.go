package podcast

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// ValidationError reports malformed input or metadata
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PayloadTooLargeError reports audio above the configured ceiling
type PayloadTooLargeError struct {
	Size  int64
	Limit int64
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload of %s exceeds limit of %s",
		humanize.IBytes(uint64(e.Size)), humanize.IBytes(uint64(e.Limit)))
}

// StorageError reports a failed object store operation
type StorageError struct {
	Op        string
	Path      string
	Transient bool
	Err       error
}

func (e *StorageError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s %s failed (%s): %v", e.Op, e.Path, kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ConflictError reports an episode id that could not be disambiguated
type ConflictError struct {
	ShowID    string
	EpisodeID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("episode %s already exists in show %s", e.EpisodeID, e.ShowID)
}

// NotFoundError reports a missing object, show or episode
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Key)
}

// IsTransient tells whether err is a storage error worth retrying
func IsTransient(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Transient
}

// IsNotFound tells whether err wraps a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// Kind names the class of err for logs and API responses
func Kind(err error) string {
	var (
		verr *ValidationError
		terr *PayloadTooLargeError
		cerr *ConflictError
		serr *StorageError
		nerr *NotFoundError
	)
	switch {
	case errors.As(err, &verr):
		return "validation"
	case errors.As(err, &terr):
		return "payload_too_large"
	case errors.As(err, &cerr):
		return "conflict"
	case errors.As(err, &nerr):
		return "not_found"
	case errors.As(err, &serr) && serr.Transient:
		return "storage_transient"
	case errors.As(err, &serr):
		return "storage_permanent"
	}
	return "internal"
}
