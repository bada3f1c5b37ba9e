package vault

import (
	"errors"
	"fmt"

	"github.com/tbumi/glacier-upload/pkg/treehash"
)

// ErrNotFound is returned when a vault, upload, archive or job does not
// exist.
var ErrNotFound = errors.New("vault: resource not found")

// ErrJobNotReady is returned when output is requested for a job that
// has not completed.
var ErrJobNotReady = errors.New("vault: job not completed")

// ValidationError reports invalid configuration. It is raised before any
// remote call and is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransientError marks a remote failure that may succeed on retry, such
// as a network error, throttling or a 5xx response.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable. Transient(nil) returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err, or any error it wraps, is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IntegrityError reports a tree hash mismatch. At finalize it leaves the
// session resumable; UploadID identifies it.
type IntegrityError struct {
	UploadID string
	// PartIndex is the part that failed verification, or -1 for the
	// whole archive.
	PartIndex int
	Expected  treehash.Hash
	Actual    treehash.Hash
	Message   string
}

func (e *IntegrityError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "tree hash mismatch"
	}
	if !e.Expected.IsZero() || !e.Actual.IsZero() {
		msg = fmt.Sprintf("%s: expected %s, got %s", msg, e.Expected, e.Actual)
	}
	if e.PartIndex >= 0 {
		msg = fmt.Sprintf("part %d: %s", e.PartIndex, msg)
	}
	if e.UploadID != "" {
		msg = fmt.Sprintf("upload %s: %s", e.UploadID, msg)
	}
	return "integrity: " + msg
}

// ResumeMismatchError reports a resume attempt whose chunking plan does
// not match the recorded session.
type ResumeMismatchError struct {
	UploadID string
	Recorded int64
	Planned  int64
	Reason   string
}

func (e *ResumeMismatchError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("resume upload %s: %s", e.UploadID, e.Reason)
	}
	return fmt.Sprintf("resume upload %s: recorded part size %d does not match requested %d",
		e.UploadID, e.Recorded, e.Planned)
}

// JobFailedError reports a retrieval job that finished unsuccessfully.
type JobFailedError struct {
	JobID  string
	Reason string
}

func (e *JobFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("job %s failed", e.JobID)
	}
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Reason)
}

// DispatchError reports a multipart upload that stopped before
// finalizing. The session is left intact on the service and can be
// resumed with UploadID.
type DispatchError struct {
	UploadID string
	// PartIndex is the part whose failure aborted the dispatch, or -1
	// when the dispatch was cancelled.
	PartIndex int
	Confirmed int
	Total     int
	Err       error
}

func (e *DispatchError) Error() string {
	where := "dispatch cancelled"
	if e.PartIndex >= 0 {
		where = fmt.Sprintf("part %d failed", e.PartIndex)
	}
	return fmt.Sprintf("upload %s aborted (%d/%d parts confirmed): %s: %v",
		e.UploadID, e.Confirmed, e.Total, where, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
