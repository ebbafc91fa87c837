package runpod

import (
	"errors"
	"fmt"
)

// ErrNotConfigured means remote execution was requested without a base
// URL and endpoint id.
var ErrNotConfigured = errors.New("remote endpoint not configured")

// SubmissionError covers transport and endpoint-side failures before a
// remote job produced output. Retryable.
type SubmissionError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("remote %s: endpoint returned %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// JobFailedError means the remote worker ran and reported failure. The
// remote error message travels with it so the retry engine can match
// fatal patterns.
type JobFailedError struct {
	RemoteJobID string
	Message     string
}

func (e *JobFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote job %s failed", e.RemoteJobID)
	}
	return fmt.Sprintf("remote job %s failed: %s", e.RemoteJobID, e.Message)
}

// IsJobFailed reports whether err is a remote-side job failure.
func IsJobFailed(err error) bool {
	var jf *JobFailedError
	return errors.As(err, &jf)
}
