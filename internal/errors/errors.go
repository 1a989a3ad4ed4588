// internal/errors/errors.go
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by stores when a record does not exist for the given natural key.
	ErrNotFound = stderrors.New("not found")

	// ErrUnknownJobType is returned when a job is submitted for a type with no registered handler.
	ErrUnknownJobType = stderrors.New("unknown job type")

	// ErrPipelineStopped is returned when work is submitted to a pipeline that has shut down.
	ErrPipelineStopped = stderrors.New("pipeline stopped")
)

// ErrInvalidRepoFormat is returned when a repository string in the config is not in 'owner/name' format.
type ErrInvalidRepoFormat struct {
	Repo string
}

func (e *ErrInvalidRepoFormat) Error() string {
	return fmt.Sprintf("invalid repository format: %q, expected 'owner/name'", e.Repo)
}

// AuthError reports a bad or missing credential: an API token rejected upstream
// or a webhook delivery whose signature does not verify.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError is surfaced once the API client has exhausted its retries
// against a rate-limited upstream.
type RateLimitError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// ValidationError describes a record rejected by validation.
type ValidationError struct {
	Kind    string // "bug", "project", "payload", ...
	Key     string // natural key of the offending record, if known
	Reasons []string
}

func (e *ValidationError) Error() string {
	key := e.Key
	if key == "" {
		key = "<empty key>"
	}
	return fmt.Sprintf("invalid %s %s: %s", e.Kind, key, strings.Join(e.Reasons, "; "))
}

// IsValidation reports whether err is, or wraps, a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return stderrors.As(err, &v)
}

// IsAuth reports whether err is, or wraps, an *AuthError.
func IsAuth(err error) bool {
	var a *AuthError
	return stderrors.As(err, &a)
}

// IsRetryable reports whether an operation that failed with err may succeed on
// a later attempt. Validation and authentication failures never do.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsValidation(err) || IsAuth(err) {
		return false
	}
	return !stderrors.Is(err, ErrUnknownJobType)
}
