package jobs

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorType int

const (
	ErrDuplicateJob ErrorType = iota
	ErrUnknownJob
	ErrInvalidTransition
	ErrWorkspace
	ErrPackaging
	ErrFetch
	ErrInternal
)

func (t ErrorType) String() string {
	switch t {
	case ErrDuplicateJob:
		return "DuplicateJob"
	case ErrUnknownJob:
		return "UnknownJob"
	case ErrInvalidTransition:
		return "InvalidTransition"
	case ErrWorkspace:
		return "Workspace"
	case ErrPackaging:
		return "Packaging"
	case ErrFetch:
		return "Fetch"
	default:
		return "Internal"
	}
}

// Error is the orchestration error type. JobID is empty when not tied to a job.
type Error struct {
	Type    ErrorType
	JobID   string
	Message string
	Cause   error
}

func NewError(errorType ErrorType, jobID, message string) *Error {
	return &Error{Type: errorType, JobID: jobID, Message: message}
}

func WrapError(err error, errorType ErrorType, jobID, message string) *Error {
	return &Error{Type: errorType, JobID: jobID, Message: message, Cause: err}
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s] %s", e.Type, e.Message)}
	if e.JobID != "" {
		parts = append(parts, "job="+e.JobID)
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}
	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func IsErrorType(err error, errorType ErrorType) bool {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr.Type == errorType
	}
	return false
}

// PublicReason is the message shown to stream observers for a job-level failure.
func PublicReason(err error) string {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		switch jobErr.Type {
		case ErrWorkspace:
			return "Processing failed: could not prepare workspace"
		case ErrPackaging:
			return "Processing failed: could not create archive"
		}
	}
	return "Processing failed"
}
